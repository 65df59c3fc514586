package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memRecord struct {
	attempts      []time.Time
	last          time.Time
	inFlightSince time.Time
	inFlightToken string
	settled       int64
	inconsistent  int64
}

// MemoryStore keeps records in process. One mutex covers every record, so
// a reservation is a single critical section.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memRecord)}
}

func (s *MemoryStore) get(player string) *memRecord {
	r, ok := s.records[player]
	if !ok {
		r = &memRecord{}
		s.records[player] = r
	}
	return r
}

// prune drops attempts at or before now-window.
func (r *memRecord) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(r.attempts) && !r.attempts[i].After(cutoff) {
		i++
	}
	r.attempts = r.attempts[i:]
}

func (r *memRecord) inFlight(now time.Time, ttl time.Duration) bool {
	if r.inFlightSince.IsZero() {
		return false
	}
	if ttl > 0 && now.Sub(r.inFlightSince) >= ttl {
		r.inFlightSince = time.Time{}
		r.inFlightToken = ""
		return false
	}
	return true
}

func (s *MemoryStore) Reserve(_ context.Context, player string, now time.Time, p Policy) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.get(player)
	if r.inFlight(now, p.InFlightTTL) {
		return Verdict{Reason: ReasonAlreadyInFlight}, nil
	}
	if !r.last.IsZero() {
		if elapsed := now.Sub(r.last); elapsed <= p.MinInterval {
			return Verdict{Reason: ReasonRateLimited, RetryAfter: p.MinInterval - elapsed}, nil
		}
	}
	r.prune(now, p.Window)
	if len(r.attempts) >= p.MaxAttempts {
		return Verdict{Reason: ReasonRateLimited, RetryAfter: r.attempts[0].Add(p.Window).Sub(now)}, nil
	}

	r.attempts = append(r.attempts, now)
	r.last = now
	r.inFlightSince = now
	r.inFlightToken = uuid.NewString()
	return Verdict{Allowed: true, Token: r.inFlightToken}, nil
}

func (s *MemoryStore) Release(_ context.Context, player, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[player]; ok && r.inFlightToken == token {
		r.inFlightSince = time.Time{}
		r.inFlightToken = ""
	}
	return nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, player string, consistent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(player)
	if consistent {
		r.settled++
	} else {
		r.inconsistent++
	}
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, player string, now time.Time, p Policy) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[player]
	if !ok {
		return Record{}, nil
	}
	r.prune(now, p.Window)
	return Record{
		LastAttempt:  r.last,
		Attempts:     len(r.attempts),
		InFlight:     r.inFlight(now, p.InFlightTTL),
		Settled:      r.settled,
		Inconsistent: r.inconsistent,
	}, nil
}
