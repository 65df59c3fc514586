package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/fheplinko/backend/internal/ledger"
	"github.com/shopspring/decimal"
)

// pendingCreditsKey is a Redis hash of payouts the ledger has not yet
// credited, keyed by play id. It outlives the process, so a restart or
// another instance picks the credits up.
const pendingCreditsKey = "credits:pending"

type pendingCredit struct {
	Player     string          `json:"player"`
	GameID     int64           `json:"game_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Slot       int             `json:"slot"`
}

func (c *Controller) queueCredit(ctx context.Context, id string, p pendingCredit) {
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if c.opts.Redis == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("[SESSION] encode pending credit %s: %v", id, err)
		return
	}
	if err := c.opts.Redis.HSet(ctx, pendingCreditsKey, id, data).Err(); err != nil {
		log.Printf("[SESSION] store pending credit %s: %v", id, err)
	}
}

func (c *Controller) forgetCredit(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	if c.opts.Redis == nil {
		return
	}
	if err := c.opts.Redis.HDel(ctx, pendingCreditsKey, id).Err(); err != nil {
		log.Printf("[SESSION] clear pending credit %s: %v", id, err)
	}
}

// pendingWork merges this process's queue with the shared one in Redis.
func (c *Controller) pendingWork(ctx context.Context) map[string]pendingCredit {
	c.mu.RLock()
	work := make(map[string]pendingCredit, len(c.pending))
	for id, p := range c.pending {
		work[id] = p
	}
	c.mu.RUnlock()

	if c.opts.Redis == nil {
		return work
	}
	stored, err := c.opts.Redis.HGetAll(ctx, pendingCreditsKey).Result()
	if err != nil {
		log.Printf("[SESSION] load pending credits: %v", err)
		return work
	}
	for id, raw := range stored {
		if _, ok := work[id]; ok {
			continue
		}
		var p pendingCredit
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Printf("[SESSION] pending credit %s is unreadable, dropping: %v", id, err)
			c.forgetCredit(ctx, id)
			continue
		}
		work[id] = p
	}
	return work
}

// RetryPendingCredits resubmits payouts whose first credit attempt failed.
// A credit the ledger refuses outright, such as one another instance has
// already settled, is dropped rather than retried forever.
func (c *Controller) RetryPendingCredits(ctx context.Context) int {
	rs, ok := c.opts.Ledger.(ledger.ResultSubmitter)
	if !ok || !c.opts.Ledger.Ready() {
		return 0
	}

	credited := 0
	for id, p := range c.pendingWork(ctx) {
		_, err := callLedger(ctx, c.opts.LedgerTimeout, func(lctx context.Context) (ledger.Receipt, error) {
			return rs.SubmitResult(lctx, p.Player, p.GameID, p.Multiplier, p.Slot)
		})
		switch {
		case err == nil:
			credited++
		case errors.Is(err, ledger.ErrSubmissionFailed):
			log.Printf("[SESSION] credit for %s refused by the ledger, dropping: %v", id, err)
		default:
			log.Printf("[SESSION] credit retry for %s failed: %v", id, err)
			continue
		}
		c.forgetCredit(ctx, id)
	}
	return credited
}

// PendingCredits counts payouts still waiting for a ledger credit.
func (c *Controller) PendingCredits() int {
	c.mu.RLock()
	n := len(c.pending)
	c.mu.RUnlock()

	if c.opts.Redis != nil {
		stored, err := c.opts.Redis.HLen(context.Background(), pendingCreditsKey).Result()
		if err == nil {
			n = max(n, int(stored))
		}
	}
	return n
}
