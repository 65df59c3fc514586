package game

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"

	"golang.org/x/crypto/blake2b"
)

// Seed initialises the PCG source owned by one engine. It encodes as hex
// text so JSON clients never see the raw 64-bit halves.
type Seed struct {
	Hi uint64
	Lo uint64
}

func (s Seed) Rand() *mrand.Rand {
	return mrand.New(mrand.NewPCG(s.Hi, s.Lo))
}

// String encodes the seed as 32 hex characters.
func (s Seed) String() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], s.Hi)
	binary.BigEndian.PutUint64(buf[8:], s.Lo)
	return hex.EncodeToString(buf[:])
}

func (s Seed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Seed) UnmarshalText(b []byte) error {
	parsed, err := ParseSeed(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseSeed(v string) (Seed, error) {
	raw, err := hex.DecodeString(v)
	if err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if len(raw) != 16 {
		return Seed{}, fmt.Errorf("seed must be 16 bytes, got %d", len(raw))
	}
	return Seed{
		Hi: binary.BigEndian.Uint64(raw[:8]),
		Lo: binary.BigEndian.Uint64(raw[8:]),
	}, nil
}

// RandomSeed draws a fresh seed from the OS.
func RandomSeed() Seed {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return Seed{
		Hi: binary.BigEndian.Uint64(buf[:8]),
		Lo: binary.BigEndian.Uint64(buf[8:]),
	}
}

// DeriveSeed computes a keyed BLAKE2b-256 over the session id. The server
// keeps the key; publishing it later lets anyone recompute every play.
func DeriveSeed(key []byte, sessionID string) (Seed, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return Seed{}, fmt.Errorf("seed hash: %w", err)
	}
	h.Write([]byte(sessionID))
	sum := h.Sum(nil)
	return Seed{
		Hi: binary.BigEndian.Uint64(sum[:8]),
		Lo: binary.BigEndian.Uint64(sum[8:16]),
	}, nil
}
