package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is the payload of one block.
type Entry struct {
	Kind       string `json:"kind"` // "genesis", "bet", "result"
	Player     string `json:"player,omitempty"`
	GameID     int64  `json:"game_id,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"` // hex
	Multiplier string `json:"multiplier,omitempty"`
	Slot       *int   `json:"slot,omitempty"`
}

// Block is one hash-linked record of the ledger log.
type Block struct {
	Index     int64  `json:"index"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	Entry     Entry  `json:"entry"`
}

// Chain is an append-only, hash-linked log of ledger writes.
type Chain struct {
	mu     sync.RWMutex
	blocks []Block
	now    func() time.Time
}

// NewChain starts a chain with its genesis block.
func NewChain() *Chain {
	c := &Chain{now: time.Now}
	genesis := Block{
		Index:     0,
		Timestamp: c.now().Unix(),
		PrevHash:  "0",
		Entry:     Entry{Kind: "genesis"},
	}
	genesis.Hash = hashBlock(genesis)
	c.blocks = []Block{genesis}
	return c
}

// Append links e after the latest block and returns the new block.
func (c *Chain) Append(e Entry) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest := c.blocks[len(c.blocks)-1]
	b := Block{
		Index:     latest.Index + 1,
		Timestamp: c.now().Unix(),
		PrevHash:  latest.Hash,
		Entry:     e,
	}
	b.Hash = hashBlock(b)

	if err := validateBlock(b, latest); err != nil {
		return Block{}, fmt.Errorf("invalid block: %w", err)
	}
	c.blocks = append(c.blocks, b)
	return b, nil
}

func (c *Chain) Latest() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

func (c *Chain) Get(index int64) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= int64(len(c.blocks)) {
		return Block{}, fmt.Errorf("block %d out of range", index)
	}
	return c.blocks[index], nil
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Verify walks the whole chain and reports the first broken link.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.blocks) == 0 {
		return fmt.Errorf("empty chain")
	}
	if c.blocks[0].PrevHash != "0" || c.blocks[0].Hash != hashBlock(c.blocks[0]) {
		return fmt.Errorf("invalid genesis block")
	}
	for i := 1; i < len(c.blocks); i++ {
		if err := validateBlock(c.blocks[i], c.blocks[i-1]); err != nil {
			return fmt.Errorf("block %d invalid: %w", i, err)
		}
	}
	return nil
}

func validateBlock(current, previous Block) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}
	if current.PrevHash != previous.Hash {
		return fmt.Errorf("invalid prev hash: expected %s, got %s", previous.Hash, current.PrevHash)
	}
	if want := hashBlock(current); current.Hash != want {
		return fmt.Errorf("invalid hash: expected %s, got %s", want, current.Hash)
	}
	return nil
}

func hashBlock(b Block) string {
	b.Hash = ""
	raw, _ := json.Marshal(b)
	sum := sha256.Sum256(raw)
	return "0x" + hex.EncodeToString(sum[:])
}
