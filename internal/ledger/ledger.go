// Package ledger is the boundary to the encrypted balance ledger. Wagers
// and balances only ever cross it as ciphertexts; the Client decides how
// they are produced, submitted and opened.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEncryptionUnavailable = errors.New("encryption service not initialised")
	ErrUserCancelled         = errors.New("request rejected by the user")
	ErrSubmissionFailed      = errors.New("transaction submission failed")
	ErrNetwork               = errors.New("ledger network error")
	ErrDecryptionFailed      = errors.New("decryption failed")
)

// BalanceScale is the number of balance units per token. Balances are kept
// in hundredths so fractional multipliers settle exactly.
const BalanceScale = 100

// MaxWager is the largest wager, in whole tokens, a ledger will encrypt or
// accept.
const MaxWager = 1_000_000

// CheckWager rejects wagers outside (0, MaxWager].
func CheckWager(v uint64) error {
	if v == 0 || v > MaxWager {
		return fmt.Errorf("%w: wager %d outside 1..%d", ErrSubmissionFailed, v, MaxWager)
	}
	return nil
}

// Ciphertext is an opaque encrypted value.
type Ciphertext []byte

// EncryptedInput is a ciphertext together with the proof that it was
// formed correctly.
type EncryptedInput struct {
	Ciphertext Ciphertext `json:"ciphertext"`
	Proof      []byte     `json:"proof"`
}

// Receipt confirms a ledger write. GameID is the ledger-assigned play id.
type Receipt struct {
	GameID     int64     `json:"game_id"`
	TxHash     string    `json:"tx_hash"`
	BlockIndex int64     `json:"block_index"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client is what a play needs from the encrypted ledger. Implementations
// are constructed explicitly and must be Init'ed before use.
type Client interface {
	Init(ctx context.Context) error
	Close() error
	Ready() bool

	EncryptValue(ctx context.Context, plaintext uint64) (EncryptedInput, error)
	SubmitBet(ctx context.Context, player string, in EncryptedInput) (Receipt, error)
	ReadEncryptedBalance(ctx context.Context, player string) (Ciphertext, error)
	Decrypt(ctx context.Context, player string, ct Ciphertext) (uint64, error)
}

// ResultSubmitter is implemented by ledgers that credit payouts on chain.
type ResultSubmitter interface {
	SubmitResult(ctx context.Context, player string, gameID int64, multiplier decimal.Decimal, slot int) (Receipt, error)
}

// ToTokens converts a decrypted balance into whole-token units.
func ToTokens(balance uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(balance), 0).Div(decimal.NewFromInt(BalanceScale))
}

// MultiplierUnits is a multiplier expressed in hundredths.
func MultiplierUnits(m decimal.Decimal) int64 {
	return m.Mul(decimal.NewFromInt(BalanceScale)).Round(0).IntPart()
}
