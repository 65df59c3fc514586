package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type account struct {
	balance elgamal
}

type openBet struct {
	player  string
	bet     elgamal
	settled bool
}

// Local is an in-process encrypted ledger. Wagers arrive as ElGamal
// ciphertexts with a proof, balances are debited and credited without
// opening the bet, and every write lands in a hash-linked Chain whose block
// index is the game id.
type Local struct {
	initialCredit uint64 // whole tokens granted to a new account

	mu       sync.Mutex
	ready    bool
	keys     *keyPair
	chain    *Chain
	accounts map[string]*account
	bets     map[int64]*openBet
}

func NewLocal(initialCredit uint64) *Local {
	return &Local{initialCredit: initialCredit}
}

// Init generates the ledger key and genesis block. Calling it again on a
// ready ledger is a no-op.
func (l *Local) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return nil
	}
	l.keys = generateKey()
	l.chain = NewChain()
	l.accounts = make(map[string]*account)
	l.bets = make(map[int64]*openBet)
	l.ready = true
	log.Printf("[LEDGER] local ledger initialised, initial credit %d", l.initialCredit)
	return nil
}

// Close drops the key. Balances are lost with it.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = false
	l.keys = nil
	return nil
}

func (l *Local) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Chain exposes the block log for inspection.
func (l *Local) Chain() *Chain {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain
}

func normalisePlayer(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// accountFor returns the player's account, opening it with the initial
// credit on first use. Caller holds l.mu.
func (l *Local) accountFor(player string) *account {
	a, ok := l.accounts[player]
	if !ok {
		bal, _ := encrypt(l.keys.public, l.initialCredit*BalanceScale)
		a = &account{balance: bal}
		l.accounts[player] = a
	}
	return a
}

func (l *Local) EncryptValue(ctx context.Context, plaintext uint64) (EncryptedInput, error) {
	if err := ctx.Err(); err != nil {
		return EncryptedInput{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := CheckWager(plaintext); err != nil {
		return EncryptedInput{}, err
	}
	l.mu.Lock()
	if !l.ready {
		l.mu.Unlock()
		return EncryptedInput{}, ErrEncryptionUnavailable
	}
	pub := l.keys.public
	l.mu.Unlock()

	e, r := encrypt(pub, plaintext)
	proof, err := prove(pub, e, r)
	if err != nil {
		return EncryptedInput{}, fmt.Errorf("%w: %v", ErrEncryptionUnavailable, err)
	}
	ct, err := e.marshal()
	if err != nil {
		return EncryptedInput{}, fmt.Errorf("%w: %v", ErrEncryptionUnavailable, err)
	}
	return EncryptedInput{Ciphertext: ct, Proof: proof}, nil
}

// SubmitBet checks the proof, debits the wager from the player's encrypted
// balance and records the bet. The debit is refused when it would take the
// balance below zero.
func (l *Local) SubmitBet(ctx context.Context, player string, in EncryptedInput) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	player = normalisePlayer(player)
	if player == "" {
		return Receipt{}, fmt.Errorf("%w: missing player", ErrSubmissionFailed)
	}

	// The bet is opened outside the lock, bounded by MaxWager.
	l.mu.Lock()
	keys := l.keys
	l.mu.Unlock()
	if keys == nil {
		return Receipt{}, fmt.Errorf("%w: ledger not initialised", ErrSubmissionFailed)
	}

	bet, err := unmarshalElgamal(in.Ciphertext)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	if err := verify(keys.public, bet, in.Proof); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	amount, err := keys.decryptBelow(bet, MaxWager+1)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	if err := CheckWager(amount); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready || l.keys != keys {
		return Receipt{}, fmt.Errorf("%w: ledger key changed during submission", ErrSubmissionFailed)
	}

	acct := l.accountFor(player)
	balance, err := l.keys.decrypt(acct.balance)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	if balance < amount*BalanceScale {
		return Receipt{}, fmt.Errorf("%w: insufficient balance", ErrSubmissionFailed)
	}

	block, err := l.chain.Append(Entry{
		Kind:       "bet",
		Player:     player,
		Ciphertext: hex.EncodeToString(in.Ciphertext),
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	acct.balance = acct.balance.sub(bet.scale(BalanceScale))
	l.bets[block.Index] = &openBet{player: player, bet: bet}

	return Receipt{
		GameID:     block.Index,
		TxHash:     block.Hash,
		BlockIndex: block.Index,
		Timestamp:  time.Unix(block.Timestamp, 0),
	}, nil
}

// SubmitResult credits bet*multiplier to the player homomorphically. Each
// bet settles at most once.
func (l *Local) SubmitResult(ctx context.Context, player string, gameID int64, multiplier decimal.Decimal, slot int) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	player = normalisePlayer(player)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return Receipt{}, fmt.Errorf("%w: ledger not initialised", ErrSubmissionFailed)
	}

	bet, ok := l.bets[gameID]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: unknown game %d", ErrSubmissionFailed, gameID)
	}
	if bet.player != player {
		return Receipt{}, fmt.Errorf("%w: game %d belongs to another player", ErrSubmissionFailed, gameID)
	}
	if bet.settled {
		return Receipt{}, fmt.Errorf("%w: game %d already settled", ErrSubmissionFailed, gameID)
	}
	if multiplier.IsNegative() || !multiplier.Equal(multiplier.Round(2)) {
		return Receipt{}, fmt.Errorf("%w: invalid multiplier %s", ErrSubmissionFailed, multiplier)
	}

	s := slot
	block, err := l.chain.Append(Entry{
		Kind:       "result",
		Player:     player,
		GameID:     gameID,
		Multiplier: multiplier.String(),
		Slot:       &s,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	acct := l.accountFor(player)
	acct.balance = acct.balance.add(bet.bet.scale(MultiplierUnits(multiplier)))
	bet.settled = true

	return Receipt{
		GameID:     gameID,
		TxHash:     block.Hash,
		BlockIndex: block.Index,
		Timestamp:  time.Unix(block.Timestamp, 0),
	}, nil
}

func (l *Local) ReadEncryptedBalance(ctx context.Context, player string) (Ciphertext, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return nil, ErrEncryptionUnavailable
	}
	ct, err := l.accountFor(normalisePlayer(player)).balance.marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return ct, nil
}

// Decrypt opens a ciphertext under the ledger key. Balances come back in
// hundredths of a token.
func (l *Local) Decrypt(ctx context.Context, player string, ct Ciphertext) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	l.mu.Lock()
	if !l.ready {
		l.mu.Unlock()
		return 0, ErrEncryptionUnavailable
	}
	keys := l.keys
	l.mu.Unlock()

	e, err := unmarshalElgamal(ct)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	v, err := keys.decrypt(e)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return v, nil
}
