package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Error codes carried in relayer error bodies. 4001 and -32603 are the
// wallet RPC codes for a rejected signature and an internal node error.
const (
	CodeUserRejected          = 4001
	CodeInternal              = -32603
	CodeEncryptionUnavailable = 4100
	CodeDecryptionFailed      = 4200
	CodeSubmissionFailed      = 4300
)

// ErrorCode maps a ledger error to its relayer code.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, ErrUserCancelled):
		return CodeUserRejected
	case errors.Is(err, ErrNetwork):
		return CodeInternal
	case errors.Is(err, ErrEncryptionUnavailable):
		return CodeEncryptionUnavailable
	case errors.Is(err, ErrDecryptionFailed):
		return CodeDecryptionFailed
	default:
		return CodeSubmissionFailed
	}
}

// errorFromCode is the inverse of ErrorCode.
func errorFromCode(code int, msg string) error {
	var base error
	switch code {
	case CodeUserRejected:
		base = ErrUserCancelled
	case CodeInternal:
		base = ErrNetwork
	case CodeEncryptionUnavailable:
		base = ErrEncryptionUnavailable
	case CodeDecryptionFailed:
		base = ErrDecryptionFailed
	default:
		base = ErrSubmissionFailed
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

// Relayer wire types, shared with the server handlers.
type (
	EncryptRequest struct {
		Value uint64 `json:"value"`
	}
	BetRequest struct {
		Player     string     `json:"player"`
		Ciphertext Ciphertext `json:"ciphertext"`
		Proof      []byte     `json:"proof"`
	}
	ResultRequest struct {
		Player     string          `json:"player"`
		GameID     int64           `json:"game_id"`
		Multiplier decimal.Decimal `json:"multiplier"`
		Slot       int             `json:"slot"`
	}
	BalanceResponse struct {
		Ciphertext Ciphertext `json:"ciphertext"`
	}
	DecryptRequest struct {
		Player     string     `json:"player"`
		Ciphertext Ciphertext `json:"ciphertext"`
	}
	DecryptResponse struct {
		Value uint64 `json:"value"`
	}
	RelayerStatus struct {
		Ready bool `json:"ready"`
	}
	RelayerError struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
)

// RelayerClient talks to a remote ledger relayer over HTTP.
type RelayerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	ready      atomic.Bool
}

func NewRelayerClient(baseURL, apiKey string, timeout time.Duration) *RelayerClient {
	return &RelayerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Init checks that the relayer is reachable and has its key loaded.
func (c *RelayerClient) Init(ctx context.Context) error {
	var status RelayerStatus
	if err := c.do(ctx, http.MethodGet, "/relayer/status", nil, &status); err != nil {
		return err
	}
	if !status.Ready {
		return ErrEncryptionUnavailable
	}
	c.ready.Store(true)
	log.Printf("[LEDGER] relayer ready at %s", c.baseURL)
	return nil
}

func (c *RelayerClient) Close() error {
	c.ready.Store(false)
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *RelayerClient) Ready() bool {
	return c.ready.Load()
}

func (c *RelayerClient) EncryptValue(ctx context.Context, plaintext uint64) (EncryptedInput, error) {
	if err := CheckWager(plaintext); err != nil {
		return EncryptedInput{}, err
	}
	if !c.Ready() {
		return EncryptedInput{}, ErrEncryptionUnavailable
	}
	var out EncryptedInput
	err := c.do(ctx, http.MethodPost, "/relayer/encrypt", EncryptRequest{Value: plaintext}, &out)
	return out, err
}

func (c *RelayerClient) SubmitBet(ctx context.Context, player string, in EncryptedInput) (Receipt, error) {
	var out Receipt
	err := c.do(ctx, http.MethodPost, "/relayer/bets", BetRequest{Player: player, Ciphertext: in.Ciphertext, Proof: in.Proof}, &out)
	return out, err
}

func (c *RelayerClient) SubmitResult(ctx context.Context, player string, gameID int64, multiplier decimal.Decimal, slot int) (Receipt, error) {
	var out Receipt
	err := c.do(ctx, http.MethodPost, "/relayer/results", ResultRequest{Player: player, GameID: gameID, Multiplier: multiplier, Slot: slot}, &out)
	return out, err
}

func (c *RelayerClient) ReadEncryptedBalance(ctx context.Context, player string) (Ciphertext, error) {
	var out BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/relayer/balances/"+url.PathEscape(player), nil, &out); err != nil {
		return nil, err
	}
	return out.Ciphertext, nil
}

func (c *RelayerClient) Decrypt(ctx context.Context, player string, ct Ciphertext) (uint64, error) {
	var out DecryptResponse
	if err := c.do(ctx, http.MethodPost, "/relayer/decrypt", DecryptRequest{Player: player, Ciphertext: ct}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (c *RelayerClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrSubmissionFailed, err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Relayer-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var rerr RelayerError
		if json.Unmarshal(raw, &rerr) == nil && rerr.Code != 0 {
			return errorFromCode(rerr.Code, rerr.Error)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: relayer status %d", ErrNetwork, resp.StatusCode)
		}
		return fmt.Errorf("%w: relayer status %d: %s", ErrSubmissionFailed, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}
	return nil
}
