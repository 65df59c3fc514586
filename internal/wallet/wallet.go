// Package wallet signs players in with their Ethereum wallet: the server
// hands out a one-time nonce, the wallet signs it with personal_sign, and a
// recovered address that matches earns a bearer JWT.
package wallet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrNonceExpired     = errors.New("sign-in nonce missing or expired")
	ErrBadSignature     = errors.New("signature does not match address")
	ErrInvalidToken     = errors.New("invalid or expired token")
	ErrSessionNotActive = errors.New("wallet session not active")
)

// Authenticator records verified wallets. The security guard implements it.
type Authenticator interface {
	MarkAuthenticated(player string, until time.Time)
	IsAuthenticated(player string) bool
	Revoke(player string)
}

// Challenge is the message a wallet must sign.
type Challenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues challenges, verifies signatures and tracks sessions.
type Service struct {
	rdb      *redis.Client
	auth     Authenticator
	secret   []byte
	tokenTTL time.Duration
	nonceTTL time.Duration
	now      func() time.Time
}

func NewService(rdb *redis.Client, auth Authenticator, secret string, tokenTTL, nonceTTL time.Duration) *Service {
	return &Service{
		rdb:      rdb,
		auth:     auth,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		nonceTTL: nonceTTL,
		now:      time.Now,
	}
}

func nonceKey(addr string) string   { return "auth:nonce:" + addr }
func sessionKey(addr string) string { return "auth:session:" + addr }

// NormalizeAddress validates a hex address and returns it lowercased.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// SignInMessage is the exact text the wallet signs.
func SignInMessage(address, nonce string) string {
	return fmt.Sprintf("Sign in to FHE Plinko\n\nAddress: %s\nNonce: %s", common.HexToAddress(address).Hex(), nonce)
}

// Challenge stores a fresh nonce for address and returns the message to sign.
func (s *Service) Challenge(ctx context.Context, address string) (Challenge, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return Challenge{}, err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	if err := s.rdb.SetEx(ctx, nonceKey(addr), nonce, s.nonceTTL).Err(); err != nil {
		return Challenge{}, fmt.Errorf("store nonce: %w", err)
	}
	return Challenge{
		Address:   addr,
		Nonce:     nonce,
		Message:   SignInMessage(addr, nonce),
		ExpiresAt: s.now().Add(s.nonceTTL),
	}, nil
}

// Verify consumes the pending nonce, checks the personal_sign signature and
// returns a signed session token.
func (s *Service) Verify(ctx context.Context, address, signature string) (string, time.Time, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return "", time.Time{}, err
	}

	nonce, err := s.rdb.GetDel(ctx, nonceKey(addr)).Result()
	if err == redis.Nil {
		return "", time.Time{}, ErrNonceExpired
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load nonce: %w", err)
	}

	recovered, err := RecoverAddress(SignInMessage(addr, nonce), signature)
	if err != nil || !strings.EqualFold(recovered, addr) {
		log.Printf("[AUTH] signature mismatch for %s", addr)
		return "", time.Time{}, ErrBadSignature
	}

	exp := s.now().Add(s.tokenTTL)
	claims := jwt.MapClaims{"address": addr, "iat": s.now().Unix(), "exp": exp.Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	h := sha256.Sum256([]byte(signed))
	if err := s.rdb.Set(ctx, sessionKey(addr), hex.EncodeToString(h[:]), s.tokenTTL).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("store session: %w", err)
	}
	if s.auth != nil {
		s.auth.MarkAuthenticated(addr, exp)
	}
	log.Printf("[AUTH] wallet %s signed in", addr)
	return signed, exp, nil
}

// RecoverAddress returns the address that produced an EIP-191 personal_sign
// signature over message.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// ParseToken validates a bearer token and its live session.
func (s *Service) ParseToken(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	addr, _ := claims["address"].(string)
	if addr == "" {
		return "", ErrInvalidToken
	}

	stored, err := s.rdb.Get(ctx, sessionKey(addr)).Result()
	if err == redis.Nil {
		return "", ErrSessionNotActive
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	h := sha256.Sum256([]byte(token))
	if stored != hex.EncodeToString(h[:]) {
		return "", ErrSessionNotActive
	}
	return addr, nil
}

// Logout ends the wallet's session.
func (s *Service) Logout(ctx context.Context, address string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	if s.auth != nil {
		s.auth.Revoke(addr)
	}
	return s.rdb.Del(ctx, sessionKey(addr)).Err()
}

// Authenticate reports whether address holds a live session.
func (s *Service) Authenticate(ctx context.Context, address string) bool {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return false
	}
	if s.auth != nil && s.auth.IsAuthenticated(addr) {
		return true
	}
	n, err := s.rdb.Exists(ctx, sessionKey(addr)).Result()
	if err != nil {
		log.Printf("[AUTH] session lookup failed for %s: %v", addr, err)
		return false
	}
	if n == 1 && s.auth != nil {
		// another instance signed this wallet in
		if ttl, err := s.rdb.TTL(ctx, sessionKey(addr)).Result(); err == nil && ttl > 0 {
			s.auth.MarkAuthenticated(addr, s.now().Add(ttl))
		}
	}
	return n == 1
}

// CurrentAddress returns the wallet attached to ctx by the middleware.
func (s *Service) CurrentAddress(ctx context.Context) (string, bool) {
	return AddressFromContext(ctx)
}

type ctxKey struct{}

func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, ctxKey{}, address)
}

func AddressFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(ctxKey{}).(string)
	return addr, ok && addr != ""
}
