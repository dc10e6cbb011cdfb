package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/ccss/pkg/critical"
)

// ErrTokenNotFound is returned by a TokenStore when a token does not exist or has expired.
var ErrTokenNotFound = errors.New("callback token not found")

// TokenStore holds issued callback tokens until they are consumed or expire.
// Put with an existing value replaces the stored token. Take removes and
// returns a token atomically: concurrent takes of one value yield it once.
type TokenStore interface {
	Put(ctx context.Context, tok *critical.Token) error
	Get(ctx context.Context, value string) (*critical.Token, error)
	Take(ctx context.Context, value string) (*critical.Token, error)
}

// TokenValue derives the token for a correlation pair. The same pair always
// yields the same value, so re-dispatching a target overwrites its token.
// With an empty secret the value is a plain SHA-256 digest.
func TokenValue(secret []byte, objectType, objectID string) string {
	msg := []byte(objectType + "|" + objectID)
	if len(secret) == 0 {
		sum := sha256.Sum256(msg)
		return hex.EncodeToString(sum[:])
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// MemoryTokenStore is a process-local token store. Expired tokens are dropped
// lazily when they are read.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*critical.Token
	now    func() time.Time
}

// NewMemoryTokenStore creates an empty in-memory store. now defaults to time.Now.
func NewMemoryTokenStore(now func() time.Time) *MemoryTokenStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenStore{
		tokens: make(map[string]*critical.Token),
		now:    now,
	}
}

func (s *MemoryTokenStore) Put(_ context.Context, tok *critical.Token) error {
	if tok.Value == "" {
		return fmt.Errorf("token value cannot be empty")
	}
	stored := *tok

	s.mu.Lock()
	s.tokens[tok.Value] = &stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, value string) (*critical.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if !s.now().Before(tok.ExpiresAt) {
		delete(s.tokens, value)
		return nil, ErrTokenNotFound
	}

	copied := *tok
	return &copied, nil
}

func (s *MemoryTokenStore) Take(_ context.Context, value string) (*critical.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	delete(s.tokens, value)
	if !s.now().Before(tok.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// Len returns the number of tokens held, including expired ones not yet read.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// RedisTokenStore keeps tokens in Redis so that every replica of the service
// can accept a callback. Redis expires the keys.
type RedisTokenStore struct {
	client *critical.Client
	now    func() time.Time
}

// NewRedisTokenStore wraps a store client. now defaults to time.Now.
func NewRedisTokenStore(client *critical.Client, now func() time.Time) *RedisTokenStore {
	if now == nil {
		now = time.Now
	}
	return &RedisTokenStore{client: client, now: now}
}

func (s *RedisTokenStore) Put(ctx context.Context, tok *critical.Token) error {
	ttl := tok.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("token %s already expired", tok.Value)
	}
	return s.client.PutToken(ctx, tok, ttl)
}

func (s *RedisTokenStore) Get(ctx context.Context, value string) (*critical.Token, error) {
	tok, err := s.client.GetToken(ctx, value)
	if critical.IsNotFound(err) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *RedisTokenStore) Take(ctx context.Context, value string) (*critical.Token, error) {
	tok, err := s.client.TakeToken(ctx, value)
	if critical.IsNotFound(err) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}
