package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RagingGuard/video-share/internal/observability/metrics"
)

const (
	// DefaultTokenTTL bounds how long an issued token waits for its first use.
	DefaultTokenTTL = 5 * time.Minute
	// DefaultGrace keeps a consumed token usable for listings and streams.
	DefaultGrace = time.Hour

	tokenBytes = 32
)

// ErrInvalidPassword is returned by Issue when the password does not match.
var ErrInvalidPassword = errors.New("invalid password")

// Validity is the side-effect free classification returned by Validate.
type Validity int

const (
	TokenInvalid Validity = iota
	TokenValidUnused
	TokenValidUsedWithinGrace
)

func (v Validity) String() string {
	switch v {
	case TokenValidUnused:
		return "valid_unused"
	case TokenValidUsedWithinGrace:
		return "valid_used"
	default:
		return "invalid"
	}
}

// Valid reports whether the token grants access to the restricted catalog.
func (v Validity) Valid() bool {
	return v == TokenValidUnused || v == TokenValidUsedWithinGrace
}

// ConsumeResult is the outcome of a single-use redemption attempt.
type ConsumeResult int

const (
	Invalid ConsumeResult = iota
	Consumed
	AlreadyUsed
)

func (r ConsumeResult) String() string {
	switch r {
	case Consumed:
		return "consumed"
	case AlreadyUsed:
		return "already_used"
	default:
		return "invalid"
	}
}

// Token is a capability record. A zero UsedAt means the token has not been
// redeemed yet.
type Token struct {
	ID        string
	ExpiresAt time.Time
	UsedAt    time.Time
}

// Used reports whether the token has been redeemed.
func (t Token) Used() bool {
	return !t.UsedAt.IsZero()
}

// decayed reports whether the token can no longer be validated at now.
func (t Token) decayed(now time.Time, grace time.Duration) bool {
	if t.Used() {
		return now.After(t.UsedAt.Add(grace))
	}
	return now.After(t.ExpiresAt)
}

// TokenOption configures a TokenStore instance.
type TokenOption func(*TokenStore)

// WithTTL sets how long a fresh token stays redeemable.
func WithTTL(ttl time.Duration) TokenOption {
	return func(s *TokenStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithGrace sets how long a consumed token keeps validating.
func WithGrace(grace time.Duration) TokenOption {
	return func(s *TokenStore) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenFactory overrides random id generation.
func WithTokenFactory(factory func() (string, error)) TokenOption {
	return func(s *TokenStore) {
		if factory != nil {
			s.tokenFactory = factory
		}
	}
}

// WithMetrics reports token events to the provided recorder.
func WithMetrics(recorder *metrics.Recorder) TokenOption {
	return func(s *TokenStore) {
		s.metrics = recorder
	}
}

// TokenStore issues and redeems single-use capability tokens. Every state
// transition happens under one mutex so concurrent Consume calls for the same
// id observe exactly one success.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]Token

	verifier     *PasswordVerifier
	ttl          time.Duration
	grace        time.Duration
	now          func() time.Time
	tokenFactory func() (string, error)
	metrics      *metrics.Recorder
}

// NewTokenStore constructs a store that checks passwords with verifier.
func NewTokenStore(verifier *PasswordVerifier, opts ...TokenOption) *TokenStore {
	store := &TokenStore{
		tokens:       make(map[string]Token),
		verifier:     verifier,
		ttl:          DefaultTokenTTL,
		grace:        DefaultGrace,
		now:          time.Now,
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.metrics == nil {
		store.metrics = metrics.Default()
	}
	return store
}

// Issue verifies password and creates a token redeemable until now+TTL.
func (s *TokenStore) Issue(password string) (string, error) {
	if s.verifier == nil || !s.verifier.Verify(password) {
		s.metrics.TokenEvent("rejected", 1)
		return "", ErrInvalidPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var id string
	for {
		candidate, err := s.tokenFactory()
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		if _, exists := s.tokens[candidate]; !exists {
			id = candidate
			break
		}
	}
	s.tokens[id] = Token{ID: id, ExpiresAt: s.now().Add(s.ttl)}
	s.metrics.TokenEvent("issued", 1)
	return id, nil
}

// Validate classifies id without changing any state.
func (s *TokenStore) Validate(id string) Validity {
	if id == "" {
		return TokenInvalid
	}
	s.mu.Lock()
	token, ok := s.tokens[id]
	s.mu.Unlock()
	if !ok {
		return TokenInvalid
	}
	now := s.now()
	switch {
	case token.decayed(now, s.grace):
		return TokenInvalid
	case token.Used():
		return TokenValidUsedWithinGrace
	default:
		return TokenValidUnused
	}
}

// Consume redeems id. The first call on a live unused token returns Consumed;
// later calls return AlreadyUsed until the grace window closes. Decayed
// tokens are removed and reported as Invalid.
func (s *TokenStore) Consume(id string) ConsumeResult {
	if id == "" {
		return Invalid
	}
	s.mu.Lock()
	result := s.consumeLocked(id, s.now())
	s.mu.Unlock()
	s.metrics.TokenEvent(result.String(), 1)
	return result
}

func (s *TokenStore) consumeLocked(id string, now time.Time) ConsumeResult {
	token, ok := s.tokens[id]
	if !ok {
		return Invalid
	}
	if token.decayed(now, s.grace) {
		delete(s.tokens, id)
		return Invalid
	}
	if token.Used() {
		return AlreadyUsed
	}
	token.UsedAt = now
	s.tokens[id] = token
	return Consumed
}

// Invalidate removes id. Unknown ids are ignored.
func (s *TokenStore) Invalidate(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	_, existed := s.tokens[id]
	delete(s.tokens, id)
	s.mu.Unlock()
	if existed {
		s.metrics.TokenEvent("invalidated", 1)
	}
}

// Sweep removes every token that expired unused or whose grace window has
// elapsed at now, returning how many were removed.
func (s *TokenStore) Sweep(now time.Time) int {
	s.mu.Lock()
	removed := 0
	for id, token := range s.tokens {
		if token.decayed(now, s.grace) {
			delete(s.tokens, id)
			removed++
		}
	}
	s.mu.Unlock()
	s.metrics.TokenEvent("swept", removed)
	return removed
}

// Len reports how many tokens are held, including decayed ones not yet swept.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Lookup returns a copy of the stored record for id.
func (s *TokenStore) Lookup(id string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	return token, ok
}

func (s *TokenStore) put(token Token) {
	s.mu.Lock()
	s.tokens[token.ID] = token
	s.mu.Unlock()
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
