package auth

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RagingGuard/video-share/internal/observability/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testVerifier skips the production iteration count to keep tests fast.
func testVerifier(t *testing.T, password string) *PasswordVerifier {
	t.Helper()
	salt := []byte("0123456789abcdef")
	verifier := &PasswordVerifier{iterations: 1, salt: salt}
	verifier.key = pbkdf2Key(password, salt, 1)
	return verifier
}

func newTestStore(t *testing.T, clock *fakeClock, opts ...TokenOption) *TokenStore {
	t.Helper()
	opts = append([]TokenOption{WithClock(clock.Now), WithMetrics(metrics.New())}, opts...)
	return NewTokenStore(testVerifier(t, "secret"), opts...)
}

func TestIssueConsumeLifecycle(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)

	id, err := store.Issue("secret")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if len(id) != 43 {
		t.Fatalf("expected 43 character url-safe id, got %q", id)
	}
	if got := store.Validate(id); got != TokenValidUnused {
		t.Fatalf("expected valid unused, got %v", got)
	}
	if got := store.Consume(id); got != Consumed {
		t.Fatalf("expected first consume to succeed, got %v", got)
	}
	if got := store.Consume(id); got != AlreadyUsed {
		t.Fatalf("expected second consume to report already used, got %v", got)
	}
	if got := store.Validate(id); got != TokenValidUsedWithinGrace {
		t.Fatalf("expected valid within grace, got %v", got)
	}
}

func TestIssueRejectsWrongPassword(t *testing.T) {
	store := newTestStore(t, newFakeClock())

	id, err := store.Issue("nope")
	if !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if id != "" {
		t.Fatalf("expected no id, got %q", id)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no token to be created, got %d", store.Len())
	}
}

func TestIssueRetriesCollidingIDs(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	var mu sync.Mutex
	factory := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}
	store := newTestStore(t, newFakeClock(), WithTokenFactory(factory))

	first, err := store.Issue("secret")
	if err != nil || first != "dup" {
		t.Fatalf("expected dup, got %q (%v)", first, err)
	}
	second, err := store.Issue("secret")
	if err != nil || second != "fresh" {
		t.Fatalf("expected fresh, got %q (%v)", second, err)
	}
}

func TestIssueReportsFactoryError(t *testing.T) {
	store := newTestStore(t, newFakeClock(), WithTokenFactory(func() (string, error) {
		return "", errors.New("entropy exhausted")
	}))
	if _, err := store.Issue("secret"); err == nil {
		t.Fatal("expected error from failing token factory")
	}
}

func TestConcurrentConsumeHasSingleWinner(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	id, err := store.Issue("secret")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	const workers = 64
	results := make(chan ConsumeResult, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- store.Consume(id)
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	counts := map[ConsumeResult]int{}
	for result := range results {
		counts[result]++
	}
	if counts[Consumed] != 1 {
		t.Fatalf("expected exactly one Consumed, got %d", counts[Consumed])
	}
	if counts[AlreadyUsed] != workers-1 {
		t.Fatalf("expected %d AlreadyUsed, got %d", workers-1, counts[AlreadyUsed])
	}
}

func TestExpiredUnusedTokenIsInvalid(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	id, _ := store.Issue("secret")

	clock.Advance(DefaultTokenTTL)
	if got := store.Validate(id); got != TokenValidUnused {
		t.Fatalf("expected token to be valid exactly at expiry, got %v", got)
	}

	clock.Advance(time.Second)
	if got := store.Validate(id); got != TokenInvalid {
		t.Fatalf("expected expired token to be invalid, got %v", got)
	}
	if got := store.Consume(id); got != Invalid {
		t.Fatalf("expected consume of expired token to be invalid, got %v", got)
	}
	if _, ok := store.Lookup(id); ok {
		t.Fatal("expected consume to drop the expired token")
	}
}

func TestGraceWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, WithGrace(time.Hour))
	id, _ := store.Issue("secret")
	if got := store.Consume(id); got != Consumed {
		t.Fatalf("expected consume, got %v", got)
	}

	clock.Advance(59 * time.Minute)
	if got := store.Validate(id); got != TokenValidUsedWithinGrace {
		t.Fatalf("expected valid within grace, got %v", got)
	}

	clock.Advance(2 * time.Minute)
	if got := store.Validate(id); got != TokenInvalid {
		t.Fatalf("expected grace to have elapsed, got %v", got)
	}
	if got := store.Consume(id); got != Invalid {
		t.Fatalf("expected invalid after grace, got %v", got)
	}
}

func TestSweepRemovesDecayedTokens(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, WithTTL(time.Minute), WithGrace(10*time.Minute))

	unused, _ := store.Issue("secret")
	used, _ := store.Issue("secret")
	store.Consume(used)

	clock.Advance(2 * time.Minute)
	fresh, _ := store.Issue("secret")

	if removed := store.Sweep(clock.Now()); removed != 1 {
		t.Fatalf("expected one token swept, got %d", removed)
	}
	if _, ok := store.Lookup(unused); ok {
		t.Fatal("expected expired unused token to be swept")
	}
	if _, ok := store.Lookup(used); !ok {
		t.Fatal("expected consumed token within grace to survive")
	}

	clock.Advance(9 * time.Minute)
	if removed := store.Sweep(clock.Now()); removed != 2 {
		t.Fatalf("expected consumed and fresh tokens swept, got %d", removed)
	}
	if _, ok := store.Lookup(fresh); ok {
		t.Fatal("expected fresh token to have expired")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestSweepKeepsLiveTokens(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	for i := 0; i < 5; i++ {
		if _, err := store.Issue("secret"); err != nil {
			t.Fatalf("Issue returned error: %v", err)
		}
	}
	if removed := store.Sweep(clock.Now()); removed != 0 {
		t.Fatalf("expected nothing swept, got %d", removed)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	store := newTestStore(t, newFakeClock())
	id, _ := store.Issue("secret")

	store.Invalidate(id)
	store.Invalidate(id)
	store.Invalidate("")

	if got := store.Validate(id); got != TokenInvalid {
		t.Fatalf("expected invalidated token to be invalid, got %v", got)
	}
}

func TestUnknownAndEmptyIDs(t *testing.T) {
	store := newTestStore(t, newFakeClock())
	for _, id := range []string{"", "missing"} {
		if got := store.Validate(id); got != TokenInvalid {
			t.Fatalf("Validate(%q) = %v, want invalid", id, got)
		}
		if got := store.Consume(id); got != Invalid {
			t.Fatalf("Consume(%q) = %v, want invalid", id, got)
		}
	}
}

func TestValidityAndResultStrings(t *testing.T) {
	cases := []struct {
		got  fmt.Stringer
		want string
	}{
		{TokenInvalid, "invalid"},
		{TokenValidUnused, "valid_unused"},
		{TokenValidUsedWithinGrace, "valid_used"},
		{Invalid, "invalid"},
		{Consumed, "consumed"},
		{AlreadyUsed, "already_used"},
	}
	for _, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, tc.got.String())
		}
	}
	if TokenInvalid.Valid() || !TokenValidUnused.Valid() || !TokenValidUsedWithinGrace.Valid() {
		t.Fatal("unexpected Valid() classification")
	}
}
