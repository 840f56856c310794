package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thisjowi/authcore/password"
)

type memProvider struct {
	mu         sync.Mutex
	users      map[string]*Identity
	byUsername map[string]string
}

func newMemProvider() *memProvider {
	return &memProvider{
		users:      map[string]*Identity{},
		byUsername: map[string]string{},
	}
}

func (p *memProvider) put(identity *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *identity
	p.users[identity.ID] = &copied
	p.byUsername[identity.Username] = identity.ID
}

func (p *memProvider) get(id string) *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if identity, ok := p.users[id]; ok {
		copied := *identity
		return &copied
	}
	return nil
}

func (p *memProvider) GetByUsername(_ context.Context, username string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byUsername[username]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	copied := *p.users[id]
	return &copied, nil
}

func (p *memProvider) GetByID(_ context.Context, id string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity, ok := p.users[id]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	copied := *identity
	return &copied, nil
}

func (p *memProvider) RecordFailure(_ context.Context, id string, maxFailures int, lockFor time.Duration) (int, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity, ok := p.users[id]
	if !ok {
		return 0, time.Time{}, ErrIdentityNotFound
	}
	identity.FailedAttempts++
	if identity.FailedAttempts >= maxFailures {
		identity.LockedUntil = time.Now().Add(lockFor)
	}
	return identity.FailedAttempts, identity.LockedUntil, nil
}

func (p *memProvider) ResetFailures(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if identity, ok := p.users[id]; ok {
		identity.FailedAttempts = 0
		identity.LockedUntil = time.Time{}
	}
	return nil
}

func (p *memProvider) SetTOTPSecret(_ context.Context, id string, secret []byte, enrolledAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity, ok := p.users[id]
	if !ok {
		return ErrIdentityNotFound
	}
	identity.TOTPSecret = secret
	identity.TOTPEnrolledAt = enrolledAt
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("unit-test-signing-key-0123456789")
	cfg.JWT.AccessTTL = time.Minute
	cfg.JWT.RefreshTTL = time.Hour
	cfg.Password = password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	cfg.Lockout = LockoutConfig{MaxFailures: 3, Duration: 10 * time.Minute}
	cfg.RateLimit.Identity = BucketConfig{Capacity: 20, RefillRate: 1, IdleTTL: time.Hour}
	cfg.RateLimit.Origin = BucketConfig{Capacity: 100, RefillRate: 10, IdleTTL: time.Hour}
	cfg.Events.RetryDelay = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *memProvider, *ChannelSink) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := newMemProvider()
	sink := NewChannelSink(64)

	engine, err := New(cfg, Deps{
		Identities: provider,
		Redis:      rdb,
		Events:     sink,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, provider, sink
}

func seedUser(t *testing.T, engine *Engine, provider *memProvider, username, pass string) string {
	t.Helper()

	hash, err := engine.hasher.Hash(pass)
	if err != nil {
		t.Fatalf("seed hash failed: %v", err)
	}
	id := uuid.NewString()
	provider.put(&Identity{ID: id, Username: username, PasswordHash: hash})
	return id
}

func waitEvent(t *testing.T, sink *ChannelSink, want EventType) DomainEvent {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-sink.Events():
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestLoginWithoutMFAIssuesTokens(t *testing.T) {
	engine, provider, sink := newTestEngine(t, testConfig())
	userID := seedUser(t, engine, provider, "alice", "correct-password-123")
	ctx := context.Background()

	result, err := engine.Login(ctx, "alice", "correct-password-123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.Status != StatusAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %s", result.Status)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if result.ChallengeID != "" {
		t.Fatal("expected no challenge without MFA enrollment")
	}

	claims, err := engine.VerifyAccess(result.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if claims.Subject != userID {
		t.Fatalf("expected subject %s, got %s", userID, claims.Subject)
	}

	// The refresh token's family must resolve in the session store.
	refreshClaims, err := engine.tokens.ParseRefresh(result.RefreshToken)
	if err != nil {
		t.Fatalf("ParseRefresh failed: %v", err)
	}
	active, err := engine.sessions.Active(ctx, refreshClaims.FamilyID)
	if err != nil {
		t.Fatalf("family lookup failed: %v", err)
	}
	if active != refreshClaims.TokenID {
		t.Fatalf("expected active token %s, got %s", refreshClaims.TokenID, active)
	}

	event := waitEvent(t, sink, EventLoginSucceeded)
	if event.SubjectID != userID {
		t.Fatalf("expected event subject %s, got %s", userID, event.SubjectID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	engine, provider, sink := newTestEngine(t, testConfig())
	userID := seedUser(t, engine, provider, "alice", "correct-password-123")

	_, err := engine.Login(context.Background(), "alice", "wrong-password-456")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if provider.get(userID).FailedAttempts != 1 {
		t.Fatal("expected failure counter to increment")
	}
	waitEvent(t, sink, EventLoginFailed)
}

func TestLoginUnknownUserLooksLikeWrongPassword(t *testing.T) {
	engine, _, _ := newTestEngine(t, testConfig())

	_, err := engine.Login(context.Background(), "nobody", "whatever-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRepeatedFailuresLockAccount(t *testing.T) {
	cfg := testConfig()
	engine, provider, sink := newTestEngine(t, cfg)
	userID := seedUser(t, engine, provider, "alice", "correct-password-123")
	ctx := context.Background()

	for i := 0; i < cfg.Lockout.MaxFailures; i++ {
		if _, err := engine.Login(ctx, "alice", "wrong-password-456"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	waitEvent(t, sink, EventAccountLocked)

	// Even the right password is refused while locked.
	if _, err := engine.Login(ctx, "alice", "correct-password-123"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if provider.get(userID).LockedUntil.IsZero() {
		t.Fatal("expected lock deadline to be set")
	}
}

func TestSuccessfulLoginResetsFailureCounter(t *testing.T) {
	engine, provider, _ := newTestEngine(t, testConfig())
	userID := seedUser(t, engine, provider, "alice", "correct-password-123")
	ctx := context.Background()

	if _, err := engine.Login(ctx, "alice", "wrong-password-456"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.Login(ctx, "alice", "correct-password-123"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if provider.get(userID).FailedAttempts != 0 {
		t.Fatal("expected failure counter reset after success")
	}
}

func TestLoginRateLimitedPerIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Identity = BucketConfig{Capacity: 3, RefillRate: 0.001, IdleTTL: time.Hour}
	engine, provider, _ := newTestEngine(t, cfg)
	seedUser(t, engine, provider, "alice", "correct-password-123")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Login(ctx, "alice", "wrong-password-456"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := engine.Login(ctx, "alice", "correct-password-123"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLoginRateLimitedPerOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Origin = BucketConfig{Capacity: 2, RefillRate: 0.001, IdleTTL: time.Hour}
	engine, provider, _ := newTestEngine(t, cfg)
	seedUser(t, engine, provider, "alice", "correct-password-123")
	seedUser(t, engine, provider, "bob", "correct-password-123")

	ctx := WithOrigin(context.Background(), "203.0.113.9")
	if _, err := engine.Login(ctx, "alice", "wrong-password-456"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.Login(ctx, "bob", "wrong-password-456"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	// Third distinct identity from the same origin hits the origin bucket.
	if _, err := engine.Login(ctx, "carol", "whatever-password"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestNewRejectsMissingSigningKey(t *testing.T) {
	cfg := testConfig()
	cfg.JWT.PrivateKey = nil

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	_, err = New(cfg, Deps{Identities: newMemProvider(), Redis: rdb})
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}
