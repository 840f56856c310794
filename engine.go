package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thisjowi/authcore/internal/rate"
	"github.com/thisjowi/authcore/jwt"
	"github.com/thisjowi/authcore/password"
	"github.com/thisjowi/authcore/session"
)

const (
	identityLimiterPrefix = "arl:id"
	originLimiterPrefix   = "arl:ip"
	accessScopeUser       = "user"
)

// Deps are the engine's collaborators, injected explicitly at construction.
type Deps struct {
	// Identities is the durable credential store. Required.
	Identities IdentityProvider
	// Redis backs the session store, rate limiters, challenge records, and
	// OTP replay marks. Required.
	Redis redis.UniversalClient
	// Events receives domain events. Optional; nil discards them.
	Events EventSink
	// Logger receives non-fatal anomalies. Optional.
	Logger *slog.Logger
}

// Engine is the auth orchestrator: the state machine behind login, MFA
// verification, token refresh, and logout. Construct it once with New and
// share it across goroutines.
type Engine struct {
	config          Config
	identities      IdentityProvider
	sessions        *session.Store
	identityLimiter *rate.Limiter
	originLimiter   *rate.Limiter
	challenges      *challengeStore
	replay          *otpReplayStore
	totp            *totpManager
	tokens          *jwt.Manager
	hasher          *password.Hasher
	events          *eventDispatcher
	logger          *slog.Logger
	// dummyHash absorbs password verification time for unknown accounts so
	// "no such user" and "wrong password" are indistinguishable to a caller
	// timing responses.
	dummyHash string
}

// New validates cfg and wires the engine. Configuration problems (missing
// signing key, nonsensical TTLs) fail here, fatal at startup, never at first
// request.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Identities == nil {
		return nil, fmt.Errorf("%w: identity provider is required", ErrConfigInvalid)
	}
	if deps.Redis == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrConfigInvalid)
	}

	tokens, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	dummyHash, err := hasher.Hash("authcore.timing.normalizer")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	e := &Engine{
		config:          cfg,
		identities:      deps.Identities,
		sessions:        session.NewStore(deps.Redis, cfg.Session.RedisPrefix),
		identityLimiter: rate.New(deps.Redis, identityLimiterPrefix, cfg.RateLimit.identityBucket()),
		originLimiter:   rate.New(deps.Redis, originLimiterPrefix, cfg.RateLimit.originBucket()),
		challenges:      newChallengeStore(deps.Redis),
		replay:          newOTPReplayStore(deps.Redis),
		totp:            newTOTPManager(cfg.TOTP),
		tokens:          tokens,
		hasher:          hasher,
		events:          newEventDispatcher(cfg.Events, deps.Events, deps.Logger),
		logger:          deps.Logger,
		dummyHash:       dummyHash,
	}
	return e, nil
}

// Close drains and stops the event dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.events.Close()
}

// EventsDropped reports how many domain events were lost to a full queue or
// exhausted delivery retries.
func (e *Engine) EventsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.events.Dropped()
}

// VerifyAccess is the gateway-facing check, called per proxied request. It is
// purely cryptographic: signature plus expiry, no store round-trip.
func (e *Engine) VerifyAccess(token string) (*jwt.AccessClaims, error) {
	claims, err := e.tokens.ParseAccess(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (e *Engine) emit(eventType EventType, subjectID string, metadata map[string]string) {
	e.events.Emit(DomainEvent{
		Type:      eventType,
		SubjectID: subjectID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
}

// gate consults the per-identity and per-origin limiters. Both must pass
// before any store is touched; infrastructure failures surface as
// ErrStoreUnavailable, never as a denial.
func (e *Engine) gate(ctx context.Context, identityKey string) error {
	if identityKey != "" {
		if err := e.identityLimiter.Allow(ctx, identityKey, 1); err != nil {
			return mapLimiterErr(err)
		}
	}
	if origin := originFromContext(ctx); origin != "" {
		if err := e.originLimiter.Allow(ctx, origin, 1); err != nil {
			return mapLimiterErr(err)
		}
	}
	return nil
}

func mapLimiterErr(err error) error {
	if errors.Is(err, rate.ErrRateLimited) {
		return ErrRateLimited
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// mapStoreErr folds backend failures from any of the Redis-backed stores into
// the engine's infrastructure error.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, session.ErrRedisUnavailable),
		errors.Is(err, rate.ErrRedisUnavailable),
		errors.Is(err, errChallengeBackend):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
