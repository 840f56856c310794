package authcore

import (
	"fmt"
	"time"

	"github.com/thisjowi/authcore/internal/rate"
	"github.com/thisjowi/authcore/password"
)

// Config carries every tunable of the engine. Thresholds, TTLs, and drift
// tolerance are configuration, not contract: the algorithms are fixed, the
// numbers are yours.
type Config struct {
	JWT       JWTConfig
	TOTP      TOTPConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	Lockout   LockoutConfig
	Challenge ChallengeConfig
	Password  password.Config
	Events    EventConfig
}

// JWTConfig configures token minting and verification.
type JWTConfig struct {
	// SigningMethod is "ed25519" (default) or "hs256".
	SigningMethod string
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Leeway        time.Duration
}

// TOTPConfig configures the second factor.
type TOTPConfig struct {
	Issuer string
	// Period is the time-step size in seconds.
	Period int
	Digits int
	// Skew is the number of steps accepted on either side of now.
	Skew int
	// Algorithm is SHA1 (default), SHA256, or SHA512.
	Algorithm string
}

// BucketConfig is one token bucket: bursts up to Capacity, refilling at
// RefillRate tokens per second.
type BucketConfig struct {
	Capacity   float64
	RefillRate float64
	// IdleTTL bounds how long an untouched bucket key survives in Redis.
	// Eviction is an optimization, not a correctness requirement.
	IdleTTL time.Duration
}

// RateLimitConfig holds the two limiter instances guarding login and OTP
// verification: a tight per-identity bucket and a looser per-origin bucket
// against distributed brute force.
type RateLimitConfig struct {
	Identity BucketConfig
	Origin   BucketConfig
}

// SessionConfig configures the shared session store.
type SessionConfig struct {
	// RedisPrefix namespaces all session keys.
	RedisPrefix string
}

// LockoutConfig controls the soft account lock.
type LockoutConfig struct {
	// MaxFailures is the consecutive-failure count that trips the lock.
	MaxFailures int
	// Duration is how long the account stays locked.
	Duration time.Duration
}

// ChallengeConfig controls the single-use MFA challenge issued between the
// password step and the OTP step.
type ChallengeConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

// EventConfig controls the asynchronous event dispatcher.
type EventConfig struct {
	Enabled    bool
	BufferSize int
	// MaxRetries bounds redelivery attempts per event. Publication is
	// fire-and-forget: exhausting retries drops the event and bumps a counter.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with production-shaped defaults. A signing
// key must still be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SigningMethod: "ed25519",
			Issuer:        "authcore",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			Leeway:        30 * time.Second,
		},
		TOTP: TOTPConfig{
			Issuer:    "authcore",
			Period:    30,
			Digits:    6,
			Skew:      1,
			Algorithm: "SHA1",
		},
		RateLimit: RateLimitConfig{
			// 5 attempts per 5 minutes per identity.
			Identity: BucketConfig{Capacity: 5, RefillRate: 5.0 / 300.0, IdleTTL: time.Hour},
			// 60 attempts per minute per origin address.
			Origin: BucketConfig{Capacity: 60, RefillRate: 1, IdleTTL: time.Hour},
		},
		Session: SessionConfig{RedisPrefix: "ac"},
		Lockout: LockoutConfig{MaxFailures: 10, Duration: 15 * time.Minute},
		Challenge: ChallengeConfig{
			TTL:         5 * time.Minute,
			MaxAttempts: 5,
		},
		Password: password.Config{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Events: EventConfig{
			Enabled:    true,
			BufferSize: 256,
			MaxRetries: 3,
			RetryDelay: 100 * time.Millisecond,
		},
	}
}

func (c Config) validate() error {
	if len(c.JWT.PrivateKey) == 0 {
		return fmt.Errorf("%w: missing signing key", ErrConfigInvalid)
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return fmt.Errorf("%w: token TTLs must be positive", ErrConfigInvalid)
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return fmt.Errorf("%w: access TTL must be shorter than refresh TTL", ErrConfigInvalid)
	}
	if c.TOTP.Period <= 0 || c.TOTP.Digits < 6 || c.TOTP.Digits > 10 {
		return fmt.Errorf("%w: bad TOTP parameters", ErrConfigInvalid)
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return fmt.Errorf("%w: TOTP skew out of range", ErrConfigInvalid)
	}
	if err := validateBucket("identity", c.RateLimit.Identity); err != nil {
		return err
	}
	if err := validateBucket("origin", c.RateLimit.Origin); err != nil {
		return err
	}
	if c.Lockout.MaxFailures <= 0 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("%w: bad lockout parameters", ErrConfigInvalid)
	}
	if c.Challenge.TTL <= 0 || c.Challenge.MaxAttempts <= 0 {
		return fmt.Errorf("%w: bad challenge parameters", ErrConfigInvalid)
	}
	return nil
}

func validateBucket(name string, b BucketConfig) error {
	if b.Capacity <= 0 || b.RefillRate <= 0 {
		return fmt.Errorf("%w: %s bucket needs positive capacity and refill rate", ErrConfigInvalid, name)
	}
	return nil
}

func (c RateLimitConfig) identityBucket() rate.Bucket {
	return rate.Bucket{Capacity: c.Identity.Capacity, RefillRate: c.Identity.RefillRate, IdleTTL: c.Identity.IdleTTL}
}

func (c RateLimitConfig) originBucket() rate.Bucket {
	return rate.Bucket{Capacity: c.Origin.Capacity, RefillRate: c.Origin.RefillRate, IdleTTL: c.Origin.IdleTTL}
}
