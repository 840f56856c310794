package authcore

import "errors"

var (
	// ErrInvalidCredentials is returned when the username/password pair does
	// not resolve to an account. It is deliberately identical in shape for
	// unknown users and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an account is soft-locked after
	// repeated failures.
	ErrAccountLocked = errors.New("account locked")
	// ErrRateLimited is returned when either the per-identity or the
	// per-origin token bucket denies the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidMFACode is returned for a wrong, expired, or replayed OTP
	// code, and for an unknown or exhausted challenge.
	ErrInvalidMFACode = errors.New("invalid mfa code")
	// ErrInvalidToken is returned for tokens that fail signature, expiry, or
	// structural checks.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrSessionRevoked is returned when a refresh token's family has been
	// revoked, including the reuse/theft-detection path.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrStoreUnavailable wraps infrastructure failures of the credential or
	// session store. It is retryable and never downgraded to a denial.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConfigInvalid is returned by New for unusable configuration, such as
	// a missing signing key. Fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrIdentityNotFound is returned by IdentityProvider implementations for
	// unknown accounts. The engine converts it to ErrInvalidCredentials
	// before anything leaves the login path.
	ErrIdentityNotFound = errors.New("identity not found")
)
