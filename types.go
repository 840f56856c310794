package authcore

import (
	"context"
	"time"
)

// Identity is the durable account record the engine reads and mutates. The
// core never deletes identities; lockout is a soft state expressed through
// FailedAttempts and LockedUntil.
type Identity struct {
	ID           string
	Username     string
	PasswordHash string
	// TOTPSecret is nil until MFA is enrolled.
	TOTPSecret     []byte
	TOTPEnrolledAt time.Time
	FailedAttempts int
	LockedUntil    time.Time
}

// Enrolled reports whether the identity has an active second factor.
func (i *Identity) Enrolled() bool {
	return i != nil && len(i.TOTPSecret) > 0
}

// Locked reports whether the identity is soft-locked at the given instant.
func (i *Identity) Locked(now time.Time) bool {
	return i != nil && now.Before(i.LockedUntil)
}

// IdentityProvider is the credential-store interface the engine depends on.
// Implementations must make RecordFailure and ResetFailures atomic: the
// failure counter is shared mutable state across service instances and must
// be mutated in a single conditional round-trip, never read-modify-write.
//
// pgstore ships the Postgres implementation.
type IdentityProvider interface {
	// GetByUsername resolves a login identifier. A missing account returns
	// ErrIdentityNotFound; infrastructure failures wrap ErrStoreUnavailable.
	GetByUsername(ctx context.Context, username string) (*Identity, error)
	GetByID(ctx context.Context, id string) (*Identity, error)
	// RecordFailure atomically increments the failure counter and, when the
	// counter reaches maxFailures, sets the lock deadline. It returns the
	// post-increment counter and the (possibly zero) lock deadline.
	RecordFailure(ctx context.Context, id string, maxFailures int, lockFor time.Duration) (int, time.Time, error)
	// ResetFailures clears the failure counter and lock deadline.
	ResetFailures(ctx context.Context, id string) error
	// SetTOTPSecret installs or replaces the TOTP secret. Replacement of an
	// existing secret is the re-enrollment path; the engine revokes all
	// session families of the identity around it.
	SetTOTPSecret(ctx context.Context, id string, secret []byte, enrolledAt time.Time) error
}

// AuthStatus is the terminal disposition of a login attempt.
type AuthStatus string

const (
	// StatusAuthenticated means tokens were issued.
	StatusAuthenticated AuthStatus = "AUTHENTICATED"
	// StatusMFARequired means credentials passed but an OTP code must be
	// presented against the returned challenge.
	StatusMFARequired AuthStatus = "MFA_REQUIRED"
	// StatusRejected covers every failure.
	StatusRejected AuthStatus = "REJECTED"
)

// LoginResult is returned by Login and ConfirmMFA.
type LoginResult struct {
	Status AuthStatus
	// ChallengeID is set only when Status is StatusMFARequired. It is a
	// single-use, narrow-scope credential distinct from access and refresh
	// tokens.
	ChallengeID  string
	AccessToken  string
	RefreshToken string
}

// TokenPair is an access/refresh pair issued by the token service.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	// FamilyID identifies the session lineage the refresh token belongs to.
	FamilyID string
}

// Enrollment is returned by EnrollTOTP. The URI is otpauth:// formatted;
// rendering it as a QR code is a presentation concern.
type Enrollment struct {
	SecretBase32    string
	ProvisioningURI string
}
