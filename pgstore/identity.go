// Package pgstore implements authcore.IdentityProvider on Postgres via pgx.
//
// The failure counter and lock deadline are mutated only through single
// conditional UPDATE statements, never read-modify-write across round trips:
// concurrent instances recording failures for the same identity serialize in
// the database, not in application code.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	authcore "github.com/thisjowi/authcore"
)

// IdentityStore is the Postgres-backed credential store.
type IdentityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore wraps an existing connection pool; the caller owns its
// lifecycle.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

const identityColumns = `id, username, password_hash, totp_secret, totp_enrolled_at, failed_attempts, locked_until`

// GetByUsername resolves a login identifier.
func (s *IdentityStore) GetByUsername(ctx context.Context, username string) (*authcore.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE username = $1`
	return s.scanIdentity(s.pool.QueryRow(ctx, query, username))
}

// GetByID resolves an identity by primary key.
func (s *IdentityStore) GetByID(ctx context.Context, id string) (*authcore.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return s.scanIdentity(s.pool.QueryRow(ctx, query, id))
}

// RecordFailure increments the failure counter and sets the lock deadline in
// one conditional statement when the counter reaches maxFailures.
func (s *IdentityStore) RecordFailure(ctx context.Context, id string, maxFailures int, lockFor time.Duration) (int, time.Time, error) {
	query := `
		UPDATE identities
		SET failed_attempts = failed_attempts + 1,
		    locked_until = CASE
		        WHEN failed_attempts + 1 >= $2 THEN now() + $3
		        ELSE locked_until
		    END
		WHERE id = $1
		RETURNING failed_attempts, locked_until`

	var attempts int
	var lockedUntil *time.Time
	err := s.pool.QueryRow(ctx, query, id, maxFailures, lockFor).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, time.Time{}, authcore.ErrIdentityNotFound
		}
		return 0, time.Time{}, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	var until time.Time
	if lockedUntil != nil {
		until = *lockedUntil
	}
	return attempts, until, nil
}

// ResetFailures clears the counter and lock deadline.
func (s *IdentityStore) ResetFailures(ctx context.Context, id string) error {
	query := `UPDATE identities SET failed_attempts = 0, locked_until = NULL WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

// SetTOTPSecret installs or replaces the TOTP secret.
func (s *IdentityStore) SetTOTPSecret(ctx context.Context, id string, secret []byte, enrolledAt time.Time) error {
	query := `UPDATE identities SET totp_secret = $2, totp_enrolled_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, secret, enrolledAt)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrIdentityNotFound
	}
	return nil
}

func (s *IdentityStore) scanIdentity(row pgx.Row) (*authcore.Identity, error) {
	identity := &authcore.Identity{}
	var totpEnrolledAt, lockedUntil *time.Time
	err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.PasswordHash,
		&identity.TOTPSecret,
		&totpEnrolledAt,
		&identity.FailedAttempts,
		&lockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if totpEnrolledAt != nil {
		identity.TOTPEnrolledAt = *totpEnrolledAt
	}
	if lockedUntil != nil {
		identity.LockedUntil = *lockedUntil
	}
	return identity, nil
}
