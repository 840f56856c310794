package authcore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/thisjowi/authcore/session"
)

// Refresh rotates a refresh token: the presented token is invalidated and a
// new access/refresh pair in the same family is returned. The swap is a
// conditional update in the session store, so of two concurrent rotations of
// the same token exactly one wins.
//
// Presenting a superseded token is treated as theft: the whole family is
// revoked, a session_theft_detected event goes out, and the caller gets
// ErrSessionRevoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := e.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if origin := originFromContext(ctx); origin != "" {
		if err := e.originLimiter.Allow(ctx, origin, 1); err != nil {
			return nil, mapLimiterErr(err)
		}
	}

	nextID := uuid.NewString()
	err = e.sessions.Rotate(ctx, claims.FamilyID, claims.TokenID, nextID, e.config.JWT.RefreshTTL)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrTokenMismatch):
		// The store killed the family in the same atomic step that detected
		// the reuse; all that is left is to tell the fleet.
		e.emit(EventTheftDetected, claims.Subject, map[string]string{
			"family": claims.FamilyID,
		})
		e.emit(EventTokenRevoked, claims.Subject, map[string]string{
			"family": claims.FamilyID,
			"reason": "refresh_reuse",
		})
		return nil, ErrSessionRevoked
	case errors.Is(err, session.ErrFamilyRevoked):
		return nil, ErrSessionRevoked
	case errors.Is(err, session.ErrFamilyNotFound):
		return nil, ErrInvalidToken
	default:
		return nil, mapStoreErr(err)
	}

	accessToken, err := e.tokens.CreateAccess(claims.Subject, accessScopeUser)
	if err != nil {
		return nil, err
	}
	newRefresh, err := e.tokens.CreateRefresh(claims.Subject, claims.FamilyID, nextID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		FamilyID:     claims.FamilyID,
	}, nil
}

// Logout revokes the refresh token's entire family. Idempotent: logging out
// an already-revoked session succeeds.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	claims, err := e.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return ErrInvalidToken
	}
	if err := e.sessions.RevokeFamily(ctx, claims.FamilyID, e.config.JWT.RefreshTTL); err != nil {
		return mapStoreErr(err)
	}
	e.emit(EventLogout, claims.Subject, map[string]string{"family": claims.FamilyID})
	return nil
}
