package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Login runs the first factor: rate gate, credential check, then either a
// token pair (no MFA enrolled) or a single-use challenge the caller must
// complete through ConfirmMFA. Attach the caller's address with WithOrigin so
// the per-origin limiter participates.
//
// Failures are deliberately flat: unknown user and wrong password both come
// back as ErrInvalidCredentials after comparable work.
func (e *Engine) Login(ctx context.Context, username, pass string) (*LoginResult, error) {
	if err := e.gate(ctx, "login:"+username); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.emit(EventLoginFailed, "", map[string]string{
				"identifier": username,
				"reason":     "rate_limited",
			})
		}
		return nil, err
	}

	identity, err := e.identities.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			// Burn the same hashing work a real account would cost.
			_, _ = e.hasher.Verify(pass, e.dummyHash)
			e.emit(EventLoginFailed, "", map[string]string{
				"identifier": username,
				"reason":     "unknown_identity",
			})
			return nil, ErrInvalidCredentials
		}
		return nil, mapStoreErr(err)
	}

	now := time.Now()
	if identity.Locked(now) {
		e.emit(EventLoginFailed, identity.ID, map[string]string{"reason": "locked"})
		return nil, ErrAccountLocked
	}

	ok, err := e.hasher.Verify(pass, identity.PasswordHash)
	if err != nil || !ok {
		e.recordFailure(ctx, identity.ID)
		e.emit(EventLoginFailed, identity.ID, map[string]string{"reason": "bad_password"})
		return nil, ErrInvalidCredentials
	}

	if identity.Enrolled() {
		challengeID := uuid.NewString()
		record := &mfaChallenge{
			UserID:    identity.ID,
			ExpiresAt: now.Add(e.config.Challenge.TTL).UnixMilli(),
		}
		if err := e.challenges.Save(ctx, challengeID, record, e.config.Challenge.TTL); err != nil {
			return nil, mapStoreErr(err)
		}
		return &LoginResult{Status: StatusMFARequired, ChallengeID: challengeID}, nil
	}

	pair, err := e.issueTokens(ctx, identity.ID, "")
	if err != nil {
		return nil, err
	}
	e.resetFailures(ctx, identity.ID)
	e.emit(EventLoginSucceeded, identity.ID, map[string]string{"mfa": "none"})

	return &LoginResult{
		Status:       StatusAuthenticated,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// recordFailure bumps the shared failure counter and announces the lockout
// on the transition that trips it. The counter write is already committed
// even if the caller disconnects; that is intentional.
func (e *Engine) recordFailure(ctx context.Context, identityID string) {
	attempts, lockedUntil, err := e.identities.RecordFailure(
		ctx, identityID, e.config.Lockout.MaxFailures, e.config.Lockout.Duration)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("failure counter update failed", "identity", identityID, "error", err)
		}
		return
	}
	if attempts == e.config.Lockout.MaxFailures && !lockedUntil.IsZero() {
		e.emit(EventAccountLocked, identityID, map[string]string{
			"locked_until": lockedUntil.UTC().Format(time.RFC3339),
		})
	}
}

func (e *Engine) resetFailures(ctx context.Context, identityID string) {
	if err := e.identities.ResetFailures(ctx, identityID); err != nil && e.logger != nil {
		e.logger.Warn("failure counter reset failed", "identity", identityID, "error", err)
	}
}

// issueTokens mints an access/refresh pair and records the refresh token as
// the family's active one. An empty familyID starts a new lineage.
func (e *Engine) issueTokens(ctx context.Context, subjectID, familyID string) (*TokenPair, error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	tokenID := uuid.NewString()

	// Commit to the store first: the pair is only returned once the family
	// registry knows about it.
	if err := e.sessions.PutActive(ctx, subjectID, familyID, tokenID, e.config.JWT.RefreshTTL); err != nil {
		return nil, mapStoreErr(err)
	}

	accessToken, err := e.tokens.CreateAccess(subjectID, accessScopeUser)
	if err != nil {
		return nil, err
	}
	refreshToken, err := e.tokens.CreateRefresh(subjectID, familyID, tokenID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		FamilyID:     familyID,
	}, nil
}
