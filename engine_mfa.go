package authcore

import (
	"context"
	"errors"
	"time"
)

// ConfirmMFA completes a login that stopped at StatusMFARequired. It burns
// the challenge on success, counts and bounds wrong codes, and refuses a code
// replayed inside its own acceptance window. Every failure surfaces as
// ErrInvalidMFACode: callers cannot distinguish an unknown challenge from a
// wrong code from a replay.
func (e *Engine) ConfirmMFA(ctx context.Context, challengeID, code string) (*LoginResult, error) {
	if challengeID == "" || code == "" {
		return nil, ErrInvalidMFACode
	}

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, errChallengeBackend) {
			return nil, mapStoreErr(err)
		}
		e.emit(EventLoginFailed, "", map[string]string{"reason": "mfa_challenge_invalid"})
		return nil, ErrInvalidMFACode
	}

	if err := e.gate(ctx, "otp:"+record.UserID); err != nil {
		return nil, err
	}

	identity, err := e.identities.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			_, _ = e.challenges.Delete(ctx, challengeID)
			return nil, ErrInvalidMFACode
		}
		return nil, mapStoreErr(err)
	}
	if !identity.Enrolled() {
		_, _ = e.challenges.Delete(ctx, challengeID)
		return nil, ErrInvalidMFACode
	}

	now := time.Now()
	matched, counter, err := e.totp.VerifyCode(identity.TOTPSecret, code, now)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if matched {
		// A mathematically valid code may still be a replay: the step must
		// not have been consumed yet for this identity.
		fresh, err := e.replay.Consume(ctx, identity.ID, counter, e.totp.stepTTL())
		if err != nil {
			return nil, mapStoreErr(err)
		}
		matched = fresh
	}

	if !matched {
		exceeded, recErr := e.challenges.RecordFailure(ctx, challengeID, e.config.Challenge.MaxAttempts)
		if recErr != nil && errors.Is(recErr, errChallengeBackend) {
			return nil, mapStoreErr(recErr)
		}
		reason := "mfa_code_invalid"
		if exceeded {
			reason = "mfa_attempts_exceeded"
		}
		e.emit(EventLoginFailed, identity.ID, map[string]string{"reason": reason})
		return nil, ErrInvalidMFACode
	}

	// Single use: the challenge dies with its success.
	if _, err := e.challenges.Delete(ctx, challengeID); err != nil {
		return nil, mapStoreErr(err)
	}

	pair, err := e.issueTokens(ctx, identity.ID, "")
	if err != nil {
		return nil, err
	}
	e.resetFailures(ctx, identity.ID)
	e.emit(EventLoginSucceeded, identity.ID, map[string]string{"mfa": "totp"})

	return &LoginResult{
		Status:       StatusAuthenticated,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// EnrollTOTP provisions a fresh secret for the identity and returns it with
// its otpauth:// URI. Enrolling over an existing secret is the explicit
// re-enrollment path: the old secret is replaced and every session family of
// the identity is revoked, so nothing minted under the old factor survives.
func (e *Engine) EnrollTOTP(ctx context.Context, identityID string) (*Enrollment, error) {
	identity, err := e.identities.GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, mapStoreErr(err)
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	reEnrollment := identity.Enrolled()
	if reEnrollment {
		if err := e.sessions.RevokeSubject(ctx, identity.ID, e.config.JWT.RefreshTTL); err != nil {
			return nil, mapStoreErr(err)
		}
		e.emit(EventTokenRevoked, identity.ID, map[string]string{"reason": "totp_reenrollment"})
	}

	if err := e.identities.SetTOTPSecret(ctx, identity.ID, secret, time.Now()); err != nil {
		return nil, mapStoreErr(err)
	}
	e.emit(EventOTPEnrolled, identity.ID, map[string]string{
		"reenrollment": boolString(reEnrollment),
	})

	return &Enrollment{
		SecretBase32:    secretBase32,
		ProvisioningURI: e.totp.ProvisioningURI(secretBase32, identity.Username),
	}, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
