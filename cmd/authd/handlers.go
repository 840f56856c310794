package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	authcore "github.com/thisjowi/authcore"
	"github.com/thisjowi/authcore/middleware"
)

type loginRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type mfaVerifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginResponse struct {
	Status         authcore.AuthStatus `json:"status"`
	AccessToken    string              `json:"access_token,omitempty"`
	RefreshToken   string              `json:"refresh_token,omitempty"`
	ChallengeToken string              `json:"challenge_token,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type errorResponse struct {
	// Status is REJECTED for authentication failures, absent for throttling
	// and infrastructure errors.
	Status authcore.AuthStatus `json:"status,omitempty"`
	Error  string              `json:"error"`
}

type api struct {
	engine *authcore.Engine
	logger *slog.Logger
}

func newRouter(engine *authcore.Engine, logger *slog.Logger) http.Handler {
	a := &api{engine: engine, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/mfa/verify", a.handleMFAVerify).Methods(http.MethodPost)
	r.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost)

	guarded := r.PathPrefix("/mfa/enroll").Subrouter()
	guarded.Use(middleware.RequireAccess(engine))
	guarded.HandleFunc("", a.handleMFAEnroll).Methods(http.MethodGet)

	return r
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	ctx := authcore.WithOrigin(r.Context(), clientIP(r))
	result, err := a.engine.Login(ctx, req.Identity, req.Password)
	if err != nil {
		a.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Status:         result.Status,
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		ChallengeToken: result.ChallengeID,
	})
}

func (a *api) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	ctx := authcore.WithOrigin(r.Context(), clientIP(r))
	result, err := a.engine.ConfirmMFA(ctx, req.ChallengeToken, req.Code)
	if err != nil {
		a.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	ctx := authcore.WithOrigin(r.Context(), clientIP(r))
	pair, err := a.engine.Refresh(ctx, req.RefreshToken)
	if err != nil {
		a.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	if err := a.engine.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	enrollment, err := a.engine.EnrollTOTP(r.Context(), claims.Subject)
	if err != nil {
		a.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"secret":           enrollment.SecretBase32,
		"provisioning_uri": enrollment.ProvisioningURI,
	})
}

// writeAuthError maps engine sentinels onto HTTP statuses. Invalid
// credentials and invalid MFA codes share a status and message so the
// response shape reveals nothing about which factor failed.
func (a *api) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authcore.ErrInvalidCredentials),
		errors.Is(err, authcore.ErrInvalidMFACode),
		errors.Is(err, authcore.ErrInvalidToken),
		errors.Is(err, authcore.ErrSessionRevoked):
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Status: authcore.StatusRejected,
			Error:  "rejected",
		})
	case errors.Is(err, authcore.ErrAccountLocked):
		writeError(w, http.StatusLocked, "account locked")
	case errors.Is(err, authcore.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, authcore.ErrStoreUnavailable):
		a.logger.Error("backend unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	case errors.Is(err, authcore.ErrIdentityNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.logger.Error("unexpected auth error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the socket
// peer. authd is expected to sit behind the gateway, which sets the header.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
