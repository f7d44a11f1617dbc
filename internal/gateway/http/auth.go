package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/copperline/gatehouse/internal/gateway/gate"
	"github.com/copperline/gatehouse/internal/gateway/service"
	"github.com/copperline/gatehouse/pkg/httpx"
	"github.com/copperline/gatehouse/pkg/slogx"
)

const maxBodyBytes = 64 * 1024

// AuthHandler serves the credential lifecycle endpoints.
type AuthHandler struct {
	Tokens *service.TokenService
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleRegister serves POST /v1/auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.Tokens.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserExists):
			httpx.WriteError(w, http.StatusConflict, "username_taken", "username already taken")
		case errors.Is(err, service.ErrWeakPassword), errors.Is(err, service.ErrBadUsername):
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeInternal(w, r, err)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"user_id":  user.ID.String(),
		"username": user.Username,
	})
}

// HandleLogin serves POST /v1/auth/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, err := h.Tokens.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrBadCredentials) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_grant", "bad username or password")
			return
		}
		writeInternal(w, r, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, pair)
}

// HandleRefresh serves POST /v1/auth/refresh. The old pair is dead before
// the new one leaves the building.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "refresh_token required")
		return
	}

	pair, err := h.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeGateError(w, r, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, pair)
}

// HandleLogout serves POST /v1/auth/logout. The access token rides in the
// Authorization header; a refresh token in the body is optional and retires
// the whole pair. Logging out an already retired token succeeds.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	rawAccess, ok := httpx.BearerToken(r)
	if !ok {
		httpx.WriteBearerError(w, "missing bearer token")
		return
	}

	var req refreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	if err := h.Tokens.Logout(r.Context(), rawAccess, req.RefreshToken); err != nil {
		writeGateError(w, r, err)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

func writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	if reason, ok := gate.RejectionReason(err); ok {
		if reason == gate.ReasonUnavailable {
			httpx.WriteError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "try again later")
			return
		}
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_grant", "invalid or revoked token")
		return
	}
	writeInternal(w, r, err)
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slogx.FromContext(r.Context()).Error("request failed", slogx.Err(err))
	httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
}
