package httpapi

import (
	"errors"
	"net/http"
	"time"

	"docsign.org/internal/audit"
	"docsign.org/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
}

func newTokenResponse(u auth.User, tok auth.Token) tokenResponse {
	return tokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt, UserID: u.ID, Email: u.Email, Name: u.Name}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, tok, err := a.auth.Register(r.Context(), req.Email, req.Name, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "email already registered")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "registration failed")
		return
	}
	ctx := auth.ContextWithUser(r.Context(), user)
	_ = audit.LogEvent(ctx, "auth.registered", map[string]any{"email": user.Email})
	writeJSON(w, http.StatusCreated, newTokenResponse(user, tok))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, tok, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrUnauthorized) {
		_ = audit.LogEvent(audit.WithActor(r.Context(), req.Email), "auth.login.failed", nil)
		writeError(w, r, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}
	ctx := auth.ContextWithUser(r.Context(), user)
	_ = audit.LogEvent(ctx, "auth.token.issued", map[string]any{
		"expires_at": tok.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, newTokenResponse(user, tok))
}
