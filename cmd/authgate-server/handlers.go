package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/middleware"
)

const maxBodyBytes = 1 << 16

type server struct {
	engine *authgate.Engine

	login   *middleware.Gate
	refresh *middleware.Gate
	api     *middleware.Gate
}

func newServer(engine *authgate.Engine) (*server, error) {
	login, err := middleware.NewGate(engine, middleware.GateOptions{Operation: "login", AllowAnonymous: true})
	if err != nil {
		return nil, err
	}
	refresh, err := middleware.NewGate(engine, middleware.GateOptions{Operation: "refresh", AllowAnonymous: true})
	if err != nil {
		return nil, err
	}
	api, err := middleware.NewGate(engine, middleware.GateOptions{Operation: "default"})
	if err != nil {
		return nil, err
	}
	return &server{engine: engine, login: login, refresh: refresh, api: api}, nil
}

func (s *server) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /token", s.login.Handler(http.HandlerFunc(s.handleToken)))
	mux.Handle("POST /refresh", s.refresh.Handler(http.HandlerFunc(s.handleRefresh)))
	mux.Handle("POST /revoke", s.refresh.Handler(http.HandlerFunc(s.handleRevoke)))
	mux.Handle("POST /logout-all", s.api.Handler(http.HandlerFunc(s.handleLogoutAll)))
	mux.Handle("POST /api-keys", s.api.Handler(http.HandlerFunc(s.handleIssueAPIKey)))
	mux.Handle("GET /whoami", s.api.Handler(http.HandlerFunc(s.handleWhoAmI)))
	mux.Handle("GET /metrics", metrics)
	return mux
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type pairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

func newPairResponse(p *authgate.Pair) pairResponse {
	return pairResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
		SessionID:        p.SessionID,
	}
}

func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubjectID   string `json:"subject_id"`
		Fingerprint string `json:"fingerprint"`
	}
	if !decode(w, r, &body) {
		return
	}

	pair, err := s.engine.IssueForSubject(r.Context(), body.SubjectID, body.Fingerprint)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPairResponse(pair))
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
		Fingerprint  string `json:"fingerprint"`
	}
	if !decode(w, r, &body) {
		return
	}

	pair, err := s.engine.Refresh(r.Context(), body.RefreshToken, body.Fingerprint)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPairResponse(pair))
}

func (s *server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}

	if err := s.engine.Revoke(r.Context(), body.Token, "logout"); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.SubjectID == "" {
		writeError(w, http.StatusForbidden, authgate.CodeInsufficientScope)
		return
	}
	if err := s.engine.RevokeSubject(r.Context(), p.SubjectID, "logout_all"); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.Claims == nil || p.Role != "admin" {
		writeError(w, http.StatusForbidden, authgate.CodeInsufficientScope)
		return
	}

	var body struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if !decode(w, r, &body) {
		return
	}

	key, err := s.engine.IssueAPIKey(r.Context(), authgate.APIKeyOptions{
		Name:      body.Name,
		SubjectID: p.SubjectID,
		Scopes:    body.Scopes,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key_id":     key.KeyID,
		"secret":     key.Secret,
		"scopes":     key.Scopes,
		"expires_at": key.ExpiresAt,
	})
}

func (s *server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":   p.Identity,
		"subject_id": p.SubjectID,
		"role":       p.Role,
		"session_id": p.SessionID,
		"scopes":     p.Scopes,
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return false
	}
	return true
}

func writeEngineError(w http.ResponseWriter, err error) {
	code := authgate.ErrorCode(err)
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, authgate.ErrNoSubjectProvider), code == authgate.CodeInternal:
		status = http.StatusInternalServerError
	case code == authgate.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case code == authgate.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	writeError(w, status, code)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
