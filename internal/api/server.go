// Package api is the REST surface around the hub core: session creation,
// credential-to-token exchange and health. The hub itself speaks WebSocket;
// nothing here touches hub state except through the manager.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"classhub/internal/auth"
	apperrors "classhub/internal/errors"
	"classhub/internal/hub"
	"classhub/internal/registry"
	"classhub/internal/store"
	"classhub/pkg/types"
)

// Server carries the REST handlers and their dependencies.
type Server struct {
	sessions store.SessionStore
	users    store.UserStore
	verifier *auth.Verifier
	hubs     *hub.Manager
	registry *registry.Registry
	log      zerolog.Logger
	router   chi.Router
}

// NewServer wires the REST routes.
func NewServer(sessions store.SessionStore, users store.UserStore, verifier *auth.Verifier, hubs *hub.Manager, reg *registry.Registry, log zerolog.Logger) *Server {
	s := &Server{
		sessions: sessions,
		users:    users,
		verifier: verifier,
		hubs:     hubs,
		registry: reg,
		log:      log.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/api/sessions", s.createSession)
	r.Get("/api/sessions/{code}", s.getSession)
	r.Post("/api/tokens", s.issueToken)
	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createSessionRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Name     string `json:"name"`
}

type createSessionResponse struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, apperrors.BadCommand("malformed request body"))
		return
	}
	if req.Name == "" || len(req.Name) > 200 {
		s.writeError(w, http.StatusBadRequest, apperrors.BadCommand("session name must be 1-200 characters"))
		return
	}

	user, err := s.users.ValidateCredentials(r.Context(), req.Username, req.Secret)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, apperrors.Unauthenticated("invalid credentials"))
		return
	}
	if user.Role != types.RoleTeacher {
		s.writeError(w, http.StatusForbidden, apperrors.Forbidden("only teachers can create sessions"))
		return
	}

	code, err := s.sessions.Create(r.Context(), user.ID, req.Name)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to persist session")
		s.writeError(w, http.StatusInternalServerError, apperrors.Internal("failed to create session"))
		return
	}
	if _, err := s.hubs.Open(code, user.ID, req.Name); err != nil {
		s.log.Error().Err(err).Str("session", code).Msg("failed to open hub")
		s.writeError(w, http.StatusInternalServerError, apperrors.Internal("failed to open session"))
		return
	}

	s.log.Info().Str("session", code).Str("teacher_id", user.ID).Msg("session created")
	s.writeJSON(w, http.StatusCreated, createSessionResponse{Code: code, Name: req.Name})
}

type sessionResponse struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Connections int    `json:"connections"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, err := s.sessions.Get(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, apperrors.SessionNotFound(code))
			return
		}
		s.log.Error().Err(err).Str("session", code).Msg("failed to load session")
		s.writeError(w, http.StatusInternalServerError, apperrors.Internal("failed to load session"))
		return
	}

	s.writeJSON(w, http.StatusOK, sessionResponse{
		Code:        rec.Code,
		Name:        rec.Name,
		State:       rec.State,
		Connections: len(s.registry.Snapshot(code)),
	})
}

type issueTokenRequest struct {
	Username    string `json:"username"`
	Secret      string `json:"secret"`
	SessionCode string `json:"session_code"`
}

type issueTokenResponse struct {
	Token    string         `json:"token"`
	Identity types.Identity `json:"identity"`
}

// issueToken exchanges pre-issued credentials for a session-bound bearer
// token. The hub core never sees credentials, only the resulting token.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, apperrors.BadCommand("malformed request body"))
		return
	}

	user, err := s.users.ValidateCredentials(r.Context(), req.Username, req.Secret)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, apperrors.Unauthenticated("invalid credentials"))
		return
	}

	exists, err := s.sessions.Exists(r.Context(), req.SessionCode)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to check session existence")
		s.writeError(w, http.StatusInternalServerError, apperrors.Internal("failed to check session"))
		return
	}
	if !exists {
		s.writeError(w, http.StatusNotFound, apperrors.SessionNotFound(req.SessionCode))
		return
	}

	identity := types.Identity{
		UserID:      user.ID,
		Role:        user.Role,
		SessionCode: req.SessionCode,
	}
	token, err := s.verifier.Issue(identity)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to sign token")
		s.writeError(w, http.StatusInternalServerError, apperrors.Internal("failed to issue token"))
		return
	}

	s.writeJSON(w, http.StatusOK, issueTokenResponse{Token: token, Identity: identity})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"open_sessions":     s.hubs.Count(),
		"total_connections": stats["total_connections"],
	})
}

type errorResponse struct {
	Error types.ErrorPayload `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, appErr *apperrors.AppError) {
	s.writeJSON(w, status, errorResponse{Error: types.ErrorPayload{
		Kind:    string(appErr.Code),
		Message: appErr.Message,
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("failed to encode response")
	}
}
