package main

import (
	"errors"
	"net/http"
	"time"

	"ddlauncher/dispatch"
	"ddlauncher/plugin"
	"ddlauncher/store"
	"ddlauncher/strategy"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxRequestBytes bounds JSON request bodies.
const maxRequestBytes = 1 << 20

// LoginRequest starts a strategy, either from explicit credentials or from
// a saved account.
type LoginRequest struct {
	Strategy  string `json:"strategy"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Server    string `json:"server"`
	AccountID string `json:"account_id,omitempty"`
	// Play opens a successful launch URL right away.
	Play bool `json:"play,omitempty"`
}

// LoginResponse carries the tagged result string.
type LoginResponse struct {
	Result string `json:"result"`
	Played bool   `json:"played,omitempty"`
}

// InvocationStatus describes a running or finished invocation.
type InvocationStatus struct {
	ID       string `json:"id"`
	Strategy string `json:"strategy"`
	State    string `json:"state"`
	Result   string `json:"result,omitempty"`
}

// PlayRequest is the body of POST /play.
type PlayRequest struct {
	URL string `json:"url"`
}

type server struct {
	app    *App
	logger *zap.Logger
}

// newHandler builds the HTTP bridge with CORS and request logging.
func newHandler(app *App, allowedOrigins []string, logger *zap.Logger) http.Handler {
	s := &server{app: app, logger: logger}

	// Setup router
	mux := http.NewServeMux()
	mux.HandleFunc("GET /strategies", s.handleListStrategies)
	mux.HandleFunc("POST /strategies/reload", s.handleReloadStrategies)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /invocations", s.handleStartInvocation)
	mux.HandleFunc("GET /invocations/{id}", s.handleGetInvocation)
	mux.HandleFunc("GET /accounts", s.handleListAccounts)
	mux.HandleFunc("POST /accounts", s.handleAddAccount)
	mux.HandleFunc("GET /accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("PUT /accounts/{id}", s.handleReplaceAccount)
	mux.HandleFunc("DELETE /accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /launcher", s.handleLauncher)
	mux.HandleFunc("POST /play", s.handlePlay)

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return s.logRequests(c.Handler(mux))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.ListStrategies())
}

func (s *server) handleReloadStrategies(w http.ResponseWriter, r *http.Request) {
	if err := s.app.ReloadStrategies(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.ListStrategies())
}

// handleLogin runs a strategy and waits for its result
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}

	inv, err := s.start(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	outcome, err := inv.Wait(r.Context())
	if err != nil {
		// Client went away; the invocation keeps running.
		return
	}

	resp := LoginResponse{Result: outcome.String()}
	if req.Play && outcome.OK() && IsGameURL(outcome.URL) {
		if err := s.app.PlayFlash(outcome.URL); err != nil {
			s.logger.Warn("Failed to open launch url", zap.Error(err))
		} else {
			resp.Played = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleStartInvocation(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}

	inv, err := s.start(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": inv.ID})
}

func (s *server) start(req LoginRequest) (*dispatch.Invocation, error) {
	if req.AccountID != "" {
		return s.app.StartAccount(req.AccountID, nil)
	}
	return s.app.StartInvocation(req.Strategy, plugin.Credentials{
		Username: req.Username,
		Password: req.Password,
		Server:   req.Server,
	}, nil)
}

func (s *server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.app.Invocation(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "invocation not found"})
		return
	}

	outcome, done := inv.Outcome()
	status := InvocationStatus{
		ID:       inv.ID,
		Strategy: inv.Strategy,
		State:    inv.State().String(),
	}
	if done {
		status.Result = outcome.String()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	records, err := s.app.Accounts(r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var acc store.Account
	if !s.decode(w, r, &acc) {
		return
	}
	id, err := s.app.AddAccount(acc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.app.Account(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *server) handleReplaceAccount(w http.ResponseWriter, r *http.Request) {
	var acc store.Account
	if !s.decode(w, r, &acc) {
		return
	}
	if err := s.app.ReplaceAccount(r.PathValue("id"), acc); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteAccount(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLauncher(w http.ResponseWriter, r *http.Request) {
	started := s.app.OpenLauncher()
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

func (s *server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.app.PlayFlash(req.URL); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, strategy.ErrStrategyNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidID), errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidGameURL):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
