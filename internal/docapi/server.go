// Package docapi exposes a docstore.Store over HTTP and a realtime WebSocket
// listen stream, with authentication and per-document access rules.
package docapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/config"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/origin"
	"github.com/jaballahchat/chatcall/internal/ratelimit"
)

// DefaultTimeoutMinutes applies when a timeout request omits minutes.
const DefaultTimeoutMinutes = 5

// Moderator carries out the admin chat actions.
type Moderator interface {
	ClearChat(ctx context.Context) (int, error)
	SetChatEnabled(ctx context.Context, enabled bool) error
	TimeoutUser(ctx context.Context, uid string, d time.Duration) (time.Time, error)
}

type Config struct {
	Store docstore.Store
	// Accounts serves sign-up and sign-in. Nil disables those routes.
	Accounts *auth.Provider
	Verifier auth.Verifier
	Rules    *Rules
	// Moderator backs the admin routes. Nil disables them.
	Moderator Moderator

	Origin  origin.Policy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Clock drives listen rate limiting. Defaults to the real clock.
	Clock ratelimit.Clock

	AuthTimeout          time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MaxBodyBytes         int64
}

// ConfigFromServer copies the listen and body limits from cfg.
func ConfigFromServer(cfg config.Config) Config {
	return Config{
		Origin:               origin.NewPolicy(cfg.AllowedOrigins),
		AuthTimeout:          cfg.ListenAuthTimeout,
		IdleTimeout:          cfg.ListenIdleTimeout,
		PingInterval:         cfg.ListenPingInterval,
		MaxMessageBytes:      cfg.MaxListenMessageBytes,
		MaxMessagesPerSecond: cfg.MaxListenMessagesPerSecond,
		MaxBodyBytes:         cfg.MaxRequestBodyBytes,
	}
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.Rules == nil {
		c.Rules = &Rules{}
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = config.DefaultListenAuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultListenIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 2
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxListenMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = config.DefaultMaxListenMessagesPerSecond
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = config.DefaultMaxRequestBodyBytes
	}
	return c
}

// Server implements the document API.
//
// Endpoints:
//   - POST   /v1/auth/signup, /v1/auth/signin
//   - GET    /v1/auth/me
//   - GET    /v1/docs/{path...}           : get a document
//   - PUT    /v1/docs/{path...}[?merge=1] : set or merge a document
//   - POST   /v1/docs/{path...}           : add to a collection or create a document
//   - DELETE /v1/docs/{path...}
//   - POST   /v1/query/{collection...}
//   - GET    /v1/listen                   : realtime watches over WebSocket
//   - POST   /v1/admin/...                : moderation, admin principals only
type Server struct {
	cfg Config
	log *slog.Logger
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{cfg: cfg, log: cfg.Logger}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/auth/signup", s.handleSignUp)
	mux.HandleFunc("POST /v1/auth/signin", s.handleSignIn)
	mux.HandleFunc("GET /v1/auth/me", s.authenticated(s.handleMe))

	mux.HandleFunc("GET /v1/docs/{path...}", s.authenticated(s.handleGet))
	mux.HandleFunc("PUT /v1/docs/{path...}", s.authenticated(s.handleSet))
	mux.HandleFunc("POST /v1/docs/{path...}", s.authenticated(s.handleCreate))
	mux.HandleFunc("DELETE /v1/docs/{path...}", s.authenticated(s.handleDelete))
	mux.HandleFunc("POST /v1/query/{path...}", s.authenticated(s.handleQuery))

	mux.HandleFunc("GET /v1/listen", s.handleListen)

	mux.HandleFunc("POST /v1/admin/chat/clear", s.admin(s.handleClearChat))
	mux.HandleFunc("POST /v1/admin/chat/enabled", s.admin(s.handleChatEnabled))
	mux.HandleFunc("POST /v1/admin/users/{uid}/timeout", s.admin(s.handleTimeout))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type principalKey struct{}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

func (s *Server) verify(ctx context.Context, cred string) (auth.Principal, error) {
	if s.cfg.Verifier == nil {
		return auth.Principal{}, auth.ErrInvalidCredentials
	}
	return s.cfg.Verifier.Verify(ctx, cred)
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := auth.CredentialFromRequest(r)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			writeError(w, err)
			return
		}
		p, err := s.verify(r.Context(), cred)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).Admin {
			s.cfg.Metrics.Inc(metrics.RuleDenied)
			writeJSONError(w, http.StatusForbidden, "permission_denied", "admin only")
			return
		}
		if s.cfg.Moderator == nil {
			writeJSONError(w, http.StatusNotImplemented, "not_configured", "moderation not configured")
			return
		}
		next(w, r)
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	s.handleAccount(w, r, metrics.AuthSignUp, func(ctx context.Context, req credentialsRequest) (auth.Session, error) {
		return s.cfg.Accounts.SignUp(ctx, req.Email, req.Password)
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	s.handleAccount(w, r, metrics.AuthSignIn, func(ctx context.Context, req credentialsRequest) (auth.Session, error) {
		return s.cfg.Accounts.SignIn(ctx, req.Email, req.Password)
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, metric string, fn func(context.Context, credentialsRequest) (auth.Session, error)) {
	if s.cfg.Accounts == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_configured", "accounts not configured")
		return
	}
	var req credentialsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sess, err := fn(r.Context(), req)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		writeError(w, err)
		return
	}
	s.cfg.Metrics.Inc(metric)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, principalFrom(r.Context()))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if err := s.cfg.Rules.CanRead(principalFrom(r.Context()), path); err != nil {
		s.denied(w, err)
		return
	}
	doc, err := s.cfg.Store.Get(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// WriteRequest is the body of PUT and POST document requests.
type WriteRequest struct {
	Data docstore.Data `json:"data"`
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	op := OpSet
	if isTrue(r.URL.Query().Get("merge")) {
		op = OpMerge
	}
	write := &Write{Principal: principalFrom(r.Context()), Op: op, Path: r.PathValue("path"), Data: req.Data}
	if err := s.cfg.Rules.CheckWrite(r.Context(), write); err != nil {
		s.denied(w, err)
		return
	}
	var opts []docstore.SetOption
	if op == OpMerge {
		opts = append(opts, docstore.Merge())
	}
	doc, err := s.cfg.Store.Set(r.Context(), write.Path, write.Data, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Metrics.Inc(metrics.DocumentWrites)
	writeJSON(w, http.StatusOK, doc)
}

// handleCreate adds to a collection path or creates at a document path.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	path := r.PathValue("path")
	op := OpCreate
	if docstore.IsCollectionPath(path) {
		op = OpAdd
		path = docstore.Join(strings.Trim(path, "/"), s.cfg.Store.NewID())
	}
	write := &Write{Principal: principalFrom(r.Context()), Op: op, Path: path, Data: req.Data}
	if err := s.cfg.Rules.CheckWrite(r.Context(), write); err != nil {
		s.denied(w, err)
		return
	}
	doc, err := s.cfg.Store.Create(r.Context(), write.Path, write.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Metrics.Inc(metrics.DocumentWrites)
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	write := &Write{Principal: principalFrom(r.Context()), Op: OpDelete, Path: r.PathValue("path")}
	if err := s.cfg.Rules.CheckWrite(r.Context(), write); err != nil {
		s.denied(w, err)
		return
	}
	if err := s.cfg.Store.Delete(r.Context(), write.Path); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Metrics.Inc(metrics.DocumentWrites)
	w.WriteHeader(http.StatusNoContent)
}

type QueryResponse struct {
	Documents []docstore.Document `json:"documents"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q docstore.Query
	if !s.decodeBody(w, r, &q) {
		return
	}
	path := r.PathValue("path")
	if err := s.cfg.Rules.CanRead(principalFrom(r.Context()), path); err != nil {
		s.denied(w, err)
		return
	}
	docs, err := s.cfg.Store.Query(r.Context(), path, q)
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Documents: docs})
}

func (s *Server) handleClearChat(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Moderator.ClearChat(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("chat cleared", "deleted", n)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

type ChatEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleChatEnabled(w http.ResponseWriter, r *http.Request) {
	var req ChatEnabledRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "enabled is required")
		return
	}
	if err := s.cfg.Moderator.SetChatEnabled(r.Context(), *req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("chat enabled changed", "enabled", *req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}

type TimeoutRequest struct {
	Minutes int `json:"minutes,omitempty"`
}

func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	var req TimeoutRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	if req.Minutes < 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "minutes must be >= 0")
		return
	}
	if req.Minutes == 0 {
		req.Minutes = DefaultTimeoutMinutes
	}
	uid := r.PathValue("uid")
	until, err := s.cfg.Moderator.TimeoutUser(r.Context(), uid, time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("user timed out", "uid", uid, "minutes", req.Minutes)
	writeJSON(w, http.StatusOK, map[string]any{"uid": uid, "timeoutUntil": docstore.FormatTimestamp(until)})
}

func (s *Server) denied(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrWriteRejected) {
		s.cfg.Metrics.Inc(metrics.RuleDenied)
	}
	writeError(w, err)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return false
	}
	if err := decodeStrictJSON(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// ErrorCode maps err onto the wire error code and HTTP status.
func ErrorCode(err error) (code string, status int) {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return "unauthenticated", http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials", http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidEmail):
		return "invalid_email", http.StatusBadRequest
	case errors.Is(err, auth.ErrWeakPassword):
		return "weak_password", http.StatusBadRequest
	case errors.Is(err, auth.ErrEmailInUse):
		return "email_in_use", http.StatusConflict
	case errors.Is(err, ErrWriteRejected):
		return "write_rejected", http.StatusForbidden
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied", http.StatusForbidden
	case errors.Is(err, docstore.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, docstore.ErrAlreadyExists):
		return "already_exists", http.StatusConflict
	case errors.Is(err, docstore.ErrInvalidPath):
		return "invalid_path", http.StatusBadRequest
	case errors.Is(err, docstore.ErrInvalidQuery):
		return "invalid_query", http.StatusBadRequest
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, status := ErrorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSONError(w, status, code, msg)
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
