// Package httpapi implements freeqd's policy/attestation REST API using the
// chi router: reading a channel's active governance policy, its version
// history and transparency log, the authority sets that signed it, and
// submitting join attempts for channels that require one before a client
// sends IRC JOIN.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/freeq-dev/freeqd/internal/conn"
	"github.com/freeq-dev/freeqd/internal/database"
	fmiddleware "github.com/freeq-dev/freeqd/internal/middleware"
	"github.com/freeq-dev/freeqd/internal/policy"
)

// Config configures a Server.
type Config struct {
	Registry   *conn.Registry
	DB         *database.DB
	ServerName string
	Listen     string
	CORS       []string
	Logger     *slog.Logger
}

// Server is freeqd's HTTP API: channel policy/attestation endpoints and a
// health check, mounted on a chi router.
type Server struct {
	cfg     Config
	router  *chi.Mux
	server  *http.Server
	limiter *fmiddleware.SlidingWindowLimiter
}

// NewServer builds the router and registers every route; call Start to
// begin listening.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		limiter: fmiddleware.NewSlidingWindowLimiter(
			fmiddleware.DefaultSlidingWindowConfig(),
			[]fmiddleware.EndpointRateConfig{
				{Pattern: "/api/v1/policy/*/join", MaxRequests: 10, WindowSize: time.Minute},
				{Pattern: "/api/v1/broker/session", MaxRequests: 10, WindowSize: time.Minute},
				{Pattern: "/api/v1/proxy", MaxRequests: 30, WindowSize: time.Minute},
				{Pattern: "/api/v1/preview", MaxRequests: 30, WindowSize: time.Minute},
			},
			cfg.Logger,
		),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(fmiddleware.CorrelationID)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware(s.cfg.CORS))
	s.router.Use(fmiddleware.SecurityHeaders)
	s.router.Use(fmiddleware.ContentSecurityPolicy(fmiddleware.DefaultCSPConfig()))
	s.router.Use(fmiddleware.RateLimitMiddleware(s.limiter))
	s.router.Use(middleware.Timeout(15 * time.Second))
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/channels", s.handleListChannels)
		r.Get("/policy/{channel}", s.handlePolicy)
		r.Get("/policy/{channel}/history", s.handlePolicyHistory)
		r.Get("/policy/{channel}/transparency", s.handleTransparencyLog)
		r.Post("/policy/{channel}/join", s.handleJoinAttempt)
		r.Get("/policy/{channel}/membership/{did}", s.handleMembership)
		r.Get("/authority/{hash}", s.handleAuthoritySet)
		r.Get("/proxy", s.handleBlobProxy)
		r.Get("/preview", s.handleLinkPreview)
		r.Post("/broker/session", s.handleBrokerSession)
	})
}

// Stop releases the rate limiter's background cleanup goroutine; call
// alongside Shutdown during process teardown.
func (s *Server) Stop() {
	s.limiter.Stop()
}

// Start begins serving HTTP requests; it blocks until Shutdown closes the
// listener, returning nil in that case.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.cfg.Logger.Info("HTTP API listening", slog.String("addr", s.cfg.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) channelName(r *http.Request) string {
	name := chi.URLParam(r, "channel")
	if name != "" && !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "server": s.cfg.ServerName}
	if err := s.cfg.DB.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["database"] = "healthy"
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	names := s.cfg.Registry.ChannelNames()
	type summary struct {
		Name       string `json:"name"`
		Members    int    `json:"members"`
		HasPolicy  bool   `json:"has_policy"`
		FounderDID string `json:"founder_did,omitempty"`
	}
	out := make([]summary, 0, len(names))
	for _, name := range names {
		ch := s.cfg.Registry.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.Mu.RLock()
		out = append(out, summary{
			Name:       ch.Name,
			Members:    len(ch.Members) + len(ch.RemoteMembers),
			HasPolicy:  ch.PolicyID != "",
			FounderDID: ch.FounderDID,
		})
		ch.Mu.RUnlock()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)
	doc, err := s.cfg.DB.PolicyStore(r.Context()).ActivePolicy(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading policy: "+err.Error())
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "channel has no active policy")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)
	history, err := s.cfg.DB.PolicyHistory(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading policy history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleTransparencyLog(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)
	entries, err := s.cfg.DB.TransparencyLog(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading transparency log: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)
	did := chi.URLParam(r, "did")
	att, err := s.cfg.DB.PolicyStore(r.Context()).LatestAttestation(name, did)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading attestation: "+err.Error())
		return
	}
	if att == nil {
		writeError(w, http.StatusNotFound, "no membership attestation on record")
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleAuthoritySet(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	set, err := s.cfg.DB.PolicyStore(r.Context()).AuthoritySet(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading authority set: "+err.Error())
		return
	}
	if set == nil {
		writeError(w, http.StatusNotFound, "no such authority set")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// joinRequest is the body of POST /api/v1/policy/{channel}/join: the
// subject's DID and whatever evidence the requirements tree might ask for
// (accepted rules hashes, credentials, provable claims). Richer evidence
// collection from external credential issuers belongs to a client-side
// wallet integration this endpoint does not implement; it evaluates exactly
// what it is given.
type joinRequest struct {
	DID            string              `json:"did"`
	AcceptedHashes []string            `json:"accepted_hashes,omitempty"`
	Credentials    []policy.Credential `json:"credentials,omitempty"`
	Proofs         []string            `json:"proofs,omitempty"`
}

func (s *Server) handleJoinAttempt(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DID == "" {
		writeError(w, http.StatusBadRequest, "did is required")
		return
	}

	evidence := policy.NewUserEvidence()
	evidence.Credentials = req.Credentials
	for _, h := range req.AcceptedHashes {
		evidence.AcceptedHashes[h] = true
	}
	for _, p := range req.Proofs {
		evidence.Proofs[p] = true
	}

	signer := policy.AuthoritySigner{DID: s.cfg.Registry.AuthorityDID}
	result, err := policy.ProcessJoin(s.cfg.DB.PolicyStore(r.Context()), signer, s.cfg.Registry.AuthorityKey, name, req.DID, evidence)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "evaluating join: "+err.Error())
		return
	}
	if result.Reason != "" {
		writeJSON(w, http.StatusForbidden, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// logRequests is chi middleware logging each request via slog, matching
// the structured-access-log style used across the rest of the server.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.cfg.Logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// corsMiddleware mirrors the CORS handling used elsewhere in the retrieved
// pack: reflect an allowed origin, or allow every origin when "*" is
// configured.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				for _, o := range origins {
					if o == "*" || o == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
						w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
						break
					}
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
