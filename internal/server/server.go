// Package server exposes the HTTP surface of ccss: the generation service
// callbacks, content save events, critical CSS lookups, stylesheet deferral
// and the health check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/ccss/internal/callback"
	"github.com/dyluth/ccss/internal/dispatch"
	"github.com/dyluth/ccss/pkg/critical"
)

// maxBodyBytes bounds request bodies. Callbacks carry whole stylesheets.
const maxBodyBytes = 8 << 20

// Store is the storage the HTTP handlers read and write.
type Store interface {
	Ping(ctx context.Context) error
	SaveObject(ctx context.Context, rec critical.ObjectRecord, savedAt time.Time) error
	GetObject(ctx context.Context, kind critical.ObjectKind, id string) (*critical.ObjectRecord, error)
	ObjectCSS(ctx context.Context, kind critical.ObjectKind, id string) (string, error)
	GetShared(ctx context.Context, key string) (*critical.SharedEntry, error)
}

// Acceptor validates and applies generation callbacks.
type Acceptor interface {
	Accept(ctx context.Context, scope critical.TargetScope, body []byte) callback.Outcome
}

// RuleSource returns the current rule configuration.
type RuleSource func() (critical.RuleSet, error)

// Options configures a Server.
type Options struct {
	Addr               string
	Rules              RuleSource
	GenerationEnabled  bool
	DeferralEnabled    bool
	DeferralExceptions []string
	Now                func() time.Time
}

// Server is the ccss HTTP server.
type Server struct {
	server     *http.Server
	store      Store
	acceptor   Acceptor
	dispatcher dispatch.Dispatcher
	opts       Options
	listener   net.Listener
}

// APIResponse is the body of every non-lookup response.
type APIResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// New creates a Server. dispatcher may be nil when generation is disabled.
func New(store Store, acceptor Acceptor, dispatcher dispatch.Dispatcher, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		store:      store,
		acceptor:   acceptor,
		dispatcher: dispatcher,
		opts:       opts,
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Save events dispatch synchronously and may wait on the page fetch
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /update/single", s.handleCallback(critical.ScopeObject))
	mux.HandleFunc("POST /update/shared", s.handleCallback(critical.ScopeShared))
	mux.HandleFunc("POST /events/save", s.handleSaveEvent)
	mux.HandleFunc("GET /critical-css/{kind}/{id}", s.handleLookup)
	mux.HandleFunc("POST /styles/defer", s.handleDefer)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start binds the listen address and serves in a background goroutine.
// Returns an error if the address cannot be bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln

	go func() {
		log.Printf("[Server] Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Server] Server error: %v", err)
		}
		log.Printf("[Server] Stopped")
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server, waiting for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("[Server] Shutting down...")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Result: "error", Message: message})
}
