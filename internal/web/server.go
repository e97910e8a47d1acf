package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"gatehub/internal/auth"
	"gatehub/internal/dispatch"
	"gatehub/internal/events"
	"gatehub/internal/heartbeat"
	"gatehub/internal/registry"
	"gatehub/internal/store"
	"gatehub/internal/trust"
)

// OperatorToken maps a bearer token to an identity. Gateways authenticate
// their dial-in with the same token set.
type OperatorToken struct {
	Token    string
	Identity auth.Identity
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP/WebSocket surface of the hub: the gateway dial-in
// endpoint, the operator read API, and the command/ceremony write API.
type Server struct {
	registry   *registry.Registry
	monitor    *heartbeat.Monitor
	dispatcher *dispatch.Dispatcher
	authority  *trust.Authority
	bus        *events.Bus
	store      store.Store
	logger     *slog.Logger
	mux        *http.ServeMux

	tokens         []OperatorToken
	allowedOrigins []string
	version        string

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates the hub's HTTP server.
func NewServer(reg *registry.Registry, mon *heartbeat.Monitor, disp *dispatch.Dispatcher, authority *trust.Authority, bus *events.Bus, st store.Store, tokens []OperatorToken, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		registry:   reg,
		monitor:    mon,
		dispatcher: disp,
		authority:  authority,
		bus:        bus,
		store:      st,
		tokens:     tokens,
		logger:     logger.With("component", "web"),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Stop signals WebSocket pumps to shut down and waits for them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Server) routes() {
	// Read surface
	s.mux.HandleFunc("GET /api/gateways", s.handleListGatewayStatus)
	s.mux.HandleFunc("GET /api/gateways/{facility}/status", s.handleGatewayStatus)

	// Write surface
	s.mux.HandleFunc("POST /api/gateways/{facility}/command", s.handleGatewayCommand)
	s.mux.HandleFunc("POST /api/gateways/{facility}/ping", s.handleGatewayPing)
	s.mux.HandleFunc("GET /api/timesync", s.handleTimeSync)
	s.mux.HandleFunc("POST /api/locks/{lock}/timesync", s.handleLockTimeSync)
	s.mux.HandleFunc("POST /api/fallback-pass", s.handleFallbackPass)
	s.mux.HandleFunc("POST /api/trust/rotate", s.handleRotate)

	// Facility configuration
	s.mux.HandleFunc("GET /api/facilities", s.handleListFacilities)
	s.mux.HandleFunc("GET /api/facilities/{facility}", s.handleGetFacility)
	s.mux.HandleFunc("PUT /api/facilities/{facility}", s.handlePutFacility)
	s.mux.HandleFunc("DELETE /api/facilities/{facility}", s.handleDeleteFacility)

	// Audit
	s.mux.HandleFunc("GET /api/audit", s.handleListAudit)

	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws/gateway/{facility}", s.handleGatewayWS)
	s.mux.HandleFunc("GET /ws/status", s.handleStatusWS)
	s.mux.HandleFunc("GET /ws/debug", s.handleDebugWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// identify resolves the caller's bearer token (Authorization header, or
// ?token= for WebSocket upgrades where browsers cannot set headers) to an
// identity. Comparison is constant-time per token.
func (s *Server) identify(r *http.Request) (auth.Identity, bool) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token == "" {
		return auth.Identity{}, false
	}
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t.Token)) == 1 {
			return t.Identity, true
		}
	}
	return auth.Identity{}, false
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
