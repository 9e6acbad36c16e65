// Package health provides health check and inspection HTTP endpoints for a
// running drone network.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/dronenet/internal/drone"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/simulation"
)

// StatsProvider provides network statistics.
type StatsProvider interface {
	// IsRunning returns true if the network is running.
	IsRunning() bool

	// Stats returns network statistics.
	Stats() Stats
}

// NetworkProvider exposes per-node status.
type NetworkProvider interface {
	Drones() []drone.Status
	DroneStatus(id identity.NodeID) (drone.Status, error)
	Endpoints() []simulation.EndpointStatus
	Links() []simulation.Link
}

// Stats contains network health statistics.
type Stats struct {
	Drones        int   `json:"drones"`
	RunningDrones int   `json:"running_drones"`
	Clients       int   `json:"clients"`
	Servers       int   `json:"servers"`
	Links         int   `json:"links"`
	EventsSent    int64 `json:"events_sent"`
	EventsDropped int64 `json:"events_dropped"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg             ServerConfig
	provider        StatsProvider
	networkProvider NetworkProvider
	server          *http.Server
	listener        net.Listener
	running         atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Network inspection
	mux.HandleFunc("/drones", s.handleListDrones)
	mux.HandleFunc("/drones/", s.handleDroneInfo)
	mux.HandleFunc("/endpoints", s.handleEndpoints)
	mux.HandleFunc("/links", s.handleLinks)

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// SetNetworkProvider sets the provider for the inspection endpoints.
func (s *Server) SetNetworkProvider(provider NetworkProvider) {
	s.networkProvider = provider
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth handles the basic health check endpoint.
// Returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON stats if the network is running, 503 if not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"running":        true,
		"drones":         stats.Drones,
		"running_drones": stats.RunningDrones,
		"clients":        stats.Clients,
		"servers":        stats.Servers,
		"links":          stats.Links,
		"events_sent":    stats.EventsSent,
		"events_dropped": stats.EventsDropped,
	})
}

// handleReady handles the readiness probe endpoint.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// networkOrFail checks the method and returns the network provider, or
// writes an error response and returns nil.
func (s *Server) networkOrFail(w http.ResponseWriter, r *http.Request) NetworkProvider {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	if s.networkProvider == nil {
		http.Error(w, "network provider not configured", http.StatusServiceUnavailable)
		return nil
	}
	return s.networkProvider
}

// handleListDrones lists the status of every drone.
func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	np := s.networkOrFail(w, r)
	if np == nil {
		return
	}
	writeJSON(w, http.StatusOK, np.Drones())
}

// handleDroneInfo returns one drone. URL format: /drones/{id}
func (s *Server) handleDroneInfo(w http.ResponseWriter, r *http.Request) {
	np := s.networkOrFail(w, r)
	if np == nil {
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/drones/"), "/")
	if path == "" {
		http.Error(w, "drone ID required: /drones/{id}", http.StatusBadRequest)
		return
	}
	id, err := identity.ParseNodeID(path)
	if err != nil {
		http.Error(w, "invalid drone ID", http.StatusBadRequest)
		return
	}

	st, err := np.DroneStatus(id)
	if err != nil {
		if errors.Is(err, simulation.ErrUnknownNode) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEndpoints lists clients and servers with their counters.
func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	np := s.networkOrFail(w, r)
	if np == nil {
		return
	}
	writeJSON(w, http.StatusOK, np.Endpoints())
}

// handleLinks lists the current links.
func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	np := s.networkOrFail(w, r)
	if np == nil {
		return
	}
	links := np.Links()
	if links == nil {
		links = []simulation.Link{}
	}
	writeJSON(w, http.StatusOK, links)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
