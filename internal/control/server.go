// Package control provides a Unix socket control interface for a running
// drone network.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/dronenet/internal/drone"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/simulation"
)

// Controller is the network surface the control socket drives.
type Controller interface {
	// IsRunning returns true if the network is running.
	IsRunning() bool

	Drones() []drone.Status
	Links() []simulation.Link

	Crash(ctx context.Context, id identity.NodeID) error
	SetPDR(ctx context.Context, id identity.NodeID, pdr float64) error
	Link(ctx context.Context, a, b identity.NodeID) error
	Unlink(ctx context.Context, a, b identity.NodeID) error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running       bool `json:"running"`
	Drones        int  `json:"drones"`
	RunningDrones int  `json:"running_drones"`
	Links         int  `json:"links"`
}

// DronesResponse is the response for the drones endpoint.
type DronesResponse struct {
	Drones []drone.Status `json:"drones"`
}

// LinksResponse is the response for the links endpoint.
type LinksResponse struct {
	Links []simulation.Link `json:"links"`
}

// PDRRequest is the body of a drop rate change.
type PDRRequest struct {
	PDR float64 `json:"pdr"`
}

// LinkRequest is the body of a link or unlink command.
type LinkRequest struct {
	A identity.NodeID `json:"a"`
	B identity.NodeID `json:"b"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	// CommandTimeout bounds each command sent to a drone.
	CommandTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:     "./dronenet.sock",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		CommandTimeout: 5 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	network  Controller
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, network Controller) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultServerConfig().CommandTimeout
	}
	s := &Server{
		cfg:     cfg,
		network: network,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/drones", s.handleDrones)
	mux.HandleFunc("POST /drones/{id}/crash", s.handleCrash)
	mux.HandleFunc("POST /drones/{id}/pdr", s.handlePDR)
	mux.HandleFunc("/links", s.handleLinks)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	drones := s.network.Drones()
	response := StatusResponse{
		Running: s.network.IsRunning(),
		Drones:  len(drones),
		Links:   len(s.network.Links()),
	}
	for _, d := range drones {
		if d.State == drone.StateRunning {
			response.RunningDrones++
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDrones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, DronesResponse{Drones: s.network.Drones()})
}

func (s *Server) handleCrash(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()

	if err := s.network.Crash(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePDR(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req PDRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()

	if err := s.network.SetPDR(ctx, id, req.PDR); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLinks lists links on GET, adds one on POST and removes one on DELETE.
func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	var apply func(context.Context, identity.NodeID, identity.NodeID) error
	switch r.Method {
	case http.MethodGet:
		links := s.network.Links()
		if links == nil {
			links = []simulation.Link{}
		}
		writeJSON(w, http.StatusOK, LinksResponse{Links: links})
		return
	case http.MethodPost:
		apply = s.network.Link
	case http.MethodDelete:
		apply = s.network.Unlink
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()

	if err := apply(ctx, req.A, req.B); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (identity.NodeID, bool) {
	id, err := identity.ParseNodeID(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return 0, false
	}
	return id, true
}

// statusFor maps a network error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, simulation.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, simulation.ErrCrashed):
		return http.StatusConflict
	case errors.Is(err, simulation.ErrNotDrone),
		errors.Is(err, simulation.ErrInvalidLink),
		errors.Is(err, drone.ErrInvalidPDR):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
