package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// responseTTL is the envelope TTL in seconds handed to clients.
const responseTTL = 60

// BuildRegistry assembles the full compile-time command table.
func BuildRegistry() *Registry {
	reg := NewCommandRegistry()
	registerGroupCommands(reg)
	registerEventCommands(reg)
	registerStatisticsCommands(reg)
	registerManageCommands(reg)
	registerCloudCommands(reg)
	return reg
}

// Server is the RPC facade: it decodes requests, dispatches commands, and
// encodes enveloped responses. Procedure logic never runs on its threads;
// commands only submit to the executor.
type Server struct {
	runtime  *Runtime
	registry *Registry
	router   *mux.Router
	http     *http.Server
	sessions chan struct{}
	enabled  atomic.Bool
	version  uint64
}

// NewServer creates the facade. Commands outside the manage group are
// rejected until Enable is called, which the daemon does after recovery
// finishes.
func NewServer(rt *Runtime, registry *Registry) *Server {
	threads, err := rt.Config.GetInt("protocol.rpc.threads")
	if err != nil || threads <= 0 {
		threads = 5
	}

	s := &Server{
		runtime:  rt,
		registry: registry,
		router:   mux.NewRouter(),
		sessions: make(chan struct{}, threads),
	}
	s.router.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return s
}

// Router exposes the HTTP router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Enable opens the facade for commands.
func (s *Server) Enable() {
	s.enabled.Store(true)
}

// Start binds the configured address and serves until Stop.
func (s *Server) Start() error {
	address := s.runtime.Config.GetString("protocol.rpc.address")
	s.http = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		s.runtime.Log.WithField("address", address).Info("rpc server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.runtime.Log.WithError(err).Error("rpc server failed")
		}
	}()
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.enabled.Store(false)
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "starting"
	if s.enabled.Load() {
		status = "ok"
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// handleRPC is the single dispatch endpoint. Transport problems surface as
// HTTP errors; command-level failures travel inside the envelope.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Bound concurrent command sessions at protocol.rpc.threads.
	select {
	case s.sessions <- struct{}{}:
		defer func() { <-s.sessions }()
	case <-r.Context().Done():
		return
	}

	s.writeResponse(w, s.dispatch(r.Context(), &req))
}

// dispatch looks the command up and executes it, folding every failure
// into the response envelope.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	cmd, err := s.registry.Lookup(req.Method)
	if err != nil {
		return s.errorResponse(err)
	}

	if !s.enabled.Load() && cmd.GroupName != "manage" {
		return s.errorResponse(werrors.Procedure("controller is starting, try again"))
	}

	params, synchronous := splitSynchronous(req.Params)
	call := &Call{
		Ctx:         ctx,
		Runtime:     s.runtime,
		Params:      params,
		Synchronous: synchronous,
	}

	start := time.Now()
	result, err := cmd.Execute(call)
	s.runtime.Log.WithFields(map[string]interface{}{
		"command":     cmd.FullName(),
		"duration_ms": time.Since(start).Milliseconds(),
		"failed":      err != nil,
	}).Debug("command dispatched")

	if err != nil {
		resp := s.errorResponse(err)
		// Synchronous callers also receive the failing procedure's last
		// status record when one exists.
		if result != nil && len(result.Sets) > 0 {
			resp.Results = append(resp.Results, result.Sets...)
		}
		return resp
	}

	resp := s.envelope()
	if result != nil {
		resp.Results = result.Sets
	}
	if resp.Results == nil {
		resp.Results = []*ResultSet{}
	}
	return resp
}

// splitSynchronous strips the reserved trailing synchronous flag. Commands
// default to synchronous execution.
func splitSynchronous(params []interface{}) ([]interface{}, bool) {
	if len(params) == 0 {
		return params, true
	}
	if flag, ok := params[len(params)-1].(bool); ok {
		return params[:len(params)-1], flag
	}
	return params, true
}

func (s *Server) envelope() *Response {
	return &Response{
		ControllerUUID: s.runtime.Node.UUID.String(),
		VersionToken:   atomic.AddUint64(&s.version, 1),
		TTL:            responseTTL,
		Results:        []*ResultSet{},
	}
}

// errorResponse renders a user-visible failure: a tabular response with
// zero result rows and a non-empty error string.
func (s *Server) errorResponse(err error) *Response {
	resp := s.envelope()
	resp.Error = err.Error()
	return resp
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.runtime.Log.WithError(err).Warn("encoding response")
	}
}
