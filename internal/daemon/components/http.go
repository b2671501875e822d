package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kura/internal/concurrency"
	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/idempotency"
	"github.com/harunnryd/kura/internal/logger"
	"github.com/harunnryd/kura/internal/orchestrator"
	"github.com/harunnryd/kura/internal/orchestrator/command"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	maxBodyBytes      = 4 << 20
	idempotencyFile   = "idempotency.json"
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

var defaultHTTPDependencies = []string{"Orchestrator"}

type HTTPServerComponent struct {
	daemon           *daemon.Daemon
	cfg              *config.ServerConfig
	orchestratorComp *OrchestratorComponent
	dependencies     []string
	server           *http.Server
	listener         net.Listener
	keys             *idempotency.Store
	shutdownTTL      time.Duration
	initialized      bool
	started          bool
	mu               sync.RWMutex
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.ServerConfig, orchComp *OrchestratorComponent) *HTTPServerComponent {
	return NewHTTPServerComponentWithDependencies(d, cfg, orchComp, defaultHTTPDependencies)
}

func NewHTTPServerComponentWithDependencies(d *daemon.Daemon, cfg *config.ServerConfig, orchComp *OrchestratorComponent, deps []string) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:           d,
		cfg:              cfg,
		orchestratorComp: orchComp,
		dependencies:     append([]string(nil), deps...),
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return append([]string(nil), h.dependencies...)
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.orchestratorComp == nil || h.orchestratorComp.GetOrchestrator() == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}
	keyTTL, err := config.DurationOrDefault(h.cfg.IdempotencyTTL, config.DefaultServerIdempotencyTTL)
	if err != nil {
		return fmt.Errorf("parse server idempotency ttl: %w", err)
	}

	keysPath := ""
	if h.daemon != nil && h.daemon.Persistent() {
		keysPath = filepath.Join(h.daemon.StateDir(), idempotencyFile)
	}
	h.keys, err = idempotency.NewStore(keysPath, keyTTL)
	if err != nil {
		return fmt.Errorf("load idempotency keys: %w", err)
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Port),
		Handler:      NewRouter(h.daemon, h.orchestratorComp.GetOrchestrator(), h.keys),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Port)
	return nil
}

// Start binds the listener synchronously so a port clash fails daemon startup.
func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	if pruned := h.keys.Prune(); pruned > 0 {
		slog.Debug("Pruned idempotency keys", "component", h.Name(), "count", pruned)
	}
	if err := h.keys.Save(); err != nil {
		slog.Warn("Failed to save idempotency keys", "component", h.Name(), "error", err)
	}
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{Name: h.Name(), Error: fmt.Errorf("not initialized")}, nil
	}
	if !h.started {
		return &daemon.ComponentHealth{Name: h.Name(), Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: h.Name(), Healthy: true}, nil
}

// Addr is the bound address once started.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

type api struct {
	daemon   *daemon.Daemon
	orch     *orchestrator.Orchestrator
	keys     *idempotency.Store
	keyLocks *concurrency.KeyedLocker
}

// NewRouter exposes the command surface over HTTP. A nil daemon reports only the
// orchestrator in /health. A nil keys store disables Idempotency-Key replay.
func NewRouter(d *daemon.Daemon, orch *orchestrator.Orchestrator, keys *idempotency.Store) http.Handler {
	a := &api{daemon: d, orch: orch, keys: keys, keyLocks: concurrency.NewKeyedLocker()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(traceFromRequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/operations", a.handleOperations)
		r.Post("/commands", a.handleCommand)
		r.Get("/instances", a.handleSimple("list"))
		r.Get("/bases", a.handleSimple("list_bases"))
		r.Get("/checkpoints/{id}", a.handlePoll)
		r.Post("/checkpoints/{id}/complete", a.handleComplete)
	})
	return r
}

func traceFromRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// commandRequest accepts either a raw command line or a structured operation.
type commandRequest struct {
	Command   string            `json:"command,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func (a *api) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var run func() orchestrator.Result
	switch {
	case req.Command != "":
		run = func() orchestrator.Result { return a.orch.Execute(r.Context(), req.Command) }
	case req.Operation != "":
		cmd, err := command.New(req.Operation, req.Params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		run = func() orchestrator.Result { return a.orch.Run(r.Context(), cmd) }
	default:
		writeError(w, http.StatusBadRequest, "either command or operation is required")
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" || a.keys == nil {
		writeResult(w, run())
		return
	}
	a.keyLocks.Lock(key)
	defer a.keyLocks.Unlock(key)

	if raw, ok := a.keys.Lookup(key); ok {
		var replay orchestrator.Result
		if err := json.Unmarshal(raw, &replay); err == nil {
			w.Header().Set(replayedHeader, "true")
			writeResult(w, replay)
			return
		}
	}

	res := run()
	// Only successes are remembered so a failed request can be retried under the same key.
	if res.Success {
		if raw, err := json.Marshal(res); err == nil {
			if err := a.keys.Remember(key, raw); err != nil {
				slog.Warn("Failed to remember idempotency key", "key", key, "error", err)
			}
		}
	}
	writeResult(w, res)
}

func (a *api) handleSimple(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, a.orch.Run(r.Context(), command.Command{Operation: op, Params: map[string]string{}}))
	}
}

func (a *api) handlePoll(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{"id": chi.URLParam(r, "id")}
	if wait := r.URL.Query().Get("wait"); wait != "" {
		params["wait"] = wait
	}
	writeResult(w, a.orch.Run(r.Context(), command.Command{Operation: "poll_checkpoint", Params: params}))
}

type completeRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (a *api) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	params := map[string]string{"id": chi.URLParam(r, "id")}
	if len(req.Result) > 0 {
		params["result"] = string(req.Result)
	}
	if req.Error != "" {
		params["error"] = req.Error
	}
	writeResult(w, a.orch.Run(r.Context(), command.Command{Operation: "complete_checkpoint", Params: params}))
}

func (a *api) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": a.orch.Operations()})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"backend": a.orch.BackendKind(),
	}

	if a.daemon != nil {
		components := make(map[string]any)
		for name, ch := range a.daemon.ComponentHealth() {
			entry := map[string]any{"healthy": ch.Healthy}
			if ch.Error != nil {
				entry["error"] = ch.Error.Error()
			}
			if len(ch.Detail) > 0 {
				entry["detail"] = ch.Detail
			}
			if !ch.Healthy {
				resp["status"] = "degraded"
			}
			components[name] = entry
		}
		resp["components"] = components
		resp["daemon"] = a.daemon.Health()
		resp["uptime_seconds"] = int64(a.daemon.Uptime().Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps an error category onto an HTTP status.
func statusFor(res orchestrator.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case "ValidationError":
		return http.StatusBadRequest
	case "SecurityViolation":
		return http.StatusForbidden
	case "NotFoundError":
		return http.StatusNotFound
	case "InvalidStateError", "ConflictError":
		return http.StatusConflict
	case "TimeoutError":
		return http.StatusGatewayTimeout
	case "BackendExecutionError":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, res orchestrator.Result) {
	writeJSON(w, statusFor(res), res)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, orchestrator.Result{
		Success:   false,
		Output:    msg,
		Error:     msg,
		ErrorKind: "ValidationError",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
