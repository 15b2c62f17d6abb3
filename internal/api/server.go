// Package api exposes a foreground supervisor over a Unix socket so that
// other aosup invocations can inspect and drive the process it owns.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/benaskins/aosup/internal/supervisor"
)

// Backend is the supervisor surface served over the socket.
type Backend interface {
	ProcessState() *supervisor.ProcessState
	Logs(n int) []string
	Evaluate(ctx context.Context, req supervisor.EvalRequest) (*supervisor.Message, error)
	LoadFile(path string) error
	StopProcess(ctx context.Context) error
}

// EvalRequest is the JSON body of POST /v1/eval.
type EvalRequest struct {
	Action    string            `json:"action"`
	Data      string            `json:"data,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Target    string            `json:"target,omitempty"`
	Await     bool              `json:"await,omitempty"`
	TimeoutMS int64             `json:"timeoutMs,omitempty"`
}

// LoadRequest is the JSON body of POST /v1/load.
type LoadRequest struct {
	Path string `json:"path"`
}

// SocketPath returns the control socket for the named process.
func SocketPath(home, name string) string {
	return filepath.Join(home, "run", name+".sock")
}

// Server serves the control API over a Unix socket.
type Server struct {
	backend  Backend
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
}

// NewServer creates an API server backed by b.
func NewServer(b Backend, ctx context.Context) *Server {
	s := &Server{
		backend: b,
		logger:  slog.With("component", "api"),
		ctx:     ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/state", s.state)
	mux.HandleFunc("GET /v1/logs", s.logs)
	mux.HandleFunc("POST /v1/eval", s.eval)
	mux.HandleFunc("POST /v1/load", s.load)
	mux.HandleFunc("POST /v1/stop", s.stop)
	mux.HandleFunc("GET /v1/health", s.health)

	s.server = &http.Server{Handler: mux}
	return s
}

// ListenUnix starts the server on a Unix socket, replacing a stale one.
func (s *Server) ListenUnix(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	// Remove stale socket
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	err = s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	state := s.backend.ProcessState()
	if state == nil {
		writeError(w, http.StatusNotFound, supervisor.ErrNotRunning)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be an integer"})
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, s.backend.Logs(n))
}

func (s *Server) eval(w http.ResponseWriter, r *http.Request) {
	var req EvalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	msg, err := s.backend.Evaluate(r.Context(), supervisor.EvalRequest{
		Action:  req.Action,
		Data:    req.Data,
		Tags:    req.Tags,
		Target:  req.Target,
		Await:   req.Await,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	if err := s.backend.LoadFile(req.Path); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "loading"})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.StopProcess(s.ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrNotInteractive):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrEvalTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrProcessExited):
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
