// Package server hosts the scheduler's two JSON-over-HTTP surfaces: the
// token-authenticated submission API users call and the execution API
// reserved for workers inside the backend network.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/bobmcallan/qflow/internal/app"
	"github.com/bobmcallan/qflow/internal/common"
)

const (
	surfaceSubmission = "submission"
	surfaceExecution  = "execution"
)

// Server wraps one HTTP surface and the application reference.
type Server struct {
	app        *app.App
	surface    string
	server     *http.Server
	logger     *common.Logger
	maxWorkers int
	maxBytes   int64
}

// NewSubmissionServer creates the user-facing surface.
func NewSubmissionServer(a *app.App) *Server {
	s := &Server{
		app:        a,
		surface:    surfaceSubmission,
		logger:     a.Logger,
		maxWorkers: a.Config.Server.SubmissionMaxWorkers,
		maxBytes:   a.Config.Server.SubmissionMaxMessageBytes,
	}

	mux := http.NewServeMux()
	s.registerSubmissionRoutes(mux)

	// CORS is only relevant on the user-facing surface.
	handler := applyMiddleware(mux, a.Logger, true)
	s.server = newHTTPServer(fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.SubmissionPort), handler)
	return s
}

// NewExecutionServer creates the worker-facing surface. It carries no token
// authentication: workers are trusted by network position.
func NewExecutionServer(a *app.App) *Server {
	s := &Server{
		app:        a,
		surface:    surfaceExecution,
		logger:     a.Logger,
		maxWorkers: a.Config.Server.ExecutionMaxWorkers,
		maxBytes:   a.Config.Server.ExecutionMaxMessageBytes,
	}

	mux := http.NewServeMux()
	s.registerExecutionRoutes(mux)

	handler := applyMiddleware(mux, a.Logger, false)
	s.server = newHTTPServer(fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.ExecutionPort), handler)
	return s
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Long: assignment polls hold the response open while waiting for work.
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the surface's listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens and serves (blocking). The listener is capped to the
// surface's worker budget; excess connections wait in the accept backlog.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	if s.maxWorkers > 0 {
		ln = netutil.LimitListener(ln, s.maxWorkers)
	}

	s.logger.Info().
		Str("surface", s.surface).
		Str("addr", s.server.Addr).
		Int("max_workers", s.maxWorkers).
		Msg("Starting RPC surface")
	return s.server.Serve(ln)
}

// Shutdown gracefully drains the surface.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- System handlers, registered on both surfaces ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "surface": s.surface})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
