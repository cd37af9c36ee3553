// Package server wires the listener, route table, and background
// goroutines together. Grounded on the registerRoutes/Run/requestLogger
// shape of the teacher's internal/server/server.go, with the account/auth/
// admin-dashboard surface replaced by the single routing endpoint this spec
// exposes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/routingcore/llmrouter/internal/accesslog"
	"github.com/routingcore/llmrouter/internal/config"
	"github.com/routingcore/llmrouter/internal/engine"
	"github.com/routingcore/llmrouter/internal/events"
	"github.com/routingcore/llmrouter/internal/metrics"
	"github.com/routingcore/llmrouter/internal/state"
	"github.com/routingcore/llmrouter/internal/transport"
)

// Server is the main HTTP server: one handler for the proxy surface, plus
// health, debug, and a separate metrics listener.
type Server struct {
	cfg          *config.Config
	engine       *engine.Engine
	store        *state.Store
	access       *accesslog.Logger
	logs         *events.LogHandler
	transportMgr *transport.Manager
	httpServer   *http.Server
}

func New(cfg *config.Config, eng *engine.Engine, store *state.Store, access *accesslog.Logger, logs *events.LogHandler, tm *transport.Manager) *Server {
	srv := &Server{
		cfg:          cfg,
		engine:       eng,
		store:        store,
		access:       access,
		logs:         logs,
		transportMgr: tm,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// The routing engine itself accepts both the chat-completion POST and a
	// GET passthrough (spec.md §6); everything else falls through to the
	// engine's own default-origin fallback.
	mux.Handle("/", s.engine)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// /debug/recent surfaces the in-memory ring buffers kept by the access
	// logger and the process log handler, for introspection without tailing
	// log files (spec.md §6 "Persisted state layout").
	mux.HandleFunc("GET /debug/recent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Requests []accesslog.Record `json:"requests"`
			Logs     []events.LogLine   `json:"logs"`
		}{
			Requests: s.access.Recent(),
			Logs:     s.logs.Recent(),
		})
	})
}

// Run starts the server, the metrics listener, and the background sweepers,
// and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.store.RunSweepers(ctx)
	go s.transportMgr.RunCleanup(ctx, 10*time.Minute, 30*time.Minute)
	go s.access.RunPurge(ctx.Done())
	go func() {
		if err := metrics.Serve(ctx, s.cfg.MetricsAddr); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr, "metrics_addr", s.cfg.MetricsAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		s.transportMgr.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
