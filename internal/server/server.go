// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the plan runner over a local REST API with a
// WebSocket progress stream, for driving the mirror from a dashboard or
// scripts without re-invoking the CLI.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pherdinauer/anacmirror/internal/config"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	AllowedOrigins []string

	// Engine is the download-core configuration every run uses. The API
	// cannot override the state directory; destination paths are the
	// absolute dest_path of each submitted plan item.
	Engine *config.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:   "127.0.0.1",
		Port:   8080,
		Engine: config.Default(),
	}
}

// Server is the HTTP server around the plan runner.
type Server struct {
	config     Config
	log        *logrus.Entry
	httpServer *http.Server
	runs       *RunManager
	wsHub      *WSHub
}

// New creates a server with the given configuration.
func New(cfg Config, log *logrus.Entry) *Server {
	wsHub := NewWSHub(log)
	return &Server{
		config: cfg,
		log:    log,
		runs:   NewRunManager(cfg, wsHub, log),
		wsHub:  wsHub,
	}
}

// ListenAndServe starts the HTTP server and blocks until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run()

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.runs.CancelAll()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", addr).Info("server starting")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the API handler without starting a listener; tests drive
// it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return s.corsMiddleware(mux)
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleCancelRun)

	mux.HandleFunc("GET /api/history", s.handleHistory)

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"took":   time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, o := range s.config.AllowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
