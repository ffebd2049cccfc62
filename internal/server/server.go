// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

// Package server serves an OCSP responder over HTTP, next to health and
// Prometheus metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/matthewpi/ocspresponder/internal/config"
)

// Options controls options for a [Server].
type Options struct {
	// Logger to use for the [Server] instance.
	Logger *slog.Logger
}

// Server is the HTTP server of the responder.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	handler  http.Handler
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	// ready is false until the server listens and once it shuts down.
	ready atomic.Bool
}

// New creates a [Server] answering OCSP requests under cfg.BasePath with
// responder.
func New(cfg *config.Config, responder http.Handler, options Options) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   options.Logger,
		registry: prometheus.NewRegistry(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if err := s.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("server: failed to register go collector: %w", err)
	}
	if err := s.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("server: failed to register process collector: %w", err)
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(s.registry))
	if err != nil {
		return nil, fmt.Errorf("server: failed to create prometheus exporter: %w", err)
	}
	s.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	// OCSP GET requests carry base64 in the path, which may contain "//"
	// and escaped slashes. Neither may be cleaned up or decoded by the router.
	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet, http.MethodHead)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	// Every method reaches the responder, it answers unsupported ones with
	// an OCSP error.
	router.PathPrefix(cfg.BasePath).Handler(stripPrefix(cfg.BasePath, responder))
	router.Use(s.logRequests)

	s.handler = router
	if cfg.H2C {
		s.handler = h2c.NewHandler(router, &http2.Server{})
	}
	return s, nil
}

// MeterProvider returns the meter provider whose instruments are exported on
// the metrics endpoint.
func (s *Server) MeterProvider() *sdkmetric.MeterProvider {
	return s.provider
}

// Handler returns the root handler of the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address and serves until ctx is
// done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("server: failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. It
// closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.ready.Store(true)
	s.logger.LogAttrs(ctx, slog.LevelInfo, "listening for ocsp requests", slog.String("addr", ln.Addr().String()), slog.Bool("h2c", s.cfg.H2C))

	select {
	case err := <-errCh:
		s.ready.Store(false)
		return fmt.Errorf("server: failed to serve: %w", err)
	case <-ctx.Done():
	}

	s.ready.Store(false)
	s.logger.LogAttrs(ctx, slog.LevelInfo, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server: failed to shut down: %w", err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("server: failed to serve: %w", err))
	}
	if err := s.provider.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server: failed to shut down meter provider: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.LogAttrs(
			r.Context(),
			slog.LevelDebug,
			"handled request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.EscapedPath()),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// stripPrefix removes prefix from the escaped request path, leaving the OCSP
// request segment in place.
func stripPrefix(prefix string, next http.Handler) http.Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := new(http.Request)
		*r2 = *r
		r2.URL = new(url.URL)
		*r2.URL = *r.URL
		r2.URL.RawPath = strings.TrimPrefix(r.URL.EscapedPath(), prefix)
		r2.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
		next.ServeHTTP(w, r2)
	})
}
