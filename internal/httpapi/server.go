// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package httpapi exposes the auth service over HTTP.
//
// Two surfaces share one echo instance: the session API at the root, which
// tracks logins with a cookie, and the Basic-Auth API under /api/v1, which
// authenticates every request from its Authorization header.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
)

// AuthService is the subset of auth.Service the handlers call.
type AuthService interface {
	Register(ctx context.Context, email, password string) (*auth.Account, error)
	Login(ctx context.Context, email, password string) (string, *auth.Account, error)
	AccountFromSession(ctx context.Context, token string) (*auth.Account, error)
	DestroySession(ctx context.Context, id ulid.ULID) error
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	UpdatePassword(ctx context.Context, resetToken, newPassword string) error
}

// Authenticator resolves the account behind a request's Basic credentials.
type Authenticator interface {
	CurrentAccount(r *http.Request) *auth.Account
}

// RequestObserver is notified once per handled request.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// Config controls the HTTP server.
type Config struct {
	Addr            string
	SessionCookie   string
	SecureCookie    bool
	CORSOrigins     []string
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// ExcludedPaths are /api/v1 prefixes served without credentials. Nil
	// means DefaultExcludedPaths; an empty slice guards every route.
	ExcludedPaths []string
}

// DefaultExcludedPaths are the Basic-Auth API routes that never require
// credentials.
var DefaultExcludedPaths = []string{"/api/v1/status/", "/api/v1/unauthorized/", "/api/v1/forbidden/"}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		SessionCookie:   "session_id",
		CORSOrigins:     []string{"*"},
		BodyLimit:       "64K",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ExcludedPaths:   DefaultExcludedPaths,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.SessionCookie == "" {
		c.SessionCookie = def.SessionCookie
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = def.CORSOrigins
	}
	if c.BodyLimit == "" {
		c.BodyLimit = def.BodyLimit
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.ExcludedPaths == nil {
		c.ExcludedPaths = def.ExcludedPaths
	}
	return c
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request and error logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRequestObserver sets the observer notified of every request.
func WithRequestObserver(o RequestObserver) Option {
	return func(s *Server) { s.observer = o }
}

// Server serves the session API and the Basic-Auth API.
type Server struct {
	cfg      Config
	echo     *echo.Echo
	svc      AuthService
	basic    Authenticator
	logger   *slog.Logger
	observer RequestObserver
	listener net.Listener
	running  atomic.Bool
}

// New builds a Server with all routes registered.
func New(svc AuthService, basic Authenticator, cfg Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, oops.Code("HTTP_INVALID_DEPENDENCY").Errorf("auth service is required")
	}
	if basic == nil {
		return nil, oops.Code("HTTP_INVALID_DEPENDENCY").Errorf("basic authenticator is required")
	}

	s := &Server{
		cfg:    cfg.withDefaults(),
		svc:    svc,
		basic:  basic,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = s.cfg.ReadTimeout
	e.Server.ReadHeaderTimeout = s.cfg.ReadTimeout
	e.Server.WriteTimeout = s.cfg.WriteTimeout
	e.Validator = newFormValidator()
	e.HTTPErrorHandler = s.handleError

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(s.requestLogger)
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(s.cfg.BodyLimit))

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and serves in the background.
// The returned channel receives a serve error, if any, and is closed when
// the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("HTTP_ALREADY_RUNNING").Errorf("http server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("HTTP_LISTEN_FAILED").With("addr", s.cfg.Addr).Wrap(err)
	}
	s.listener = listener
	// StartServer serves on a preset Listener instead of binding its own.
	s.echo.Listener = listener

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.echo.StartServer(s.echo.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- oops.Code("HTTP_SERVE_FAILED").Wrap(err)
		}
	}()

	s.logger.Info("http server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts the server down, waiting at most ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return oops.Code("HTTP_SHUTDOWN_FAILED").Wrap(err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
