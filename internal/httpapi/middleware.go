// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/holomush/authd/internal/auth/basicauth"
	"github.com/holomush/authd/internal/logging"
)

const headerRequestID = "X-Request-ID"

// requestLogger tags each request with an ID, logs its outcome and reports
// it to the observer.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()

		requestID := req.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Response().Header().Set(headerRequestID, requestID)
		req = req.WithContext(logging.WithRequestID(req.Context(), requestID))
		c.SetRequest(req)

		err := next(c)
		if err != nil {
			// Render now so the logged status is the one the client sees.
			c.Error(err)
		}

		status := c.Response().Status
		elapsed := time.Since(start)
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		s.logger.Log(req.Context(), level, "http request",
			"method", req.Method,
			"route", route,
			"status", status,
			"latency", elapsed,
			"remote_ip", c.RealIP(),
		)

		if s.observer != nil {
			s.observer.ObserveRequest(req.Method, route, status, elapsed)
		}
		return nil
	}
}

// requireBasicAuth guards the /api/v1 group. Requests without an
// Authorization header get 401; credentials that resolve to no account
// get 403.
func (s *Server) requireBasicAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if !basicauth.RequiresAuth(req.URL.Path, s.cfg.ExcludedPaths) {
			return next(c)
		}
		if _, ok := basicauth.AuthorizationHeader(req); !ok {
			return echo.ErrUnauthorized
		}
		account := s.basic.CurrentAccount(req)
		if account == nil {
			return echo.ErrForbidden
		}
		c.Set(accountKey, account)
		return next(c)
	}
}
