// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/pkg/errutil"
)

// errorBodies are the JSON bodies for statuses rendered as {"error": ...}.
var errorBodies = map[int]string{
	http.StatusBadRequest:            "Bad request",
	http.StatusUnauthorized:          "Unauthorized",
	http.StatusForbidden:             "Forbidden",
	http.StatusNotFound:              "Not found",
	http.StatusMethodNotAllowed:      "Method not allowed",
	http.StatusRequestEntityTooLarge: "Request too large",
	http.StatusServiceUnavailable:    "Service unavailable",
	http.StatusInternalServerError:   "Internal server error",
}

// statusFor maps a handler error to the status the client receives.
func statusFor(err error) int {
	var httpErr *echo.HTTPError
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUnknownEmail), errors.Is(err, auth.ErrInvalidResetToken):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest
	case errors.As(err, &httpErr):
		return httpErr.Code
	default:
		return http.StatusInternalServerError
	}
}

// handleError is the echo HTTPErrorHandler. Domain failures are expected
// outcomes and render without logging; anything unmapped is logged.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusFor(err)
	var body echo.Map
	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		body = echo.Map{"message": "email already registered"}
	default:
		msg, ok := errorBodies[status]
		if !ok {
			msg = http.StatusText(status)
		}
		body = echo.Map{"error": msg}
	}

	if status >= http.StatusInternalServerError {
		errutil.LogErrorContext(c.Request().Context(), s.logger, "request failed", err)
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		s.logger.Debug("write error response", "error", writeErr)
	}
}

// formValidator adapts validator/v10 to echo.Validator.
type formValidator struct {
	v *validator.Validate
}

func newFormValidator() *formValidator {
	return &formValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (fv *formValidator) Validate(i any) error {
	return fv.v.Struct(i)
}
