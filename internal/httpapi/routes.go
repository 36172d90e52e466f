// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/holomush/authd/internal/auth"
)

const accountKey = "account"

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/", s.index)
	e.POST("/users", s.register)
	e.POST("/sessions", s.login)
	e.DELETE("/sessions", s.logout)
	e.GET("/profile", s.profile)
	e.POST("/reset_password", s.requestReset)
	e.PUT("/reset_password", s.updatePassword)

	api := e.Group("/api/v1",
		middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: s.cfg.CORSOrigins}),
		s.requireBasicAuth,
	)
	api.GET("/status", s.status)
	api.GET("/unauthorized", func(echo.Context) error { return echo.ErrUnauthorized })
	api.GET("/forbidden", func(echo.Context) error { return echo.ErrForbidden })
	api.GET("/users/me", s.me)
}

type credentialsForm struct {
	Email    string `form:"email" validate:"required"`
	Password string `form:"password" validate:"required"`
}

type emailForm struct {
	Email string `form:"email" validate:"required"`
}

type updatePasswordForm struct {
	Email       string `form:"email" validate:"required"`
	ResetToken  string `form:"reset_token" validate:"required"`
	NewPassword string `form:"new_password" validate:"required"`
}

// bindForm binds and validates a form body into dst.
func bindForm(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return err
	}
	return c.Validate(dst)
}

func (s *Server) index(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"message": "Bienvenue"})
}

func (s *Server) register(c echo.Context) error {
	var form credentialsForm
	if err := bindForm(c, &form); err != nil {
		return err
	}
	if _, err := s.svc.Register(c.Request().Context(), form.Email, form.Password); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"email": form.Email, "message": "user created"})
}

func (s *Server) login(c echo.Context) error {
	var form credentialsForm
	if err := bindForm(c, &form); err != nil {
		return err
	}
	token, _, err := s.svc.Login(c.Request().Context(), form.Email, form.Password)
	if err != nil {
		return err
	}
	c.SetCookie(s.sessionCookie(token))
	return c.JSON(http.StatusOK, echo.Map{"email": form.Email, "message": "logged in"})
}

func (s *Server) logout(c echo.Context) error {
	account, err := s.sessionAccount(c)
	if err != nil {
		return err
	}
	if err := s.svc.DestroySession(c.Request().Context(), account.ID); err != nil {
		return err
	}
	expired := s.sessionCookie("")
	expired.MaxAge = -1
	c.SetCookie(expired)
	return c.Redirect(http.StatusFound, "/")
}

func (s *Server) profile(c echo.Context) error {
	account, err := s.sessionAccount(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"email": account.Email})
}

func (s *Server) requestReset(c echo.Context) error {
	var form emailForm
	if err := bindForm(c, &form); err != nil {
		return err
	}
	token, err := s.svc.RequestPasswordReset(c.Request().Context(), form.Email)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"email": form.Email, "reset_token": token})
}

func (s *Server) updatePassword(c echo.Context) error {
	var form updatePasswordForm
	if err := bindForm(c, &form); err != nil {
		return err
	}
	if err := s.svc.UpdatePassword(c.Request().Context(), form.ResetToken, form.NewPassword); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"email": form.Email, "message": "Password updated"})
}

// sessionAccount resolves the session cookie to an account, failing with 403
// when the cookie is missing or stale.
func (s *Server) sessionAccount(c echo.Context) (*auth.Account, error) {
	cookie, err := c.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return nil, echo.ErrForbidden
	}
	account, err := s.svc.AccountFromSession(c.Request().Context(), cookie.Value)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, echo.ErrForbidden
	}
	return account, nil
}

func (s *Server) sessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "OK"})
}

func (s *Server) me(c echo.Context) error {
	account, ok := c.Get(accountKey).(*auth.Account)
	if !ok {
		return echo.ErrForbidden
	}
	return c.JSON(http.StatusOK, echo.Map{"id": account.ID.String(), "email": account.Email})
}
