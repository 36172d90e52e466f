// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package basicauth authenticates a request from its Authorization header
// without any session state.
//
// Every step degrades to "no credential" instead of returning an error, so
// CurrentAccount always yields either an account or nil.
package basicauth

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/pkg/errutil"
)

const schemePrefix = "Basic "

// RequiresAuth reports whether path needs credentials given the excluded
// path prefixes. Both sides are compared with exactly one trailing slash, so
// "/api/v1/status" is covered by "/api/v1/status/".
func RequiresAuth(path string, excluded []string) bool {
	if path == "" || len(excluded) == 0 {
		return true
	}
	p := withSlash(path)
	for _, e := range excluded {
		if e == "" {
			continue
		}
		if strings.HasPrefix(p, withSlash(e)) {
			return false
		}
	}
	return true
}

func withSlash(s string) string {
	return strings.TrimRight(s, "/") + "/"
}

// AuthorizationHeader returns the raw Authorization header of r.
func AuthorizationHeader(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	v := r.Header.Get("Authorization")
	if v == "" {
		return "", false
	}
	return v, true
}

// ExtractEncodedPayload strips the "Basic " scheme prefix. Any other scheme
// yields false.
func ExtractEncodedPayload(header string) (string, bool) {
	return strings.CutPrefix(header, schemePrefix)
}

// DecodePayload base64-decodes payload and requires the result to be UTF-8.
func DecodePayload(payload string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

// SplitCredentials splits decoded on its first colon. The password may itself
// contain colons.
func SplitCredentials(decoded string) (email, password string, ok bool) {
	return strings.Cut(decoded, ":")
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger for store and hash failures.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Authenticator resolves Basic credentials against an account store.
type Authenticator struct {
	store  auth.AccountStore
	hasher auth.PasswordHasher
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(store auth.AccountStore, hasher auth.PasswordHasher, opts ...Option) (*Authenticator, error) {
	if store == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("account store is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("password hasher is required")
	}
	a := &Authenticator{store: store, hasher: hasher, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ResolveAccount returns the account registered with email if password
// verifies against its hash, otherwise nil.
func (a *Authenticator) ResolveAccount(ctx context.Context, email, password string) *auth.Account {
	if email == "" {
		return nil
	}
	account, err := a.store.FindBy(ctx, auth.ByEmail(email))
	if err != nil {
		if !errors.Is(err, auth.ErrNotFound) {
			errutil.LogErrorContext(ctx, a.logger, "basic auth account lookup failed", err)
		}
		return nil
	}
	ok, err := a.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		errutil.LogErrorContext(ctx, a.logger, "basic auth password check failed", err)
		return nil
	}
	if !ok {
		return nil
	}
	return account
}

// CurrentAccount authenticates r from its Authorization header.
func (a *Authenticator) CurrentAccount(r *http.Request) *auth.Account {
	header, ok := AuthorizationHeader(r)
	if !ok {
		return nil
	}
	payload, ok := ExtractEncodedPayload(header)
	if !ok {
		return nil
	}
	decoded, ok := DecodePayload(payload)
	if !ok {
		return nil
	}
	email, password, ok := SplitCredentials(decoded)
	if !ok {
		return nil
	}
	return a.ResolveAccount(r.Context(), email, password)
}
