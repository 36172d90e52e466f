// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authd/pkg/errutil"
)

// Operation outcomes reported to a Recorder.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Recorder observes the outcome of each service operation.
type Recorder interface {
	RecordOperation(operation, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string) {}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for operation logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRecorder sets the recorder notified of operation outcomes.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// Service provides registration, login, session and password reset operations.
// It holds no mutable state; all account state lives in the AccountStore.
type Service struct {
	store    AccountStore
	hasher   PasswordHasher
	tokens   TokenGenerator
	logger   *slog.Logger
	recorder Recorder
}

// NewService creates a new Service.
func NewService(store AccountStore, hasher PasswordHasher, tokens TokenGenerator, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("account store is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("password hasher is required")
	}
	if tokens == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("token generator is required")
	}

	s := &Service{
		store:    store,
		hasher:   hasher,
		tokens:   tokens,
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("logger cannot be nil")
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	return s, nil
}

// dummyPasswordHash is verified when an account doesn't exist so that a
// missing account and a wrong password take the same time.
//
//nolint:gosec // G101: intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Register creates an account for email.
// Fails with ErrDuplicateEmail (code AUTH_EMAIL_TAKEN) if the email is registered.
func (s *Service) Register(ctx context.Context, email, password string) (*Account, error) {
	const op = "register"

	_, err := s.store.FindBy(ctx, ByEmail(email))
	if err == nil {
		s.recorder.RecordOperation(op, OutcomeRejected)
		return nil, emailTaken(email)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, s.fail(op, "AUTH_REGISTER_FAILED", "find account by email", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, s.fail(op, "AUTH_REGISTER_FAILED", "hash password", err)
	}

	account, err := s.store.Insert(ctx, email, hash)
	if err != nil {
		// Lost a race with a concurrent registration of the same email.
		if errors.Is(err, ErrDuplicateEmail) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return nil, emailTaken(email)
		}
		return nil, s.fail(op, "AUTH_REGISTER_FAILED", "insert account", err)
	}

	s.recorder.RecordOperation(op, OutcomeSuccess)
	s.logger.InfoContext(ctx, "account registered", "account_id", account.ID.String())
	return account, nil
}

// ValidLogin reports whether password is correct for the account registered
// with email. A missing account yields false, not an error.
func (s *Service) ValidLogin(ctx context.Context, email, password string) (bool, error) {
	const op = "valid_login"

	_, ok, err := s.checkCredentials(ctx, op, email, password)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recorder.RecordOperation(op, OutcomeRejected)
		return false, nil
	}
	s.recorder.RecordOperation(op, OutcomeSuccess)
	return true, nil
}

// CreateSession issues a new session token for the account registered with
// email, replacing any previous session. Returns "" if no such account exists.
func (s *Service) CreateSession(ctx context.Context, email string) (string, error) {
	const op = "create_session"

	account, err := s.store.FindBy(ctx, ByEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return "", nil
		}
		return "", s.fail(op, "AUTH_CREATE_SESSION_FAILED", "find account by email", err)
	}

	token, err := s.startSession(ctx, op, account)
	if err != nil || token == "" {
		return "", err
	}
	s.recorder.RecordOperation(op, OutcomeSuccess)
	return token, nil
}

// Login verifies credentials and starts a session in one step.
// Legacy password hashes are upgraded to the current algorithm on success.
// Fails with ErrInvalidCredentials (code AUTH_INVALID_CREDENTIALS) for an
// unknown email or a wrong password.
func (s *Service) Login(ctx context.Context, email, password string) (string, *Account, error) {
	const op = "login"

	account, ok, err := s.checkCredentials(ctx, op, email, password)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		s.recorder.RecordOperation(op, OutcomeRejected)
		return "", nil, invalidCredentials()
	}

	token, err := s.tokens.Generate()
	if err != nil {
		return "", nil, s.fail(op, "AUTH_LOGIN_FAILED", "generate session token", err)
	}

	values := []Assignment{SetSessionToken(token)}
	if s.hasher.NeedsUpgrade(account.PasswordHash) {
		upgraded, hashErr := s.hasher.Hash(password)
		if hashErr != nil {
			errutil.LogError(s.logger, "password hash upgrade skipped", hashErr)
		} else {
			values = append(values, SetPasswordHash(upgraded))
		}
	}

	if err := s.store.Update(ctx, account.ID, values...); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return "", nil, invalidCredentials()
		}
		return "", nil, s.fail(op, "AUTH_LOGIN_FAILED", "store session token", err)
	}

	account.Apply(values, time.Now())
	s.recorder.RecordOperation(op, OutcomeSuccess)
	s.logger.InfoContext(ctx, "session started",
		"account_id", account.ID.String(),
		"hash_upgraded", len(values) > 1)
	return token, account, nil
}

// AccountFromSession returns the account owning a live session token, or nil
// if token is empty or matches no account.
func (s *Service) AccountFromSession(ctx context.Context, token string) (*Account, error) {
	const op = "account_from_session"

	if token == "" {
		s.recorder.RecordOperation(op, OutcomeRejected)
		return nil, nil
	}

	account, err := s.store.FindBy(ctx, BySessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return nil, nil
		}
		return nil, s.fail(op, "AUTH_SESSION_LOOKUP_FAILED", "find account by session token", err)
	}

	s.recorder.RecordOperation(op, OutcomeSuccess)
	return account, nil
}

// DestroySession ends the session of the account with the given ID.
// A zero ID or an account that no longer exists is a no-op.
func (s *Service) DestroySession(ctx context.Context, id ulid.ULID) error {
	const op = "destroy_session"

	if id.Compare(ulid.ULID{}) == 0 {
		return nil
	}

	if err := s.store.Update(ctx, id, ClearSessionToken()); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.DebugContext(ctx, "destroy session for unknown account", "account_id", id.String())
			return nil
		}
		return s.fail(op, "AUTH_DESTROY_SESSION_FAILED", "clear session token", err)
	}

	s.recorder.RecordOperation(op, OutcomeSuccess)
	s.logger.InfoContext(ctx, "session destroyed", "account_id", id.String())
	return nil
}

// RequestPasswordReset issues a reset token for the account registered with
// email and returns it. Delivering the token to the user is the caller's job.
// Fails with ErrUnknownEmail (code AUTH_UNKNOWN_EMAIL) if no account matches.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	const op = "request_password_reset"

	account, err := s.store.FindBy(ctx, ByEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return "", unknownEmail(email)
		}
		return "", s.fail(op, "AUTH_RESET_REQUEST_FAILED", "find account by email", err)
	}

	token, err := s.tokens.Generate()
	if err != nil {
		return "", s.fail(op, "AUTH_RESET_REQUEST_FAILED", "generate reset token", err)
	}

	if err := s.store.Update(ctx, account.ID, SetResetToken(token)); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return "", unknownEmail(email)
		}
		return "", s.fail(op, "AUTH_RESET_REQUEST_FAILED", "store reset token", err)
	}

	s.recorder.RecordOperation(op, OutcomeSuccess)
	s.logger.InfoContext(ctx, "password reset requested", "account_id", account.ID.String())
	return token, nil
}

// UpdatePassword sets a new password for the account holding resetToken and
// consumes the token in the same write.
// Fails with ErrInvalidResetToken (code AUTH_INVALID_RESET_TOKEN) if no
// account holds the token.
func (s *Service) UpdatePassword(ctx context.Context, resetToken, newPassword string) error {
	const op = "update_password"

	if resetToken == "" {
		s.recorder.RecordOperation(op, OutcomeRejected)
		return invalidResetToken()
	}

	account, err := s.store.FindBy(ctx, ByResetToken(resetToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return invalidResetToken()
		}
		return s.fail(op, "AUTH_UPDATE_PASSWORD_FAILED", "find account by reset token", err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return s.fail(op, "AUTH_UPDATE_PASSWORD_FAILED", "hash password", err)
	}

	if err := s.store.Update(ctx, account.ID, SetPasswordHash(hash), ClearResetToken()); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return invalidResetToken()
		}
		return s.fail(op, "AUTH_UPDATE_PASSWORD_FAILED", "replace password hash", err)
	}

	s.recorder.RecordOperation(op, OutcomeSuccess)
	s.logger.InfoContext(ctx, "password updated", "account_id", account.ID.String())
	return nil
}

// checkCredentials looks up email and verifies password against the stored
// hash, or against dummyPasswordHash when the account is missing.
func (s *Service) checkCredentials(ctx context.Context, op, email, password string) (*Account, bool, error) {
	account, err := s.store.FindBy(ctx, ByEmail(email))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, s.fail(op, "AUTH_CREDENTIAL_CHECK_FAILED", "find account by email", err)
	}

	targetHash := dummyPasswordHash
	if account != nil {
		targetHash = account.PasswordHash
	}

	valid, err := s.hasher.Verify(password, targetHash)
	if account == nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail(op, "AUTH_CREDENTIAL_CHECK_FAILED", "verify password", err)
	}
	return account, valid, nil
}

// startSession stores a fresh session token on account. Returns "" without
// error when the account vanished between lookup and write.
func (s *Service) startSession(ctx context.Context, op string, account *Account) (string, error) {
	token, err := s.tokens.Generate()
	if err != nil {
		return "", s.fail(op, "AUTH_CREATE_SESSION_FAILED", "generate session token", err)
	}

	if err := s.store.Update(ctx, account.ID, SetSessionToken(token)); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordOperation(op, OutcomeRejected)
			return "", nil
		}
		return "", s.fail(op, "AUTH_CREATE_SESSION_FAILED", "store session token", err)
	}

	s.logger.InfoContext(ctx, "session started", "account_id", account.ID.String())
	return token, nil
}

// fail wraps an unexpected failure, logs it and records an error outcome.
func (s *Service) fail(op, code, step string, err error) error {
	s.recorder.RecordOperation(op, OutcomeError)
	wrapped := oops.Code(code).
		With("operation", step).
		Wrap(err)
	errutil.LogError(s.logger.With("op", op), "auth operation failed", wrapped)
	return wrapped
}

func emailTaken(email string) error {
	return oops.Code("AUTH_EMAIL_TAKEN").
		With("email", email).
		Wrapf(ErrDuplicateEmail, "account %s already exists", email)
}

func unknownEmail(email string) error {
	return oops.Code("AUTH_UNKNOWN_EMAIL").
		With("email", email).
		Wrap(ErrUnknownEmail)
}

func invalidResetToken() error {
	return oops.Code("AUTH_INVALID_RESET_TOKEN").Wrap(ErrInvalidResetToken)
}

func invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
}
