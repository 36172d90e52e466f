// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sqlite implements auth.AccountStore on a SQLite file, for
// single-node deployments that do not run PostgreSQL or Redis.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
)

// DefaultOpTimeout bounds every store call that arrives without a deadline.
const DefaultOpTimeout = 5 * time.Second

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	session_id    TEXT,
	reset_token   TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_session_id_idx
	ON accounts (session_id) WHERE session_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS accounts_reset_token_idx
	ON accounts (reset_token) WHERE reset_token IS NOT NULL;
`

// Compile-time interface check.
var _ auth.AccountStore = (*AccountStore)(nil)

// AccountStore implements auth.AccountStore on a SQLite database.
type AccountStore struct {
	db        *sql.DB
	opTimeout time.Duration
	now       func() time.Time
}

// Option configures an AccountStore.
type Option func(*AccountStore)

// WithOpTimeout overrides DefaultOpTimeout. Non-positive values are ignored.
func WithOpTimeout(d time.Duration) Option {
	return func(s *AccountStore) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// Open opens (creating if needed) the database at path and ensures the
// accounts table exists.
func Open(ctx context.Context, path string, opts ...Option) (*AccountStore, error) {
	if path == "" {
		return nil, oops.Code("STORE_CONFIG_INVALID").Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").With("path", path).Wrap(err)
	}
	// One connection serializes writers, and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &AccountStore{
		db:        db,
		opTimeout: DefaultOpTimeout,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close() //nolint:errcheck // schema error takes precedence
		return nil, storeError(err, "STORE_SCHEMA_FAILED", "create accounts table")
	}
	return s, nil
}

func dsn(path string) string {
	if path == MemoryPath {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
}

const selectAccount = `
	SELECT id, email, password_hash, session_id, reset_token, created_at, updated_at
	FROM accounts`

// Insert stores a new account with a fresh ULID.
func (s *AccountStore) Insert(ctx context.Context, email, passwordHash string) (*auth.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	acct := &auth.Account{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, acct.ID.String(), acct.Email, acct.PasswordHash, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, oops.Code("ACCOUNT_DUPLICATE_EMAIL").
				With("email", email).
				Wrap(auth.ErrDuplicateEmail)
		}
		return nil, storeError(err, "ACCOUNT_INSERT_FAILED", "insert account")
	}
	return acct, nil
}

// FindBy returns the account matching every filter.
func (s *AccountStore) FindBy(ctx context.Context, filters ...auth.Filter) (*auth.Account, error) {
	if err := auth.ValidateFilters(filters); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conds := make([]string, len(filters))
	args := make([]any, len(filters))
	for i, f := range filters {
		// Column names come from the Field enum, never from callers.
		conds[i] = f.Field.String() + " = ?"
		args[i] = f.Value
	}
	query := selectAccount + " WHERE " + strings.Join(conds, " AND ") + " LIMIT 1"

	acct, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("filter", filters[0].Field.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, storeError(err, "ACCOUNT_FIND_FAILED", "find account")
	}
	return acct, nil
}

// Update writes values and updated_at in a single UPDATE statement.
func (s *AccountStore) Update(ctx context.Context, id ulid.ULID, values ...auth.Assignment) error {
	if err := auth.ValidateAssignments(values); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sets := make([]string, 0, len(values)+1)
	args := make([]any, 0, len(values)+2)
	for _, v := range values {
		sets = append(sets, v.Field.String()+" = ?")
		if v.Value == nil {
			args = append(args, nil)
		} else {
			args = append(args, *v.Value)
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id.String())

	result, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?",
		args...)
	if err != nil {
		return storeError(err, "ACCOUNT_UPDATE_FAILED", "update account")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeError(err, "ACCOUNT_UPDATE_FAILED", "count updated rows")
	}
	if n == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Ping checks that the database answers.
func (s *AccountStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return storeError(err, "STORE_PING_FAILED", "ping database")
	}
	return nil
}

// Close closes the database.
func (s *AccountStore) Close() error {
	if err := s.db.Close(); err != nil {
		return oops.Code("STORE_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

func (s *AccountStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// scanAccount scans a single row into an Account.
// sql.ErrNoRows is returned unwrapped for callers to handle.
func scanAccount(row *sql.Row) (*auth.Account, error) {
	var (
		idStr string
		acct  auth.Account
	)
	err := row.Scan(
		&idStr,
		&acct.Email,
		&acct.PasswordHash,
		&acct.SessionToken,
		&acct.ResetToken,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers add filter context
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").With("operation", "scan account").Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}
	acct.ID = id
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

// storeError classifies a driver error. Deadlines, a closed database and a
// locked file become auth.ErrStoreUnavailable; anything else keeps code.
func storeError(err error, code, operation string) error {
	if isUnavailable(err) {
		return oops.Code("STORE_UNAVAILABLE").
			With("operation", operation).
			With("cause", err.Error()).
			Wrap(auth.ErrStoreUnavailable)
	}
	return oops.Code(code).With("operation", operation).Wrap(err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	// database/sql reports use after Close with an unexported error.
	if strings.Contains(err.Error(), "sql: database is closed") {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked || sqliteErr.Code == sqlite3.ErrCantOpen
	}
	return false
}
