// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements auth.AccountStore on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
)

// DefaultOpTimeout bounds every store call that arrives without a deadline.
const DefaultOpTimeout = 5 * time.Second

// Pool is the subset of pgxpool.Pool the store needs.
// pgxmock.PgxPoolIface satisfies it for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Compile-time interface check.
var _ auth.AccountStore = (*AccountStore)(nil)

// AccountStore implements auth.AccountStore using the accounts table.
type AccountStore struct {
	pool      Pool
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

// NewAccountStore creates a new AccountStore on pool.
func NewAccountStore(pool Pool, opts ...Option) *AccountStore {
	s := &AccountStore{
		pool:      pool,
		opTimeout: DefaultOpTimeout,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, acct.ID.String(), acct.Email, acct.PasswordHash, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
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
		conds[i] = fmt.Sprintf("%s = $%d", f.Field, i+1)
		args[i] = f.Value
	}
	query := selectAccount + " WHERE " + strings.Join(conds, " AND ") + " LIMIT 1"

	acct, err := scanAccount(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
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
	args = append(args, id.String())
	for _, v := range values {
		args = append(args, v.Value)
		sets = append(sets, fmt.Sprintf("%s = $%d", v.Field, len(args)))
	}
	args = append(args, s.now())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	result, err := s.pool.Exec(ctx,
		"UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = $1",
		args...)
	if err != nil {
		return storeError(err, "ACCOUNT_UPDATE_FAILED", "update account")
	}
	if result.RowsAffected() == 0 {
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
	if err := s.pool.Ping(ctx); err != nil {
		return storeError(err, "STORE_PING_FAILED", "ping database")
	}
	return nil
}

// Close closes the underlying pool.
func (s *AccountStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *AccountStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// scanAccount scans a single row into an Account.
// pgx.ErrNoRows is returned unwrapped for callers to handle.
func scanAccount(row pgx.Row) (*auth.Account, error) {
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
		if errors.Is(err, pgx.ErrNoRows) {
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
	return &acct, nil
}

// storeError classifies a driver error. Deadlines, dropped connections and
// server shutdowns become auth.ErrStoreUnavailable; anything else keeps code.
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
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return true
	}
	// pgxpool reports use after Close with puddle's sentinel.
	if errors.Is(err, puddle.ErrClosedPool) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code)
	}
	return false
}
