// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redisstore implements auth.AccountStore on Redis.
//
// Each account is a hash under "<prefix>account:<id>". String keys index the
// hash by email, live session token and pending reset token. Writes run in
// MULTI/EXEC under WATCH so the hash and its index keys never disagree.
package redisstore

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
)

// Defaults applied when options are omitted.
const (
	DefaultPrefix    = "authd:"
	DefaultOpTimeout = 5 * time.Second
	maxWatchRetries  = 5
	timestampLayout  = time.RFC3339Nano
)

// Hash fields of an account record.
const (
	hID        = "id"
	hEmail     = "email"
	hHash      = "password_hash"
	hSession   = "session_id"
	hReset     = "reset_token"
	hCreatedAt = "created_at"
	hUpdatedAt = "updated_at"
)

// Compile-time interface check.
var _ auth.AccountStore = (*Store)(nil)

// Store implements auth.AccountStore on a go-redis client.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	opTimeout time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key. Defaults to DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithOpTimeout overrides DefaultOpTimeout. Non-positive values are ignored.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// New creates a Store on client. The store owns the client and closes it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		prefix:    DefaultPrefix,
		opTimeout: DefaultOpTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(id string) string { return s.prefix + "account:" + id }
func (s *Store) emailKey(email string) string { return s.prefix + "email:" + email }
func (s *Store) sessionKey(tok string) string { return s.prefix + "session:" + tok }
func (s *Store) resetKey(tok string) string { return s.prefix + "reset:" + tok }

// indexKey returns the key resolving f to an account ID, or "" for FieldID.
func (s *Store) indexKey(f auth.Filter) string {
	switch f.Field {
	case auth.FieldEmail:
		return s.emailKey(f.Value)
	case auth.FieldSessionToken:
		return s.sessionKey(f.Value)
	case auth.FieldResetToken:
		return s.resetKey(f.Value)
	default:
		return ""
	}
}

// Insert creates an account. The email index key is watched so two
// concurrent inserts of one email cannot both commit.
func (s *Store) Insert(ctx context.Context, email, passwordHash string) (*auth.Account, error) {
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
	emailKey := s.emailKey(email)

	txn := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, emailKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return auth.ErrDuplicateEmail
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, emailKey, acct.ID.String(), 0)
			pipe.HSet(ctx, s.accountKey(acct.ID.String()), encode(acct))
			return nil
		})
		return err
	}

	err := s.watch(ctx, txn, emailKey)
	if errors.Is(err, auth.ErrDuplicateEmail) {
		return nil, oops.Code("ACCOUNT_DUPLICATE_EMAIL").
			With("email", email).
			Wrap(auth.ErrDuplicateEmail)
	}
	if err != nil {
		return nil, storeError(err, "ACCOUNT_INSERT_FAILED", "insert account")
	}
	return acct, nil
}

// FindBy resolves the first filter to an account ID, loads the hash and
// checks every filter against it.
func (s *Store) FindBy(ctx context.Context, filters ...auth.Filter) (*auth.Account, error) {
	if err := auth.ValidateFilters(filters); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := filters[0].Value
	if key := s.indexKey(filters[0]); key != "" {
		var err error
		id, err = s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, notFound(filters)
		}
		if err != nil {
			return nil, storeError(err, "ACCOUNT_FIND_FAILED", "resolve index key")
		}
	}

	fields, err := s.client.HGetAll(ctx, s.accountKey(id)).Result()
	if err != nil {
		return nil, storeError(err, "ACCOUNT_FIND_FAILED", "load account")
	}
	if len(fields) == 0 {
		return nil, notFound(filters)
	}

	acct, err := decode(fields)
	if err != nil {
		return nil, err
	}
	// Index keys may be stale if written by an older process; the hash is authoritative.
	if !acct.Matches(filters) {
		return nil, notFound(filters)
	}
	return acct, nil
}

// Update applies values to the account hash and moves token index keys in
// one transaction.
func (s *Store) Update(ctx context.Context, id ulid.ULID, values ...auth.Assignment) error {
	if err := auth.ValidateAssignments(values); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.accountKey(id.String())
	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return auth.ErrNotFound
		}
		acct, err := decode(fields)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, v := range values {
				s.queueAssignment(ctx, pipe, acct, v)
			}
			pipe.HSet(ctx, key, hUpdatedAt, s.now().Format(timestampLayout))
			return nil
		})
		return err
	}

	err := s.watch(ctx, txn, key)
	if errors.Is(err, auth.ErrNotFound) {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return storeError(err, "ACCOUNT_UPDATE_FAILED", "update account")
	}
	return nil
}

func (s *Store) queueAssignment(ctx context.Context, pipe redis.Pipeliner, acct *auth.Account, v auth.Assignment) {
	key := s.accountKey(acct.ID.String())
	id := acct.ID.String()

	var (
		field   string
		old     *string
		indexOf func(string) string
	)
	switch v.Field {
	case auth.FieldPasswordHash:
		pipe.HSet(ctx, key, hHash, *v.Value)
		return
	case auth.FieldSessionToken:
		field, old, indexOf = hSession, acct.SessionToken, s.sessionKey
	case auth.FieldResetToken:
		field, old, indexOf = hReset, acct.ResetToken, s.resetKey
	default:
		return
	}

	if old != nil {
		pipe.Del(ctx, indexOf(*old))
	}
	if v.Value == nil {
		pipe.HDel(ctx, key, field)
		return
	}
	pipe.HSet(ctx, key, field, *v.Value)
	pipe.Set(ctx, indexOf(*v.Value), id, 0)
}

// Close closes the Redis client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return oops.Code("STORE_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

// watch runs fn under WATCH, retrying when another client touched a
// watched key between WATCH and EXEC.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for range maxWatchRetries {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func encode(a *auth.Account) map[string]any {
	m := map[string]any{
		hID:        a.ID.String(),
		hEmail:     a.Email,
		hHash:      a.PasswordHash,
		hCreatedAt: a.CreatedAt.Format(timestampLayout),
		hUpdatedAt: a.UpdatedAt.Format(timestampLayout),
	}
	if a.SessionToken != nil {
		m[hSession] = *a.SessionToken
	}
	if a.ResetToken != nil {
		m[hReset] = *a.ResetToken
	}
	return m
}

func decode(fields map[string]string) (*auth.Account, error) {
	id, err := ulid.Parse(fields[hID])
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", fields[hID]).
			Wrap(err)
	}
	acct := &auth.Account{
		ID:           id,
		Email:        fields[hEmail],
		PasswordHash: fields[hHash],
	}
	if v, ok := fields[hSession]; ok {
		acct.SessionToken = &v
	}
	if v, ok := fields[hReset]; ok {
		acct.ResetToken = &v
	}
	if acct.CreatedAt, err = time.Parse(timestampLayout, fields[hCreatedAt]); err != nil {
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").With("field", hCreatedAt).Wrap(err)
	}
	if acct.UpdatedAt, err = time.Parse(timestampLayout, fields[hUpdatedAt]); err != nil {
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").With("field", hUpdatedAt).Wrap(err)
	}
	return acct, nil
}

func notFound(filters []auth.Filter) error {
	return oops.Code("ACCOUNT_NOT_FOUND").
		With("filter", filters[0].Field.String()).
		Wrap(auth.ErrNotFound)
}

// storeError maps network failures, pool exhaustion and deadlines to
// auth.ErrStoreUnavailable.
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
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, redis.ErrClosed) || errors.Is(err, redis.ErrPoolTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
