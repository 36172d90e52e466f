// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory provides an in-process AccountStore for tests and
// single-instance development servers.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
)

// Compile-time interface check.
var _ auth.AccountStore = (*Store)(nil)

// Store is an in-memory AccountStore. Accounts are lost on restart.
type Store struct {
	mu       sync.RWMutex
	accounts map[ulid.ULID]*auth.Account
	byEmail  map[string]ulid.ULID
	closed   bool
	now      func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[ulid.ULID]*auth.Account),
		byEmail:  make(map[string]ulid.ULID),
		now:      time.Now,
	}
}

// Insert creates an account. The email uniqueness check and the write happen
// under one lock so concurrent registrations of the same email cannot both win.
func (s *Store) Insert(ctx context.Context, email, passwordHash string) (*auth.Account, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[email]; taken {
		return nil, oops.Code("ACCOUNT_DUPLICATE_EMAIL").
			With("email", email).
			Wrap(auth.ErrDuplicateEmail)
	}

	now := s.now()
	acct := &auth.Account{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts[acct.ID] = acct
	s.byEmail[email] = acct.ID
	return acct.Clone(), nil
}

// FindBy returns a copy of the account matching every filter.
func (s *Store) FindBy(ctx context.Context, filters ...auth.Filter) (*auth.Account, error) {
	if err := auth.ValidateFilters(filters); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Email lookups hit the index; anything else scans.
	if len(filters) == 1 && filters[0].Field == auth.FieldEmail {
		if id, ok := s.byEmail[filters[0].Value]; ok {
			return s.accounts[id].Clone(), nil
		}
		return nil, notFound(filters)
	}

	for _, acct := range s.accounts {
		if acct.Matches(filters) {
			return acct.Clone(), nil
		}
	}
	return nil, notFound(filters)
}

// Update applies values to the account with the given ID.
func (s *Store) Update(ctx context.Context, id ulid.ULID, values ...auth.Assignment) error {
	if err := auth.ValidateAssignments(values); err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	acct.Apply(values, s.now())
	return nil
}

// Close marks the store closed. Later calls fail with ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping fails once the store is closed.
func (s *Store) Ping(ctx context.Context) error {
	return s.ready(ctx)
}

// Len returns the number of stored accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("STORE_UNAVAILABLE").Wrapf(auth.ErrStoreUnavailable, "%v", err)
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return oops.Code("STORE_UNAVAILABLE").Wrapf(auth.ErrStoreUnavailable, "store is closed")
	}
	return nil
}

func notFound(filters []auth.Filter) error {
	return oops.Code("ACCOUNT_NOT_FOUND").
		With("filter", filters[0].Field.String()).
		Wrap(auth.ErrNotFound)
}
