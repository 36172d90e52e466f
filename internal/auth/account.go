// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Account represents a registered user.
type Account struct {
	ID           ulid.ULID
	Email        string
	PasswordHash string
	SessionToken *string // nil when logged out
	ResetToken   *string // nil unless a reset is pending
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasSession returns true if the account has a live session.
func (a *Account) HasSession() bool {
	return a.SessionToken != nil && *a.SessionToken != ""
}

// HasPendingReset returns true if a reset token was issued and not consumed.
func (a *Account) HasPendingReset() bool {
	return a.ResetToken != nil && *a.ResetToken != ""
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (a *Account) Clone() *Account {
	c := *a
	if a.SessionToken != nil {
		s := *a.SessionToken
		c.SessionToken = &s
	}
	if a.ResetToken != nil {
		r := *a.ResetToken
		c.ResetToken = &r
	}
	return &c
}

// Get returns the stored value of f. The second result is false when the
// field is unset (a cleared token) or f is not a known field.
func (a *Account) Get(f Field) (string, bool) {
	switch f {
	case FieldID:
		return a.ID.String(), true
	case FieldEmail:
		return a.Email, true
	case FieldPasswordHash:
		return a.PasswordHash, true
	case FieldSessionToken:
		if a.SessionToken == nil {
			return "", false
		}
		return *a.SessionToken, true
	case FieldResetToken:
		if a.ResetToken == nil {
			return "", false
		}
		return *a.ResetToken, true
	default:
		return "", false
	}
}

// Matches reports whether every filter matches exactly. Unset fields never match.
func (a *Account) Matches(filters []Filter) bool {
	for _, f := range filters {
		v, ok := a.Get(f.Field)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// Apply writes values onto the account and bumps UpdatedAt.
// Callers validate values with ValidateAssignments first.
func (a *Account) Apply(values []Assignment, now time.Time) {
	for _, v := range values {
		switch v.Field {
		case FieldPasswordHash:
			if v.Value != nil {
				a.PasswordHash = *v.Value
			}
		case FieldSessionToken:
			a.SessionToken = cloneString(v.Value)
		case FieldResetToken:
			a.ResetToken = cloneString(v.Value)
		}
	}
	a.UpdatedAt = now
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// AccountStore manages account persistence.
type AccountStore interface {
	// Insert creates an account. Returns ErrDuplicateEmail if email is taken.
	Insert(ctx context.Context, email, passwordHash string) (*Account, error)

	// FindBy returns the account matching every filter.
	// Returns ErrNotFound if none matches and ErrInvalidField for bad filters.
	FindBy(ctx context.Context, filters ...Filter) (*Account, error)

	// Update applies values to the account with the given ID in one atomic write.
	// Returns ErrNotFound for an unknown ID and ErrInvalidField for bad values.
	Update(ctx context.Context, id ulid.ULID, values ...Assignment) error

	// Close releases the store's connections.
	Close() error
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
