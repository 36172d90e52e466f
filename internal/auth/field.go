// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Field names a persisted account attribute.
type Field int

// Account fields. The zero value is invalid.
const (
	FieldID Field = iota + 1
	FieldEmail
	FieldPasswordHash
	FieldSessionToken
	FieldResetToken
)

// String returns the persisted column name of the field.
func (f Field) String() string {
	switch f {
	case FieldID:
		return "id"
	case FieldEmail:
		return "email"
	case FieldPasswordHash:
		return "password_hash"
	case FieldSessionToken:
		return "session_id"
	case FieldResetToken:
		return "reset_token"
	default:
		return "unknown"
	}
}

// Filterable reports whether FindBy accepts the field.
func (f Field) Filterable() bool {
	switch f {
	case FieldID, FieldEmail, FieldSessionToken, FieldResetToken:
		return true
	default:
		return false
	}
}

// Updatable reports whether Update accepts the field.
// ID and email are immutable once an account exists.
func (f Field) Updatable() bool {
	switch f {
	case FieldPasswordHash, FieldSessionToken, FieldResetToken:
		return true
	default:
		return false
	}
}

// Filter is one exact-match condition of a FindBy query.
type Filter struct {
	Field Field
	Value string
}

// ByID matches the account with the given ID.
func ByID(id ulid.ULID) Filter { return Filter{Field: FieldID, Value: id.String()} }

// ByEmail matches the account registered with email.
func ByEmail(email string) Filter { return Filter{Field: FieldEmail, Value: email} }

// BySessionToken matches the account whose live session token equals token.
func BySessionToken(token string) Filter { return Filter{Field: FieldSessionToken, Value: token} }

// ByResetToken matches the account whose pending reset token equals token.
func ByResetToken(token string) Filter { return Filter{Field: FieldResetToken, Value: token} }

// Assignment is one field write of an Update. A nil Value clears the field.
type Assignment struct {
	Field Field
	Value *string
}

// SetPasswordHash replaces the stored password hash.
func SetPasswordHash(hash string) Assignment {
	return Assignment{Field: FieldPasswordHash, Value: &hash}
}

// SetSessionToken stores token as the account's only live session.
func SetSessionToken(token string) Assignment {
	return Assignment{Field: FieldSessionToken, Value: &token}
}

// ClearSessionToken ends the account's session.
func ClearSessionToken() Assignment { return Assignment{Field: FieldSessionToken} }

// SetResetToken stores token as the pending reset token.
func SetResetToken(token string) Assignment {
	return Assignment{Field: FieldResetToken, Value: &token}
}

// ClearResetToken consumes the pending reset token.
func ClearResetToken() Assignment { return Assignment{Field: FieldResetToken} }

// ValidateFilters checks that filters is non-empty and only names filterable fields.
func ValidateFilters(filters []Filter) error {
	if len(filters) == 0 {
		return oops.Code("STORE_INVALID_FIELD").
			Wrapf(ErrInvalidField, "at least one filter is required")
	}
	for _, f := range filters {
		if !f.Field.Filterable() {
			return oops.Code("STORE_INVALID_FIELD").
				With("field", f.Field.String()).
				Wrapf(ErrInvalidField, "field %s cannot be filtered on", f.Field)
		}
	}
	return nil
}

// ValidateAssignments checks that values is non-empty and only names updatable fields.
func ValidateAssignments(values []Assignment) error {
	if len(values) == 0 {
		return oops.Code("STORE_INVALID_FIELD").
			Wrapf(ErrInvalidField, "at least one assignment is required")
	}
	for _, v := range values {
		if !v.Field.Updatable() {
			return oops.Code("STORE_INVALID_FIELD").
				With("field", v.Field.String()).
				Wrapf(ErrInvalidField, "field %s cannot be updated", v.Field)
		}
		if v.Field == FieldPasswordHash && (v.Value == nil || *v.Value == "") {
			return oops.Code("STORE_INVALID_FIELD").
				With("field", v.Field.String()).
				Wrapf(ErrInvalidField, "password hash cannot be cleared")
		}
	}
	return nil
}
