// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "errors"

// Store-level sentinels. Implementations of AccountStore wrap these with oops
// context; callers match them with errors.Is.
var (
	// ErrNotFound is returned when a requested account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned when inserting an account whose email is taken.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInvalidField is returned when a filter or assignment names a field
	// that the operation does not accept.
	ErrInvalidField = errors.New("invalid field")

	// ErrStoreUnavailable is returned when the backing store cannot be reached
	// or does not answer within the operation timeout.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Service-level sentinels.
var (
	// ErrUnknownEmail is returned when no account matches an email.
	ErrUnknownEmail = errors.New("unknown email")

	// ErrInvalidResetToken is returned when no account holds the reset token.
	ErrInvalidResetToken = errors.New("invalid reset token")

	// ErrInvalidCredentials is returned by Login on a missing account or a
	// password mismatch. The two cases are indistinguishable to callers.
	ErrInvalidCredentials = errors.New("invalid email or password")
)
