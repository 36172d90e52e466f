// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides account registration, credential checks, sessions
// and password resets.
//
// # Accounts
//
// An Account is the only persisted entity. Its lifecycle:
//
//	register -> (create session <-> destroy session)*
//	         -> (request reset -> update password)*
//
// Each account holds at most one live session token and at most one pending
// reset token. Issuing a new token of either kind replaces the previous one.
//
// # Stores
//
// AccountStore implementations live in subpackages (postgres, redisstore,
// memory). Stores report failures with the sentinel errors in this package
// (ErrNotFound, ErrDuplicateEmail, ErrInvalidField, ErrStoreUnavailable)
// wrapped in oops errors; match them with errors.Is.
//
// # Service
//
// Service coordinates the store, a PasswordHasher and a TokenGenerator.
// "Nothing found" outcomes are values (false, "", nil) except where a caller
// must distinguish them: RequestPasswordReset and UpdatePassword return
// ErrUnknownEmail and ErrInvalidResetToken.
package auth
