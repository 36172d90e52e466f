// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/auth/sqlite"
	"github.com/holomush/authd/pkg/errutil"
)

func openMemory(t *testing.T) *sqlite.AccountStore {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "STORE_CONFIG_INVALID")
}

func TestAccountStore_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	acct, err := store.Insert(ctx, "bob@example.com", "hash")
	require.NoError(t, err)
	assert.NotEqual(t, ulid.ULID{}, acct.ID)

	found, err := store.FindBy(ctx, auth.ByEmail("bob@example.com"))
	require.NoError(t, err)
	assert.Equal(t, acct.ID, found.ID)
	assert.Equal(t, "hash", found.PasswordHash)
	assert.Nil(t, found.SessionToken)
	assert.Nil(t, found.ResetToken)
	assert.True(t, acct.CreatedAt.Equal(found.CreatedAt), "created_at round-trips")

	t.Run("duplicate email", func(t *testing.T) {
		_, err := store.Insert(ctx, "bob@example.com", "other")
		require.Error(t, err)
		errutil.AssertCoded(t, err, "ACCOUNT_DUPLICATE_EMAIL", auth.ErrDuplicateEmail)
	})

	t.Run("email match is exact", func(t *testing.T) {
		_, err := store.FindBy(ctx, auth.ByEmail("Bob@example.com"))
		assert.True(t, errors.Is(err, auth.ErrNotFound))
	})

	t.Run("conjunction of filters", func(t *testing.T) {
		found, err := store.FindBy(ctx, auth.ByEmail("bob@example.com"), auth.ByID(acct.ID))
		require.NoError(t, err)
		assert.Equal(t, acct.ID, found.ID)

		_, err = store.FindBy(ctx, auth.ByEmail("bob@example.com"), auth.ByID(ulid.Make()))
		assert.True(t, errors.Is(err, auth.ErrNotFound))
	})

	t.Run("invalid filter", func(t *testing.T) {
		_, err := store.FindBy(ctx, auth.Filter{Field: auth.FieldPasswordHash, Value: "hash"})
		assert.True(t, errors.Is(err, auth.ErrInvalidField))

		_, err = store.FindBy(ctx)
		assert.True(t, errors.Is(err, auth.ErrInvalidField))
	})
}

func TestAccountStore_Update(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	acct, err := store.Insert(ctx, "bob@example.com", "hash")
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, acct.ID, auth.SetSessionToken("s1"), auth.SetResetToken("r1")))

	found, err := store.FindBy(ctx, auth.BySessionToken("s1"))
	require.NoError(t, err)
	assert.Equal(t, acct.ID, found.ID)
	require.NotNil(t, found.ResetToken)
	assert.Equal(t, "r1", *found.ResetToken)
	assert.False(t, found.UpdatedAt.Before(found.CreatedAt))

	require.NoError(t, store.Update(ctx, acct.ID, auth.SetPasswordHash("new-hash"), auth.ClearResetToken()))
	found, err = store.FindBy(ctx, auth.ByID(acct.ID))
	require.NoError(t, err)
	assert.Equal(t, "new-hash", found.PasswordHash)
	assert.Nil(t, found.ResetToken)

	require.NoError(t, store.Update(ctx, acct.ID, auth.ClearSessionToken()))
	_, err = store.FindBy(ctx, auth.BySessionToken("s1"))
	assert.True(t, errors.Is(err, auth.ErrNotFound))

	t.Run("unknown id", func(t *testing.T) {
		err := store.Update(ctx, ulid.Make(), auth.ClearSessionToken())
		errutil.AssertCoded(t, err, "ACCOUNT_NOT_FOUND", auth.ErrNotFound)
	})

	t.Run("immutable field", func(t *testing.T) {
		email := "x@example.com"
		err := store.Update(ctx, acct.ID, auth.Assignment{Field: auth.FieldEmail, Value: &email})
		assert.True(t, errors.Is(err, auth.ErrInvalidField))
	})

	t.Run("empty assignment list", func(t *testing.T) {
		err := store.Update(ctx, acct.ID)
		assert.True(t, errors.Is(err, auth.ErrInvalidField))
	})
}

func TestAccountStore_ConcurrentRegistrationOfSameEmail(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		dupCount int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Insert(ctx, "race@example.com", fmt.Sprintf("hash-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, auth.ErrDuplicateEmail):
				dupCount++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, dupCount)
}

func TestAccountStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "authd.db")

	store, err := sqlite.Open(ctx, path, sqlite.WithOpTimeout(time.Second))
	require.NoError(t, err)
	acct, err := store.Insert(ctx, "bob@example.com", "hash")
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, acct.ID, auth.SetSessionToken("s1")))
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	found, err := reopened.FindBy(ctx, auth.BySessionToken("s1"))
	require.NoError(t, err)
	assert.Equal(t, acct.ID, found.ID)
}

func TestAccountStore_Unavailable(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		store := openMemory(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.Insert(ctx, "a@b.c", "hash")
		assert.True(t, errors.Is(err, auth.ErrStoreUnavailable))
	})

	t.Run("closed store", func(t *testing.T) {
		store, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
		require.NoError(t, err)
		require.NoError(t, store.Close())

		_, err = store.FindBy(context.Background(), auth.ByEmail("a@b.c"))
		errutil.AssertCoded(t, err, "STORE_UNAVAILABLE", auth.ErrStoreUnavailable)

		assert.ErrorIs(t, store.Ping(context.Background()), auth.ErrStoreUnavailable)
	})
}

func TestAccountStore_Ping(t *testing.T) {
	store := openMemory(t)
	assert.NoError(t, store.Ping(context.Background()))
}
