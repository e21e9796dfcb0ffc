package store

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/clearinghouse/internal/models"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAccounts_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccounts(openTestStore(t))

	alice := models.Account{ID: "u1", Username: "alice", Balance: 1000, Holdings: 5}
	require.NoError(t, accounts.Create(ctx, alice))

	got, err := accounts.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, alice.Username, got.Username)
	assert.Equal(t, uint64(1000), got.Balance)

	got, err = accounts.LookupByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}

func TestAccounts_Create(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccounts(openTestStore(t))
	require.NoError(t, accounts.Create(ctx, models.Account{ID: "u1", Username: "alice"}))

	tests := []struct {
		name      string
		acct      models.Account
		expectErr error
	}{
		{name: "UsernameTaken", acct: models.Account{ID: "u2", Username: "alice"}, expectErr: models.ErrUsernameTaken},
		{name: "DuplicateID", acct: models.Account{ID: "u1", Username: "bob"}, expectErr: models.ErrInvalidAccount},
		{name: "MissingUsername", acct: models.Account{ID: "u3"}, expectErr: models.ErrInvalidAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := accounts.Create(ctx, tt.acct)
			assert.ErrorIs(t, err, tt.expectErr)
		})
	}
}

func TestAccounts_LookupMissing(t *testing.T) {
	accounts := NewAccounts(openTestStore(t))

	_, err := accounts.Lookup(context.Background(), "nobody")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	_, err = accounts.LookupByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	accounts := NewAccounts(s)
	require.NoError(t, accounts.Create(ctx, models.Account{ID: "u1", Username: "alice", Balance: 10}))

	err := s.Update(ctx, func(txn *badger.Txn) error {
		acct, err := accounts.Get(txn, "u1")
		if err != nil {
			return err
		}
		acct.Balance = 99
		if err := accounts.Put(txn, acct); err != nil {
			return err
		}
		return models.ErrTransient
	})
	assert.ErrorIs(t, err, models.ErrTransient)

	got, err := accounts.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Balance)
}

func TestStore_UpdateCancelledDoesNotCommit(t *testing.T) {
	s := openTestStore(t)
	accounts := NewAccounts(s)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Update(ctx, func(txn *badger.Txn) error {
		cancel()
		return accounts.Put(txn, models.Account{ID: "u1", Username: "alice"})
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = accounts.Lookup(context.Background(), "u1")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestStore_Conflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	accounts := NewAccounts(s)
	require.NoError(t, accounts.Create(ctx, models.Account{ID: "u1", Username: "alice"}))

	err := s.Update(ctx, func(txn *badger.Txn) error {
		acct, err := accounts.Get(txn, "u1")
		if err != nil {
			return err
		}
		// A competing writer commits the same key first.
		require.NoError(t, s.Update(ctx, func(other *badger.Txn) error {
			return accounts.Put(other, models.Account{ID: "u1", Username: "alice", Balance: 1})
		}))
		acct.Balance = 2
		return accounts.Put(txn, acct)
	})
	assert.ErrorIs(t, err, models.ErrContention)
}

func TestStore_Fence(t *testing.T) {
	s := openTestStore(t)
	s.Fence()

	err := s.Update(context.Background(), func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, models.ErrAuthorityLost)

	err = s.View(context.Background(), func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, models.ErrAuthorityLost)

	_, err = s.Sequence([]byte("seq"), 10)
	assert.ErrorIs(t, err, models.ErrAuthorityLost)
}
