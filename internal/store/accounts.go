package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/validation"
)

var (
	accountPrefix  = []byte("acct/")
	usernamePrefix = []byte("user/")
)

func accountKey(id string) []byte {
	return append(append([]byte{}, accountPrefix...), id...)
}

func usernameKey(username string) []byte {
	return append(append([]byte{}, usernamePrefix...), username...)
}

// Accounts is the account table of a partition
type Accounts struct {
	s *Store
}

func NewAccounts(s *Store) *Accounts {
	return &Accounts{s: s}
}

// Get reads an account inside txn
func (a *Accounts) Get(txn *badger.Txn, id string) (models.Account, error) {
	var acct models.Account
	item, err := txn.Get(accountKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return acct, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	if err != nil {
		return acct, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &acct)
	})
	if err != nil {
		return acct, fmt.Errorf("failed to decode account %s: %w", id, err)
	}
	return acct, nil
}

// Put replaces the stored value of acct inside txn
func (a *Accounts) Put(txn *badger.Txn, acct models.Account) error {
	if err := validation.Account(acct); err != nil {
		return err
	}
	val, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to encode account %s: %w", acct.ID, err)
	}
	if err := txn.Set(accountKey(acct.ID), val); err != nil {
		return fmt.Errorf("failed to put account %s: %w", acct.ID, err)
	}
	return nil
}

// Create inserts a new account and claims its username
func (a *Accounts) Create(ctx context.Context, acct models.Account) error {
	return a.s.Update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(usernameKey(acct.Username))
		if err == nil {
			return fmt.Errorf("%w: %s", models.ErrUsernameTaken, acct.Username)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check username: %w", err)
		}
		if _, err := txn.Get(accountKey(acct.ID)); err == nil {
			return fmt.Errorf("%w: duplicate id %s", models.ErrInvalidAccount, acct.ID)
		}
		if err := a.Put(txn, acct); err != nil {
			return err
		}
		return txn.Set(usernameKey(acct.Username), []byte(acct.ID))
	})
}

// Lookup reads an account by id in its own read-only transaction
func (a *Accounts) Lookup(ctx context.Context, id string) (models.Account, error) {
	var acct models.Account
	err := a.s.View(ctx, func(txn *badger.Txn) error {
		var err error
		acct, err = a.Get(txn, id)
		return err
	})
	return acct, err
}

// LookupByUsername resolves the username index and reads the account
func (a *Accounts) LookupByUsername(ctx context.Context, username string) (models.Account, error) {
	var acct models.Account
	err := a.s.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(usernameKey(username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", models.ErrAccountNotFound, username)
		}
		if err != nil {
			return fmt.Errorf("failed to get username %s: %w", username, err)
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		acct, err = a.Get(txn, string(id))
		return err
	})
	return acct, err
}
