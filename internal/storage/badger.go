package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is a Store backed by an embedded BadgerDB instance.
//
// Grounded on jinterlante1206/AleutianFOSS's services/trace/storage/badger
// package: production defaults (sync writes, single version retention,
// internal logging disabled) applied the same way, generalized here from a
// dedicated Config type to the two stores the asset engine opens (assets:
// content cache and registries; settings: user assets).
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if necessary) a BadgerDB instance at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, errors.New("storage: dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}

	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

// OpenInMemoryBadgerStore opens an in-memory BadgerDB instance, useful for tests.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(keys ...string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %q: %w", key, err)
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value for %q: %w", key, err)
			}
			result[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BadgerStore) Set(values map[string][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for key, value := range values {
			if err := txn.Set([]byte(key), value); err != nil {
				return fmt.Errorf("set %q: %w", key, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Remove(keys ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete %q: %w", key, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
