package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerConfig configures the persistent lock backend.
type BadgerConfig struct {
	// DBPath is the directory where BadgerDB stores its files.
	// Locks held there survive a server restart.
	DBPath string `mapstructure:"db_path"`

	// InMemory keeps the database in memory (DBPath is ignored).
	InMemory bool `mapstructure:"in_memory"`
}

// BadgerBackend stores locks in BadgerDB under the "lock:" key prefix.
type BadgerBackend struct {
	db *badger.DB
}

func NewBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	if cfg.DBPath == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger lock store: db_path is required")
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	return &BadgerBackend{db: db}, nil
}

func lockKey(name string) []byte {
	return []byte("lock:" + name)
}

func (b *BadgerBackend) TryAcquire(_ context.Context, name, token string) (string, bool, error) {
	var held string
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(name))
		if err == nil {
			return item.Value(func(val []byte) error {
				held = string(val)
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(lockKey(name), []byte(token))
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction touched the key first.
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if held != "" {
		return held, false, nil
	}
	return token, true, nil
}

func (b *BadgerBackend) Peek(_ context.Context, name string) (string, error) {
	var held string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			held = string(val)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("peek lock %s: %w", name, err)
	}
	return held, nil
}

func (b *BadgerBackend) Remove(_ context.Context, name, token string) (bool, error) {
	removed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		held, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if token != "" && string(held) != token {
			return nil
		}
		removed = true
		return txn.Delete(lockKey(name))
	})
	if err != nil {
		return false, fmt.Errorf("remove lock %s: %w", name, err)
	}
	return removed, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
