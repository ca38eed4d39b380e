package kvstore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/luxfi/assist/pkg/logger"
)

var ErrNotFound = errors.New("kvstore: key not found")

// KVStore is the persistence used by the application stores.
type KVStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Keys(prefix string) ([]string, error)
	Delete(key string) error
	Close() error
}

// Config holds configuration for opening a Store.
type Config struct {
	// Name identifies the device in backup file names.
	Name string
	Path string

	// InMemory keeps everything in RAM; Path and BackupDir are ignored.
	InMemory bool

	// Passphrase enables encryption at rest and protects backups.
	Passphrase string

	BackupDir string
	// BackupWorkFactor is the scrypt log2 work factor for backups; 0 keeps
	// the age default.
	BackupWorkFactor int
}

// Store is a KVStore backed by BadgerDB.
type Store struct {
	DB   *badger.DB
	Exec *Backup
}

// New opens the database described by config.
func New(config Config) (*Store, error) {
	opts := badger.DefaultOptions(config.Path).WithLogger(nil)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if config.Passphrase != "" {
		key := sha256.Sum256([]byte(config.Passphrase))
		opts = opts.WithEncryptionKey(key[:]).WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	logger.Info("Opened badger store", "path", config.Path, "in_memory", config.InMemory, "encrypted", config.Passphrase != "")

	s := &Store{DB: db}
	if !config.InMemory && config.Passphrase != "" {
		exec, err := NewBackup(config.Name, db, config.Passphrase, config.BackupDir, config.BackupWorkFactor)
		if err != nil {
			db.Close() //nolint:errcheck
			return nil, err
		}
		s.Exec = exec
	}
	return s, nil
}

// Put stores a key-value pair.
func (s *Store) Put(key string, value []byte) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns ErrNotFound for missing keys.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

// Keys lists keys with prefix in sorted order.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().KeyCopy(nil))
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	return keys, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *Store) Backup() error {
	if s.Exec == nil {
		return errors.New("backup executor is not initialized")
	}
	return s.Exec.Execute()
}

func (s *Store) Close() error {
	return s.DB.Close()
}
