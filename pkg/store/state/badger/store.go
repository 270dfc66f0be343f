// Package badger stores the state document in an embedded BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/smbzfs/pkg/store/state"
)

// Config is decoded from the state.badger configuration section.
type Config struct {
	// DBPath is the directory holding the database files.
	DBPath string `mapstructure:"db_path"`

	// InMemory keeps everything in RAM (tests only).
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 16).
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 8).
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`
}

// Store is a state.Backend backed by BadgerDB.
type Store struct {
	db   *badger.DB
	path string
}

// New opens (or creates) the database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" && !cfg.InMemory {
		return nil, errors.New("badger: db_path is required")
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// The state is a few kilobytes: small caches, no compression.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 16
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 8
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &state.StorageError{Op: "open", Path: cfg.DBPath, Err: err}
	}
	return &Store{db: db, path: cfg.DBPath}, nil
}

func (s *Store) Location() string {
	if s.path == "" {
		return "badger:memory"
	}
	return s.path
}

func (s *Store) Load(ctx context.Context) (*state.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := state.NewDocument()

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyGlobal))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc.GlobalConfig)
			}); err != nil {
				return fmt.Errorf("global config: %w", err)
			}
		}

		if err := scan(txn, prefixUser, func(name string, val []byte) error {
			var u state.User
			if err := json.Unmarshal(val, &u); err != nil {
				return err
			}
			doc.Users[name] = u
			return nil
		}); err != nil {
			return err
		}
		if err := scan(txn, prefixGroup, func(name string, val []byte) error {
			var g state.Group
			if err := json.Unmarshal(val, &g); err != nil {
				return err
			}
			doc.Groups[name] = g
			return nil
		}); err != nil {
			return err
		}
		return scan(txn, prefixShare, func(name string, val []byte) error {
			var sh state.Share
			if err := json.Unmarshal(val, &sh); err != nil {
				return err
			}
			doc.Shares[name] = sh
			return nil
		})
	})
	if err != nil {
		return nil, &state.StorageError{Op: "read", Path: s.Location(), Err: err}
	}

	// Run the same normalization a JSON load gets.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &state.StorageError{Op: "read", Path: s.Location(), Err: err}
	}
	normalized := state.NewDocument()
	if err := json.Unmarshal(raw, normalized); err != nil {
		return nil, &state.StorageError{Op: "parse", Path: s.Location(), Err: err}
	}
	return normalized, nil
}

func scan(txn *badger.Txn, prefix string, fn func(name string, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		name := strings.TrimPrefix(string(item.Key()), prefix)
		if err := item.Value(func(val []byte) error {
			return fn(name, val)
		}); err != nil {
			return fmt.Errorf("%s%s: %w", prefix, name, err)
		}
	}
	return nil
}

func (s *Store) Save(ctx context.Context, doc *state.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefixes(txn); err != nil {
			return err
		}

		raw, err := json.Marshal(doc.GlobalConfig)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(keyGlobal), raw); err != nil {
			return err
		}
		for name, u := range doc.Users {
			if err := setJSON(txn, userKey(name), u); err != nil {
				return err
			}
		}
		for name, g := range doc.Groups {
			if err := setJSON(txn, groupKey(name), g); err != nil {
				return err
			}
		}
		for name, sh := range doc.Shares {
			if err := setJSON(txn, shareKey(name), sh); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &state.StorageError{Op: "write", Path: s.Location(), Err: err}
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func deletePrefixes(txn *badger.Txn) error {
	var keys [][]byte
	for _, prefix := range allPrefixes {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Destroy(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return &state.StorageError{Op: "remove", Path: s.Location(), Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ state.Backend = (*Store)(nil)
