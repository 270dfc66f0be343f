// Package jsonfile stores the state document as a single JSON file readable
// only by its owner. Every save keeps the previous version in a ".backup"
// sibling and replaces the file atomically.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/smbzfs/pkg/store/state"
)

const (
	fileMode     = 0600
	backupSuffix = ".backup"
)

// Config is decoded from the state.json configuration section.
type Config struct {
	// Path of the state file.
	Path string `mapstructure:"path" validate:"required"`
}

// Store is a state.Backend persisting to a JSON file.
type Store struct {
	path string
}

// New creates a JSON file backend. The file is not touched until the first
// Save.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("jsonfile: path is required")
	}
	return &Store{path: cfg.Path}, nil
}

func (s *Store) Location() string { return s.path }

func (s *Store) BackupPath() string { return s.path + backupSuffix }

func (s *Store) Load(ctx context.Context) (*state.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return state.NewDocument(), nil
	}
	if err != nil {
		return nil, &state.StorageError{Op: "read", Path: s.path, Err: err}
	}

	doc := state.NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, &state.StorageError{Op: "parse", Path: s.path, Err: err}
	}
	return doc, nil
}

func (s *Store) Save(ctx context.Context, doc *state.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &state.StorageError{Op: "encode", Path: s.path, Err: err}
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &state.StorageError{Op: "write", Path: s.path, Err: err}
	}

	if err := s.backup(); err != nil {
		return &state.StorageError{Op: "backup", Path: s.BackupPath(), Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return &state.StorageError{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeAndSync(tmp, raw); err != nil {
		return &state.StorageError{Op: "write", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &state.StorageError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// backup copies the current file to the backup path.
func (s *Store) backup() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(s.BackupPath(), raw, fileMode)
}

func writeAndSync(f *os.File, raw []byte) error {
	if err := f.Chmod(fileMode); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return f.Close()
}

// Destroy removes the state file. The backup is left in place.
func (s *Store) Destroy(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &state.StorageError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}

func (s *Store) Close() error { return nil }

var _ state.Backend = (*Store)(nil)
