// Package memory is an in-memory state.Backend for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/smbzfs/pkg/store/state"
)

// Store keeps a deep copy of the last saved document.
type Store struct {
	mu    sync.Mutex
	doc   *state.Document
	saves int
}

func New() *Store {
	return &Store{}
}

// NewWithDocument starts from doc, as if it had been saved.
func NewWithDocument(doc *state.Document) *Store {
	return &Store{doc: doc.Clone()}
}

func (s *Store) Location() string { return "memory" }

func (s *Store) Load(ctx context.Context) (*state.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return state.NewDocument(), nil
	}
	return s.doc.Clone(), nil
}

func (s *Store) Save(ctx context.Context, doc *state.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc.Clone()
	s.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = nil
	return nil
}

func (s *Store) Close() error { return nil }

var _ state.Backend = (*Store)(nil)
