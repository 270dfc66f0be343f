// Package state persists the bookkeeping of managed users, groups, shares
// and the global configuration.
//
// A Store keeps the whole Document in memory and writes it through a
// Backend after every mutation. Backends (JSON file, BadgerDB, memory) only
// load and save complete documents; the Store adds typed collections,
// snapshots for transactional rollback, and metrics.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/smbzfs/pkg/metrics"
)

// Backend loads and saves complete documents.
type Backend interface {
	// Load returns the persisted document, or an empty uninitialized one
	// when nothing has been saved yet.
	Load(ctx context.Context) (*Document, error)

	// Save replaces the persisted document.
	Save(ctx context.Context, doc *Document) error

	// Destroy deletes the persisted document.
	Destroy(ctx context.Context) error

	// Location describes where the state lives (path, directory).
	Location() string

	Close() error
}

// Store is the in-memory view of the state, persisted on every change.
type Store struct {
	backend Backend
	metrics metrics.StoreMetrics

	mu  sync.RWMutex
	doc *Document
}

// Open loads the document from backend. m may be nil.
func Open(ctx context.Context, backend Backend, m metrics.StoreMetrics) (*Store, error) {
	if m == nil {
		m = metrics.NewStoreMetrics("unknown")
	}
	s := &Store{backend: backend, metrics: m}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the document from the backend, discarding in-memory
// state. Called after acquiring the state lock.
func (s *Store) Reload(ctx context.Context) error {
	start := time.Now()
	doc, err := s.backend.Load(ctx)
	s.metrics.RecordStorageOperation("load", time.Since(start), err)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// persist writes the current document. Caller holds s.mu.
func (s *Store) persist(ctx context.Context) error {
	start := time.Now()
	err := s.backend.Save(ctx, s.doc)
	s.metrics.RecordStorageOperation("save", time.Since(start), err)
	return err
}

func (s *Store) Location() string {
	return s.backend.Location()
}

func (s *Store) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Initialized
}

// Config returns a copy of the global configuration.
func (s *Store) Config() GlobalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.GlobalConfig.clone()
}

// SetConfig replaces the global configuration and persists.
func (s *Store) SetConfig(ctx context.Context, cfg GlobalConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cfg.clone()
	if cfg.SecondaryPools == nil {
		cfg.SecondaryPools = []string{}
	}
	s.doc.GlobalConfig = cfg
	return s.persist(ctx)
}

// UpdateConfig applies fn to a copy of the configuration and persists it.
func (s *Store) UpdateConfig(ctx context.Context, fn func(*GlobalConfig)) error {
	cfg := s.Config()
	fn(&cfg)
	return s.SetConfig(ctx, cfg)
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Restore overwrites the state with snap and persists it.
func (s *Store) Restore(ctx context.Context, snap *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = snap.Clone()
	return s.persist(ctx)
}

// Destroy deletes the persisted state and resets the in-memory document.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	err := s.backend.Destroy(ctx)
	s.metrics.RecordStorageOperation("destroy", time.Since(start), err)
	if err != nil {
		return err
	}
	s.doc = NewDocument()
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) Users() *Collection[User] {
	return &Collection[User]{
		store: s,
		items: func(d *Document) map[string]User { return d.Users },
		clone: User.clone,
	}
}

func (s *Store) Groups() *Collection[Group] {
	return &Collection[Group]{
		store: s,
		items: func(d *Document) map[string]Group { return d.Groups },
		clone: func(g Group) Group {
			g = g.clone()
			g.Members = sortedSet(g.Members)
			return g
		},
	}
}

func (s *Store) Shares() *Collection[Share] {
	return &Collection[Share]{
		store: s,
		items: func(d *Document) map[string]Share { return d.Shares },
		clone: Share.clone,
	}
}
