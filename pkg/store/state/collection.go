package state

import (
	"context"
	"sort"
)

// Collection is a typed view of one entity map (users, groups or shares).
// Values are copied in and out; mutate through Set.
type Collection[T any] struct {
	store *Store
	items func(*Document) map[string]T
	clone func(T) T
}

// Get returns the named item.
func (c *Collection[T]) Get(name string) (T, bool) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	v, ok := c.items(c.store.doc)[name]
	if !ok {
		var zero T
		return zero, false
	}
	return c.clone(v), true
}

// Has reports whether the named item exists.
func (c *Collection[T]) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Set inserts or replaces an item and persists.
func (c *Collection[T]) Set(ctx context.Context, name string, v T) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.items(c.store.doc)[name] = c.clone(v)
	return c.store.persist(ctx)
}

// Delete removes an item and persists. Unknown names are a no-op.
func (c *Collection[T]) Delete(ctx context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	items := c.items(c.store.doc)
	if _, ok := items[name]; !ok {
		return nil
	}
	delete(items, name)
	return c.store.persist(ctx)
}

// List returns a copy of every item.
func (c *Collection[T]) List() map[string]T {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	items := c.items(c.store.doc)
	out := make(map[string]T, len(items))
	for k, v := range items {
		out[k] = c.clone(v)
	}
	return out
}

// Names returns the item keys in sorted order.
func (c *Collection[T]) Names() []string {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	items := c.items(c.store.doc)
	names := make([]string, 0, len(items))
	for k := range items {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
