package manager

import (
	"context"
	"fmt"
	"slices"

	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/store/state"
)

// Listing is a category of the state merged with live ZFS data. Warnings
// describe records that disagree with the host; the records themselves
// are never rewritten by a listing.
type Listing[T any] struct {
	Items    map[string]T `json:"items"`
	Warnings []string     `json:"warnings,omitempty"`
}

// PoolListing shows the managed pools next to every pool on the host.
type PoolListing struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary"`
	Available []string `json:"available"`
}

// StateView is the whole document with live quotas applied.
type StateView struct {
	State    *state.Document `json:"state"`
	Warnings []string        `json:"warnings,omitempty"`
}

// liveDataset replaces the recorded quota with the one ZFS reports. A
// missing dataset or a quota mismatch yields a warning.
func (m *Manager) liveDataset(ctx context.Context, kind, name string, ds *state.DatasetInfo) (string, error) {
	exists, err := m.zfs.DatasetExists(ctx, ds.Name)
	if err != nil {
		return "", err
	}
	if !exists {
		w := fmt.Sprintf("%s '%s': dataset %s does not exist", kind, name, ds.Name)
		logger.Warn("manager: %s", w)
		return w, nil
	}
	live, err := m.zfs.GetQuota(ctx, ds.Name)
	if err != nil {
		return "", err
	}
	if live.Equal(ds.Quota) {
		return "", nil
	}
	w := fmt.Sprintf("%s '%s': quota of %s is %s on disk but %s in the state", kind, name, ds.Name, live, ds.Quota)
	logger.Warn("manager: %s", w)
	ds.Quota = live
	return w, nil
}

func (m *Manager) liveUsers(ctx context.Context, users map[string]state.User) ([]string, error) {
	var warnings []string
	for _, name := range sortedKeys(users) {
		u := users[name]
		if u.Dataset == nil {
			continue
		}
		w, err := m.liveDataset(ctx, "user", name, u.Dataset)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	return warnings, nil
}

func (m *Manager) liveShares(ctx context.Context, shares map[string]state.Share) ([]string, error) {
	var warnings []string
	for _, name := range sortedKeys(shares) {
		s := shares[name]
		w, err := m.liveDataset(ctx, "share", name, &s.Dataset)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}
		shares[name] = s
	}
	return warnings, nil
}

func (m *Manager) ListUsers(ctx context.Context) (*Listing[state.User], error) {
	var out *Listing[state.User]
	err := m.observe(ctx, "list_users", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		users := m.store.Users().List()
		warnings, err := m.liveUsers(ctx, users)
		if err != nil {
			return err
		}
		out = &Listing[state.User]{Items: users, Warnings: warnings}
		return nil
	})
	return out, err
}

func (m *Manager) ListGroups(ctx context.Context) (*Listing[state.Group], error) {
	var out *Listing[state.Group]
	err := m.observe(ctx, "list_groups", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		out = &Listing[state.Group]{Items: m.store.Groups().List()}
		return nil
	})
	return out, err
}

func (m *Manager) ListShares(ctx context.Context) (*Listing[state.Share], error) {
	var out *Listing[state.Share]
	err := m.observe(ctx, "list_shares", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		shares := m.store.Shares().List()
		warnings, err := m.liveShares(ctx, shares)
		if err != nil {
			return err
		}
		out = &Listing[state.Share]{Items: shares, Warnings: warnings}
		return nil
	})
	return out, err
}

// ListPools reports the managed pools and every pool the host knows.
func (m *Manager) ListPools(ctx context.Context) (*PoolListing, error) {
	var out *PoolListing
	err := m.observe(ctx, "list_pools", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		pools, err := m.zfs.ListPools(ctx)
		if err != nil {
			return err
		}
		cfg := m.store.Config()
		slices.Sort(pools)
		out = &PoolListing{
			Primary:   cfg.PrimaryPool,
			Secondary: cfg.SecondaryPools,
			Available: pools,
		}
		if out.Secondary == nil {
			out.Secondary = []string{}
		}
		return nil
	})
	return out, err
}

// State returns a copy of the full document with live quotas.
func (m *Manager) State(ctx context.Context) (*StateView, error) {
	var out *StateView
	err := m.observe(ctx, "get_state", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		doc := m.store.Snapshot()
		userWarnings, err := m.liveUsers(ctx, doc.Users)
		if err != nil {
			return err
		}
		shareWarnings, err := m.liveShares(ctx, doc.Shares)
		if err != nil {
			return err
		}
		out = &StateView{State: doc, Warnings: slices.Concat(userWarnings, shareWarnings)}
		return nil
	})
	return out, err
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
