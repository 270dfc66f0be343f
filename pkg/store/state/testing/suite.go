// Package testing provides a conformance suite every state.Backend must
// pass.
package testing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/zfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the Backend contract through a state.Store.
type StoreTestSuite struct {
	// NewBackend creates a fresh, empty backend for each test. Calling it
	// twice within one test must NOT be assumed to share data; tests that
	// check persistence reopen a Store over the same backend instead.
	NewBackend func(t *testing.T) state.Backend
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("EmptyBackend", suite.testEmptyBackend)
	t.Run("GlobalConfig", suite.testGlobalConfig)
	t.Run("Collections", suite.testCollections)
	t.Run("Persistence", suite.testPersistence)
	t.Run("SnapshotRestore", suite.testSnapshotRestore)
	t.Run("CopySemantics", suite.testCopySemantics)
	t.Run("Destroy", suite.testDestroy)
}

func (suite *StoreTestSuite) open(t *testing.T, backend state.Backend) *state.Store {
	t.Helper()
	s, err := state.Open(context.Background(), backend, nil)
	require.NoError(t, err)
	return s
}

func (suite *StoreTestSuite) backend(t *testing.T) state.Backend {
	t.Helper()
	b := suite.NewBackend(t)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// SampleDocument returns an initialized document with one entity of each
// kind.
func SampleDocument() *state.Document {
	doc := state.NewDocument()
	doc.GlobalConfig = state.GlobalConfig{
		Initialized:      true,
		PrimaryPool:      "tank",
		SecondaryPools:   []string{"archive"},
		ServerName:       "NAS01",
		Workgroup:        "WORKGROUP",
		DefaultHomeQuota: zfs.MustParseQuota("10G"),
	}
	doc.Users["alice"] = state.User{
		Groups: []string{"smb_users"},
		Dataset: &state.DatasetInfo{
			Name:       "tank/homes/alice",
			MountPoint: "/tank/homes/alice",
			Quota:      zfs.MustParseQuota("10G"),
			Pool:       "tank",
		},
		Created: state.Now(),
	}
	doc.Groups[state.SambaUsersGroup] = state.Group{
		Description: "Samba Users Group",
		Members:     []string{"alice"},
		Created:     state.Now(),
	}
	doc.Shares["docs"] = state.Share{
		Dataset: state.DatasetInfo{
			Name:       "archive/shares/docs",
			MountPoint: "/archive/shares/docs",
			Pool:       "archive",
		},
		SMBConfig: state.SMBConfig{Comment: "Documents", Browseable: true, ValidUsers: "@smb_users"},
		System:    state.SystemConfig{Owner: "root", Group: "smb_users", Permissions: "0775"},
		Created:   state.Now(),
	}
	return doc
}

func assertSameDocument(t *testing.T, want, got *state.Document) {
	t.Helper()
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func (suite *StoreTestSuite) testEmptyBackend(t *testing.T) {
	s := suite.open(t, suite.backend(t))

	assert.False(t, s.IsInitialized())
	assert.Empty(t, s.Users().Names())
	assert.Empty(t, s.Groups().Names())
	assert.Empty(t, s.Shares().Names())
	assert.NotNil(t, s.Config().SecondaryPools)
}

func (suite *StoreTestSuite) testGlobalConfig(t *testing.T) {
	ctx := context.Background()
	s := suite.open(t, suite.backend(t))

	require.NoError(t, s.SetConfig(ctx, SampleDocument().GlobalConfig))
	require.NoError(t, s.UpdateConfig(ctx, func(c *state.GlobalConfig) {
		c.Workgroup = "HOME"
	}))

	cfg := s.Config()
	assert.True(t, s.IsInitialized())
	assert.Equal(t, "tank", cfg.PrimaryPool)
	assert.Equal(t, "HOME", cfg.Workgroup)
	assert.Equal(t, []string{"tank", "archive"}, cfg.ManagedPools())
	assert.True(t, cfg.IsManagedPool("archive"))
	assert.False(t, cfg.IsManagedPool("scratch"))
}

func (suite *StoreTestSuite) testCollections(t *testing.T) {
	ctx := context.Background()
	s := suite.open(t, suite.backend(t))
	sample := SampleDocument()

	require.NoError(t, s.Users().Set(ctx, "alice", sample.Users["alice"]))
	require.NoError(t, s.Users().Set(ctx, "bob", state.User{}))

	got, ok := s.Users().Get("alice")
	require.True(t, ok)
	assert.Equal(t, "tank/homes/alice", got.Dataset.Name)
	assert.Equal(t, []string{"alice", "bob"}, s.Users().Names())
	assert.Len(t, s.Users().List(), 2)

	require.NoError(t, s.Users().Delete(ctx, "bob"))
	assert.False(t, s.Users().Has("bob"))
	require.NoError(t, s.Users().Delete(ctx, "bob"), "deleting an unknown item is a no-op")

	g := state.Group{Description: "Engineering"}
	g.SetMembers([]string{"carol", "alice", "carol"})
	require.NoError(t, s.Groups().Set(ctx, "eng", g))
	eng, _ := s.Groups().Get("eng")
	assert.Equal(t, []string{"alice", "carol"}, eng.Members)

	_, ok = s.Shares().Get("missing")
	assert.False(t, ok)
}

func (suite *StoreTestSuite) testPersistence(t *testing.T) {
	ctx := context.Background()
	backend := suite.backend(t)
	s := suite.open(t, backend)
	sample := SampleDocument()

	require.NoError(t, s.Restore(ctx, sample))

	reopened := suite.open(t, backend)
	assertSameDocument(t, sample, reopened.Snapshot())

	// Reload picks up changes made through another Store.
	require.NoError(t, reopened.Shares().Delete(ctx, "docs"))
	require.NoError(t, s.Reload(ctx))
	assert.False(t, s.Shares().Has("docs"))
}

func (suite *StoreTestSuite) testSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	backend := suite.backend(t)
	s := suite.open(t, backend)
	require.NoError(t, s.Restore(ctx, SampleDocument()))

	snap := s.Snapshot()

	require.NoError(t, s.Users().Delete(ctx, "alice"))
	require.NoError(t, s.Shares().Set(ctx, "media", state.Share{}))
	require.NoError(t, s.UpdateConfig(ctx, func(c *state.GlobalConfig) {
		c.SecondaryPools = append(c.SecondaryPools, "scratch")
	}))

	require.NoError(t, s.Restore(ctx, snap))
	assertSameDocument(t, snap, s.Snapshot())

	// The restored document is what gets persisted.
	assertSameDocument(t, snap, suite.open(t, backend).Snapshot())
}

func (suite *StoreTestSuite) testCopySemantics(t *testing.T) {
	ctx := context.Background()
	s := suite.open(t, suite.backend(t))
	require.NoError(t, s.Restore(ctx, SampleDocument()))

	snap := s.Snapshot()
	snap.Users["alice"].Dataset.Name = "mutated"
	snap.SecondaryPools[0] = "mutated"

	u, _ := s.Users().Get("alice")
	u.Groups[0] = "mutated"

	again, _ := s.Users().Get("alice")
	assert.Equal(t, "tank/homes/alice", again.Dataset.Name)
	assert.Equal(t, "smb_users", again.Groups[0])
	assert.Equal(t, "archive", s.Config().SecondaryPools[0])
}

func (suite *StoreTestSuite) testDestroy(t *testing.T) {
	ctx := context.Background()
	backend := suite.backend(t)
	s := suite.open(t, backend)
	require.NoError(t, s.Restore(ctx, SampleDocument()))

	require.NoError(t, s.Destroy(ctx))
	assert.False(t, s.IsInitialized())
	assert.False(t, suite.open(t, backend).IsInitialized())
}
