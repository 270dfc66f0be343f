package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbzfs/pkg/metrics"
	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/store/state/memory"
	"github.com/marmos91/smbzfs/pkg/zfs"
)

func ptr[T any](v T) *T { return &v }

var testClock = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

type harness struct {
	m       *Manager
	zfs     *fakeZFS
	sys     *fakeSystem
	conf    *fakeRenderer
	backend *memory.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		zfs:     newFakeZFS("tank", "backup", "fast"),
		sys:     newFakeSystem(),
		conf:    newFakeRenderer(),
		backend: memory.New(),
	}
	store, err := state.Open(context.Background(), h.backend, nil)
	require.NoError(t, err)
	if opts.Clock == nil {
		opts.Clock = testClock
	}
	h.m = New(store, h.zfs, h.sys, h.conf, opts)
	return h
}

// newInitialized returns a harness after a successful setup on tank with
// backup as secondary pool and a 10G default home quota.
func newInitialized(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, Options{})
	_, err := h.m.Setup(context.Background(), SetupOptions{
		PrimaryPool:      "tank",
		SecondaryPools:   []string{"backup"},
		ServerName:       "nas",
		Workgroup:        "WORKGROUP",
		MacOSOptimized:   true,
		DefaultHomeQuota: "10G",
	})
	require.NoError(t, err)
	return h
}

func (h *harness) createUser(t *testing.T, name string, home bool, groups ...string) {
	t.Helper()
	_, err := h.m.CreateUser(context.Background(), CreateUserOptions{
		Name:       name,
		Password:   "secret",
		CreateHome: home,
		Groups:     groups,
	})
	require.NoError(t, err)
}

func (h *harness) createShare(t *testing.T, name, path, pool string) {
	t.Helper()
	_, err := h.m.CreateShare(context.Background(), CreateShareOptions{
		Name:        name,
		DatasetPath: path,
		Pool:        pool,
	})
	require.NoError(t, err)
}

func TestSetup(t *testing.T) {
	h := newInitialized(t)
	store := h.m.Store()

	require.True(t, store.IsInitialized())
	cfg := store.Config()
	assert.Equal(t, "tank", cfg.PrimaryPool)
	assert.Equal(t, []string{"backup"}, cfg.SecondaryPools)
	assert.True(t, cfg.DefaultHomeQuota.Equal(zfs.MustParseQuota("10G")))

	assert.True(t, h.zfs.has("tank/homes"))
	assert.True(t, h.sys.hasGroup(state.SambaUsersGroup))
	assert.True(t, h.sys.enabled)
	assert.True(t, h.sys.running)

	group, ok := store.Groups().Get(state.SambaUsersGroup)
	require.True(t, ok)
	assert.Equal(t, "Samba Users Group", group.Description)
	assert.Empty(t, group.Members)

	require.NotNil(t, h.conf.global)
	assert.Equal(t, "/tank/homes", h.conf.global.HomesPath)
	assert.Equal(t, "nas", h.conf.global.ServerName)
	assert.True(t, h.conf.global.MacOSOptimized)
	require.NotNil(t, h.conf.avahi)
}

func TestSetupTwice(t *testing.T) {
	h := newInitialized(t)

	_, err := h.m.Setup(context.Background(), SetupOptions{
		PrimaryPool: "tank",
		ServerName:  "nas",
		Workgroup:   "WORKGROUP",
	})
	var already AlreadyInitializedError
	assert.ErrorAs(t, err, &already)
}

func TestSetupPrerequisites(t *testing.T) {
	base := SetupOptions{PrimaryPool: "tank", ServerName: "nas", Workgroup: "WG"}

	t.Run("MissingPackage", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.sys.packages["samba"] = false

		_, err := h.m.Setup(context.Background(), base)
		var prereq *PrerequisiteError
		require.ErrorAs(t, err, &prereq)
		assert.Contains(t, err.Error(), "'samba'")
		assert.False(t, h.zfs.has("tank/homes"))
		assert.False(t, h.m.Store().IsInitialized())
	})

	t.Run("UnknownPool", func(t *testing.T) {
		h := newHarness(t, Options{})
		opts := base
		opts.SecondaryPools = []string{"missing"}

		_, err := h.m.Setup(context.Background(), opts)
		var prereq *PrerequisiteError
		require.ErrorAs(t, err, &prereq)
		assert.False(t, h.zfs.has("tank/homes"))
	})

	t.Run("PrimaryAsSecondary", func(t *testing.T) {
		h := newHarness(t, Options{})
		opts := base
		opts.SecondaryPools = []string{"backup", "tank"}

		_, err := h.m.Setup(context.Background(), opts)
		var conflict *PoolConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "tank", conflict.Pool)
	})

	t.Run("MissingServerName", func(t *testing.T) {
		h := newHarness(t, Options{})
		opts := base
		opts.ServerName = ""

		_, err := h.m.Setup(context.Background(), opts)
		var missing *MissingInputError
		require.ErrorAs(t, err, &missing)
	})
}

func TestNotInitialized(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.m.CreateUser(ctx, CreateUserOptions{Name: "alice", Password: "x"})
	assert.True(t, IsNotInitialized(err))

	_, err = h.m.CreateShare(ctx, CreateShareOptions{Name: "docs", DatasetPath: "docs"})
	assert.True(t, IsNotInitialized(err))

	_, err = h.m.ListUsers(ctx)
	assert.True(t, IsNotInitialized(err))

	_, err = h.m.ModifySetup(ctx, ModifySetupOptions{ServerName: ptr("x")})
	assert.True(t, IsNotInitialized(err))
}

func TestModifySetupScalars(t *testing.T) {
	h := newInitialized(t)
	ctx := context.Background()
	h.createShare(t, "docs", "shares/docs", "")

	doc, err := h.m.ModifySetup(ctx, ModifySetupOptions{
		ServerName:       ptr("files"),
		MacOSOptimized:   ptr(false),
		DefaultHomeQuota: ptr("none"),
	})
	require.NoError(t, err)
	assert.Equal(t, "files", doc.ServerName)
	assert.False(t, doc.MacOSOptimized)
	assert.True(t, doc.DefaultHomeQuota.IsNone())

	// The global section is re-rendered with every share.
	assert.Equal(t, "files", h.conf.global.ServerName)
	assert.Equal(t, []string{"docs"}, h.conf.names())
}

func TestModifySetupControlCharacters(t *testing.T) {
	h := newInitialized(t)
	ctx := context.Background()

	_, err := h.m.ModifySetup(ctx, ModifySetupOptions{Workgroup: ptr("WG\n[global]")})
	var invalid *InvalidNameError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "WORKGROUP", h.m.Store().Config().Workgroup)
}

func TestModifySetupNothingToChange(t *testing.T) {
	h := newInitialized(t)

	_, err := h.m.ModifySetup(context.Background(), ModifySetupOptions{})
	var missing *MissingInputError
	assert.ErrorAs(t, err, &missing)
}

func TestModifySetupSecondaryPools(t *testing.T) {
	ctx := context.Background()

	t.Run("AddAndRemove", func(t *testing.T) {
		h := newInitialized(t)

		doc, err := h.m.ModifySetup(ctx, ModifySetupOptions{
			AddSecondaryPools:    []string{"fast"},
			RemoveSecondaryPools: []string{"backup"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"fast"}, doc.SecondaryPools)
	})

	t.Run("RemoveInUse", func(t *testing.T) {
		h := newInitialized(t)
		h.createShare(t, "archive", "archive", "backup")

		_, err := h.m.ModifySetup(ctx, ModifySetupOptions{RemoveSecondaryPools: []string{"backup"}})
		var conflict *PoolConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, err.Error(), "archive")
		assert.Equal(t, []string{"backup"}, h.m.Store().Config().SecondaryPools)
	})

	t.Run("RemoveUnknown", func(t *testing.T) {
		h := newInitialized(t)

		_, err := h.m.ModifySetup(ctx, ModifySetupOptions{RemoveSecondaryPools: []string{"fast"}})
		var notFound *ItemNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "pool", notFound.Type)
	})

	t.Run("AddPrimary", func(t *testing.T) {
		h := newInitialized(t)

		_, err := h.m.ModifySetup(ctx, ModifySetupOptions{AddSecondaryPools: []string{"tank"}})
		var conflict *PoolConflictError
		assert.ErrorAs(t, err, &conflict)
	})
}

func TestModifySetupPrimaryPool(t *testing.T) {
	ctx := context.Background()

	t.Run("MoveData", func(t *testing.T) {
		h := newInitialized(t)
		h.createUser(t, "alice", true)
		h.createShare(t, "docs", "shares/docs", "")
		h.createShare(t, "archive", "archive", "backup")

		doc, err := h.m.ModifySetup(ctx, ModifySetupOptions{PrimaryPool: ptr("fast"), MoveData: true})
		require.NoError(t, err)

		assert.Equal(t, "fast", doc.PrimaryPool)
		assert.Equal(t, []string{"backup"}, doc.SecondaryPools)
		assert.Equal(t, "fast/homes/alice", doc.Users["alice"].Dataset.Name)
		assert.Equal(t, "fast", doc.Users["alice"].Dataset.Pool)
		assert.Equal(t, "fast/shares/docs", doc.Shares["docs"].Dataset.Name)
		assert.Equal(t, "backup/archive", doc.Shares["archive"].Dataset.Name)

		assert.False(t, h.zfs.has("tank/homes/alice"))
		assert.True(t, h.zfs.has("fast/homes/alice"))
		assert.Equal(t, 2, h.zfs.moves)

		assert.Equal(t, "/fast/homes", h.conf.global.HomesPath)
		docs, ok := h.conf.stanza("docs")
		require.True(t, ok)
		assert.Equal(t, "/fast/shares/docs", docs.Path)
	})

	t.Run("KeepData", func(t *testing.T) {
		h := newInitialized(t)
		h.createShare(t, "docs", "shares/docs", "")

		doc, err := h.m.ModifySetup(ctx, ModifySetupOptions{PrimaryPool: ptr("fast")})
		require.NoError(t, err)
		assert.Equal(t, "fast", doc.PrimaryPool)
		assert.ElementsMatch(t, []string{"backup", "tank"}, doc.SecondaryPools)
		assert.Equal(t, "tank/shares/docs", doc.Shares["docs"].Dataset.Name)
		assert.True(t, h.zfs.has("fast/homes"))
	})

	t.Run("SecondaryPromoted", func(t *testing.T) {
		h := newInitialized(t)

		doc, err := h.m.ModifySetup(ctx, ModifySetupOptions{PrimaryPool: ptr("backup")})
		require.NoError(t, err)
		assert.Equal(t, "backup", doc.PrimaryPool)
		assert.NotContains(t, doc.SecondaryPools, "backup")
	})

	t.Run("MigrationFailureRollsBack", func(t *testing.T) {
		h := newInitialized(t)
		h.createUser(t, "alice", true)
		h.createShare(t, "docs", "shares/docs", "")
		h.zfs.fail["MoveDataset:tank/shares/docs"] = errInjected

		_, err := h.m.ModifySetup(ctx, ModifySetupOptions{PrimaryPool: ptr("fast"), MoveData: true})
		require.Error(t, err)
		var moveErr *zfs.MoveFailedError
		require.ErrorAs(t, err, &moveErr)

		// alice was moved first and must be back on tank
		assert.True(t, h.zfs.has("tank/homes/alice"))
		assert.False(t, h.zfs.has("fast/homes/alice"))
		assert.False(t, h.zfs.has("fast/homes"))

		doc := h.m.Store().Snapshot()
		assert.Equal(t, "tank", doc.PrimaryPool)
		assert.Equal(t, []string{"backup"}, doc.SecondaryPools)
		assert.Equal(t, "tank/homes/alice", doc.Users["alice"].Dataset.Name)
		assert.Equal(t, "tank/shares/docs", doc.Shares["docs"].Dataset.Name)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("Everything", func(t *testing.T) {
		h := newInitialized(t)
		h.createUser(t, "alice", true)
		_, err := h.m.CreateGroup(ctx, CreateGroupOptions{Name: "staff", Members: []string{"alice"}})
		require.NoError(t, err)
		h.createShare(t, "docs", "shares/docs", "")

		err = h.m.Remove(ctx, RemoveOptions{DeleteData: true, DeleteUsersAndGroups: true})
		require.NoError(t, err)

		assert.False(t, h.sys.hasUser("alice"))
		assert.False(t, h.sys.hasGroup("staff"))
		assert.False(t, h.sys.hasGroup(state.SambaUsersGroup))
		assert.False(t, h.zfs.has("tank/homes/alice"))
		assert.False(t, h.zfs.has("tank/shares/docs"))
		assert.False(t, h.zfs.has("tank/homes"))
		assert.False(t, h.sys.running)
		assert.False(t, h.sys.enabled)
		assert.True(t, h.conf.removed)
		assert.False(t, h.m.Store().IsInitialized())
	})

	t.Run("KeepData", func(t *testing.T) {
		h := newInitialized(t)
		h.createUser(t, "alice", true)

		require.NoError(t, h.m.Remove(ctx, RemoveOptions{}))
		assert.True(t, h.sys.hasUser("alice"))
		assert.True(t, h.zfs.has("tank/homes/alice"))
		assert.False(t, h.m.Store().IsInitialized())
	})

	t.Run("Idempotent", func(t *testing.T) {
		h := newInitialized(t)

		require.NoError(t, h.m.Remove(ctx, RemoveOptions{DeleteData: true, DeleteUsersAndGroups: true}))
		require.NoError(t, h.m.Remove(ctx, RemoveOptions{DeleteData: true, DeleteUsersAndGroups: true}))
	})

	t.Run("HardFailureKeepsState", func(t *testing.T) {
		h := newInitialized(t)
		h.createUser(t, "alice", true)
		h.zfs.fail["DestroyDataset:tank/homes/alice"] = errInjected

		err := h.m.Remove(ctx, RemoveOptions{DeleteData: true})
		require.ErrorIs(t, err, errInjected)
		assert.True(t, h.m.Store().IsInitialized())
		assert.True(t, h.sys.running)
	})

	t.Run("ServiceFailuresAreJoined", func(t *testing.T) {
		h := newInitialized(t)
		stopErr := errors.New("smbd did not stop")
		h.sys.fail["StopServices"] = stopErr
		h.sys.fail["DisableServices"] = errInjected

		err := h.m.Remove(ctx, RemoveOptions{})
		require.ErrorIs(t, err, stopErr)
		require.ErrorIs(t, err, errInjected)

		// the remaining teardown steps still ran
		assert.True(t, h.conf.removed)
		assert.False(t, h.m.Store().IsInitialized())
	})
}

func TestRollbackMetricsAndErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, Options{Metrics: metrics.NewManagerMetricsWith(reg)})
	ctx := context.Background()
	_, err := h.m.Setup(ctx, SetupOptions{PrimaryPool: "tank", ServerName: "nas", Workgroup: "WG"})
	require.NoError(t, err)

	h.sys.fail["AddSambaUser:alice"] = errInjected
	h.zfs.fail["DestroyDataset:tank/homes/alice"] = errors.New("dataset is busy")

	_, err = h.m.CreateUser(ctx, CreateUserOptions{Name: "alice", Password: "pw", CreateHome: true})
	require.ErrorIs(t, err, errInjected)

	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "create_user", rbErr.Op)
	require.Len(t, rbErr.Failures, 1)
	assert.Contains(t, rbErr.Failures[0].Error(), "dataset is busy")

	// every other undo step still ran
	assert.False(t, h.sys.hasUser("alice"))
	assert.False(t, h.m.Store().Users().Has("alice"))

	assert.Equal(t, 1.0, counterValue(t, reg, "smbzfs_rollbacks_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "smbzfs_undo_step_failures_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
