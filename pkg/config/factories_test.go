package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/smbzfs/internal/command/commandtest"
	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/store/state/badger"
	"github.com/marmos91/smbzfs/pkg/store/state/jsonfile"
	"github.com/marmos91/smbzfs/pkg/store/state/memory"
	"github.com/marmos91/smbzfs/pkg/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStateBackend_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smbzfs.state")
	backend, err := CreateStateBackend(context.Background(), &StateConfig{
		Type: "json",
		JSON: map[string]any{"path": path},
	})
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	assert.IsType(t, &jsonfile.Store{}, backend)
	assert.Equal(t, path, backend.Location())
}

func TestCreateStateBackend_JSONWithoutPath(t *testing.T) {
	_, err := CreateStateBackend(context.Background(), &StateConfig{Type: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestCreateStateBackend_Badger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state.db")
	backend, err := CreateStateBackend(context.Background(), &StateConfig{
		Type: "badger",
		Badger: map[string]any{
			"db_path":             dir,
			"block_cache_size_mb": "4",
		},
	})
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	assert.IsType(t, &badger.Store{}, backend)
}

func TestCreateStateBackend_Memory(t *testing.T) {
	backend, err := CreateStateBackend(context.Background(), &StateConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, backend)
}

func TestCreateStateBackend_Unknown(t *testing.T) {
	_, err := CreateStateBackend(context.Background(), &StateConfig{Type: "etcd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state store type")
}

func TestOpenStateStore(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.State.JSON["path"] = filepath.Join(t.TempDir(), "smbzfs.state")

	store, err := OpenStateStore(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.False(t, store.IsInitialized())
	assert.Equal(t, cfg.State.JSON["path"], store.Location())
}

func TestCreateLocker(t *testing.T) {
	assert.IsType(t, state.NopLocker{}, CreateLocker(&StateConfig{}))

	path := filepath.Join(t.TempDir(), "smbzfs.lock")
	locker := CreateLocker(&StateConfig{LockPath: path})
	require.IsType(t, &state.FileLock{}, locker)
	assert.Equal(t, path, locker.(*state.FileLock).Path())
}

func TestCreateServiceController(t *testing.T) {
	runner := commandtest.NewFakeRunner()

	ctl, err := CreateServiceController(&ServicesConfig{Backend: "systemctl"}, runner)
	require.NoError(t, err)
	assert.IsType(t, &system.SystemctlController{}, ctl)

	ctl, err = CreateServiceController(&ServicesConfig{Backend: "dbus"}, runner)
	require.NoError(t, err)
	assert.IsType(t, &system.DBusController{}, ctl)

	_, err = CreateServiceController(&ServicesConfig{Backend: "runit"}, runner)
	assert.Error(t, err)
}

func TestCreateSystemClient_UsesConfiguredUnits(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Services.SambaUnits = []string{"smb"}
	cfg.Services.DiscoveryUnits = []string{}
	runner := commandtest.NewFakeRunner()

	client, err := CreateSystemClient(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, client.RestartServices(context.Background()))

	assert.True(t, runner.Called("systemctl", "restart", "smb"))
}

func TestCreateRenderer(t *testing.T) {
	cfg := GetDefaultConfig()
	r := CreateRenderer(&cfg.Samba)
	assert.Equal(t, DefaultSambaConf, r.ConfigPath())
	assert.Equal(t, DefaultAvahiFile, r.AvahiPath())
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	res := InitializeMetrics(GetDefaultConfig())
	require.NotNil(t, res.Command)
	require.NotNil(t, res.Manager)
	assert.Empty(t, res.TextfilePath)
	assert.NoError(t, res.Flush())
}
