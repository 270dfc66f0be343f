package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/smbzfs/pkg/store/state"
	statetesting "github.com/marmos91/smbzfs/pkg/store/state/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "lib", "smbzfs.state")})
	require.NoError(t, err)
	return s
}

func TestJSONFileStore(t *testing.T) {
	suite := &statetesting.StoreTestSuite{
		NewBackend: func(t *testing.T) state.Backend {
			return newTestStore(t)
		},
	}
	suite.Run(t)
}

func TestSave_PermissionsAndBackup(t *testing.T) {
	ctx := context.Background()
	backend := newTestStore(t)

	first := statetesting.SampleDocument()
	require.NoError(t, backend.Save(ctx, first))
	info, err := os.Stat(backend.Location())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.NoFileExists(t, backend.BackupPath())

	second := first.Clone()
	second.Workgroup = "HOME"
	require.NoError(t, backend.Save(ctx, second))

	raw, err := os.ReadFile(backend.BackupPath())
	require.NoError(t, err)
	var backup map[string]any
	require.NoError(t, json.Unmarshal(raw, &backup))
	assert.Equal(t, "WORKGROUP", backup["workgroup"], "backup holds the previous version")

	info, err = os.Stat(backend.BackupPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSave_FlattenedLayout(t *testing.T) {
	ctx := context.Background()
	backend := newTestStore(t)
	require.NoError(t, backend.Save(ctx, statetesting.SampleDocument()))

	raw, err := os.ReadFile(backend.Location())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "tank", doc["primary_pool"])
	assert.Equal(t, "10G", doc["default_home_quota"])
	assert.Contains(t, doc, "users")
	assert.Contains(t, doc, "groups")
	assert.Contains(t, doc, "shares")

	share := doc["shares"].(map[string]any)["docs"].(map[string]any)
	assert.Equal(t, "none", share["dataset"].(map[string]any)["quota"])
}

func TestLoad_LegacyDocument(t *testing.T) {
	backend := newTestStore(t)
	legacy := `{
  "initialized": true,
  "zfs_pool": "tank",
  "server_name": "NAS01",
  "workgroup": "WORKGROUP",
  "macos_optimized": false,
  "default_home_quota": null,
  "users": {
    "alice": {
      "shell_access": true,
      "dataset": {"name": "tank/homes/alice", "mount_point": "/tank/homes/alice", "quota": null},
      "groups": ["eng"],
      "created": "2024-05-01T10:11:12.123456"
    }
  },
  "groups": {"eng": {"description": "eng Group", "members": ["bob", "alice", "bob"], "created": "2024-05-01T10:11:12"}},
  "shares": {
    "docs": {
      "dataset": {"name": "tank/shares/docs", "mount_point": "/tank/shares/docs"},
      "smb_config": {"comment": "", "browseable": true, "read_only": false, "valid_users": "@eng"},
      "system": {"owner": "root", "group": "eng", "permissions": "0775"},
      "created": "2024-05-01T10:11:12"
    }
  }
}`
	require.NoError(t, os.MkdirAll(filepath.Dir(backend.Location()), 0700))
	require.NoError(t, os.WriteFile(backend.Location(), []byte(legacy), 0600))

	doc, err := backend.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tank", doc.PrimaryPool)
	assert.Empty(t, doc.SecondaryPools)
	assert.True(t, doc.DefaultHomeQuota.IsNone())
	assert.True(t, doc.Users["alice"].Dataset.Quota.IsNone())
	assert.Equal(t, "tank", doc.Users["alice"].Dataset.Pool)
	assert.Equal(t, 2024, doc.Users["alice"].Created.Year())
	assert.Equal(t, []string{"alice", "bob"}, doc.Groups["eng"].Members)
	assert.Equal(t, "tank", doc.Shares["docs"].Dataset.Pool)
}

func TestLoad_CorruptFile(t *testing.T) {
	backend := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(backend.Location()), 0700))
	require.NoError(t, os.WriteFile(backend.Location(), []byte("{not json"), 0600))

	_, err := backend.Load(context.Background())
	var storageErr *state.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "parse", storageErr.Op)
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
