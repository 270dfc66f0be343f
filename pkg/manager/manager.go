// Package manager keeps ZFS datasets, host accounts, the Samba
// configuration and the state document in agreement.
//
// Every mutating operation takes the state lock, reloads the document,
// validates its input before touching anything, and then applies its
// changes. Creation and modification run inside a transaction: each side
// effect registers an undo step, and a failure replays the undo steps in
// reverse order and restores the state snapshot taken when the
// transaction began before the original error is returned.
package manager

import (
	"context"
	"os"
	"time"

	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/metrics"
	"github.com/marmos91/smbzfs/pkg/smbconf"
	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/zfs"
)

// ZFS is the dataset adapter (implemented by *zfs.Client).
type ZFS interface {
	ListPools(ctx context.Context) ([]string, error)
	PoolExists(ctx context.Context, pool string) (bool, error)
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	CreateDataset(ctx context.Context, dataset string) error
	DestroyDataset(ctx context.Context, dataset string) error
	GetMountpoint(ctx context.Context, dataset string) (string, error)
	GetQuota(ctx context.Context, dataset string) (zfs.Quota, error)
	SetQuota(ctx context.Context, dataset string, q zfs.Quota) error
	RenameDataset(ctx context.Context, oldName, newName string) error
	MoveDataset(ctx context.Context, dataset, pool string) (string, error)
}

// System is the host adapter (implemented by *system.Client).
type System interface {
	IsPackageInstalled(ctx context.Context, pkg string) (bool, error)
	UserExists(ctx context.Context, name string) (bool, error)
	GroupExists(ctx context.Context, name string) (bool, error)
	AddSystemUser(ctx context.Context, name, homeDir, shell string) error
	DeleteSystemUser(ctx context.Context, name string) error
	AddSystemGroup(ctx context.Context, name string) error
	DeleteSystemGroup(ctx context.Context, name string) error
	AddUserToGroup(ctx context.Context, user, group string) error
	RemoveUserFromGroup(ctx context.Context, user, group string) error
	SetSystemPassword(ctx context.Context, user, password string) error
	AddSambaUser(ctx context.Context, user, password string) error
	DeleteSambaUser(ctx context.Context, user string) error
	SambaUserExists(ctx context.Context, user string) (bool, error)
	SetSambaPassword(ctx context.Context, user, password string) error
	TestSambaConfig(ctx context.Context) error
	ReloadSamba(ctx context.Context) error
	RestartServices(ctx context.Context) error
	EnableServices(ctx context.Context) error
	StopServices(ctx context.Context) error
	DisableServices(ctx context.Context) error
	Chown(ctx context.Context, path, owner, group string) error
	Chmod(path string, mode os.FileMode) error
}

// Renderer owns smb.conf and the Avahi service file (implemented by
// *smbconf.Renderer).
type Renderer interface {
	RenderGlobalConfig(g smbconf.Global, shares []smbconf.Share) error
	RenderAvahiConfig(g smbconf.Global) error
	InsertShare(s smbconf.Share) error
	RemoveShare(name string) error
	Remove() error
}

// DefaultRequiredPackages must be installed before setup.
var DefaultRequiredPackages = []string{"zfsutils-linux", "samba", "avahi-daemon"}

// Options carries the optional collaborators of a Manager.
type Options struct {
	// RequiredPackages defaults to DefaultRequiredPackages.
	RequiredPackages []string

	// Locker guards every mutating call. Defaults to no locking.
	Locker state.Locker

	// Metrics defaults to a no-op implementation.
	Metrics metrics.ManagerMetrics

	// Clock stamps created records. Defaults to time.Now.
	Clock func() time.Time
}

// Manager is the reconciliation engine.
type Manager struct {
	zfs      ZFS
	sys      System
	conf     Renderer
	store    *state.Store
	locker   state.Locker
	metrics  metrics.ManagerMetrics
	now      func() time.Time
	packages []string
}

// New wires a Manager. The store must already be open.
func New(store *state.Store, z ZFS, sys System, conf Renderer, opts Options) *Manager {
	m := &Manager{
		zfs:      z,
		sys:      sys,
		conf:     conf,
		store:    store,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		packages: opts.RequiredPackages,
	}
	if m.locker == nil {
		m.locker = state.NopLocker{}
	}
	if m.metrics == nil {
		m.metrics = metrics.NewManagerMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.packages == nil {
		m.packages = DefaultRequiredPackages
	}
	return m
}

// Store exposes the state store (read access for callers).
func (m *Manager) Store() *state.Store {
	return m.store
}

// mutate runs fn under the state lock on a freshly loaded document.
func (m *Manager) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordOperation(op, time.Since(start), err)
		if err != nil {
			logger.Debug("manager: %s failed after %s: %v", op, time.Since(start), err)
		}
	}()

	unlock, err := m.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			logger.Warn("manager: releasing state lock: %v", uerr)
		}
	}()

	if err := m.store.Reload(ctx); err != nil {
		return err
	}
	logger.Debug("manager: %s started", op)
	return fn(ctx)
}

// observe runs a read-only operation on a freshly loaded document,
// without the lock.
func (m *Manager) observe(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(op, time.Since(start), err) }()
	if err := m.store.Reload(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *Manager) requireInitialized() error {
	if !m.store.IsInitialized() {
		return NotInitializedError{}
	}
	return nil
}

func (m *Manager) timestamp() state.Timestamp {
	return state.Timestamp{Time: m.now().UTC()}
}

// userKnown reports whether name is managed or exists on the host.
func (m *Manager) userKnown(ctx context.Context, name string) (bool, error) {
	if m.store.Users().Has(name) {
		return true, nil
	}
	return m.sys.UserExists(ctx, name)
}

// groupKnown reports whether name is managed or exists on the host.
func (m *Manager) groupKnown(ctx context.Context, name string) (bool, error) {
	if m.store.Groups().Has(name) {
		return true, nil
	}
	return m.sys.GroupExists(ctx, name)
}

func (m *Manager) requireUser(ctx context.Context, name string) error {
	ok, err := m.userKnown(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &ItemNotFoundError{Type: "user", Name: name}
	}
	return nil
}

func (m *Manager) requireGroup(ctx context.Context, name string) error {
	ok, err := m.groupKnown(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &ItemNotFoundError{Type: "group", Name: name}
	}
	return nil
}

// checkValidUsers resolves every token of a valid_users value: "@name" and
// "+name" are groups, anything else a user.
func (m *Manager) checkValidUsers(ctx context.Context, value string) error {
	for _, token := range validUsersTokens(value) {
		switch {
		case len(token) > 1 && (token[0] == '@' || token[0] == '+'):
			if err := m.requireGroup(ctx, token[1:]); err != nil {
				return err
			}
		default:
			if err := m.requireUser(ctx, token); err != nil {
				return err
			}
		}
	}
	return nil
}

// global builds the renderer view of the global configuration.
func (m *Manager) global(ctx context.Context, cfg state.GlobalConfig) (smbconf.Global, error) {
	homes, err := m.zfs.GetMountpoint(ctx, cfg.HomesDataset())
	if err != nil {
		return smbconf.Global{}, err
	}
	return smbconf.Global{
		ServerName:     cfg.ServerName,
		Workgroup:      cfg.Workgroup,
		MacOSOptimized: cfg.MacOSOptimized,
		HomesPath:      homes,
	}, nil
}

// stanza converts a share record into its smb.conf form.
func stanza(name string, s state.Share) smbconf.Share {
	return smbconf.Share{
		Name:        name,
		Path:        s.Dataset.MountPoint,
		Comment:     s.SMBConfig.Comment,
		Browseable:  s.SMBConfig.Browseable,
		ReadOnly:    s.SMBConfig.ReadOnly,
		ValidUsers:  s.SMBConfig.ValidUsers,
		ForceUser:   s.System.Owner,
		ForceGroup:  s.System.Group,
		Permissions: s.System.Permissions,
	}
}

// allStanzas renders every stored share, sorted by name.
func (m *Manager) allStanzas() []smbconf.Share {
	shares := m.store.Shares()
	names := shares.Names()
	out := make([]smbconf.Share, 0, len(names))
	for _, name := range names {
		s, _ := shares.Get(name)
		out = append(out, stanza(name, s))
	}
	return out
}

// applyConfig validates the rendered configuration and reloads Samba.
func (m *Manager) applyConfig(ctx context.Context) error {
	if err := m.sys.TestSambaConfig(ctx); err != nil {
		return err
	}
	return m.sys.ReloadSamba(ctx)
}
