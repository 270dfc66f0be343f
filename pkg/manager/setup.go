package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/store/state"
)

type SetupOptions struct {
	PrimaryPool    string   `validate:"required" name:"primary pool"`
	SecondaryPools []string `validate:"dive,required" name:"secondary pools"`
	ServerName     string   `validate:"required,singleline" name:"server name"`
	Workgroup      string   `validate:"required,singleline"`
	MacOSOptimized bool
	// DefaultHomeQuota applies to new home datasets; empty means none.
	DefaultHomeQuota string `validate:"omitempty,quota" name:"default home quota"`
}

// ModifySetupOptions is a sparse update of the global configuration.
type ModifySetupOptions struct {
	PrimaryPool *string `validate:"omitnil,min=1" name:"primary pool"`
	// MoveData migrates every dataset on the old primary pool to the new
	// one. Without it the old primary stays managed as a secondary pool
	// while datasets remain on it.
	MoveData bool

	AddSecondaryPools    []string `validate:"dive,required" name:"secondary pools"`
	RemoveSecondaryPools []string `validate:"dive,required" name:"secondary pools"`

	ServerName       *string `validate:"omitnil,min=1,singleline" name:"server name"`
	Workgroup        *string `validate:"omitnil,min=1,singleline"`
	MacOSOptimized   *bool
	DefaultHomeQuota *string `validate:"omitempty,quota" name:"default home quota"`
}

func (o ModifySetupOptions) empty() bool {
	return o.PrimaryPool == nil && len(o.AddSecondaryPools) == 0 && len(o.RemoveSecondaryPools) == 0 &&
		o.ServerName == nil && o.Workgroup == nil && o.MacOSOptimized == nil && o.DefaultHomeQuota == nil
}

// RemoveOptions controls how much Remove tears down.
type RemoveOptions struct {
	// DeleteData destroys every home and share dataset and the homes parent.
	DeleteData bool
	// DeleteUsersAndGroups removes managed accounts from the host.
	DeleteUsersAndGroups bool
}

// Setup initializes the host: homes dataset, smb_users group, Samba and
// Avahi configuration, services, and the global state. It does not roll
// back on failure.
func (m *Manager) Setup(ctx context.Context, opts SetupOptions) (*state.Document, error) {
	var doc *state.Document
	err := m.mutate(ctx, "setup", func(ctx context.Context) error {
		if m.store.IsInitialized() {
			return AlreadyInitializedError{}
		}
		if err := validateOptions(opts); err != nil {
			return err
		}
		quota, err := parseQuota(opts.DefaultHomeQuota)
		if err != nil {
			return err
		}
		secondaries := uniquePools(opts.SecondaryPools)
		if slices.Contains(secondaries, opts.PrimaryPool) {
			return &PoolConflictError{Pool: opts.PrimaryPool, Detail: "the primary pool cannot also be a secondary pool"}
		}

		for _, pkg := range m.packages {
			ok, err := m.sys.IsPackageInstalled(ctx, pkg)
			if err != nil {
				return err
			}
			if !ok {
				return &PrerequisiteError{Detail: fmt.Sprintf("Required package '%s' is not installed. Please install it first.", pkg)}
			}
		}
		for _, pool := range append([]string{opts.PrimaryPool}, secondaries...) {
			if err := m.requirePool(ctx, pool); err != nil {
				return err
			}
		}

		cfg := state.GlobalConfig{
			Initialized:      true,
			PrimaryPool:      opts.PrimaryPool,
			SecondaryPools:   secondaries,
			ServerName:       opts.ServerName,
			Workgroup:        opts.Workgroup,
			MacOSOptimized:   opts.MacOSOptimized,
			DefaultHomeQuota: quota,
		}

		homes := cfg.HomesDataset()
		exists, err := m.zfs.DatasetExists(ctx, homes)
		if err != nil {
			return err
		}
		if !exists {
			if err := m.zfs.CreateDataset(ctx, homes); err != nil {
				return err
			}
		}
		mount, err := m.zfs.GetMountpoint(ctx, homes)
		if err != nil {
			return err
		}
		if err := m.sys.Chmod(mount, 0o755); err != nil {
			return err
		}

		hasGroup, err := m.sys.GroupExists(ctx, state.SambaUsersGroup)
		if err != nil {
			return err
		}
		if !hasGroup {
			if err := m.sys.AddSystemGroup(ctx, state.SambaUsersGroup); err != nil {
				return err
			}
		}

		global, err := m.global(ctx, cfg)
		if err != nil {
			return err
		}
		if err := m.conf.RenderGlobalConfig(global, nil); err != nil {
			return err
		}
		if err := m.conf.RenderAvahiConfig(global); err != nil {
			return err
		}
		if err := m.sys.TestSambaConfig(ctx); err != nil {
			return err
		}
		if err := m.sys.EnableServices(ctx); err != nil {
			return err
		}
		if err := m.sys.RestartServices(ctx); err != nil {
			return err
		}

		if err := m.store.SetConfig(ctx, cfg); err != nil {
			return err
		}
		if err := m.store.Groups().Set(ctx, state.SambaUsersGroup, state.Group{
			Description: "Samba Users Group",
			Members:     []string{},
			Created:     m.timestamp(),
		}); err != nil {
			return err
		}

		logger.Info("manager: setup completed on pool %s", cfg.PrimaryPool)
		doc = m.store.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *Manager) requirePool(ctx context.Context, pool string) error {
	ok, err := m.zfs.PoolExists(ctx, pool)
	if err != nil {
		return err
	}
	if !ok {
		return &PrerequisiteError{Detail: fmt.Sprintf("ZFS pool '%s' does not exist", pool)}
	}
	return nil
}

func uniquePools(pools []string) []string {
	out := make([]string, 0, len(pools))
	for _, p := range pools {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// ModifySetup changes the global configuration: primary pool (optionally
// migrating its datasets), secondary pools and the scalar settings. Changes
// that affect smb.conf re-render it with every share stanza.
func (m *Manager) ModifySetup(ctx context.Context, opts ModifySetupOptions) (*state.Document, error) {
	var doc *state.Document
	err := m.mutate(ctx, "modify_setup", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		if opts.empty() {
			return &MissingInputError{Detail: "no setting to change"}
		}
		if err := validateOptions(opts); err != nil {
			return err
		}

		old := m.store.Config()
		cfg := m.store.Config()

		primaryChanged := opts.PrimaryPool != nil && *opts.PrimaryPool != old.PrimaryPool
		if primaryChanged {
			cfg.PrimaryPool = *opts.PrimaryPool
			if err := m.requirePool(ctx, cfg.PrimaryPool); err != nil {
				return err
			}
		}

		for _, pool := range uniquePools(opts.RemoveSecondaryPools) {
			if !slices.Contains(cfg.SecondaryPools, pool) {
				return &ItemNotFoundError{Type: "pool", Name: pool}
			}
			if users := m.sharesOnPool(pool); len(users) > 0 {
				return &PoolConflictError{Pool: pool, Detail: "still used by shares: " + strings.Join(users, ", ")}
			}
			cfg.SecondaryPools = slices.DeleteFunc(cfg.SecondaryPools, func(p string) bool { return p == pool })
		}
		for _, pool := range uniquePools(opts.AddSecondaryPools) {
			if pool == cfg.PrimaryPool {
				return &PoolConflictError{Pool: pool, Detail: "the primary pool cannot also be a secondary pool"}
			}
			if slices.Contains(cfg.SecondaryPools, pool) {
				continue
			}
			if err := m.requirePool(ctx, pool); err != nil {
				return err
			}
			cfg.SecondaryPools = append(cfg.SecondaryPools, pool)
		}
		if primaryChanged {
			cfg.SecondaryPools = slices.DeleteFunc(cfg.SecondaryPools, func(p string) bool { return p == cfg.PrimaryPool })
		}

		if opts.ServerName != nil {
			cfg.ServerName = *opts.ServerName
		}
		if opts.Workgroup != nil {
			cfg.Workgroup = *opts.Workgroup
		}
		if opts.MacOSOptimized != nil {
			cfg.MacOSOptimized = *opts.MacOSOptimized
		}
		if opts.DefaultHomeQuota != nil {
			q, err := parseQuota(*opts.DefaultHomeQuota)
			if err != nil {
				return err
			}
			cfg.DefaultHomeQuota = q
		}

		rerender := primaryChanged || cfg.ServerName != old.ServerName ||
			cfg.Workgroup != old.Workgroup || cfg.MacOSOptimized != old.MacOSOptimized

		previousGlobal, err := m.global(ctx, old)
		if err != nil {
			return err
		}
		previousStanzas := m.allStanzas()

		return m.transact(ctx, "modify_setup", func(ctx context.Context, tx *transaction) error {
			if primaryChanged {
				moved, err := m.changePrimary(ctx, tx, old.PrimaryPool, cfg.PrimaryPool, opts.MoveData)
				if err != nil {
					return err
				}
				if !moved && m.poolInUse(old.PrimaryPool) && !slices.Contains(cfg.SecondaryPools, old.PrimaryPool) {
					logger.Info("manager: %s still holds datasets, keeping it as a secondary pool", old.PrimaryPool)
					cfg.SecondaryPools = append(cfg.SecondaryPools, old.PrimaryPool)
				}
			}

			if err := m.store.SetConfig(ctx, cfg); err != nil {
				return err
			}

			if rerender {
				global, err := m.global(ctx, cfg)
				if err != nil {
					return err
				}
				tx.onRollback("restore samba configuration", func(ctx context.Context) error {
					if err := m.conf.RenderGlobalConfig(previousGlobal, previousStanzas); err != nil {
						return err
					}
					if err := m.conf.RenderAvahiConfig(previousGlobal); err != nil {
						return err
					}
					return m.applyConfig(ctx)
				})
				if err := m.conf.RenderGlobalConfig(global, m.allStanzas()); err != nil {
					return err
				}
				if err := m.conf.RenderAvahiConfig(global); err != nil {
					return err
				}
				if err := m.applyConfig(ctx); err != nil {
					return err
				}
			}

			logger.Info("manager: global setup modified")
			doc = m.store.Snapshot()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// changePrimary creates the homes dataset on the new primary pool and,
// with moveData, migrates every user and share dataset of the old pool one
// at a time. It reports whether the datasets were moved.
func (m *Manager) changePrimary(ctx context.Context, tx *transaction, oldPool, newPool string, moveData bool) (bool, error) {
	homes := newPool + "/homes"
	exists, err := m.zfs.DatasetExists(ctx, homes)
	if err != nil {
		return false, err
	}
	if !exists {
		if err := m.zfs.CreateDataset(ctx, homes); err != nil {
			return false, err
		}
		tx.onRollback("destroy dataset "+homes, func(ctx context.Context) error {
			return m.zfs.DestroyDataset(ctx, homes)
		})
	}
	mount, err := m.zfs.GetMountpoint(ctx, homes)
	if err != nil {
		return false, err
	}
	if err := m.sys.Chmod(mount, 0o755); err != nil {
		return false, err
	}

	if !moveData {
		return false, nil
	}

	users := m.store.Users()
	for _, name := range users.Names() {
		u, _ := users.Get(name)
		if u.Dataset == nil || u.Dataset.Pool != oldPool {
			continue
		}
		info, err := m.moveDataset(ctx, tx, *u.Dataset, newPool)
		if err != nil {
			return false, err
		}
		u.Dataset = &info
		if err := users.Set(ctx, name, u); err != nil {
			return false, err
		}
	}

	shares := m.store.Shares()
	for _, name := range shares.Names() {
		s, _ := shares.Get(name)
		if s.Dataset.Pool != oldPool {
			continue
		}
		if err := m.moveShare(ctx, tx, &s, newPool); err != nil {
			return false, err
		}
		if err := shares.Set(ctx, name, s); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *Manager) moveDataset(ctx context.Context, tx *transaction, info state.DatasetInfo, pool string) (state.DatasetInfo, error) {
	oldPool := info.Pool
	newDataset, err := m.migrate(ctx, info.Name, pool)
	if err != nil {
		return info, err
	}
	tx.onRollback(fmt.Sprintf("move %s back to %s", newDataset, oldPool), func(ctx context.Context) error {
		_, err := m.migrate(ctx, newDataset, oldPool)
		return err
	})
	mount, err := m.zfs.GetMountpoint(ctx, newDataset)
	if err != nil {
		return info, err
	}
	info.Name = newDataset
	info.MountPoint = mount
	info.Pool = pool
	return info, nil
}

// sharesOnPool lists the shares whose dataset lives on pool.
func (m *Manager) sharesOnPool(pool string) []string {
	var names []string
	for name, s := range m.store.Shares().List() {
		if s.Dataset.Pool == pool {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// poolInUse reports whether any managed dataset lives on pool.
func (m *Manager) poolInUse(pool string) bool {
	if len(m.sharesOnPool(pool)) > 0 {
		return true
	}
	for _, u := range m.store.Users().List() {
		if u.Dataset != nil && u.Dataset.Pool == pool {
			return true
		}
	}
	return false
}

// Remove tears the deployment down. It is a no-op when the system is not
// set up. Services are always stopped and disabled and the generated files
// and the state are deleted; accounts and datasets only on request. The
// first failure while deleting accounts or data aborts before the state is
// removed, so the command can be retried.
func (m *Manager) Remove(ctx context.Context, opts RemoveOptions) error {
	return m.mutate(ctx, "remove", func(ctx context.Context) error {
		if !m.store.IsInitialized() {
			logger.Info("manager: system is not set up, nothing to remove")
			return nil
		}
		cfg := m.store.Config()
		users := m.store.Users().List()
		userNames := m.store.Users().Names()
		shares := m.store.Shares().List()

		if opts.DeleteUsersAndGroups {
			for _, name := range userNames {
				if err := m.sys.DeleteSambaUser(ctx, name); err != nil {
					return err
				}
				if err := m.sys.DeleteSystemUser(ctx, name); err != nil {
					return err
				}
			}
			for _, name := range m.store.Groups().Names() {
				if name == state.SambaUsersGroup {
					continue
				}
				if err := m.sys.DeleteSystemGroup(ctx, name); err != nil {
					return err
				}
			}
			if err := m.sys.DeleteSystemGroup(ctx, state.SambaUsersGroup); err != nil {
				return err
			}
		}

		if opts.DeleteData && cfg.PrimaryPool != "" {
			var datasets []string
			for _, name := range userNames {
				if ds := users[name].Dataset; ds != nil {
					datasets = append(datasets, ds.Name)
				}
			}
			for _, s := range shares {
				datasets = append(datasets, s.Dataset.Name)
			}
			datasets = append(datasets, cfg.HomesDataset())
			for _, ds := range datasets {
				if err := m.zfs.DestroyDataset(ctx, ds); err != nil {
					return err
				}
			}
		}

		var errs []error
		if err := m.sys.StopServices(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := m.sys.DisableServices(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := m.conf.Remove(); err != nil {
			errs = append(errs, err)
		}
		if err := m.store.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		logger.Info("manager: removal completed")
		return nil
	})
}
