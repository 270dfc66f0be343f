package manager

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/system"
	"github.com/marmos91/smbzfs/pkg/zfs"
)

const (
	DefaultSharePermissions = "0775"
	DefaultShareOwner       = "root"
)

type CreateShareOptions struct {
	Name string `validate:"sharename"`

	// DatasetPath is relative to the pool, e.g. "shares/docs".
	DatasetPath string `validate:"required,datasetpath" name:"dataset path"`

	// Pool defaults to the primary pool.
	Pool string

	// Owner defaults to root, Group to smb_users.
	Owner string
	Group string

	// Permissions defaults to 0775.
	Permissions string `validate:"omitempty,perms"`

	Comment string `validate:"singleline"`

	// ValidUsers defaults to "@<group>".
	ValidUsers string `validate:"singleline" name:"valid users"`

	ReadOnly bool

	// Browseable defaults to true.
	Browseable *bool

	Quota string `validate:"omitempty,quota"`
}

// ModifyShareOptions is a sparse update: nil fields are left unchanged.
type ModifyShareOptions struct {
	NewName     *string `validate:"omitnil,sharename" name:"new name"`
	Pool        *string
	Quota       *string `validate:"omitempty,quota"`
	Owner       *string
	Group       *string
	Permissions *string `validate:"omitnil,perms"`
	Comment     *string `validate:"omitnil,singleline"`
	ValidUsers  *string `validate:"omitnil,singleline" name:"valid users"`
	ReadOnly    *bool
	Browseable  *bool
}

func (o ModifyShareOptions) empty() bool {
	return o.NewName == nil && o.Pool == nil && o.Quota == nil && o.Owner == nil &&
		o.Group == nil && o.Permissions == nil && o.Comment == nil &&
		o.ValidUsers == nil && o.ReadOnly == nil && o.Browseable == nil
}

// requireManagedPool rejects pools that are neither primary nor secondary.
func requireManagedPool(cfg state.GlobalConfig, pool string) error {
	if cfg.IsManagedPool(pool) {
		return nil
	}
	return &PrerequisiteError{Detail: fmt.Sprintf(
		"pool '%s' is not managed by this tool (managed pools: %s)",
		pool, strings.Join(cfg.ManagedPools(), ", "))}
}

// CreateShare creates the dataset and the Samba stanza of a new share.
func (m *Manager) CreateShare(ctx context.Context, opts CreateShareOptions) (*state.Share, error) {
	var created state.Share
	err := m.mutate(ctx, "create_share", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		if err := validateOptions(opts); err != nil {
			return err
		}
		if m.store.Shares().Has(opts.Name) {
			return &ItemExistsError{Type: "share", Name: opts.Name}
		}

		cfg := m.store.Config()
		pool := opts.Pool
		if pool == "" {
			pool = cfg.PrimaryPool
		}
		if err := requireManagedPool(cfg, pool); err != nil {
			return err
		}

		owner, group, perms := opts.Owner, opts.Group, opts.Permissions
		if owner == "" {
			owner = DefaultShareOwner
		}
		if group == "" {
			group = state.SambaUsersGroup
		}
		if perms == "" {
			perms = DefaultSharePermissions
		}
		mode, err := system.ParseMode(perms)
		if err != nil {
			return &InvalidNameError{Detail: err.Error()}
		}
		if err := m.requireUser(ctx, owner); err != nil {
			return err
		}
		if err := m.requireGroup(ctx, group); err != nil {
			return err
		}
		validUsers := opts.ValidUsers
		if validUsers == "" {
			validUsers = "@" + group
		}
		if err := m.checkValidUsers(ctx, validUsers); err != nil {
			return err
		}
		quota, err := parseQuota(opts.Quota)
		if err != nil {
			return err
		}

		dataset := pool + "/" + opts.DatasetPath
		if err := m.checkDatasetOverlap(dataset, ""); err != nil {
			return err
		}
		exists, err := m.zfs.DatasetExists(ctx, dataset)
		if err != nil {
			return err
		}
		if exists {
			return &ItemExistsError{Type: "dataset", Name: dataset}
		}

		browseable := true
		if opts.Browseable != nil {
			browseable = *opts.Browseable
		}

		return m.transact(ctx, "create_share", func(ctx context.Context, tx *transaction) error {
			if err := m.zfs.CreateDataset(ctx, dataset); err != nil {
				return err
			}
			tx.onRollback("destroy dataset "+dataset, func(ctx context.Context) error {
				return m.zfs.DestroyDataset(ctx, dataset)
			})
			if !quota.IsNone() {
				if err := m.zfs.SetQuota(ctx, dataset, quota); err != nil {
					return err
				}
			}
			mount, err := m.zfs.GetMountpoint(ctx, dataset)
			if err != nil {
				return err
			}
			if err := m.sys.Chown(ctx, mount, owner, group); err != nil {
				return err
			}
			if err := m.sys.Chmod(mount, mode); err != nil {
				return err
			}

			share := state.Share{
				Dataset: state.DatasetInfo{Name: dataset, MountPoint: mount, Quota: quota, Pool: pool},
				SMBConfig: state.SMBConfig{
					Comment:    opts.Comment,
					Browseable: browseable,
					ReadOnly:   opts.ReadOnly,
					ValidUsers: validUsers,
				},
				System:  state.SystemConfig{Owner: owner, Group: group, Permissions: perms},
				Created: m.timestamp(),
			}

			if err := m.conf.InsertShare(stanza(opts.Name, share)); err != nil {
				return err
			}
			tx.onRollback("remove stanza ["+opts.Name+"]", func(ctx context.Context) error {
				if err := m.conf.RemoveShare(opts.Name); err != nil {
					return err
				}
				return m.applyConfig(ctx)
			})
			if err := m.applyConfig(ctx); err != nil {
				return err
			}

			if err := m.store.Shares().Set(ctx, opts.Name, share); err != nil {
				return err
			}
			created = share
			logger.Info("manager: share %s created on %s", opts.Name, dataset)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteShare removes the stanza, reloads Samba, optionally destroys the
// dataset and forgets the share.
func (m *Manager) DeleteShare(ctx context.Context, name string, deleteData bool) error {
	return m.mutate(ctx, "delete_share", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		share, ok := m.store.Shares().Get(name)
		if !ok {
			return &ItemNotFoundError{Type: "share", Name: name}
		}

		if err := m.conf.RemoveShare(name); err != nil {
			return err
		}
		if err := m.applyConfig(ctx); err != nil {
			return err
		}
		if deleteData {
			if err := m.zfs.DestroyDataset(ctx, share.Dataset.Name); err != nil {
				return err
			}
		}
		if err := m.store.Shares().Delete(ctx, name); err != nil {
			return err
		}
		logger.Info("manager: share %s deleted", name)
		return nil
	})
}

// ModifyShare applies a sparse update in a fixed order: pool move, rename,
// quota, ownership and permissions, Samba settings, persist, and finally
// the stanza rewrite when anything Samba sees has changed.
func (m *Manager) ModifyShare(ctx context.Context, name string, opts ModifyShareOptions) (*state.Share, error) {
	var updated state.Share
	err := m.mutate(ctx, "modify_share", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		if opts.empty() {
			return &MissingInputError{Detail: "no share attribute to change"}
		}
		if err := validateOptions(opts); err != nil {
			return err
		}
		share, ok := m.store.Shares().Get(name)
		if !ok {
			return &ItemNotFoundError{Type: "share", Name: name}
		}

		cfg := m.store.Config()
		if opts.Pool != nil && *opts.Pool != share.Dataset.Pool {
			if err := requireManagedPool(cfg, *opts.Pool); err != nil {
				return err
			}
		}
		newName := name
		if opts.NewName != nil && *opts.NewName != name {
			newName = *opts.NewName
			if m.store.Shares().Has(newName) {
				return &ItemExistsError{Type: "share", Name: newName}
			}
		}
		if opts.Owner != nil {
			if err := m.requireUser(ctx, *opts.Owner); err != nil {
				return err
			}
		}
		if opts.Group != nil {
			if err := m.requireGroup(ctx, *opts.Group); err != nil {
				return err
			}
		}
		if opts.ValidUsers != nil {
			if err := m.checkValidUsers(ctx, *opts.ValidUsers); err != nil {
				return err
			}
		}
		var quota zfs.Quota
		if opts.Quota != nil {
			q, err := parseQuota(*opts.Quota)
			if err != nil {
				return err
			}
			quota = q
		}

		target := share.Dataset.Name
		if opts.Pool != nil && *opts.Pool != share.Dataset.Pool {
			target = zfs.Rebase(target, *opts.Pool)
		}
		if newName != name {
			target = zfs.Parent(target) + "/" + newName
		}
		if target != share.Dataset.Name {
			if err := m.checkDatasetOverlap(target, name); err != nil {
				return err
			}
		}

		return m.transact(ctx, "modify_share", func(ctx context.Context, tx *transaction) error {
			dirty := false

			if opts.Pool != nil && *opts.Pool != share.Dataset.Pool {
				if err := m.moveShare(ctx, tx, &share, *opts.Pool); err != nil {
					return err
				}
				dirty = true
			}

			if newName != name {
				oldDataset := share.Dataset.Name
				newDataset := zfs.Parent(oldDataset) + "/" + newName
				if err := m.zfs.RenameDataset(ctx, oldDataset, newDataset); err != nil {
					return err
				}
				tx.onRollback(fmt.Sprintf("rename %s back to %s", newDataset, oldDataset), func(ctx context.Context) error {
					return m.zfs.RenameDataset(ctx, newDataset, oldDataset)
				})
				mount, err := m.zfs.GetMountpoint(ctx, newDataset)
				if err != nil {
					return err
				}
				share.Dataset.Name = newDataset
				share.Dataset.MountPoint = mount
				if err := m.store.Shares().Delete(ctx, name); err != nil {
					return err
				}
				dirty = true
			}

			if opts.Quota != nil {
				previous := share.Dataset.Quota
				dataset := share.Dataset.Name
				if err := m.zfs.SetQuota(ctx, dataset, quota); err != nil {
					return err
				}
				tx.onRollback("restore quota of "+dataset, func(ctx context.Context) error {
					return m.zfs.SetQuota(ctx, dataset, previous)
				})
				share.Dataset.Quota = quota
			}

			if opts.Owner != nil || opts.Group != nil || opts.Permissions != nil {
				previous := share.System
				if opts.Owner != nil {
					share.System.Owner = *opts.Owner
				}
				if opts.Group != nil {
					share.System.Group = *opts.Group
				}
				if opts.Permissions != nil {
					share.System.Permissions = *opts.Permissions
				}
				mount := share.Dataset.MountPoint
				if err := m.applyOwnership(ctx, mount, share.System); err != nil {
					return err
				}
				tx.onRollback("restore ownership of "+mount, func(ctx context.Context) error {
					return m.applyOwnership(ctx, mount, previous)
				})
				dirty = true
			}

			if opts.Comment != nil {
				share.SMBConfig.Comment = *opts.Comment
				dirty = true
			}
			if opts.ValidUsers != nil {
				share.SMBConfig.ValidUsers = *opts.ValidUsers
				dirty = true
			}
			if opts.ReadOnly != nil {
				share.SMBConfig.ReadOnly = *opts.ReadOnly
				dirty = true
			}
			if opts.Browseable != nil {
				share.SMBConfig.Browseable = *opts.Browseable
				dirty = true
			}

			if err := m.store.Shares().Set(ctx, newName, share); err != nil {
				return err
			}

			if dirty {
				if err := m.rewriteStanza(ctx, tx, name, newName, share); err != nil {
					return err
				}
			}
			updated = share
			logger.Info("manager: share %s modified", newName)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// checkDatasetOverlap rejects a share dataset that is, contains or sits
// inside another managed dataset, since moves and deletions act on whole
// subtrees. skip names the share being modified.
func (m *Manager) checkDatasetOverlap(dataset, skip string) error {
	owners := map[string]string{m.store.Config().HomesDataset(): "the homes dataset"}
	for name, u := range m.store.Users().List() {
		if u.Dataset != nil {
			owners[u.Dataset.Name] = fmt.Sprintf("the home of user '%s'", name)
		}
	}
	for name, s := range m.store.Shares().List() {
		if name != skip {
			owners[s.Dataset.Name] = fmt.Sprintf("share '%s'", name)
		}
	}

	for _, other := range slices.Sorted(maps.Keys(owners)) {
		switch {
		case dataset == other:
			return &ItemExistsError{Type: "dataset", Name: dataset}
		case strings.HasPrefix(dataset, other+"/"):
			return &InvalidNameError{Detail: fmt.Sprintf("dataset '%s' would be nested inside %s (%s)", dataset, owners[other], other)}
		case strings.HasPrefix(other, dataset+"/"):
			return &InvalidNameError{Detail: fmt.Sprintf("dataset '%s' would contain %s (%s)", dataset, owners[other], other)}
		}
	}
	return nil
}

// moveShare migrates the dataset of share to pool and updates the record
// in place. The undo step moves it back.
func (m *Manager) moveShare(ctx context.Context, tx *transaction, share *state.Share, pool string) error {
	info, err := m.moveDataset(ctx, tx, share.Dataset, pool)
	if err != nil {
		return err
	}
	share.Dataset = info
	return nil
}

// migrate wraps MoveDataset with logging and metrics.
func (m *Manager) migrate(ctx context.Context, dataset, pool string) (string, error) {
	start := m.now()
	logger.Info("manager: moving %s to pool %s", dataset, pool)
	newDataset, err := m.zfs.MoveDataset(ctx, dataset, pool)
	m.metrics.RecordMigration(m.now().Sub(start), err)
	if err != nil {
		return "", err
	}
	logger.Info("manager: %s is now %s", dataset, newDataset)
	return newDataset, nil
}

func (m *Manager) applyOwnership(ctx context.Context, mount string, sys state.SystemConfig) error {
	mode, err := system.ParseMode(sys.Permissions)
	if err != nil {
		return &InvalidNameError{Detail: err.Error()}
	}
	if err := m.sys.Chown(ctx, mount, sys.Owner, sys.Group); err != nil {
		return err
	}
	return m.sys.Chmod(mount, mode)
}

// rewriteStanza replaces the stanza of oldName with the current record and
// reloads Samba. The undo step puts the previous stanza back.
func (m *Manager) rewriteStanza(ctx context.Context, tx *transaction, oldName, newName string, share state.Share) error {
	previous, hadPrevious := tx.snapshot.Shares[oldName]
	if err := m.conf.RemoveShare(oldName); err != nil {
		return err
	}
	tx.onRollback("restore stanza ["+oldName+"]", func(ctx context.Context) error {
		if err := m.conf.RemoveShare(newName); err != nil {
			return err
		}
		if hadPrevious {
			if err := m.conf.InsertShare(stanza(oldName, previous)); err != nil {
				return err
			}
		}
		return m.applyConfig(ctx)
	})
	if err := m.conf.InsertShare(stanza(newName, share)); err != nil {
		return err
	}
	return m.applyConfig(ctx)
}
