package manager

import (
	"context"
	"fmt"
	"slices"

	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/system"
)

// CreateUserOptions describes a new account.
type CreateUserOptions struct {
	Name     string `validate:"username"`
	Password string `validate:"required,password"`

	// ShellAccess gives the account a login shell, a system password and,
	// with a home dataset, a home directory.
	ShellAccess bool

	// Groups are joined in addition to smb_users. Each must exist.
	Groups []string `validate:"dive,groupname"`

	// CreateHome creates <primary>/homes/<name>.
	CreateHome bool
}

// CreateUser provisions a home dataset, the POSIX account and the Samba
// credentials, then records the user. Any failure undoes every step.
func (m *Manager) CreateUser(ctx context.Context, opts CreateUserOptions) (*state.User, error) {
	var created state.User
	err := m.mutate(ctx, "create_user", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		if err := validateOptions(opts); err != nil {
			return err
		}
		if m.store.Users().Has(opts.Name) {
			return &ItemExistsError{Type: "user", Name: opts.Name}
		}
		exists, err := m.sys.UserExists(ctx, opts.Name)
		if err != nil {
			return err
		}
		if exists {
			return &ItemExistsError{Type: "system user", Name: opts.Name}
		}

		groups := make([]string, 0, len(opts.Groups))
		for _, g := range opts.Groups {
			if g == state.SambaUsersGroup || slices.Contains(groups, g) {
				continue
			}
			if err := m.requireGroup(ctx, g); err != nil {
				return err
			}
			groups = append(groups, g)
		}

		cfg := m.store.Config()
		dataset := cfg.HomesDataset() + "/" + opts.Name
		if opts.CreateHome {
			exists, err := m.zfs.DatasetExists(ctx, dataset)
			if err != nil {
				return err
			}
			if exists {
				return &ItemExistsError{Type: "dataset", Name: dataset}
			}
		}

		return m.transact(ctx, "create_user", func(ctx context.Context, tx *transaction) error {
			user := state.User{
				ShellAccess: opts.ShellAccess,
				Groups:      groups,
				Created:     m.timestamp(),
			}

			if opts.CreateHome {
				if err := m.zfs.CreateDataset(ctx, dataset); err != nil {
					return err
				}
				tx.onRollback("destroy dataset "+dataset, func(ctx context.Context) error {
					return m.zfs.DestroyDataset(ctx, dataset)
				})
				mount, err := m.zfs.GetMountpoint(ctx, dataset)
				if err != nil {
					return err
				}
				if !cfg.DefaultHomeQuota.IsNone() {
					if err := m.zfs.SetQuota(ctx, dataset, cfg.DefaultHomeQuota); err != nil {
						return err
					}
				}
				user.Dataset = &state.DatasetInfo{
					Name:       dataset,
					MountPoint: mount,
					Quota:      cfg.DefaultHomeQuota,
					Pool:       cfg.PrimaryPool,
				}
			}

			homeDir, shell := "", system.NoLoginShell
			if opts.ShellAccess {
				shell = system.LoginShell
				if user.Dataset != nil {
					homeDir = user.Dataset.MountPoint
				}
			}
			if err := m.sys.AddSystemUser(ctx, opts.Name, homeDir, shell); err != nil {
				return err
			}
			tx.onRollback("delete system user "+opts.Name, func(ctx context.Context) error {
				return m.sys.DeleteSystemUser(ctx, opts.Name)
			})

			if user.Dataset != nil {
				if err := m.sys.Chown(ctx, user.Dataset.MountPoint, opts.Name, ""); err != nil {
					return err
				}
				if err := m.sys.Chmod(user.Dataset.MountPoint, 0o700); err != nil {
					return err
				}
			}

			if opts.ShellAccess {
				if err := m.sys.SetSystemPassword(ctx, opts.Name, opts.Password); err != nil {
					return err
				}
			}

			if err := m.sys.AddSambaUser(ctx, opts.Name, opts.Password); err != nil {
				return err
			}
			tx.onRollback("delete samba user "+opts.Name, func(ctx context.Context) error {
				return m.sys.DeleteSambaUser(ctx, opts.Name)
			})

			for _, g := range append([]string{state.SambaUsersGroup}, groups...) {
				if err := m.sys.AddUserToGroup(ctx, opts.Name, g); err != nil {
					return err
				}
				if err := m.addMember(ctx, g, opts.Name); err != nil {
					return err
				}
			}

			if err := m.store.Users().Set(ctx, opts.Name, user); err != nil {
				return err
			}
			created = user
			logger.Info("manager: user %s created", opts.Name)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// addMember records user in a managed group. Unmanaged host groups are
// left alone.
func (m *Manager) addMember(ctx context.Context, group, user string) error {
	g, ok := m.store.Groups().Get(group)
	if !ok || g.HasMember(user) {
		return nil
	}
	g.SetMembers(append(g.Members, user))
	return m.store.Groups().Set(ctx, group, g)
}

// DeleteUser removes the Samba credentials, the POSIX account and,
// optionally, the home dataset. It is not transactional: the first hard
// failure is returned and later steps are skipped.
func (m *Manager) DeleteUser(ctx context.Context, name string, deleteData bool) error {
	return m.mutate(ctx, "delete_user", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		user, ok := m.store.Users().Get(name)
		if !ok {
			return &ItemNotFoundError{Type: "user", Name: name}
		}

		if err := m.sys.DeleteSambaUser(ctx, name); err != nil {
			return fmt.Errorf("removing samba credentials of %s: %w", name, err)
		}
		if err := m.sys.DeleteSystemUser(ctx, name); err != nil {
			return fmt.Errorf("removing account %s: %w", name, err)
		}
		if deleteData && user.Dataset != nil {
			if err := m.zfs.DestroyDataset(ctx, user.Dataset.Name); err != nil {
				return err
			}
		}

		for _, gname := range m.store.Groups().Names() {
			g, _ := m.store.Groups().Get(gname)
			if !g.HasMember(name) {
				continue
			}
			g.Members = slices.DeleteFunc(g.Members, func(u string) bool { return u == name })
			if err := m.store.Groups().Set(ctx, gname, g); err != nil {
				return err
			}
		}
		if err := m.store.Users().Delete(ctx, name); err != nil {
			return err
		}
		logger.Info("manager: user %s deleted", name)
		return nil
	})
}

// ChangePassword updates the Samba password and, for shell users, the
// system password.
func (m *Manager) ChangePassword(ctx context.Context, name, password string) error {
	return m.mutate(ctx, "change_password", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		user, ok := m.store.Users().Get(name)
		if !ok {
			return &ItemNotFoundError{Type: "user", Name: name}
		}
		if password == "" {
			return &MissingInputError{Detail: "password is required"}
		}
		if !validPassword(password) {
			return &InvalidNameError{Detail: "password must not contain line breaks or NUL characters"}
		}

		if user.ShellAccess {
			if err := m.sys.SetSystemPassword(ctx, name, password); err != nil {
				return err
			}
		}
		return m.sys.SetSambaPassword(ctx, name, password)
	})
}

// ModifyHome sets the quota of a user's home dataset. An empty string or
// "none" removes the quota.
func (m *Manager) ModifyHome(ctx context.Context, name, quota string) (*state.User, error) {
	var updated state.User
	err := m.mutate(ctx, "modify_home", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		user, ok := m.store.Users().Get(name)
		if !ok {
			return &ItemNotFoundError{Type: "user", Name: name}
		}
		if user.Dataset == nil {
			return &ItemNotFoundError{Type: "home dataset of user", Name: name}
		}
		q, err := parseQuota(quota)
		if err != nil {
			return err
		}

		return m.transact(ctx, "modify_home", func(ctx context.Context, tx *transaction) error {
			previous := user.Dataset.Quota
			if err := m.zfs.SetQuota(ctx, user.Dataset.Name, q); err != nil {
				return err
			}
			tx.onRollback("restore quota of "+user.Dataset.Name, func(ctx context.Context) error {
				return m.zfs.SetQuota(ctx, user.Dataset.Name, previous)
			})
			user.Dataset.Quota = q
			if err := m.store.Users().Set(ctx, name, user); err != nil {
				return err
			}
			updated = user
			logger.Info("manager: quota of %s set to %s", user.Dataset.Name, q)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

