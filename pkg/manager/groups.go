package manager

import (
	"context"
	"fmt"
	"slices"

	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/store/state"
)

type CreateGroupOptions struct {
	Name string `validate:"groupname"`
	// Description defaults to "<name> Group".
	Description string
	Members     []string `validate:"dive,username"`
}

// ModifyGroupOptions adds and removes members. At least one list must be
// non-empty.
type ModifyGroupOptions struct {
	Add    []string `validate:"dive,username"`
	Remove []string `validate:"dive,username"`
}

// CreateGroup creates the POSIX group and adds the initial members inside
// a transaction.
func (m *Manager) CreateGroup(ctx context.Context, opts CreateGroupOptions) (*state.Group, error) {
	var created state.Group
	err := m.mutate(ctx, "create_group", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		if err := validateOptions(opts); err != nil {
			return err
		}
		if m.store.Groups().Has(opts.Name) {
			return &ItemExistsError{Type: "group", Name: opts.Name}
		}
		exists, err := m.sys.GroupExists(ctx, opts.Name)
		if err != nil {
			return err
		}
		if exists {
			return &ItemExistsError{Type: "system group", Name: opts.Name}
		}
		for _, u := range opts.Members {
			if err := m.requireUser(ctx, u); err != nil {
				return err
			}
		}

		return m.transact(ctx, "create_group", func(ctx context.Context, tx *transaction) error {
			if err := m.sys.AddSystemGroup(ctx, opts.Name); err != nil {
				return err
			}
			tx.onRollback("delete system group "+opts.Name, func(ctx context.Context) error {
				return m.sys.DeleteSystemGroup(ctx, opts.Name)
			})

			for _, u := range opts.Members {
				if err := m.sys.AddUserToGroup(ctx, u, opts.Name); err != nil {
					return err
				}
				if err := m.recordUserGroup(ctx, u, opts.Name, true); err != nil {
					return err
				}
			}

			group := state.Group{
				Description: opts.Description,
				Created:     m.timestamp(),
			}
			if group.Description == "" {
				group.Description = opts.Name + " Group"
			}
			group.SetMembers(opts.Members)
			if err := m.store.Groups().Set(ctx, opts.Name, group); err != nil {
				return err
			}
			created = group
			logger.Info("manager: group %s created with %d members", opts.Name, len(group.Members))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteGroup removes a managed group. smb_users can never be deleted.
func (m *Manager) DeleteGroup(ctx context.Context, name string) error {
	return m.mutate(ctx, "delete_group", func(ctx context.Context) error {
		if name == state.SambaUsersGroup {
			return &ImmutableError{Detail: fmt.Sprintf("cannot delete the mandatory '%s' group", state.SambaUsersGroup)}
		}
		if err := m.requireInitialized(); err != nil {
			return err
		}
		group, ok := m.store.Groups().Get(name)
		if !ok {
			return &ItemNotFoundError{Type: "group", Name: name}
		}

		if err := m.sys.DeleteSystemGroup(ctx, name); err != nil {
			return err
		}
		for _, u := range group.Members {
			if err := m.recordUserGroup(ctx, u, name, false); err != nil {
				return err
			}
		}
		if err := m.store.Groups().Delete(ctx, name); err != nil {
			return err
		}
		logger.Info("manager: group %s deleted", name)
		return nil
	})
}

// ModifyGroup changes the membership of a managed group.
func (m *Manager) ModifyGroup(ctx context.Context, name string, opts ModifyGroupOptions) (*state.Group, error) {
	var updated state.Group
	err := m.mutate(ctx, "modify_group", func(ctx context.Context) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		if len(opts.Add) == 0 && len(opts.Remove) == 0 {
			return &MissingInputError{Detail: "at least one user to add or remove is required"}
		}
		if err := validateOptions(opts); err != nil {
			return err
		}
		group, ok := m.store.Groups().Get(name)
		if !ok {
			return &ItemNotFoundError{Type: "group", Name: name}
		}
		for _, u := range slices.Concat(opts.Add, opts.Remove) {
			if err := m.requireUser(ctx, u); err != nil {
				return err
			}
		}

		return m.transact(ctx, "modify_group", func(ctx context.Context, tx *transaction) error {
			members := slices.Clone(group.Members)
			for _, u := range opts.Add {
				if slices.Contains(members, u) {
					continue
				}
				if err := m.sys.AddUserToGroup(ctx, u, name); err != nil {
					return err
				}
				tx.onRollback(fmt.Sprintf("remove %s from %s", u, name), func(ctx context.Context) error {
					return m.sys.RemoveUserFromGroup(ctx, u, name)
				})
				if err := m.recordUserGroup(ctx, u, name, true); err != nil {
					return err
				}
				members = append(members, u)
			}
			for _, u := range opts.Remove {
				if !slices.Contains(members, u) {
					logger.Debug("manager: %s is not a member of %s, skipping", u, name)
					continue
				}
				if err := m.sys.RemoveUserFromGroup(ctx, u, name); err != nil {
					return err
				}
				tx.onRollback(fmt.Sprintf("re-add %s to %s", u, name), func(ctx context.Context) error {
					return m.sys.AddUserToGroup(ctx, u, name)
				})
				if err := m.recordUserGroup(ctx, u, name, false); err != nil {
					return err
				}
				members = slices.DeleteFunc(members, func(v string) bool { return v == u })
			}

			group.SetMembers(members)
			if err := m.store.Groups().Set(ctx, name, group); err != nil {
				return err
			}
			updated = group
			logger.Info("manager: group %s now has %d members", name, len(group.Members))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// recordUserGroup keeps the informational group list of a managed user in
// step with a membership change.
func (m *Manager) recordUserGroup(ctx context.Context, user, group string, member bool) error {
	u, ok := m.store.Users().Get(user)
	if !ok || group == state.SambaUsersGroup {
		return nil
	}
	has := slices.Contains(u.Groups, group)
	switch {
	case member && !has:
		u.Groups = append(u.Groups, group)
	case !member && has:
		u.Groups = slices.DeleteFunc(u.Groups, func(g string) bool { return g == group })
	default:
		return nil
	}
	return m.store.Users().Set(ctx, user, u)
}
