package main

import (
	"context"
	"fmt"

	"github.com/marmos91/smbzfs/pkg/config"
	"github.com/marmos91/smbzfs/pkg/manager"
)

func runSetup(ctx context.Context, c *cli, args []string) error {
	var opts manager.SetupOptions
	fs := c.flags("setup")
	fs.StringVar(&opts.PrimaryPool, "primary-pool", "", "Pool holding home and share datasets")
	fs.StringSliceVar(&opts.SecondaryPools, "secondary-pools", nil, "Additional pools shares may live on")
	fs.StringVar(&opts.ServerName, "server-name", "", "NetBIOS name of the server")
	fs.StringVar(&opts.Workgroup, "workgroup", "WORKGROUP", "Windows workgroup")
	fs.BoolVar(&opts.MacOSOptimized, "macos", false, "Enable Apple SMB extensions and Bonjour advertisement")
	fs.StringVar(&opts.DefaultHomeQuota, "default-home-quota", "", "Quota applied to new home datasets (e.g. 20G)")
	if _, err := parse(fs, args); err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	doc, err := m.Setup(ctx, opts)
	if err != nil {
		return err
	}
	return c.report("Setup completed successfully.", doc)
}

func runModifySetup(ctx context.Context, c *cli, args []string) error {
	var (
		opts                       manager.ModifySetupOptions
		primary, server, wg, quota string
		macos                      bool
	)
	fs := c.flags("modify setup")
	fs.StringVar(&primary, "primary-pool", "", "New primary pool")
	fs.BoolVar(&opts.MoveData, "move-data", false, "Migrate home and share datasets to the new primary pool")
	fs.StringSliceVar(&opts.AddSecondaryPools, "add-secondary-pools", nil, "Pools to add as secondary")
	fs.StringSliceVar(&opts.RemoveSecondaryPools, "remove-secondary-pools", nil, "Secondary pools to remove")
	fs.StringVar(&server, "server-name", "", "New NetBIOS name")
	fs.StringVar(&wg, "workgroup", "", "New workgroup")
	fs.BoolVar(&macos, "macos", false, "Enable or disable macOS optimizations (--macos=false)")
	fs.StringVar(&quota, "default-home-quota", "", "New default home quota, or 'none'")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	if fs.Changed("primary-pool") {
		opts.PrimaryPool = &primary
	}
	if fs.Changed("server-name") {
		opts.ServerName = &server
	}
	if fs.Changed("workgroup") {
		opts.Workgroup = &wg
	}
	if fs.Changed("macos") {
		opts.MacOSOptimized = &macos
	}
	if fs.Changed("default-home-quota") {
		opts.DefaultHomeQuota = &quota
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	doc, err := m.ModifySetup(ctx, opts)
	if err != nil {
		return err
	}
	return c.report("Global setup modified successfully.", doc)
}

func runRemove(ctx context.Context, c *cli, args []string) error {
	var (
		opts manager.RemoveOptions
		yes  bool
	)
	fs := c.flags("remove")
	fs.BoolVar(&opts.DeleteUsersAndGroups, "delete-users", false, "Also delete managed users and groups")
	fs.BoolVar(&opts.DeleteData, "delete-data", false, "Destroy home and share datasets")
	fs.BoolVar(&yes, "yes", false, "Confirm destructive operations")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	if err := confirmDeletion(opts.DeleteData, yes); err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	if !m.Store().IsInitialized() {
		return c.report("System is not set up, nothing to do.", nil)
	}
	if err := m.Remove(ctx, opts); err != nil {
		return err
	}
	return c.report("Removal completed successfully.", nil)
}

func runCreateUser(ctx context.Context, c *cli, args []string) error {
	var (
		opts   manager.CreateUserOptions
		noHome bool
	)
	fs := c.flags("create user")
	fs.StringVar(&opts.Password, "password", "", "Password (read from stdin when omitted)")
	fs.BoolVar(&opts.ShellAccess, "shell", false, "Give the user a login shell")
	fs.BoolVar(&noHome, "no-home", false, "Do not create a home dataset")
	fs.StringSliceVar(&opts.Groups, "groups", nil, "Managed groups to join")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}
	opts.Name = pos[0]
	opts.CreateHome = !noHome

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	if opts.Password, err = c.readPassword(opts.Password, "Password: "); err != nil {
		return err
	}
	user, err := m.CreateUser(ctx, opts)
	if err != nil {
		return err
	}
	return c.report(fmt.Sprintf("User '%s' created successfully.", opts.Name), user)
}

func runDeleteUser(ctx context.Context, c *cli, args []string) error {
	var deleteData, yes bool
	fs := c.flags("delete user")
	fs.BoolVar(&deleteData, "delete-data", false, "Destroy the home dataset")
	fs.BoolVar(&yes, "yes", false, "Confirm destructive operations")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}
	if err := confirmDeletion(deleteData, yes); err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	if err := m.DeleteUser(ctx, pos[0], deleteData); err != nil {
		return err
	}
	return c.report(fmt.Sprintf("User '%s' deleted successfully.", pos[0]), nil)
}

func runPasswd(ctx context.Context, c *cli, args []string) error {
	var password string
	fs := c.flags("passwd")
	fs.StringVar(&password, "password", "", "New password (read from stdin when omitted)")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	if password, err = c.readPassword(password, "New password: "); err != nil {
		return err
	}
	if err := m.ChangePassword(ctx, pos[0], password); err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Password changed successfully for user '%s'.", pos[0]), nil)
}

func runModifyHome(ctx context.Context, c *cli, args []string) error {
	var quota string
	fs := c.flags("modify home")
	fs.StringVar(&quota, "quota", "", "New quota (e.g. 50G), or 'none'")
	pos, err := parse(fs, args, "user")
	if err != nil {
		return err
	}
	if !fs.Changed("quota") {
		return fmt.Errorf("%w: --quota is required", errUsage)
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	user, err := m.ModifyHome(ctx, pos[0], quota)
	if err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Quota for user '%s' has been set to %s.", pos[0], user.Dataset.Quota), user)
}

func runCreateGroup(ctx context.Context, c *cli, args []string) error {
	var opts manager.CreateGroupOptions
	fs := c.flags("create group")
	fs.StringVar(&opts.Description, "description", "", "Free-form description")
	fs.StringSliceVar(&opts.Members, "users", nil, "Managed users to add")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}
	opts.Name = pos[0]

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	group, err := m.CreateGroup(ctx, opts)
	if err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Group '%s' created successfully.", opts.Name), group)
}

func runDeleteGroup(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("delete group")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	if err := m.DeleteGroup(ctx, pos[0]); err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Group '%s' deleted successfully.", pos[0]), nil)
}

func runModifyGroup(ctx context.Context, c *cli, args []string) error {
	var opts manager.ModifyGroupOptions
	fs := c.flags("modify group")
	fs.StringSliceVar(&opts.Add, "add-users", nil, "Users to add")
	fs.StringSliceVar(&opts.Remove, "remove-users", nil, "Users to remove")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	group, err := m.ModifyGroup(ctx, pos[0], opts)
	if err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Group '%s' modified successfully.", pos[0]), group)
}

func runCreateShare(ctx context.Context, c *cli, args []string) error {
	var (
		opts     manager.CreateShareOptions
		noBrowse bool
	)
	fs := c.flags("create share")
	fs.StringVar(&opts.DatasetPath, "dataset", "", "Dataset path relative to the pool (e.g. shares/docs)")
	fs.StringVar(&opts.Pool, "pool", "", "Pool to create the dataset on (default: primary)")
	fs.StringVar(&opts.Comment, "comment", "", "Share comment")
	fs.StringVar(&opts.Owner, "owner", "", "Owner of the share directory")
	fs.StringVar(&opts.Group, "group", "", "Group of the share directory")
	fs.StringVar(&opts.Permissions, "perms", "", "Octal permissions of the share directory")
	fs.StringVar(&opts.ValidUsers, "valid-users", "", "Users and @groups allowed to connect")
	fs.BoolVar(&opts.ReadOnly, "readonly", false, "Export read-only")
	fs.BoolVar(&noBrowse, "no-browse", false, "Hide the share from browse lists")
	fs.StringVar(&opts.Quota, "quota", "", "Dataset quota (e.g. 10G)")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}
	opts.Name = pos[0]
	if noBrowse {
		browseable := false
		opts.Browseable = &browseable
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	share, err := m.CreateShare(ctx, opts)
	if err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Share '%s' created successfully.", opts.Name), share)
}

func runDeleteShare(ctx context.Context, c *cli, args []string) error {
	var deleteData, yes bool
	fs := c.flags("delete share")
	fs.BoolVar(&deleteData, "delete-data", false, "Destroy the share dataset")
	fs.BoolVar(&yes, "yes", false, "Confirm destructive operations")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}
	if err := confirmDeletion(deleteData, yes); err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	if err := m.DeleteShare(ctx, pos[0], deleteData); err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Share '%s' deleted successfully.", pos[0]), nil)
}

func runModifyShare(ctx context.Context, c *cli, args []string) error {
	var (
		opts                                   manager.ModifyShareOptions
		name, pool, comment, validUsers, quota string
		owner, group, perms                    string
		readOnly, noBrowse                     bool
	)
	fs := c.flags("modify share")
	fs.StringVar(&name, "name", "", "Rename the share and its dataset")
	fs.StringVar(&pool, "pool", "", "Move the dataset to another managed pool")
	fs.StringVar(&comment, "comment", "", "New comment")
	fs.StringVar(&validUsers, "valid-users", "", "New valid users list")
	fs.StringVar(&owner, "owner", "", "New owner of the share directory")
	fs.StringVar(&group, "group", "", "New group of the share directory")
	fs.StringVar(&perms, "perms", "", "New octal permissions")
	fs.StringVar(&quota, "quota", "", "New quota, or 'none'")
	fs.BoolVar(&readOnly, "readonly", false, "Export read-only (--readonly=false to revert)")
	fs.BoolVar(&noBrowse, "no-browse", false, "Hide from browse lists (--no-browse=false to revert)")
	pos, err := parse(fs, args, "name")
	if err != nil {
		return err
	}

	for flag, dst := range map[string]struct {
		target **string
		value  *string
	}{
		"name":        {&opts.NewName, &name},
		"pool":        {&opts.Pool, &pool},
		"comment":     {&opts.Comment, &comment},
		"valid-users": {&opts.ValidUsers, &validUsers},
		"owner":       {&opts.Owner, &owner},
		"group":       {&opts.Group, &group},
		"perms":       {&opts.Permissions, &perms},
		"quota":       {&opts.Quota, &quota},
	} {
		if fs.Changed(flag) {
			*dst.target = dst.value
		}
	}
	if fs.Changed("readonly") {
		opts.ReadOnly = &readOnly
	}
	if fs.Changed("no-browse") {
		browseable := !noBrowse
		opts.Browseable = &browseable
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	share, err := m.ModifyShare(ctx, pos[0], opts)
	if err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Share '%s' modified successfully.", pos[0]), share)
}

func runGetState(ctx context.Context, c *cli, args []string) error {
	fs := c.flags("get-state")
	if _, err := parse(fs, args); err != nil {
		return err
	}

	m, err := c.manager(ctx)
	if err != nil {
		return err
	}
	view, err := m.State(ctx)
	if err != nil {
		return err
	}
	c.warn(view.Warnings)
	return c.writeJSON(view.State)
}

func runConfigInit(_ context.Context, c *cli, args []string) error {
	var (
		path  string
		force bool
	)
	fs := c.flags("config init")
	fs.StringVar(&path, "path", "", "Write to this path instead of the default location")
	fs.BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	if _, err := parse(fs, args); err != nil {
		return err
	}

	if path == "" {
		var err error
		if path, err = config.InitConfig(force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, force); err != nil {
		return err
	}
	return c.report(fmt.Sprintf("Configuration written to %s", path), nil)
}

func runConfigSchema(_ context.Context, c *cli, args []string) error {
	fs := c.flags("config schema")
	if _, err := parse(fs, args); err != nil {
		return err
	}
	data, err := config.Schema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, string(data))
	return err
}
