// Package system manages the host side of a Samba deployment: POSIX users
// and groups, the Samba password database, configuration checks and the
// smbd/nmbd/avahi-daemon services.
//
// Account mutations are idempotent: adding something that exists or
// deleting something that does not is a no-op.
package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/smbzfs/internal/command"
	"github.com/marmos91/smbzfs/internal/logger"
)

const (
	// NoLoginShell is assigned to accounts without shell access.
	NoLoginShell = "/usr/sbin/nologin"
	// LoginShell is assigned to accounts with shell access.
	LoginShell = "/bin/bash"
)

// Account is a passwd entry.
type Account struct {
	Name  string
	UID   int
	GID   int
	Home  string
	Shell string
}

// Group is a group database entry.
type Group struct {
	Name    string
	GID     int
	Members []string
}

// Options configures a Client.
type Options struct {
	// SambaConfigPath is checked by testparm.
	SambaConfigPath string
	// TestparmBinary defaults to "testparm".
	TestparmBinary string
	// SambaUnits are reloaded after configuration changes.
	SambaUnits []string
	// DiscoveryUnits are managed together with SambaUnits.
	DiscoveryUnits []string
}

// Client executes account and service operations on the local host.
type Client struct {
	runner   command.Runner
	services ServiceController
	opts     Options

	chown func(path string, uid, gid int) error
	chmod func(path string, mode os.FileMode) error
}

// New creates a Client. services controls the Samba and discovery units.
func New(runner command.Runner, services ServiceController, opts Options) *Client {
	if opts.SambaConfigPath == "" {
		opts.SambaConfigPath = "/etc/samba/smb.conf"
	}
	if opts.TestparmBinary == "" {
		opts.TestparmBinary = "testparm"
	}
	if len(opts.SambaUnits) == 0 {
		opts.SambaUnits = []string{"smbd", "nmbd"}
	}
	if opts.DiscoveryUnits == nil {
		opts.DiscoveryUnits = []string{"avahi-daemon"}
	}
	return &Client{
		runner:   runner,
		services: services,
		opts:     opts,
		chown:    os.Chown,
		chmod:    os.Chmod,
	}
}

// IsPackageInstalled asks dpkg whether a Debian package is installed.
func (c *Client) IsPackageInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := c.runner.Run(ctx,
		[]string{"dpkg-query", "--show", "--showformat=${db:Status-Status}", pkg},
		command.Options{AllowFailure: true})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "installed", nil
}

// LookupUser returns the passwd entry for name, or nil when it does not
// exist.
func (c *Client) LookupUser(ctx context.Context, name string) (*Account, error) {
	fields, err := c.getent(ctx, "passwd", name, 7)
	if err != nil || fields == nil {
		return nil, err
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("malformed passwd entry for %s: %w", name, err)
	}
	gid, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("malformed passwd entry for %s: %w", name, err)
	}
	return &Account{Name: fields[0], UID: uid, GID: gid, Home: fields[5], Shell: fields[6]}, nil
}

// LookupGroup returns the group entry for name, or nil when it does not
// exist.
func (c *Client) LookupGroup(ctx context.Context, name string) (*Group, error) {
	fields, err := c.getent(ctx, "group", name, 4)
	if err != nil || fields == nil {
		return nil, err
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("malformed group entry for %s: %w", name, err)
	}
	var members []string
	if fields[3] != "" {
		members = strings.Split(fields[3], ",")
	}
	return &Group{Name: fields[0], GID: gid, Members: members}, nil
}

// getent returns the colon separated fields of a database entry, or nil
// when the key is unknown (exit status 2).
func (c *Client) getent(ctx context.Context, database, key string, want int) ([]string, error) {
	res, err := c.runner.Run(ctx, []string{"getent", database, key}, command.Options{AllowFailure: true})
	if err != nil {
		return nil, err
	}
	switch res.ExitCode {
	case 0:
	case 2:
		return nil, nil
	default:
		return nil, command.NewCommandError([]string{"getent", database, key}, res)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	fields := strings.Split(line, ":")
	if len(fields) < want {
		return nil, fmt.Errorf("malformed %s entry for %s: %q", database, key, line)
	}
	return fields, nil
}

func (c *Client) UserExists(ctx context.Context, name string) (bool, error) {
	acct, err := c.LookupUser(ctx, name)
	return acct != nil, err
}

func (c *Client) GroupExists(ctx context.Context, name string) (bool, error) {
	grp, err := c.LookupGroup(ctx, name)
	return grp != nil, err
}

// AddSystemUser creates a POSIX account. A home directory is created only
// when homeDir is set; an empty shell means no login.
func (c *Client) AddSystemUser(ctx context.Context, name, homeDir, shell string) error {
	exists, err := c.UserExists(ctx, name)
	if err != nil || exists {
		return err
	}
	argv := []string{"useradd"}
	if homeDir != "" {
		argv = append(argv, "-d", homeDir, "-m")
	} else {
		argv = append(argv, "-M")
	}
	if shell == "" {
		shell = NoLoginShell
	}
	argv = append(argv, "-s", shell, name)

	logger.Debug("system: adding user %s", name)
	_, err = c.runner.Run(ctx, argv, command.Options{})
	return err
}

func (c *Client) DeleteSystemUser(ctx context.Context, name string) error {
	exists, err := c.UserExists(ctx, name)
	if err != nil || !exists {
		return err
	}
	logger.Debug("system: deleting user %s", name)
	_, err = c.runner.Run(ctx, []string{"userdel", name}, command.Options{})
	return err
}

func (c *Client) AddSystemGroup(ctx context.Context, name string) error {
	exists, err := c.GroupExists(ctx, name)
	if err != nil || exists {
		return err
	}
	logger.Debug("system: adding group %s", name)
	_, err = c.runner.Run(ctx, []string{"groupadd", name}, command.Options{})
	return err
}

func (c *Client) DeleteSystemGroup(ctx context.Context, name string) error {
	exists, err := c.GroupExists(ctx, name)
	if err != nil || !exists {
		return err
	}
	logger.Debug("system: deleting group %s", name)
	_, err = c.runner.Run(ctx, []string{"groupdel", name}, command.Options{})
	return err
}

func (c *Client) AddUserToGroup(ctx context.Context, user, group string) error {
	_, err := c.runner.Run(ctx, []string{"usermod", "-a", "-G", group, user}, command.Options{})
	return err
}

// RemoveUserFromGroup drops user from the supplementary group. gpasswd exits
// 3 when the user is not a member, which is treated as success.
func (c *Client) RemoveUserFromGroup(ctx context.Context, user, group string) error {
	argv := []string{"gpasswd", "-d", user, group}
	res, err := c.runner.Run(ctx, argv, command.Options{AllowFailure: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && res.ExitCode != 3 {
		return command.NewCommandError(argv, res)
	}
	return nil
}

// ErrPasswordCharacters is returned for passwords that would add lines to
// the chpasswd or smbpasswd input.
var ErrPasswordCharacters = errors.New("password must not contain line breaks or NUL characters")

func checkPassword(password string) error {
	if strings.ContainsAny(password, "\r\n\x00") {
		return ErrPasswordCharacters
	}
	return nil
}

// SetSystemPassword sets the login password through chpasswd.
func (c *Client) SetSystemPassword(ctx context.Context, user, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	_, err := c.runner.Run(ctx, []string{"chpasswd"}, command.Options{Stdin: user + ":" + password})
	return err
}

// AddSambaUser adds user to the Samba password database and enables it.
func (c *Client) AddSambaUser(ctx context.Context, user, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	logger.Debug("system: adding samba user %s", user)
	if _, err := c.runner.Run(ctx, []string{"smbpasswd", "-a", "-s", user},
		command.Options{Stdin: password + "\n" + password + "\n"}); err != nil {
		return err
	}
	_, err := c.runner.Run(ctx, []string{"smbpasswd", "-e", user}, command.Options{})
	return err
}

func (c *Client) DeleteSambaUser(ctx context.Context, user string) error {
	exists, err := c.SambaUserExists(ctx, user)
	if err != nil || !exists {
		return err
	}
	logger.Debug("system: deleting samba user %s", user)
	_, err = c.runner.Run(ctx, []string{"smbpasswd", "-x", user}, command.Options{})
	return err
}

func (c *Client) SambaUserExists(ctx context.Context, user string) (bool, error) {
	return command.Succeeds(ctx, c.runner, "pdbedit", "-L", "-u", user)
}

func (c *Client) SetSambaPassword(ctx context.Context, user, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	_, err := c.runner.Run(ctx, []string{"smbpasswd", "-s", user},
		command.Options{Stdin: password + "\n" + password + "\n"})
	return err
}

// TestSambaConfig runs testparm against the configuration file.
func (c *Client) TestSambaConfig(ctx context.Context) error {
	_, err := c.runner.Run(ctx, []string{c.opts.TestparmBinary, "-s", c.opts.SambaConfigPath}, command.Options{})
	if err != nil {
		return fmt.Errorf("samba configuration check failed: %w", err)
	}
	return nil
}

func (c *Client) ReloadSamba(ctx context.Context) error {
	return c.services.Reload(ctx, c.opts.SambaUnits...)
}

func (c *Client) allUnits() []string {
	return append(append([]string(nil), c.opts.SambaUnits...), c.opts.DiscoveryUnits...)
}

func (c *Client) RestartServices(ctx context.Context) error {
	return c.services.Restart(ctx, c.allUnits()...)
}

func (c *Client) EnableServices(ctx context.Context) error {
	return c.services.Enable(ctx, c.allUnits()...)
}

func (c *Client) StopServices(ctx context.Context) error {
	if err := c.services.Stop(ctx, c.allUnits()...); err != nil {
		return fmt.Errorf("stopping services: %w", err)
	}
	return nil
}

func (c *Client) DisableServices(ctx context.Context) error {
	if err := c.services.Disable(ctx, c.allUnits()...); err != nil {
		return fmt.Errorf("disabling services: %w", err)
	}
	return nil
}

// Chown changes path ownership to owner:group by name.
func (c *Client) Chown(ctx context.Context, path, owner, group string) error {
	acct, err := c.LookupUser(ctx, owner)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("cannot chown %s: unknown user %s", path, owner)
	}
	gid := acct.GID
	if group != "" {
		grp, err := c.LookupGroup(ctx, group)
		if err != nil {
			return err
		}
		if grp == nil {
			return fmt.Errorf("cannot chown %s: unknown group %s", path, group)
		}
		gid = grp.GID
	}
	if err := c.chown(path, acct.UID, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

// Chmod sets the permission bits of path.
func (c *Client) Chmod(path string, mode os.FileMode) error {
	if err := c.chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// ParseMode parses a 3 or 4 digit octal permission string.
func ParseMode(perms string) (os.FileMode, error) {
	n, err := strconv.ParseUint(perms, 8, 32)
	if err != nil || len(perms) < 3 || len(perms) > 4 {
		return 0, fmt.Errorf("invalid permissions %q: expected 3 or 4 octal digits", perms)
	}
	mode := os.FileMode(n & 0o777)
	if n&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if n&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if n&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode, nil
}
