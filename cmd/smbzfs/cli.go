package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/marmos91/smbzfs/internal/command"
	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/config"
	"github.com/marmos91/smbzfs/pkg/manager"
	"github.com/marmos91/smbzfs/pkg/store/state"
	"github.com/marmos91/smbzfs/pkg/zfs"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks command-line mistakes; they exit with code 2.
var errUsage = errors.New("usage")

type handler func(ctx context.Context, c *cli, args []string) error

// commands maps "verb" or "verb noun" to its handler.
var commands = map[string]struct {
	run     handler
	summary string
}{
	"setup":         {runSetup, "Initialize pools, Samba and the state file"},
	"create user":   {runCreateUser, "Create a Samba user with an optional home dataset"},
	"create group":  {runCreateGroup, "Create a group"},
	"create share":  {runCreateShare, "Create a share backed by a dataset"},
	"delete user":   {runDeleteUser, "Delete a user"},
	"delete group":  {runDeleteGroup, "Delete a group"},
	"delete share":  {runDeleteShare, "Delete a share"},
	"modify setup":  {runModifySetup, "Change pools or global settings"},
	"modify home":   {runModifyHome, "Change the quota of a home dataset"},
	"modify group":  {runModifyGroup, "Add or remove group members"},
	"modify share":  {runModifyShare, "Change, rename or move a share"},
	"passwd":        {runPasswd, "Change a user's password"},
	"list users":    {runListUsers, "List managed users"},
	"list groups":   {runListGroups, "List managed groups"},
	"list shares":   {runListShares, "List managed shares"},
	"list pools":    {runListPools, "List managed and available pools"},
	"get-state":     {runGetState, "Print the state document"},
	"remove":        {runRemove, "Tear the deployment down"},
	"config init":   {runConfigInit, "Write a sample configuration file"},
	"config schema": {runConfigSchema, "Print the configuration JSON schema"},
}

// cli holds the per-invocation streams, global flags and the lazily opened
// environment.
type cli struct {
	stdin  *bufio.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	jsonOutput bool
	flagSet    *pflag.FlagSet

	env *environment
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{stdin: bufio.NewReader(stdin), stdout: stdout, stderr: stderr}
}

// run dispatches args and returns the process exit code.
func (c *cli) run(ctx context.Context, args []string) int {
	key, rest := resolve(args)
	if key == "" {
		c.usage()
		if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
			return exitOK
		}
		fmt.Fprintf(c.stderr, "Error: unknown command %q\n", strings.Join(args, " "))
		return exitUsage
	}

	err := commands[key].run(ctx, c, rest)
	if cerr := c.close(); cerr != nil && err == nil {
		err = cerr
	}
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pflag.ErrHelp):
		return exitOK
	case errors.Is(err, errUsage):
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return exitUsage
	default:
		c.fail(err)
		return exitError
	}
}

// resolve finds the longest command key matching the leading arguments.
func resolve(args []string) (string, []string) {
	if len(args) >= 2 {
		if _, ok := commands[args[0]+" "+args[1]]; ok {
			return args[0] + " " + args[1], args[2:]
		}
	}
	if len(args) >= 1 {
		if _, ok := commands[args[0]]; ok {
			return args[0], args[1:]
		}
	}
	return "", nil
}

func (c *cli) usage() {
	keys := make([]string, 0, len(commands))
	for k := range commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(c.stderr, "Usage: smbzfs <command> [flags]")
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "Commands:")
	for _, k := range keys {
		fmt.Fprintf(c.stderr, "  %-15s %s\n", k, commands[k].summary)
	}
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "Run 'smbzfs <command> --help' for command flags.")
}

// flags returns a flag set carrying the global flags.
func (c *cli) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("smbzfs "+name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.SortFlags = false
	fs.StringVarP(&c.configPath, "config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/smbzfs/config.yaml or /etc/smbzfs/config.yaml)")
	fs.BoolVar(&c.jsonOutput, "json", false, "Print the result as JSON")
	fs.String("log-level", "", "Override the configured log level (DEBUG, INFO, WARN, ERROR)")
	fs.String("log-format", "", "Override the configured log format (text, json)")
	c.flagSet = fs
	return fs
}

// parse parses args and checks the number of positional arguments.
func parse(fs *pflag.FlagSet, args []string, positional ...string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != len(positional) {
		want := "no arguments"
		if len(positional) > 0 {
			want = "<" + strings.Join(positional, "> <") + ">"
		}
		return nil, fmt.Errorf("%w: %s expects %s", errUsage, fs.Name(), want)
	}
	return fs.Args(), nil
}

// environment is everything a command needs to talk to the host.
type environment struct {
	cfg     *config.Config
	metrics *config.MetricsResult
	store   *state.Store
	manager *manager.Manager
}

// manager loads the configuration and wires the engine on first use.
func (c *cli) manager(ctx context.Context) (*manager.Manager, error) {
	if c.env != nil {
		return c.env.manager, nil
	}

	cfg, err := config.LoadWithFlags(c.configPath, c.flagSet)
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}

	mres := config.InitializeMetrics(cfg)
	runner := command.NewExecRunner(mres.Command)

	sys, err := config.CreateSystemClient(cfg, runner)
	if err != nil {
		return nil, err
	}
	store, err := config.OpenStateStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := manager.New(store, zfs.New(runner), sys, config.CreateRenderer(&cfg.Samba), manager.Options{
		RequiredPackages: cfg.Packages.Required,
		Locker:           config.CreateLocker(&cfg.State),
		Metrics:          mres.Manager,
	})
	logger.Debug("state: %s", store.Location())

	c.env = &environment{cfg: cfg, metrics: mres, store: store, manager: m}
	return m, nil
}

func (c *cli) close() error {
	if c.env == nil {
		return nil
	}
	var errs []error
	if err := c.env.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.env.metrics.Flush(); err != nil {
		logger.Warn("metrics: %v", err)
	}
	_ = logger.Sync()
	c.env = nil
	return errors.Join(errs...)
}

// report prints a success message, or {"message", "state"} with --json.
func (c *cli) report(message string, payload any) error {
	if c.jsonOutput {
		return c.writeJSON(map[string]any{"message": message, "state": payload})
	}
	_, err := fmt.Fprintln(c.stdout, message)
	return err
}

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) fail(err error) {
	if c.jsonOutput {
		enc := json.NewEncoder(c.stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintf(c.stderr, "Error: %v\n", err)
}

func (c *cli) warn(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(c.stderr, "Warning: %s\n", w)
	}
}

// readPassword returns value, or reads a line from stdin when it is empty.
func (c *cli) readPassword(value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(c.stderr, prompt)
	line, err := c.stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", &manager.MissingInputError{Detail: "password is required"}
	}
	return line, nil
}

// confirmDeletion refuses destructive flags without --yes.
func confirmDeletion(deleteData, yes bool) error {
	if deleteData && !yes {
		return fmt.Errorf("%w: deleting data requires --yes", errUsage)
	}
	return nil
}
