package system

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/marmos91/smbzfs/internal/command"
	"github.com/marmos91/smbzfs/internal/logger"
)

// ServiceController starts, stops and configures systemd units.
type ServiceController interface {
	Reload(ctx context.Context, units ...string) error
	Restart(ctx context.Context, units ...string) error
	Stop(ctx context.Context, units ...string) error
	Enable(ctx context.Context, units ...string) error
	Disable(ctx context.Context, units ...string) error
}

// SystemctlController drives systemctl through a command.Runner.
type SystemctlController struct {
	runner command.Runner
}

func NewSystemctlController(runner command.Runner) *SystemctlController {
	return &SystemctlController{runner: runner}
}

func (s *SystemctlController) do(ctx context.Context, verb string, units []string) error {
	if len(units) == 0 {
		return nil
	}
	logger.Debug("system: systemctl %s %s", verb, strings.Join(units, " "))
	_, err := s.runner.Run(ctx, append([]string{"systemctl", verb}, units...), command.Options{})
	return err
}

func (s *SystemctlController) Reload(ctx context.Context, units ...string) error {
	return s.do(ctx, "reload", units)
}

func (s *SystemctlController) Restart(ctx context.Context, units ...string) error {
	return s.do(ctx, "restart", units)
}

func (s *SystemctlController) Stop(ctx context.Context, units ...string) error {
	return s.do(ctx, "stop", units)
}

func (s *SystemctlController) Enable(ctx context.Context, units ...string) error {
	return s.do(ctx, "enable", units)
}

func (s *SystemctlController) Disable(ctx context.Context, units ...string) error {
	return s.do(ctx, "disable", units)
}

// unitConn is the subset of *dbus.Conn used by DBusController.
type unitConn interface {
	ReloadUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	ReloadContext(ctx context.Context) error
	Close()
}

// DBusController talks to systemd over the system bus. A connection is
// opened per call; the CLI issues only a handful of them.
type DBusController struct {
	timeout time.Duration
	dial    func(ctx context.Context) (unitConn, error)
}

// NewDBusController creates a controller that waits up to timeout for each
// job to finish.
func NewDBusController(timeout time.Duration) *DBusController {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DBusController{
		timeout: timeout,
		dial: func(ctx context.Context) (unitConn, error) {
			return dbus.NewSystemdConnectionContext(ctx)
		},
	}
}

// unitName appends ".service" to bare names.
func unitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (d *DBusController) runJobs(ctx context.Context, verb string, units []string, job func(unitConn) jobFunc) error {
	if len(units) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()

	for _, u := range units {
		name := unitName(u)
		logger.Debug("system: dbus %s %s", verb, name)

		done := make(chan string, 1)
		if _, err := job(conn)(ctx, name, "replace", done); err != nil {
			return fmt.Errorf("failed to %s %s: %w", verb, name, err)
		}
		select {
		case result := <-done:
			if result != "done" {
				return fmt.Errorf("failed to %s %s: job %s", verb, name, result)
			}
		case <-ctx.Done():
			return fmt.Errorf("failed to %s %s: %w", verb, name, ctx.Err())
		}
	}
	return nil
}

func (d *DBusController) Reload(ctx context.Context, units ...string) error {
	return d.runJobs(ctx, "reload", units, func(c unitConn) jobFunc { return c.ReloadUnitContext })
}

func (d *DBusController) Restart(ctx context.Context, units ...string) error {
	return d.runJobs(ctx, "restart", units, func(c unitConn) jobFunc { return c.RestartUnitContext })
}

func (d *DBusController) Stop(ctx context.Context, units ...string) error {
	return d.runJobs(ctx, "stop", units, func(c unitConn) jobFunc { return c.StopUnitContext })
}

func (d *DBusController) Enable(ctx context.Context, units ...string) error {
	return d.unitFiles(ctx, "enable", units, func(conn unitConn, files []string) error {
		_, _, err := conn.EnableUnitFilesContext(ctx, files, false, true)
		return err
	})
}

func (d *DBusController) Disable(ctx context.Context, units ...string) error {
	return d.unitFiles(ctx, "disable", units, func(conn unitConn, files []string) error {
		_, err := conn.DisableUnitFilesContext(ctx, files, false)
		return err
	})
}

func (d *DBusController) unitFiles(ctx context.Context, verb string, units []string, fn func(unitConn, []string) error) error {
	if len(units) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()

	files := make([]string, len(units))
	for i, u := range units {
		files[i] = unitName(u)
	}
	logger.Debug("system: dbus %s %s", verb, strings.Join(files, " "))
	if err := fn(conn, files); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, strings.Join(files, " "), err)
	}
	// Unit file changes take effect after a daemon reload.
	return conn.ReloadContext(ctx)
}

var (
	_ ServiceController = (*SystemctlController)(nil)
	_ ServiceController = (*DBusController)(nil)
)
