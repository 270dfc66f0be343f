package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUnitConn struct {
	jobs     []string
	enabled  []string
	disabled []string
	reloaded bool
	closed   bool
	result   string
}

func (f *fakeUnitConn) job(verb string) jobFunc {
	return func(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
		f.jobs = append(f.jobs, verb+" "+name)
		ch <- f.result
		return len(f.jobs), nil
	}
}

func (f *fakeUnitConn) ReloadUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return f.job("reload")(ctx, name, mode, ch)
}

func (f *fakeUnitConn) RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return f.job("restart")(ctx, name, mode, ch)
}

func (f *fakeUnitConn) StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	return f.job("stop")(ctx, name, mode, ch)
}

func (f *fakeUnitConn) EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	f.enabled = append(f.enabled, files...)
	return true, nil, nil
}

func (f *fakeUnitConn) DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error) {
	f.disabled = append(f.disabled, files...)
	return nil, nil
}

func (f *fakeUnitConn) ReloadContext(ctx context.Context) error {
	f.reloaded = true
	return nil
}

func (f *fakeUnitConn) Close() { f.closed = true }

func newFakeDBus(conn *fakeUnitConn) *DBusController {
	d := NewDBusController(time.Second)
	d.dial = func(ctx context.Context) (unitConn, error) { return conn, nil }
	return d
}

func TestDBusController_Jobs(t *testing.T) {
	conn := &fakeUnitConn{result: "done"}
	d := newFakeDBus(conn)

	require.NoError(t, d.Restart(context.Background(), "smbd", "nmbd", "avahi-daemon.service"))
	assert.Equal(t, []string{
		"restart smbd.service",
		"restart nmbd.service",
		"restart avahi-daemon.service",
	}, conn.jobs)
	assert.True(t, conn.closed)
}

func TestDBusController_FailedJob(t *testing.T) {
	conn := &fakeUnitConn{result: "failed"}
	d := newFakeDBus(conn)

	err := d.Reload(context.Background(), "smbd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job failed")
}

func TestDBusController_UnitFiles(t *testing.T) {
	conn := &fakeUnitConn{result: "done"}
	d := newFakeDBus(conn)

	require.NoError(t, d.Enable(context.Background(), "smbd", "nmbd"))
	assert.Equal(t, []string{"smbd.service", "nmbd.service"}, conn.enabled)
	assert.True(t, conn.reloaded)

	require.NoError(t, d.Disable(context.Background(), "avahi-daemon"))
	assert.Equal(t, []string{"avahi-daemon.service"}, conn.disabled)
}

func TestDBusController_DialError(t *testing.T) {
	d := NewDBusController(time.Second)
	d.dial = func(ctx context.Context) (unitConn, error) { return nil, errors.New("no system bus") }

	err := d.Stop(context.Background(), "smbd")
	assert.ErrorContains(t, err, "connecting to systemd")
}
