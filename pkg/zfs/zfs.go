// Package zfs wraps the zfs and zpool command line tools.
//
// All commands go through a command.Runner. Probes (does this dataset
// exist?) use the exit status; mutations fail with a command.CommandError.
package zfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/smbzfs/internal/command"
	"github.com/marmos91/smbzfs/internal/logger"
)

// unsetValue is what "zfs get" prints for a property without a value.
const unsetValue = "-"

// Client runs zfs/zpool commands.
type Client struct {
	runner command.Runner
	now    func() time.Time
}

// New creates a Client on top of runner.
func New(runner command.Runner) *Client {
	return &Client{runner: runner, now: time.Now}
}

// WithClock overrides the clock used to name migration snapshots.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// ListPools returns the names of the imported pools.
func (c *Client) ListPools(ctx context.Context) ([]string, error) {
	out, err := command.Output(ctx, c.runner, "zpool", "list", "-H", "-o", "name")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// PoolExists reports whether pool is imported.
func (c *Client) PoolExists(ctx context.Context, pool string) (bool, error) {
	pools, err := c.ListPools(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pools {
		if p == pool {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	return command.Succeeds(ctx, c.runner, "zfs", "list", "-H", "-o", "name", dataset)
}

// Descendants returns the datasets below dataset, without dataset itself.
func (c *Client) Descendants(ctx context.Context, dataset string) ([]string, error) {
	out, err := command.Output(ctx, c.runner, "zfs", "list", "-H", "-r", "-t", "filesystem,volume", "-o", "name", dataset)
	if err != nil {
		return nil, err
	}
	var children []string
	for _, name := range splitLines(out) {
		if name != dataset {
			children = append(children, name)
		}
	}
	return children, nil
}

func (c *Client) SnapshotExists(ctx context.Context, snapshot string) (bool, error) {
	return command.Succeeds(ctx, c.runner, "zfs", "list", "-H", "-t", "snapshot", "-o", "name", snapshot)
}

// CreateDataset creates dataset and any missing parents. Existing datasets
// are left alone.
func (c *Client) CreateDataset(ctx context.Context, dataset string) error {
	exists, err := c.DatasetExists(ctx, dataset)
	if err != nil || exists {
		return err
	}
	logger.Debug("zfs: creating dataset %s", dataset)
	_, err = c.runner.Run(ctx, []string{"zfs", "create", "-p", dataset}, command.Options{})
	return err
}

// DestroyDataset destroys dataset with its children and snapshots. Absent
// datasets are a no-op.
func (c *Client) DestroyDataset(ctx context.Context, dataset string) error {
	exists, err := c.DatasetExists(ctx, dataset)
	if err != nil || !exists {
		return err
	}
	logger.Debug("zfs: destroying dataset %s", dataset)
	_, err = c.runner.Run(ctx, []string{"zfs", "destroy", "-r", dataset}, command.Options{})
	return err
}

// DestroySnapshot destroys a single snapshot. Absent snapshots are a no-op.
func (c *Client) DestroySnapshot(ctx context.Context, snapshot string) error {
	if !strings.Contains(snapshot, "@") {
		return &DatasetError{Dataset: snapshot, Reason: "not a snapshot name"}
	}
	exists, err := c.SnapshotExists(ctx, snapshot)
	if err != nil || !exists {
		return err
	}
	_, err = c.runner.Run(ctx, []string{"zfs", "destroy", snapshot}, command.Options{})
	return err
}

// GetProperty returns the display value of a property.
func (c *Client) GetProperty(ctx context.Context, name, property string) (string, error) {
	return command.Output(ctx, c.runner, "zfs", "get", "-H", "-o", "value", property, name)
}

// SetProperty sets property=value on name.
func (c *Client) SetProperty(ctx context.Context, name, property, value string) error {
	_, err := c.runner.Run(ctx, []string{"zfs", "set", property + "=" + value, name}, command.Options{})
	return err
}

func (c *Client) getBytes(ctx context.Context, name, property string) (uint64, error) {
	out, err := command.Output(ctx, c.runner, "zfs", "get", "-Hp", "-o", "value", property, name)
	if err != nil {
		return 0, err
	}
	if out == unsetValue || out == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected %s value %q for %s: %w", property, out, name, err)
	}
	return n, nil
}

func (c *Client) GetMountpoint(ctx context.Context, dataset string) (string, error) {
	return c.GetProperty(ctx, dataset, "mountpoint")
}

// GetQuota returns the live quota of dataset.
func (c *Client) GetQuota(ctx context.Context, dataset string) (Quota, error) {
	out, err := c.GetProperty(ctx, dataset, "quota")
	if err != nil {
		return Quota{}, err
	}
	if out == unsetValue {
		return Quota{}, nil
	}
	return ParseQuota(out)
}

// SetQuota applies q; the zero Quota clears it.
func (c *Client) SetQuota(ctx context.Context, dataset string, q Quota) error {
	logger.Debug("zfs: setting quota=%s on %s", q, dataset)
	return c.SetProperty(ctx, dataset, "quota", q.String())
}

// UsedBytes returns the space consumed by dataset and its descendants.
func (c *Client) UsedBytes(ctx context.Context, dataset string) (uint64, error) {
	return c.getBytes(ctx, dataset, "used")
}

// AvailableBytes returns the space available to the root dataset of pool.
func (c *Client) AvailableBytes(ctx context.Context, pool string) (uint64, error) {
	return c.getBytes(ctx, pool, "available")
}

// GUID returns the guid property of a dataset or snapshot, or "-" when
// unset.
func (c *Client) GUID(ctx context.Context, name string) (string, error) {
	return c.GetProperty(ctx, name, "guid")
}

// RenameDataset renames oldName to newName within the same pool.
func (c *Client) RenameDataset(ctx context.Context, oldName, newName string) error {
	exists, err := c.DatasetExists(ctx, oldName)
	if err != nil {
		return err
	}
	if !exists {
		return &DatasetError{Dataset: oldName, Reason: "does not exist"}
	}
	exists, err = c.DatasetExists(ctx, newName)
	if err != nil {
		return err
	}
	if exists {
		return &DatasetError{Dataset: newName, Reason: "already exists"}
	}

	logger.Info("zfs: renaming %s to %s", oldName, newName)
	_, err = c.runner.Run(ctx, []string{"zfs", "rename", oldName, newName}, command.Options{})
	return err
}

// PoolOf returns the pool component of a dataset name.
func PoolOf(dataset string) string {
	pool, _, _ := strings.Cut(dataset, "/")
	return pool
}

// Rebase replaces the pool component of dataset with pool.
func Rebase(dataset, pool string) string {
	_, rest, found := strings.Cut(dataset, "/")
	if !found {
		return pool
	}
	return pool + "/" + rest
}

// Parent returns the parent dataset name, or "" for a pool root.
func Parent(dataset string) string {
	i := strings.LastIndex(dataset, "/")
	if i < 0 {
		return ""
	}
	return dataset[:i]
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
