package zfs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marmos91/smbzfs/internal/command"
	"github.com/marmos91/smbzfs/internal/logger"
)

// MoveDataset relocates dataset to pool with snapshot send/receive and
// returns the new dataset name (same path, different pool).
//
// The source is destroyed only after the guid of the received snapshot
// matches the one that was sent. On any failure the partial destination and
// the migration snapshot are removed and the source stays authoritative.
func (c *Client) MoveDataset(ctx context.Context, dataset, pool string) (string, error) {
	if Parent(dataset) == "" {
		return "", &DatasetError{Dataset: dataset, Reason: "cannot move a pool root dataset"}
	}
	if PoolOf(dataset) == pool {
		return "", &DatasetError{Dataset: dataset, Reason: fmt.Sprintf("already on pool %s", pool)}
	}

	exists, err := c.DatasetExists(ctx, dataset)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", &DatasetError{Dataset: dataset, Reason: "does not exist"}
	}
	// send without -R copies only the top dataset, and the source is later
	// destroyed recursively.
	children, err := c.Descendants(ctx, dataset)
	if err != nil {
		return "", err
	}
	if len(children) > 0 {
		return "", &DatasetError{Dataset: dataset, Reason: fmt.Sprintf(
			"has child datasets (%s); move them separately first", strings.Join(children, ", "))}
	}

	poolExists, err := c.PoolExists(ctx, pool)
	if err != nil {
		return "", err
	}
	if !poolExists {
		return "", &DatasetError{Dataset: dataset, Reason: fmt.Sprintf("destination pool %s does not exist", pool)}
	}

	used, err := c.UsedBytes(ctx, dataset)
	if err != nil {
		return "", err
	}
	available, err := c.AvailableBytes(ctx, pool)
	if err != nil {
		return "", err
	}
	if used > available {
		return "", &InsufficientSpaceError{Dataset: dataset, Pool: pool, Required: used, Available: available}
	}

	dest := Rebase(dataset, pool)
	destExists, err := c.DatasetExists(ctx, dest)
	if err != nil {
		return "", err
	}
	if destExists {
		return "", &DatasetError{Dataset: dest, Reason: "destination already exists"}
	}

	if parent := Parent(dest); parent != pool {
		if err := c.CreateDataset(ctx, parent); err != nil {
			return "", fmt.Errorf("failed to create parent %s: %w", parent, err)
		}
	}

	snapName := fmt.Sprintf("moving_%d", c.now().Unix())
	srcSnap := dataset + "@" + snapName
	destSnap := dest + "@" + snapName

	logger.Info("zfs: moving %s to %s (%d bytes)", dataset, dest, used)

	if err := c.transfer(ctx, srcSnap, dest, destSnap); err != nil {
		c.cleanupFailedMove(ctx, srcSnap, dest)
		return "", &MoveFailedError{Dataset: dataset, Pool: pool, Err: err}
	}

	if err := c.DestroyDataset(ctx, dataset); err != nil {
		// Both copies may now be incomplete views of the data; keep the
		// verified destination for manual recovery.
		logger.Error("zfs: verified copy at %s but destroying source %s failed: %v", dest, dataset, err)
		return "", &MoveFailedError{
			Dataset: dataset,
			Pool:    pool,
			Err:     fmt.Errorf("destroying source (verified copy kept at %s): %w", dest, err),
		}
	}
	if err := c.DestroySnapshot(ctx, destSnap); err != nil {
		logger.Warn("zfs: failed to remove migration snapshot %s: %v", destSnap, err)
	}

	logger.Info("zfs: moved %s to %s", dataset, dest)
	return dest, nil
}

// transfer snapshots the source, pipes it into the destination and verifies
// both snapshots carry the same guid.
func (c *Client) transfer(ctx context.Context, srcSnap, dest, destSnap string) error {
	if _, err := c.runner.Run(ctx, []string{"zfs", "snapshot", srcSnap}, command.Options{}); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	_, err := c.runner.RunPiped(ctx, [][]string{
		{"zfs", "send", srcSnap},
		{"zfs", "recv", "-F", dest},
	})
	if err != nil {
		return fmt.Errorf("send/receive: %w", err)
	}

	srcGUID, err := c.GUID(ctx, srcSnap)
	if err != nil {
		return fmt.Errorf("reading source guid: %w", err)
	}
	destGUID, err := c.GUID(ctx, destSnap)
	if err != nil {
		return fmt.Errorf("reading destination guid: %w", err)
	}
	if srcGUID == "" || srcGUID == unsetValue || destGUID == "" || destGUID == unsetValue {
		return errors.New("snapshot guid is unset")
	}
	if srcGUID != destGUID {
		return fmt.Errorf("guid mismatch: source %s, destination %s", srcGUID, destGUID)
	}
	return nil
}

func (c *Client) cleanupFailedMove(ctx context.Context, srcSnap, dest string) {
	if err := c.DestroyDataset(ctx, dest); err != nil {
		logger.Error("zfs: cleanup: failed to destroy partial destination %s: %v", dest, err)
	}
	if err := c.DestroySnapshot(ctx, srcSnap); err != nil {
		logger.Error("zfs: cleanup: failed to destroy snapshot %s: %v", srcSnap, err)
	}
}
