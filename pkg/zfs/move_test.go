package zfs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedClock = func() time.Time { return time.Unix(1700000000, 0) }

func newMoveFixture() (*simZFS, *Client) {
	sim := newSimZFS("tank", "archive")
	sim.add("tank/shares", nil)
	sim.add("tank/shares/docs", map[string]string{"used": "4096", "quota": "10G"})
	return sim, New(sim.runner()).WithClock(fixedClock)
}

func TestMoveDataset_Success(t *testing.T) {
	sim, c := newMoveFixture()

	dest, err := c.MoveDataset(context.Background(), "tank/shares/docs", "archive")
	require.NoError(t, err)
	assert.Equal(t, "archive/shares/docs", dest)

	assert.True(t, sim.has("archive/shares"), "parents are created on the destination pool")
	assert.True(t, sim.has("archive/shares/docs"))
	assert.False(t, sim.has("tank/shares/docs"), "source is destroyed after verification")
	assert.False(t, sim.has("archive/shares/docs@moving_1700000000"), "migration snapshot is removed")
	assert.True(t, sim.has("tank/shares"), "only the moved dataset is destroyed")
}

func TestMoveDataset_InsufficientSpace(t *testing.T) {
	sim, c := newMoveFixture()
	sim.add("tank/shares/docs", map[string]string{"used": "5000000000"})
	r := sim.runner()
	c.runner = r

	_, err := c.MoveDataset(context.Background(), "tank/shares/docs", "archive")

	var spaceErr *InsufficientSpaceError
	require.True(t, errors.As(err, &spaceErr))
	assert.Equal(t, uint64(5000000000), spaceErr.Required)
	assert.Equal(t, uint64(1000000000), spaceErr.Available)

	for _, cmd := range r.Commands() {
		assert.False(t, strings.HasPrefix(cmd, "zfs snapshot"), "no snapshot before the space check: %s", cmd)
	}
	assert.True(t, sim.has("tank/shares/docs"))
}

func TestMoveDataset_GUIDMismatchKeepsSource(t *testing.T) {
	sim, c := newMoveFixture()
	sim.corruptGUID = true

	_, err := c.MoveDataset(context.Background(), "tank/shares/docs", "archive")

	var moveErr *MoveFailedError
	require.True(t, errors.As(err, &moveErr))
	assert.True(t, sim.has("tank/shares/docs"), "source must survive an unverified copy")
	assert.False(t, sim.has("archive/shares/docs"), "partial destination is cleaned up")
	assert.False(t, sim.has("tank/shares/docs@moving_1700000000"), "dangling source snapshot is removed")
}

func TestMoveDataset_ReceiveFailure(t *testing.T) {
	sim, c := newMoveFixture()
	sim.failRecv = true

	_, err := c.MoveDataset(context.Background(), "tank/shares/docs", "archive")

	var moveErr *MoveFailedError
	require.True(t, errors.As(err, &moveErr))
	assert.Contains(t, err.Error(), "send/receive")
	assert.True(t, sim.has("tank/shares/docs"))
	assert.False(t, sim.has("archive/shares/docs"))
	assert.False(t, sim.has("tank/shares/docs@moving_1700000000"))
}

func TestMoveDataset_SourceDestroyFailureKeepsBothCopies(t *testing.T) {
	sim, c := newMoveFixture()
	sim.failDestroy = "tank/shares/docs"

	_, err := c.MoveDataset(context.Background(), "tank/shares/docs", "archive")

	var moveErr *MoveFailedError
	require.True(t, errors.As(err, &moveErr))
	assert.True(t, sim.has("tank/shares/docs"))
	assert.True(t, sim.has("archive/shares/docs"))
}

func TestMoveDataset_Preconditions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		dataset string
		pool    string
		setup   func(*simZFS)
	}{
		{name: "MissingSource", dataset: "tank/shares/nope", pool: "archive"},
		{name: "MissingPool", dataset: "tank/shares/docs", pool: "scratch"},
		{name: "SamePool", dataset: "tank/shares/docs", pool: "tank"},
		{name: "PoolRoot", dataset: "tank", pool: "archive"},
		{
			name:    "HasChildren",
			dataset: "tank/shares/docs",
			pool:    "archive",
			setup:   func(s *simZFS) { s.add("tank/shares/docs/sub", map[string]string{"used": "1024"}) },
		},
		{
			name:    "DestinationExists",
			dataset: "tank/shares/docs",
			pool:    "archive",
			setup:   func(s *simZFS) { s.add("archive/shares/docs", nil) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, c := newMoveFixture()
			if tt.setup != nil {
				tt.setup(sim)
			}
			before := sim.names()

			_, err := c.MoveDataset(ctx, tt.dataset, tt.pool)

			var dsErr *DatasetError
			require.True(t, errors.As(err, &dsErr), "got %v", err)
			assert.Equal(t, before, sim.names(), "nothing changes on a rejected move")
		})
	}
}

func TestMoveDataset_ChildDatasetsAreNeverLost(t *testing.T) {
	sim, c := newMoveFixture()
	sim.add("tank/shares/docs/sub", map[string]string{"used": "1024"})

	_, err := c.MoveDataset(context.Background(), "tank/shares/docs", "archive")

	var dsErr *DatasetError
	require.ErrorAs(t, err, &dsErr)
	assert.Contains(t, dsErr.Error(), "tank/shares/docs/sub")
	assert.True(t, sim.has("tank/shares/docs"))
	assert.True(t, sim.has("tank/shares/docs/sub"))
	assert.False(t, sim.has("archive/shares/docs"))
	assert.False(t, sim.has("tank/shares/docs@moving_1700000000"), "no snapshot is taken")
}

func TestDescendants(t *testing.T) {
	sim, c := newMoveFixture()
	sim.add("tank/shares/docs/a", nil)
	sim.add("tank/shares/docs/a/b", nil)
	sim.add("tank/shares/docs2", nil)

	children, err := c.Descendants(context.Background(), "tank/shares/docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"tank/shares/docs/a", "tank/shares/docs/a/b"}, children)

	children, err = c.Descendants(context.Background(), "tank/shares/docs2")
	require.NoError(t, err)
	assert.Empty(t, children)
}
