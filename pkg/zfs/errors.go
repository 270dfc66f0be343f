package zfs

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// DatasetError reports a dataset precondition that does not hold (missing
// source, existing destination, malformed name).
type DatasetError struct {
	Dataset string
	Reason  string
	Err     error
}

func (e *DatasetError) Error() string {
	msg := fmt.Sprintf("dataset %s: %s", e.Dataset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

// InsufficientSpaceError is returned by MoveDataset before any snapshot is
// taken when the destination pool cannot hold the dataset.
type InsufficientSpaceError struct {
	Dataset   string
	Pool      string
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space on pool %s to move %s: requires %s, available %s",
		e.Pool, e.Dataset, humanize.IBytes(e.Required), humanize.IBytes(e.Available))
}

// MoveFailedError reports a failed send/receive. The source dataset is left
// untouched and remains authoritative.
type MoveFailedError struct {
	Dataset string
	Pool    string
	Err     error
}

func (e *MoveFailedError) Error() string {
	return fmt.Sprintf("failed to move %s to pool %s: %v", e.Dataset, e.Pool, e.Err)
}

func (e *MoveFailedError) Unwrap() error {
	return e.Err
}
