package state

import "fmt"

// StorageError is a failure to read, parse or write persisted state. It is
// always fatal for the running command.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("state %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
