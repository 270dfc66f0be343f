package manager

import (
	"errors"
	"fmt"
	"strings"
)

// NotInitializedError is returned by every operation except Setup and
// Remove before the system has been set up.
type NotInitializedError struct{}

func (NotInitializedError) Error() string {
	return "system not set up, run 'setup' first"
}

type AlreadyInitializedError struct{}

func (AlreadyInitializedError) Error() string {
	return "system is already set up"
}

// ItemExistsError reports a name that is taken, in the state or on the
// host. Type is "user", "system user", "group", "share", "dataset", ...
type ItemExistsError struct {
	Type string
	Name string
}

func (e *ItemExistsError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", capitalize(e.Type), e.Name)
}

// ItemNotFoundError reports a reference to something that is neither
// managed nor present on the host.
type ItemNotFoundError struct {
	Type string
	Name string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found or not managed by this tool", capitalize(e.Type), e.Name)
}

type InvalidNameError struct {
	Detail string
}

func (e *InvalidNameError) Error() string {
	return e.Detail
}

// PrerequisiteError reports a missing package or pool.
type PrerequisiteError struct {
	Detail string
}

func (e *PrerequisiteError) Error() string {
	return e.Detail
}

// ImmutableError is returned when deleting a protected item.
type ImmutableError struct {
	Detail string
}

func (e *ImmutableError) Error() string {
	return e.Detail
}

// MissingInputError is returned by a modify call that would change nothing.
type MissingInputError struct {
	Detail string
}

func (e *MissingInputError) Error() string {
	return e.Detail
}

// PoolConflictError reports an inconsistent pool assignment: the primary
// listed as a secondary, or removal of a pool that shares still use.
type PoolConflictError struct {
	Pool   string
	Detail string
}

func (e *PoolConflictError) Error() string {
	return fmt.Sprintf("pool '%s': %s", e.Pool, e.Detail)
}

// RollbackError is returned when undoing a failed transaction was itself
// incomplete. Unwrap yields the error that triggered the rollback.
type RollbackError struct {
	Op       string
	Cause    error
	Failures []error
}

func (e *RollbackError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%v (rollback of %s incomplete: %s)", e.Cause, e.Op, strings.Join(msgs, "; "))
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// IsNotInitialized reports whether err is a NotInitializedError.
func IsNotInitialized(err error) bool {
	var target NotInitializedError
	return errors.As(err, &target)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
