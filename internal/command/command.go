// Package command executes external programs (zfs, zpool, useradd, smbpasswd,
// systemctl, testparm, ...) on behalf of the adapters.
//
// Every invocation goes through a Runner so adapters can be exercised in tests
// with a scripted fake (see the commandtest package). Arguments are always
// passed as argv, never through a shell.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Options tune a single Run call.
type Options struct {
	// Stdin is written to the process standard input. Secrets (passwords)
	// travel this way so they never appear in argv or in logs.
	Stdin string

	// AllowFailure returns the Result of a non-zero exit instead of a
	// CommandError. Used by probes such as "zfs list <dataset>" where the
	// exit code is the answer.
	AllowFailure bool
}

// Result is the captured outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs external commands.
type Runner interface {
	// Run executes argv and waits for it to finish.
	Run(ctx context.Context, argv []string, opts Options) (*Result, error)

	// RunPiped connects the stdout of each stage to the stdin of the next
	// one and waits for all of them. Any stage exiting non-zero is an error.
	RunPiped(ctx context.Context, stages [][]string) (*Result, error)
}

// CommandError reports a command that could not be started or exited with a
// non-zero status.
type CommandError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	cmd := strings.Join(e.Command, " ")
	if e.Err != nil && e.ExitCode < 0 {
		return fmt.Sprintf("command '%s' could not be run: %v", cmd, e.Err)
	}
	msg := fmt.Sprintf("command '%s' failed with exit code %d", cmd, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError builds the error returned for a non-zero exit.
func NewCommandError(argv []string, res *Result) *CommandError {
	return &CommandError{
		Command:  append([]string(nil), argv...),
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	}
}

// IsCommandError reports whether err (or anything it wraps) is a CommandError.
func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

// Output runs argv and returns its trimmed stdout.
func Output(ctx context.Context, r Runner, argv ...string) (string, error) {
	res, err := r.Run(ctx, argv, Options{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Succeeds runs argv as a probe and reports whether it exited with status 0.
// Only failures to start the program are returned as errors.
func Succeeds(ctx context.Context, r Runner, argv ...string) (bool, error) {
	res, err := r.Run(ctx, argv, Options{AllowFailure: true})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}
