// Package commandtest provides a scripted command.Runner for adapter tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/marmos91/smbzfs/internal/command"
)

// Response is what a scripted command returns.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err simulates a command that cannot be started.
	Err error
}

// Call records one invocation.
type Call struct {
	Argv  []string
	Stdin string
}

// String joins the argv with spaces.
func (c Call) String() string {
	return strings.Join(c.Argv, " ")
}

// HandlerFunc answers any command not scripted with On.
type HandlerFunc func(argv []string, stdin string) Response

// FakeRunner answers commands from a script. Exact matches registered with
// On take precedence (latest registration wins), then Handler, then a
// successful empty response.
type FakeRunner struct {
	Handler HandlerFunc

	mu      sync.Mutex
	scripts map[string][]Response
	calls   []Call
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{scripts: make(map[string][]Response)}
}

// On scripts the response of an exact argv. Several responses for the same
// argv are returned in order; the last one repeats.
func (f *FakeRunner) On(resp Response, argv ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.Join(argv, "\x00")
	f.scripts[key] = append(f.scripts[key], resp)
}

// Calls returns a copy of every recorded invocation.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded invocations as space-joined strings.
func (f *FakeRunner) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Called reports whether argv was invoked at least once.
func (f *FakeRunner) Called(argv ...string) bool {
	want := strings.Join(argv, " ")
	for _, cmd := range f.Commands() {
		if cmd == want {
			return true
		}
	}
	return false
}

// Reset forgets recorded calls but keeps the script.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *FakeRunner) respond(argv []string, stdin string) Response {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Argv: append([]string(nil), argv...), Stdin: stdin})
	key := strings.Join(argv, "\x00")
	queue := f.scripts[key]
	if len(queue) > 0 {
		resp := queue[0]
		if len(queue) > 1 {
			f.scripts[key] = queue[1:]
		}
		f.mu.Unlock()
		return resp
	}
	handler := f.Handler
	f.mu.Unlock()

	if handler != nil {
		return handler(argv, stdin)
	}
	return Response{}
}

func (f *FakeRunner) Run(ctx context.Context, argv []string, opts command.Options) (*command.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := f.respond(argv, opts.Stdin)
	res := &command.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	if resp.Err != nil {
		return res, &command.CommandError{Command: argv, ExitCode: -1, Err: resp.Err}
	}
	if resp.ExitCode != 0 && !opts.AllowFailure {
		return res, command.NewCommandError(argv, res)
	}
	return res, nil
}

func (f *FakeRunner) RunPiped(ctx context.Context, stages [][]string) (*command.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		res      = &command.Result{}
		firstErr error
	)
	for _, argv := range stages {
		resp := f.respond(argv, "")
		res = &command.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
		if firstErr != nil {
			continue
		}
		if resp.Err != nil {
			firstErr = &command.CommandError{Command: argv, ExitCode: -1, Err: resp.Err}
		} else if resp.ExitCode != 0 {
			firstErr = command.NewCommandError(argv, res)
		}
	}
	return res, firstErr
}

var _ command.Runner = (*FakeRunner)(nil)
