package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/metrics"
)

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct {
	metrics metrics.CommandMetrics
	env     []string
}

// NewExecRunner creates a Runner. m may be nil.
func NewExecRunner(m metrics.CommandMetrics) *ExecRunner {
	if m == nil {
		m = metrics.NewCommandMetrics()
	}
	// Tools like zfs and testparm localize their output; parsing relies on C.
	env := append(os.Environ(), "LC_ALL=C")
	return &ExecRunner{metrics: m, env: env}
}

func (r *ExecRunner) Run(ctx context.Context, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	logger.Debug("exec: %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = r.env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	err := r.classify(argv, cmd, res, runErr)
	r.metrics.RecordCommand(filepath.Base(argv[0]), time.Since(start), err)

	if err != nil {
		var cmdErr *CommandError
		if opts.AllowFailure && errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
			logger.Debug("exec: %s exited %d (allowed)", argv[0], res.ExitCode)
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func (r *ExecRunner) RunPiped(ctx context.Context, stages [][]string) (*Result, error) {
	if len(stages) == 0 {
		return nil, errors.New("empty pipeline")
	}

	printable := make([]string, len(stages))
	for i, argv := range stages {
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty command in pipeline stage %d", i)
		}
		printable[i] = strings.Join(argv, " ")
	}
	logger.Debug("exec: %s", strings.Join(printable, " | "))

	cmds := make([]*exec.Cmd, len(stages))
	stderrs := make([]*bytes.Buffer, len(stages))
	var stdout bytes.Buffer
	var parentEnds []*os.File

	closeParentEnds := func() {
		for _, f := range parentEnds {
			_ = f.Close()
		}
		parentEnds = nil
	}

	for i, argv := range stages {
		cmds[i] = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmds[i].Env = r.env
		stderrs[i] = &bytes.Buffer{}
		cmds[i].Stderr = stderrs[i]
	}
	// os.Pipe instead of StdoutPipe: the parent closes its copies after
	// Start, so a dying reader makes the writer fail with EPIPE.
	for i := 0; i < len(cmds)-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			closeParentEnds()
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		cmds[i].Stdout = pw
		cmds[i+1].Stdin = pr
		parentEnds = append(parentEnds, pr, pw)
	}
	cmds[len(cmds)-1].Stdout = &stdout

	start := time.Now()
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			closeParentEnds()
			for _, started := range cmds[:i] {
				_ = started.Process.Kill()
				_ = started.Wait()
			}
			startErr := &CommandError{Command: stages[i], ExitCode: -1, Err: err}
			r.metrics.RecordCommand(filepath.Base(stages[i][0]), time.Since(start), startErr)
			return nil, startErr
		}
	}
	closeParentEnds()

	var firstErr error
	for i, cmd := range cmds {
		waitErr := cmd.Wait()
		res := &Result{Stderr: stderrs[i].String()}
		err := r.classify(stages[i], cmd, res, waitErr)
		r.metrics.RecordCommand(filepath.Base(stages[i][0]), time.Since(start), err)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	last := len(cmds) - 1
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderrs[last].String(),
		ExitCode: cmds[last].ProcessState.ExitCode(),
	}
	return res, firstErr
}

// classify turns the error from Run/Wait into a CommandError and fills in
// the exit code.
func (r *ExecRunner) classify(argv []string, cmd *exec.Cmd, res *Result, err error) error {
	if err == nil {
		res.ExitCode = 0
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Killed by a signal (context cancellation included).
			return &CommandError{Command: argv, ExitCode: -1, Stderr: res.Stderr, Err: err}
		}
		return NewCommandError(argv, res)
	}

	res.ExitCode = -1
	return &CommandError{Command: argv, ExitCode: -1, Stderr: res.Stderr, Err: err}
}
