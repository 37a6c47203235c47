package trigger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

const waitDelay = 2 * time.Second

// Result is what a finished command reports back.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Runner abstracts process execution so the trigger can be tested without
// spawning real commands.
type Runner interface {
	// Run executes argv with env appended to the current environment. A
	// non-zero exit is reported through Result.ExitCode, not the error; the
	// error is reserved for commands that could not be started or waited on.
	Run(ctx context.Context, argv []string, env []string) (Result, error)
}

// ExecRunner runs commands on the host via os/exec.
type ExecRunner struct{}

// Compile-time interface guard.
var _ Runner = ExecRunner{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, argv []string, env []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	// Grandchildren holding the output pipes must not outlive a cancelled run.
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		// Killed by a signal (including context expiry) or never started.
		res.ExitCode = -1
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, err
	}
}
