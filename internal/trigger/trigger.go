// Package trigger runs the external action fired on each power-on. The
// action is an argv vector executed once per event; its outcome is reported
// and logged but never retried.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment variables passed to the command.
const (
	EnvEventID    = "TVWAKE_EVENT_ID"
	EnvDevice     = "TVWAKE_DEVICE"
	EnvDetectedAt = "TVWAKE_DETECTED_AT"
)

// ErrEmptyCommand is returned when no argv is configured.
var ErrEmptyCommand = errors.New("trigger command is empty")

// Event describes the power-on that fired the action.
type Event struct {
	ID         string
	Device     string
	DetectedAt time.Time
}

// Action is fired once per detected power-on.
type Action interface {
	Fire(ctx context.Context, ev Event) error
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("trigger command exited with status %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("trigger command exited with status %d", e.Code)
}

// Command is an Action that executes a fixed argv.
type Command struct {
	argv    []string
	timeout time.Duration
	runner  Runner
	logger  *zap.Logger
}

// Compile-time interface guard.
var _ Action = (*Command)(nil)

// NewCommand validates argv and returns a Command that runs it through
// runner. A timeout of zero leaves the command unbounded.
func NewCommand(argv []string, timeout time.Duration, runner Runner, logger *zap.Logger) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, ErrEmptyCommand
	}
	cp := make([]string, len(argv))
	copy(cp, argv)
	return &Command{
		argv:    cp,
		timeout: timeout,
		runner:  runner,
		logger:  logger,
	}, nil
}

// Argv returns a copy of the command line.
func (c *Command) Argv() []string {
	out := make([]string, len(c.argv))
	copy(out, c.argv)
	return out
}

// Fire runs the command once. A non-zero exit returns *ExitError.
func (c *Command) Fire(ctx context.Context, ev Event) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	env := []string{
		EnvEventID + "=" + ev.ID,
		EnvDevice + "=" + ev.Device,
		EnvDetectedAt + "=" + ev.DetectedAt.UTC().Format(time.RFC3339Nano),
	}

	res, err := c.runner.Run(ctx, c.argv, env)
	if err != nil {
		c.logger.Error("trigger command could not run",
			zap.String("event_id", ev.ID),
			zap.Strings("argv", c.argv),
			zap.Error(err),
		)
		return fmt.Errorf("run trigger command: %w", err)
	}

	if !res.Success() {
		c.logger.Error("trigger command failed",
			zap.String("event_id", ev.ID),
			zap.Int("code", res.ExitCode),
			zap.ByteString("stdout", res.Stdout),
			zap.ByteString("stderr", res.Stderr),
		)
		return &ExitError{Code: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))}
	}

	c.logger.Info("trigger command ok",
		zap.String("event_id", ev.ID),
		zap.Duration("duration", res.Duration),
	)
	return nil
}

// StartAppArgv builds the curl call that asks the TV's control service at
// hostport to launch an Android package.
func StartAppArgv(hostport, pkg string) []string {
	target := "http://" + hostport + "/controller?action=startapp&type=packagename&packagename=" +
		url.QueryEscape(pkg)
	return []string{"curl", "-v", target}
}
