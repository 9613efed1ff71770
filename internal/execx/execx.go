// Package execx wraps os/exec for the parts of the build that have to shell
// out to system tooling (losetup, mount, fsck, chroot, podman). Commands run
// through a Runner interface so exec-heavy packages can be tested with a fake.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

type Runner interface {
	// Run executes a command, discarding stdout.
	Run(ctx context.Context, name string, args ...string) error

	// Output executes a command and returns its stdout with surrounding
	// whitespace trimmed.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

type CommandError struct {
	Command string
	Stderr  string
	wrapped error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command '%s' failed: %v", e.Command, e.wrapped)
	}

	return fmt.Sprintf("command '%s' failed: %v: %s", e.Command, e.wrapped, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.wrapped
}

type runner struct {
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger) Runner {
	return &runner{logger: logger}
}

func (r *runner) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.run(ctx, name, args...)
	return err
}

func (r *runner) Output(ctx context.Context, name string, args ...string) (string, error) {
	stdout, err := r.run(ctx, name, args...)
	return strings.TrimSpace(stdout), err
}

func (r *runner) run(ctx context.Context, name string, args ...string) (string, error) {
	r.logger.Debug("running command",
		"command", name,
		"args", args,
	)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Command: name + " " + strings.Join(args, " "),
			Stderr:  strings.TrimSpace(stderr.String()),
			wrapped: err,
		}
	}

	return stdout.String(), nil
}
