// Package chroot manages a chroot environment over an extracted root
// filesystem, so that the target distro's own package manager can run against
// it from the build host.
package chroot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sdforge/sdforge/internal/execx"
)

// Kernel filesystems bind-mounted into the chroot, in mount order.
var kernelFilesystems = []string{"dev", "proc", "sys"}

const resolvConf = "/etc/resolv.conf"

type Env struct {
	logger *slog.Logger
	runner execx.Runner
	root   string

	mounts          []string
	resolvInstalled bool
}

func New(logger *slog.Logger, runner execx.Runner, root string) *Env {
	return &Env{
		logger: logger,
		runner: runner,
		root:   root,
	}
}

func (e *Env) Root() string {
	return e.root
}

// Setup bind-mounts the kernel filesystems into the chroot and installs the
// host's resolv.conf so that commands inside it have network access. Callers
// must arrange for Teardown to run, including on error paths.
func (e *Env) Setup(ctx context.Context) error {
	for _, fs := range kernelFilesystems {
		target := filepath.Join(e.root, fs)

		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("failed to create mountpoint '%s': %w", target, err)
		}

		if err := e.runner.Run(ctx, "mount", "--bind", "/"+fs, target); err != nil {
			return fmt.Errorf("failed to bind-mount /%s: %w", fs, err)
		}

		e.mounts = append(e.mounts, target)
	}

	// ReadFile follows the symlink that resolv.conf usually is on
	// resolved-managed hosts, so the chroot gets a plain file.
	content, err := os.ReadFile(resolvConf)
	if err != nil {
		return fmt.Errorf("failed to read host resolv.conf: %w", err)
	}

	if err := os.WriteFile(filepath.Join(e.root, resolvConf), content, 0o644); err != nil {
		return fmt.Errorf("failed to install resolv.conf: %w", err)
	}

	e.resolvInstalled = true

	e.logger.Debug("chroot environment ready",
		"root", e.root,
	)

	return nil
}

// Run executes a command inside the chroot.
func (e *Env) Run(ctx context.Context, name string, args ...string) error {
	chrootArgs := append([]string{e.root, name}, args...)

	if err := e.runner.Run(ctx, "chroot", chrootArgs...); err != nil {
		return fmt.Errorf("command '%s' failed in chroot: %w", name, err)
	}

	return nil
}

// Teardown removes the installed resolv.conf and unmounts the kernel
// filesystems in reverse order. It is idempotent, so it is safe to defer even
// when Setup failed partway.
func (e *Env) Teardown(ctx context.Context) error {
	var errs []error

	if e.resolvInstalled {
		if err := os.Remove(filepath.Join(e.root, resolvConf)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove resolv.conf: %w", err))
		}

		e.resolvInstalled = false
	}

	for i := len(e.mounts) - 1; i >= 0; i-- {
		if err := e.runner.Run(ctx, "umount", e.mounts[i]); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmount '%s': %w", e.mounts[i], err))
		}
	}

	e.mounts = nil

	return errors.Join(errs...)
}
