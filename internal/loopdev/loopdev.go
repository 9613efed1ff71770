// Package loopdev drives the loop-device lifecycle for an image file:
// attach with partition scanning, fsck, mount, unmount, detach. Everything
// shells out through execx, since loop devices and mounts are kernel
// operations with no useful pure-Go equivalent.
package loopdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sdforge/sdforge/internal/execx"
	"github.com/sdforge/sdforge/internal/layout"
)

var errNotLoopDevice = errors.New("not a loop device")

type Manager struct {
	logger *slog.Logger
	runner execx.Runner
}

func NewManager(logger *slog.Logger, runner execx.Runner) *Manager {
	return &Manager{
		logger: logger,
		runner: runner,
	}
}

// Attach attaches the image to a free loop device with partition scanning
// enabled, returning the device path (e.g. /dev/loop0).
func (m *Manager) Attach(ctx context.Context, imagePath string) (string, error) {
	device, err := m.runner.Output(ctx, "losetup", "--find", "--show", "-P", imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to attach '%s' to a loop device: %w", imagePath, err)
	}

	m.logger.Debug("attached image to loop device",
		"image", imagePath,
		"device", device,
	)

	return device, nil
}

func (m *Manager) Detach(ctx context.Context, device string) error {
	if !layout.IsLoopDevice(device) {
		return fmt.Errorf("%w: '%s'", errNotLoopDevice, device)
	}

	if err := m.runner.Run(ctx, "losetup", "-d", device); err != nil {
		return fmt.Errorf("failed to detach loop device '%s': %w", device, err)
	}

	return nil
}

// DetachAll detaches every unused loop device. Run before a build to clear
// out devices a previous aborted run may have left behind.
func (m *Manager) DetachAll(ctx context.Context) error {
	if err := m.runner.Run(ctx, "losetup", "-D"); err != nil {
		return fmt.Errorf("failed to detach loop devices: %w", err)
	}

	return nil
}

// FsckFAT checks and automatically repairs a FAT partition device.
func (m *Manager) FsckFAT(ctx context.Context, device string) error {
	if err := m.runner.Run(ctx, "dosfsck", "-a", device); err != nil {
		return fmt.Errorf("dosfsck of '%s' failed: %w", device, err)
	}

	return nil
}

// FsckExt4 checks an ext4 partition device, answering yes to all repairs.
func (m *Manager) FsckExt4(ctx context.Context, device string) error {
	if err := m.runner.Run(ctx, "fsck.ext4", "-y", device); err != nil {
		return fmt.Errorf("fsck.ext4 of '%s' failed: %w", device, err)
	}

	return nil
}

func (m *Manager) Mount(ctx context.Context, device string, dir string) error {
	if err := m.runner.Run(ctx, "mount", device, dir); err != nil {
		return fmt.Errorf("failed to mount '%s' on '%s': %w", device, dir, err)
	}

	return nil
}

func (m *Manager) Unmount(ctx context.Context, dir string) error {
	if err := m.runner.Run(ctx, "umount", dir); err != nil {
		return fmt.Errorf("failed to unmount '%s': %w", dir, err)
	}

	return nil
}

// MountTemp mounts a device on a fresh temporary directory and returns the
// mountpoint. The caller unmounts and removes it.
func (m *Manager) MountTemp(ctx context.Context, device string, prefix string) (string, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", fmt.Errorf("failed to create mountpoint: %w", err)
	}

	if err := m.Mount(ctx, device, dir); err != nil {
		os.Remove(dir) //nolint:errcheck
		return "", err
	}

	return dir, nil
}
