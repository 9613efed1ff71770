// Package combine performs the root filesystem swap: the base image keeps
// its boot partition, kernel modules and firmware, and everything else on the
// root partition is replaced with the provisioned rootfs.
package combine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sdforge/sdforge/internal/layout"
	"github.com/sdforge/sdforge/internal/loopdev"
	"github.com/sdforge/sdforge/internal/rootfs"
)

type Options struct {
	// Paths on the base root partition that must survive the swap, relative
	// to the filesystem root; glob patterns allowed. These hold the kernel
	// modules, firmware and vendor libraries matching the base image's
	// kernel.
	PreservePaths []string `mapstructure:"preserve_paths" default:"[\"usr/lib/modules\", \"usr/src\", \"usr/lib/firmware\", \"usr/lib/rasp*\"]"`

	// Wait after the copy before unmounting, to let the kernel finish
	// writeback on slow storage
	SettleDelay time.Duration `mapstructure:"settle_delay" default:"5s"`
}

type Combiner struct {
	logger *slog.Logger
	loop   *loopdev.Manager
}

func New(logger *slog.Logger, loop *loopdev.Manager) *Combiner {
	return &Combiner{
		logger: logger,
		loop:   loop,
	}
}

// Combine rewrites the root partition of the image at imagePath with the
// rootfs tree at rootfsPath. The image is attached to a loop device for the
// duration; cleanup runs on all paths.
func (c *Combiner) Combine(ctx context.Context, imagePath string, rootfsPath string, opts *Options) (err error) {
	table, err := layout.Inspect(imagePath)
	if err != nil {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	if err := table.Validate(); err != nil {
		return fmt.Errorf("image has unexpected partition layout: %w", err)
	}

	device, err := c.loop.Attach(ctx, imagePath)
	if err != nil {
		return err
	}

	defer func() {
		if detachErr := c.loop.Detach(context.WithoutCancel(ctx), device); detachErr != nil {
			err = errors.Join(err, detachErr)
		}
	}()

	bootDevice := layout.PartitionDevice(device, layout.BootPartition)
	rootDevice := layout.PartitionDevice(device, layout.RootPartition)

	if err := c.loop.FsckFAT(ctx, bootDevice); err != nil {
		return err
	}

	if err := c.loop.FsckExt4(ctx, rootDevice); err != nil {
		return err
	}

	rootMount, err := c.loop.MountTemp(ctx, rootDevice, "sdforge-root-")
	if err != nil {
		return err
	}

	defer func() {
		// Give the kernel a moment to settle before unmounting; teardown
		// must run even when the build context is already cancelled
		time.Sleep(opts.SettleDelay)

		cleanupCtx := context.WithoutCancel(ctx)
		if unmountErr := c.loop.Unmount(cleanupCtx, rootMount); unmountErr != nil {
			err = errors.Join(err, unmountErr)
			return
		}

		if removeErr := os.Remove(rootMount); removeErr != nil {
			err = errors.Join(err, removeErr)
		}
	}()

	return c.swapRoot(rootMount, rootfsPath, opts)
}

func (c *Combiner) swapRoot(rootMount string, rootfsPath string, opts *Options) error {
	preserved, err := rootfs.Preserve(c.logger, rootMount, opts.PreservePaths)
	if err != nil {
		return fmt.Errorf("failed to preserve base directories: %w", err)
	}

	c.logger.Info("wiping root partition",
		"mount", rootMount,
		"preserved", len(preserved),
	)

	// /boot stays: the base image's kernel and its symlinked firmware path
	// live there
	if err := rootfs.Wipe(rootMount, []string{"boot"}); err != nil {
		return fmt.Errorf("failed to wipe root partition: %w", err)
	}

	c.logger.Info("copying rootfs into root partition",
		"rootfs", rootfsPath,
	)

	if err := rootfs.CopyTree(rootfsPath, rootMount); err != nil {
		return fmt.Errorf("failed to copy rootfs: %w", err)
	}

	if err := rootfs.Restore(c.logger, rootMount, preserved); err != nil {
		return fmt.Errorf("failed to restore preserved directories: %w", err)
	}

	c.logger.Info("root filesystem swap complete")

	return nil
}
