package chroot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/GehirnInc/crypt/sha512_crypt"
	"github.com/sdforge/sdforge/internal/layout"
)

type ProvisionOptions struct {
	// Packages installed with tdnf after an update. The default set is what a
	// usable interactive system needs on top of the container base image.
	Packages []string `default:"[\"systemd\", \"shadow-utils\", \"openssh\", \"iproute\", \"sudo\", \"procps-ng\", \"less\", \"vim\", \"which\", \"file\", \"bash-completion\", \"chrony\", \"dhcpcd\", \"wpa_supplicant\"]"`

	Hostname     string `default:"azurelinux"`
	RootPassword string `mapstructure:"root_password" default:"azl"`
}

var errNoPackages = errors.New("no packages configured")

// Provision makes the extracted rootfs bootable: writes fstab and hostname,
// updates and installs packages through the distro's package manager inside
// the chroot, and sets the root password. The chroot environment must already
// be set up.
func Provision(ctx context.Context, logger *slog.Logger, env *Env, opts *ProvisionOptions) error {
	if len(opts.Packages) == 0 {
		return errNoPackages
	}

	if err := writeFstab(env.Root()); err != nil {
		return err
	}

	if err := writeHostname(env.Root(), opts.Hostname); err != nil {
		return err
	}

	logger.Info("updating packages in rootfs")

	if err := env.Run(ctx, "tdnf", "-y", "update"); err != nil {
		return fmt.Errorf("package update failed: %w", err)
	}

	logger.Info("installing packages in rootfs",
		"packages", opts.Packages,
	)

	installArgs := append([]string{"-y", "install"}, opts.Packages...)
	if err := env.Run(ctx, "tdnf", installArgs...); err != nil {
		return fmt.Errorf("package install failed: %w", err)
	}

	hash, err := hashPassword(opts.RootPassword)
	if err != nil {
		return fmt.Errorf("failed to hash root password: %w", err)
	}

	if err := env.Run(ctx, "usermod", "-p", hash, "root"); err != nil {
		return fmt.Errorf("failed to set root password: %w", err)
	}

	return nil
}

// fstab mounts the root read-write and the boot partition on /boot/firmware,
// matching where the Raspberry Pi OS kernel packages expect firmware files.
func writeFstab(root string) error {
	entries := []string{
		"proc /proc proc defaults 0 0",
		fmt.Sprintf("%s / ext4 defaults,rw 0 1", layout.FstabDevice(layout.RootPartition)),
		fmt.Sprintf("%s /boot/firmware vfat defaults,rw,nofail 0 1", layout.FstabDevice(layout.BootPartition)),
	}

	path := filepath.Join(root, "etc", "fstab")
	if err := os.WriteFile(path, []byte(strings.Join(entries, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write fstab: %w", err)
	}

	return nil
}

func writeHostname(root string, hostname string) error {
	path := filepath.Join(root, "etc", "hostname")
	if err := os.WriteFile(path, []byte(hostname+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write hostname: %w", err)
	}

	return nil
}

// hashPassword produces a sha512-crypt hash with a random 8-byte salt and the
// default round count, the format shadow expects in /etc/shadow.
func hashPassword(password string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash, err := sha512_crypt.New().Generate([]byte(password), []byte("$6$"+hex.EncodeToString(salt)))
	if err != nil {
		return "", fmt.Errorf("sha512-crypt failed: %w", err)
	}

	return hash, nil
}
