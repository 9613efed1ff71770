// Package rootfs implements the filesystem tree operations behind the root
// partition swap: copying a rootfs in while preserving metadata, wiping the
// old tree, and staging the directories that must survive the swap.
package rootfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

var errNotSupported = errors.New("unsupported file type")

// permBits are the mode bits worth preserving: permissions plus
// setuid/setgid/sticky (sudo and friends depend on these).
const permBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// CopyTree copies the contents of src into dst, which must already exist.
// File mode, ownership, timestamps, symlinks and device nodes are preserved;
// hard links are copied as independent files. Requires root for ownership
// and device nodes.
func CopyTree(src string, dst string) error {
	var dirs []string

	err := filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("failed to relativize '%s': %w", path, err)
		}

		if rel == "." {
			return nil
		}

		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat '%s': %w", path, err)
		}

		if err := copyEntry(path, target, info); err != nil {
			return err
		}

		if entry.IsDir() {
			dirs = append(dirs, rel)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to copy tree '%s' to '%s': %w", src, dst, err)
	}

	// Directory mtimes get clobbered as children are created inside them, so
	// fix them up afterwards, deepest first.
	for i := len(dirs) - 1; i >= 0; i-- {
		srcDir := filepath.Join(src, dirs[i])
		dstDir := filepath.Join(dst, dirs[i])

		info, err := os.Lstat(srcDir)
		if err != nil {
			return fmt.Errorf("failed to stat '%s': %w", srcDir, err)
		}

		if err := copyTimes(dstDir, info); err != nil {
			return err
		}
	}

	return nil
}

func copyEntry(path string, target string, info os.FileInfo) error {
	switch {
	case info.Mode().IsDir():
		if err := os.Mkdir(target, info.Mode().Perm()); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create directory '%s': %w", target, err)
		}

		if err := os.Chmod(target, info.Mode()&permBits); err != nil {
			return fmt.Errorf("failed to chmod '%s': %w", target, err)
		}

		return copyOwner(target, info)

	case info.Mode()&os.ModeSymlink != 0:
		dest, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("failed to read symlink '%s': %w", path, err)
		}

		if err := os.Symlink(dest, target); err != nil {
			return fmt.Errorf("failed to create symlink '%s': %w", target, err)
		}

		return copyOwner(target, info)

	case info.Mode().IsRegular():
		if err := copyFile(path, target, info); err != nil {
			return err
		}

		if err := copyOwner(target, info); err != nil {
			return err
		}

		// chown strips setuid/setgid, so the mode goes on last
		if err := os.Chmod(target, info.Mode()&permBits); err != nil {
			return fmt.Errorf("failed to chmod '%s': %w", target, err)
		}

		return copyTimes(target, info)

	case info.Mode()&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("%w: '%s' has no stat data", errNotSupported, path)
		}

		if err := unix.Mknod(target, stat.Mode, int(stat.Rdev)); err != nil {
			return fmt.Errorf("failed to create node '%s': %w", target, err)
		}

		return copyOwner(target, info)

	default:
		return fmt.Errorf("%w: '%s' (%s)", errNotSupported, path, info.Mode())
	}
}

func copyFile(path string, target string, info os.FileInfo) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open '%s': %w", path, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy '%s': %w", path, err)
	}

	return nil
}

func copyOwner(target string, info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	if err := os.Lchown(target, int(stat.Uid), int(stat.Gid)); err != nil {
		return fmt.Errorf("failed to chown '%s': %w", target, err)
	}

	return nil
}

func copyTimes(target string, info os.FileInfo) error {
	if err := os.Chtimes(target, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set times on '%s': %w", target, err)
	}

	return nil
}
