package rootfs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// StagingDir is where preserved paths live inside the root partition while
// the rest of the tree is wiped and replaced. Renames within the same
// filesystem keep ownership, modes and timestamps intact, so no archiving is
// needed.
const StagingDir = ".sdforge-preserve"

var (
	errPatternEscapesRoot = errors.New("preserve pattern escapes the root")
	errStagingExists      = errors.New("staging directory already exists; previous run left debris behind")
)

// Preserve moves every path under root matching one of the glob patterns
// (relative to root, e.g. "usr/lib/modules" or "usr/lib/rasp*") into the
// staging directory. Patterns with no matches are logged and skipped.
// Returns the preserved paths relative to root, for Restore.
func Preserve(logger *slog.Logger, root string, patterns []string) ([]string, error) {
	staging := filepath.Join(root, StagingDir)

	if _, err := os.Lstat(staging); err == nil {
		return nil, errStagingExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat staging directory: %w", err)
	}

	if err := os.Mkdir(staging, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	preserved := []string{}

	for _, pattern := range patterns {
		if !filepath.IsLocal(pattern) {
			return nil, fmt.Errorf("%w: '%s'", errPatternEscapesRoot, pattern)
		}

		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid preserve pattern '%s': %w", pattern, err)
		}

		if len(matches) == 0 {
			logger.Info("preserve pattern matched nothing, skipping",
				"pattern", pattern,
			)
			continue
		}

		for _, match := range matches {
			rel, err := filepath.Rel(root, match)
			if err != nil {
				return nil, fmt.Errorf("failed to relativize '%s': %w", match, err)
			}

			target := filepath.Join(staging, rel)

			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create staging parents for '%s': %w", rel, err)
			}

			if err := os.Rename(match, target); err != nil {
				return nil, fmt.Errorf("failed to stage '%s': %w", rel, err)
			}

			logger.Debug("preserved path",
				"path", rel,
			)

			preserved = append(preserved, rel)
		}
	}

	return preserved, nil
}

// Restore moves previously preserved paths from the staging directory back
// into the root tree, creating missing parents, and removes the staging
// directory.
func Restore(logger *slog.Logger, root string, preserved []string) error {
	staging := filepath.Join(root, StagingDir)

	for _, rel := range preserved {
		source := filepath.Join(staging, rel)
		target := filepath.Join(root, rel)

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parents for '%s': %w", rel, err)
		}

		// The new rootfs may ship its own copy of a preserved path; ours
		// wins, since it has to match the running kernel.
		if _, err := os.Lstat(target); err == nil {
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("failed to remove conflicting '%s': %w", rel, err)
			}

			logger.Debug("replaced rootfs copy with preserved path",
				"path", rel,
			)
		}

		if err := os.Rename(source, target); err != nil {
			return fmt.Errorf("failed to restore '%s': %w", rel, err)
		}
	}

	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}

	return nil
}

// Wipe removes every top-level entry of dir except those named in keep and
// the staging directory. As a safety net against wiping a host filesystem,
// dir must be a mountpoint.
func Wipe(dir string, keep []string) error {
	mounted, err := IsMountpoint(dir)
	if err != nil {
		return err
	}

	if !mounted {
		return fmt.Errorf("refusing to wipe '%s': not a mountpoint", dir)
	}

	return wipeEntries(dir, keep)
}

func wipeEntries(dir string, keep []string) error {
	keepSet := map[string]bool{StagingDir: true}
	for _, name := range keep {
		keepSet[name] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list '%s': %w", dir, err)
	}

	for _, entry := range entries {
		if keepSet[entry.Name()] {
			continue
		}

		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove '%s': %w", entry.Name(), err)
		}
	}

	return nil
}

// IsMountpoint reports whether dir is the root of a mounted filesystem, by
// comparing its device ID with its parent's.
func IsMountpoint(dir string) (bool, error) {
	dir = filepath.Clean(dir)

	if dir == string(filepath.Separator) {
		return true, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return false, fmt.Errorf("failed to stat '%s': %w", dir, err)
	}

	parentInfo, err := os.Stat(filepath.Dir(dir))
	if err != nil {
		return false, fmt.Errorf("failed to stat parent of '%s': %w", dir, err)
	}

	dev, ok := deviceOf(info)
	if !ok {
		return false, nil
	}

	parentDev, ok := deviceOf(parentInfo)
	if !ok {
		return false, nil
	}

	return dev != parentDev, nil
}

func deviceOf(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}

	return uint64(stat.Dev), true
}
