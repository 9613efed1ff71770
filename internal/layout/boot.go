package layout

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/diskfs/go-diskfs"
)

const cmdlinePath = "/cmdline.txt"

var errEmptyCmdline = errors.New("cmdline.txt is empty")

// EnsureRootRW makes sure the kernel command line in the image's boot
// partition mounts the root filesystem read-write, by appending the 'rw'
// parameter when absent. The edit goes through the FAT filesystem directly,
// so the image does not have to be attached or mounted. Returns true when the
// file was changed.
func EnsureRootRW(path string) (bool, error) {
	d, err := diskfs.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open image '%s': %w", path, err)
	}
	defer d.Close()

	fs, err := d.GetFilesystem(BootPartition)
	if err != nil {
		return false, fmt.Errorf("failed to open boot partition filesystem: %w", err)
	}

	file, err := fs.OpenFile(cmdlinePath, os.O_RDWR)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", cmdlinePath, err)
	}

	content, err := io.ReadAll(file)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", cmdlinePath, err)
	}

	updated, changed, err := appendRW(string(content))
	if err != nil || !changed {
		return false, err
	}

	// The updated content is strictly longer than the old, so rewriting from
	// the start never leaves stale bytes behind.
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("failed to seek %s: %w", cmdlinePath, err)
	}

	if _, err := file.Write([]byte(updated)); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", cmdlinePath, err)
	}

	return true, nil
}

// appendRW adds the 'rw' parameter to the first line of a kernel command
// line unless already present; the kernel only reads the first line. The
// parameter is inserted before the line break, so the result is always
// strictly longer than the input and everything after the first line is
// kept verbatim.
func appendRW(content string) (string, bool, error) {
	line := content
	rest := ""

	if i := strings.IndexByte(content, '\n'); i >= 0 {
		line, rest = content[:i], content[i:]
	}

	if trimmed, ok := strings.CutSuffix(line, "\r"); ok {
		line, rest = trimmed, "\r"+rest
	}

	if strings.TrimSpace(line) == "" {
		return "", false, errEmptyCmdline
	}

	if slices.Contains(strings.Fields(line), "rw") {
		return "", false, nil
	}

	return line + " rw" + rest, true, nil
}
