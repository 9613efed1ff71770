package execx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner() Runner {
	return NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOutputTrimsWhitespace(t *testing.T) {
	out, err := testRunner().Output(context.Background(), "sh", "-c", "echo '  hello  '")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRunFailureIncludesStderr(t *testing.T) {
	err := testRunner().Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "oops", cmdErr.Stderr)
	assert.Contains(t, cmdErr.Error(), "oops")
	assert.Contains(t, cmdErr.Error(), "sh -c")
}

func TestFakeRecordsCalls(t *testing.T) {
	boom := errors.New("boom")

	fake := &Fake{
		Outputs: map[string]string{"losetup --find --show -P disk.img": "/dev/loop3"},
		Errs:    map[string]error{"umount /mnt": boom},
	}

	out, err := fake.Output(context.Background(), "losetup", "--find", "--show", "-P", "disk.img")
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop3", out)

	assert.ErrorIs(t, fake.Run(context.Background(), "umount", "/mnt"), boom)
	assert.NoError(t, fake.Run(context.Background(), "true"))

	assert.Equal(t, []string{
		"losetup --find --show -P disk.img",
		"umount /mnt",
		"true",
	}, fake.Calls)
}
