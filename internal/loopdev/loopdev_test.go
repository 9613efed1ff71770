package loopdev

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/sdforge/sdforge/internal/execx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(fake *execx.Fake) *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), fake)
}

func TestAttach(t *testing.T) {
	fake := &execx.Fake{
		Outputs: map[string]string{
			"losetup --find --show -P work.img": "/dev/loop7",
		},
	}

	device, err := testManager(fake).Attach(context.Background(), "work.img")
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop7", device)
}

func TestDetachRejectsNonLoopDevice(t *testing.T) {
	fake := &execx.Fake{}
	m := testManager(fake)

	err := m.Detach(context.Background(), "/dev/sda")
	assert.ErrorIs(t, err, errNotLoopDevice)
	assert.Empty(t, fake.Calls)
}

func TestFsckCommands(t *testing.T) {
	fake := &execx.Fake{}
	m := testManager(fake)

	require.NoError(t, m.FsckFAT(context.Background(), "/dev/loop7p1"))
	require.NoError(t, m.FsckExt4(context.Background(), "/dev/loop7p2"))

	assert.Equal(t, []string{
		"dosfsck -a /dev/loop7p1",
		"fsck.ext4 -y /dev/loop7p2",
	}, fake.Calls)
}

func TestMountTemp(t *testing.T) {
	fake := &execx.Fake{}
	m := testManager(fake)

	dir, err := m.MountTemp(context.Background(), "/dev/loop7p2", "sdforge-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(dir) })

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, []string{"mount /dev/loop7p2 " + dir}, fake.Calls)
}

func TestMountTempCleansUpOnFailure(t *testing.T) {
	mountFailed := errors.New("mount failed")

	// The mountpoint name is random, so fail every command
	fake := &execx.Fake{DefaultErr: mountFailed}
	m := testManager(fake)

	_, err := m.MountTemp(context.Background(), "/dev/loop7p2", "sdforge-test-")
	assert.ErrorIs(t, err, mountFailed)

	require.Len(t, fake.Calls, 1)
	mountpoint := fake.Calls[0][len("mount /dev/loop7p2 "):]

	// The temporary mountpoint was removed again
	_, statErr := os.Stat(mountpoint)
	assert.True(t, os.IsNotExist(statErr))
}
