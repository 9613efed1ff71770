package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	hash    string
	fetches int
}

func (s *stubFetcher) Hash() string {
	return s.hash
}

func (s *stubFetcher) HasDrifted(meta *metadata) (bool, error) {
	return meta.Hash != s.hash, nil
}

func (s *stubFetcher) Fetch(_ context.Context, directory string) (*metadata, error) {
	s.fetches++

	if err := os.WriteFile(filepath.Join(directory, "artifact.img"), []byte("image"), 0o600); err != nil {
		return nil, err
	}

	return &metadata{ArtifactPath: "artifact.img"}, nil
}

type stubProvider struct {
	fetcher *stubFetcher
}

func (s *stubProvider) Current(_ context.Context) (fetcher, error) {
	return s.fetcher, nil
}

func testManager(t *testing.T, providers map[string]provider) *Manager {
	t.Helper()

	return &Manager{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		providers:        providers,
		storageDirectory: t.TempDir(),
	}
}

func TestReconcileFetchesAndCaches(t *testing.T) {
	stub := &stubFetcher{hash: "abc123"}
	m := testManager(t, map[string]provider{"base": &stubProvider{fetcher: stub}})

	src, err := m.ReconcileOne(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, 1, stub.fetches)
	assert.Equal(t, filepath.Join(m.storageDirectory, "base", "abc123", "artifact.img"), src.Path())

	content, err := os.ReadFile(src.Path())
	require.NoError(t, err)
	assert.Equal(t, "image", string(content))

	// Second reconcile: no drift, no refetch
	src, err = m.ReconcileOne(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, 1, stub.fetches)
	assert.Equal(t, filepath.Join(m.storageDirectory, "base", "abc123", "artifact.img"), src.Path())
}

func TestReconcileRefetchesOnDrift(t *testing.T) {
	stub := &stubFetcher{hash: "v1"}
	m := testManager(t, map[string]provider{"base": &stubProvider{fetcher: stub}})

	_, err := m.ReconcileOne(context.Background(), "base")
	require.NoError(t, err)
	require.Equal(t, 1, stub.fetches)

	// Upstream moved
	stub.hash = "v2"

	src, err := m.ReconcileOne(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.fetches)
	assert.Equal(t, filepath.Join(m.storageDirectory, "base", "v2", "artifact.img"), src.Path())
}

func TestReconcileAllSources(t *testing.T) {
	m := testManager(t, map[string]provider{
		"base":   &stubProvider{fetcher: &stubFetcher{hash: "a"}},
		"rootfs": &stubProvider{fetcher: &stubFetcher{hash: "b"}},
	})

	sources, err := m.Reconcile(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "base", sources["base"].Name())
	assert.Equal(t, "rootfs", sources["rootfs"].Name())
}

func TestReconcileUnknownSource(t *testing.T) {
	m := testManager(t, map[string]provider{})

	_, err := m.ReconcileOne(context.Background(), "missing")
	assert.ErrorIs(t, err, errUnknownSource)
}

func TestMetadataSourceRejectsTraversal(t *testing.T) {
	meta := &metadata{Hash: "ok", ArtifactPath: "../../escape"}

	_, err := meta.source("base", "/var/lib/sdforge/base")
	assert.ErrorIs(t, err, errCorruptedMetadata)
}

func TestNewManagerRejectsUnknownProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewManager(logger, nil, t.TempDir(), map[string]*Config{
		"base": {Provider: "floppy"},
	})
	assert.ErrorIs(t, err, errUnsupportedProvider)
}
