package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImageName = "2025-05-13-raspios-bookworm-arm64-lite.img.xz"
	oldImageName  = "2024-11-19-raspios-bookworm-arm64-lite.img.xz"
)

var testImageContent = []byte("not really an xz stream, but nobody decompresses it here")

func testMirror(t *testing.T, imageChecksum string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="../">Parent Directory</a>
			<a href="raspios_lite_arm64-2024-11-19/">raspios_lite_arm64-2024-11-19/</a>
			<a href="raspios_lite_arm64-2025-05-13/">raspios_lite_arm64-2025-05-13/</a>
			<a href="notes.txt">notes.txt</a>
		</body></html>`)
	})

	for _, release := range []struct{ dir, image string }{
		{"raspios_lite_arm64-2024-11-19", oldImageName},
		{"raspios_lite_arm64-2025-05-13", testImageName},
	} {
		mux.HandleFunc("/"+release.dir+"/{$}", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `<html><body>
				<a href="%[1]s">%[1]s</a>
				<a href="%[1]s.sha256">%[1]s.sha256</a>
				<a href="%[1]s.torrent">%[1]s.torrent</a>
			</body></html>`, release.image)
		})

		mux.HandleFunc("/"+release.dir+"/"+release.image, func(w http.ResponseWriter, _ *http.Request) {
			w.Write(testImageContent) //nolint:errcheck
		})

		mux.HandleFunc("/"+release.dir+"/"+release.image+".sha256", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, "%s  %s\n", imageChecksum, release.image)
		})
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func testChecksum() string {
	sum := sha256.Sum256(testImageContent)
	return hex.EncodeToString(sum[:])
}

func newTestProvider(t *testing.T, server *httptest.Server, constraint string) *raspiosProvider {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	provider, err := newRaspiOS(logger, constraint, server.Client(), &raspiosOptions{
		MirrorURL: server.URL,
	})
	require.NoError(t, err)

	return provider
}

func TestRaspiOSPicksLatestRelease(t *testing.T) {
	server := testMirror(t, testChecksum())
	provider := newTestProvider(t, server, "*")

	version, releaseURL, err := provider.latestRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025.5.13", version.String())
	assert.Contains(t, releaseURL.String(), "raspios_lite_arm64-2025-05-13")
}

func TestRaspiOSHonorsVersionConstraint(t *testing.T) {
	server := testMirror(t, testChecksum())
	provider := newTestProvider(t, server, "< 2025")

	version, releaseURL, err := provider.latestRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024.11.19", version.String())
	assert.Contains(t, releaseURL.String(), "raspios_lite_arm64-2024-11-19")
}

func TestRaspiOSNoReleaseSatisfiesConstraint(t *testing.T) {
	server := testMirror(t, testChecksum())
	provider := newTestProvider(t, server, "> 3000")

	_, _, err := provider.latestRelease(context.Background())
	assert.ErrorIs(t, err, errNoReleasesSatisfyingConstraint)
}

func TestRaspiOSFetch(t *testing.T) {
	server := testMirror(t, testChecksum())
	provider := newTestProvider(t, server, "*")

	fetcher, err := provider.Current(context.Background())
	require.NoError(t, err)

	directory := t.TempDir()

	meta, err := fetcher.Fetch(context.Background(), directory)
	require.NoError(t, err)
	assert.Equal(t, testImageName, meta.ArtifactPath)

	content, err := os.ReadFile(filepath.Join(directory, testImageName))
	require.NoError(t, err)
	assert.Equal(t, testImageContent, content)

	// The temporary download name is gone
	entries, err := os.ReadDir(directory)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRaspiOSFetchChecksumMismatch(t *testing.T) {
	server := testMirror(t, testChecksum())
	provider := newTestProvider(t, server, "*")

	fetcher, err := provider.Current(context.Background())
	require.NoError(t, err)

	// Corrupt the expected checksum after resolution
	rf, ok := fetcher.(*raspiosFetcher)
	require.True(t, ok)
	rf.checksum = []byte(fmt.Sprintf("%064d  %s\n", 0, testImageName))

	directory := t.TempDir()

	_, err = rf.Fetch(context.Background(), directory)
	require.Error(t, err)

	var mismatch *checksumError
	assert.ErrorAs(t, err, &mismatch)

	// No unverified artifact was left behind
	entries, err := os.ReadDir(directory)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRaspiOSDrift(t *testing.T) {
	server := testMirror(t, testChecksum())
	provider := newTestProvider(t, server, "*")

	fetcher, err := provider.Current(context.Background())
	require.NoError(t, err)

	drifted, err := fetcher.HasDrifted(&metadata{Hash: fetcher.Hash()})
	require.NoError(t, err)
	assert.False(t, drifted)

	drifted, err = fetcher.HasDrifted(&metadata{Hash: "something-else"})
	require.NoError(t, err)
	assert.True(t, drifted)
}

func TestExpectedChecksum(t *testing.T) {
	sum := testChecksum()

	parsed, err := expectedChecksum([]byte(sum + "  " + testImageName + "\n"))
	require.NoError(t, err)
	assert.Equal(t, sum, parsed)

	_, err = expectedChecksum([]byte("short deadbeef\n"))
	assert.ErrorIs(t, err, errMalformedChecksumFile)

	_, err = expectedChecksum([]byte(""))
	assert.ErrorIs(t, err, errMalformedChecksumFile)
}

func TestReleaseVersion(t *testing.T) {
	version, err := releaseVersion("2025-05-13")
	require.NoError(t, err)
	assert.Equal(t, "2025.5.13", version.String())

	_, err = releaseVersion("2025-13-45")
	assert.Error(t, err)
}
