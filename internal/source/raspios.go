package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/PuerkitoBio/goquery"
	"github.com/sdforge/sdforge/internal/ioprog"
)

const (
	checksumSuffix = ".sha256"

	releaseDateFormat = "2006-01-02"

	bytesInMebibyte = 1024 * 1024
)

var (
	// Release directories are named like "raspios_lite_arm64-2025-05-13/"
	raspiosReleaseLink = regexp.MustCompile(`^raspios_\w+-(\d{4}-\d{2}-\d{2})/$`)

	// Images inside are named like "2025-05-13-raspios-bookworm-arm64-lite.img.xz"
	raspiosImageLink = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-raspios-[\w-]+\.img\.xz$`)

	errNoReleasesSatisfyingConstraint = errors.New("could not find any releases satisfying constraint")
	errNoImagesInRelease              = errors.New("could not find any images in the release directory")
	errMalformedChecksumFile          = errors.New("malformed checksum file")
)

type raspiosProvider struct {
	logger *slog.Logger
	client *http.Client

	mirrorURL  *url.URL
	constraint *semver.Constraints
}

type raspiosOptions struct {
	MirrorURL string `mapstructure:"mirror_url" default:"https://downloads.raspberrypi.com/raspios_lite_arm64/images"`
}

func newRaspiOS(logger *slog.Logger, versionConstraint string, client *http.Client, opts *raspiosOptions) (*raspiosProvider, error) {
	if client == nil {
		client = http.DefaultClient
	}

	mirrorURL, err := url.Parse(opts.MirrorURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mirror URL '%s': %w", opts.MirrorURL, err)
	}

	constraint, err := semver.NewConstraint(versionConstraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint: %w", err)
	}

	return &raspiosProvider{
		logger:     logger,
		client:     client,
		mirrorURL:  mirrorURL,
		constraint: constraint,
	}, nil
}

func (r *raspiosProvider) Current(ctx context.Context) (fetcher, error) {
	version, releaseURL, err := r.latestRelease(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check latest Raspberry Pi OS release: %w", err)
	}

	imageURL, err := r.imageInRelease(ctx, releaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to find image in release directory: %w", err)
	}

	checksum, err := r.checksum(ctx, *imageURL)
	if err != nil {
		return nil, fmt.Errorf("could not get image checksum: %w", err)
	}

	return &raspiosFetcher{
		logger:   r.logger,
		client:   r.client,
		version:  version,
		imageURL: imageURL,
		checksum: checksum,
	}, nil
}

func (r *raspiosProvider) latestRelease(ctx context.Context) (*semver.Version, *url.URL, error) {
	releases, err := r.listDirectory(ctx, r.mirrorURL, raspiosReleaseLink)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list releases: %w", err)
	}

	var latestVersion *semver.Version
	var latestEntry *directoryEntry

	for _, entry := range releases {
		version, err := releaseVersion(entry.submatch)
		if err != nil {
			r.logger.Warn("failed to parse release date",
				"date", entry.submatch,
				"error", err,
			)
			continue
		}

		// Skip: doesn't fit constraint
		if !r.constraint.Check(version) {
			continue
		}

		// Skip: older release
		if latestVersion != nil && version.LessThan(latestVersion) {
			continue
		}

		latestVersion = version
		latestEntry = entry
	}

	if latestEntry == nil {
		return nil, nil, errNoReleasesSatisfyingConstraint
	}

	return latestVersion, latestEntry.href, nil
}

func (r *raspiosProvider) imageInRelease(ctx context.Context, releaseURL *url.URL) (*url.URL, error) {
	images, err := r.listDirectory(ctx, releaseURL, raspiosImageLink)
	if err != nil {
		return nil, fmt.Errorf("failed to list release directory: %w", err)
	}

	if len(images) == 0 {
		return nil, errNoImagesInRelease
	}

	// A release directory only ever holds one image
	return images[0].href, nil
}

// releaseVersion turns a release date into a comparable version
// (2025-05-13 -> 2025.5.13). Date components are normalized through
// time.Parse so leading zeros don't trip up semver.
func releaseVersion(date string) (*semver.Version, error) {
	t, err := time.Parse(releaseDateFormat, date)
	if err != nil {
		return nil, fmt.Errorf("invalid release date '%s': %w", date, err)
	}

	return semver.New(uint64(t.Year()), uint64(t.Month()), uint64(t.Day()), "", ""), nil
}

func (r *raspiosProvider) checksum(ctx context.Context, imageURL url.URL) ([]byte, error) {
	imageURL.Path += checksumSuffix

	resp, err := r.get(ctx, imageURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to download checksum: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(resp)
	}

	checksum, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}

	return checksum, nil
}

type directoryEntry struct {
	title    string
	submatch string
	href     *url.URL
}

func (r *raspiosProvider) listDirectory(ctx context.Context, directory *url.URL, regex *regexp.Regexp) ([]*directoryEntry, error) {
	resp, err := r.get(ctx, directory.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get directory listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(resp)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse directory listing HTML: %w", err)
	}

	entries := []*directoryEntry{}

	doc.Find("body a").Each(func(_ int, s *goquery.Selection) {
		matches := regex.FindStringSubmatch(s.Text())
		if matches == nil {
			return
		}

		href, hrefExists := s.Attr("href")
		if !hrefExists {
			return
		}

		submatch := ""
		if len(matches) > 1 {
			submatch = matches[1]
		}

		entries = append(entries, &directoryEntry{
			title:    matches[0],
			submatch: submatch,
			href:     directory.JoinPath(href),
		})
	})

	return entries, nil
}

func (r *raspiosProvider) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to form request for '%s': %w", rawURL, err)
	}

	return r.client.Do(req) //nolint:wrapcheck
}

type raspiosFetcher struct {
	logger   *slog.Logger
	client   *http.Client
	version  *semver.Version
	imageURL *url.URL

	// Raw contents of the published .sha256 file
	checksum []byte
}

func (d *raspiosFetcher) Hash() string {
	h := sha256.New()
	if _, err := h.Write(d.checksum); err != nil {
		panic(fmt.Sprintf("failed to compute hash of checksum: %v", err))
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

func (d *raspiosFetcher) HasDrifted(meta *metadata) (bool, error) {
	return meta.Hash != d.Hash(), nil
}

func (d *raspiosFetcher) Fetch(ctx context.Context, directory string) (*metadata, error) {
	filename := path.Base(d.imageURL.Path)

	// Download under a temporary name, so the cache never holds a partial or
	// unverified image under its final name
	downloadPath := filepath.Join(directory, "_raspios_download.img.xz")

	imageFile, err := os.OpenFile(downloadPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not create output image file: %w", err)
	}
	defer func() {
		imageFile.Close()
		os.Remove(downloadPath)
	}()

	if err := d.downloadAndVerify(ctx, imageFile); err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}

	if err := imageFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close downloaded image: %w", err)
	}

	if err := os.Rename(downloadPath, filepath.Join(directory, filename)); err != nil {
		return nil, fmt.Errorf("failed to move verified image into place: %w", err)
	}

	return &metadata{
		ArtifactPath: filename,
		ProviderData: map[string]interface{}{
			"version": d.version.String(),
			"url":     d.imageURL.String(),
		},
	}, nil
}

func (d *raspiosFetcher) downloadAndVerify(ctx context.Context, output io.Writer) error {
	expected, err := expectedChecksum(d.checksum)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.imageURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to form request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && (urlErr.Temporary() || urlErr.Timeout()) {
			return &retryableError{wrapped: err}
		}

		return fmt.Errorf("GET failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	// Server error -- probably retryable!
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		fallthrough
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retryableError{wrapped: newHTTPError(resp)}

	case resp.StatusCode != http.StatusOK:
		// Otherwise, it's a 4xx, which is our fault and therefore not retryable
		return newHTTPError(resp)
	default:
		// Do nothing
	}

	progress := ioprog.NewProgressWriter(
		func(progress float64, written, expected int64) {
			d.logger.Info("downloading Raspberry Pi OS image",
				"progress", fmt.Sprintf("%0.2f%%", progress*100),
				"downloaded", fmt.Sprintf("%0.2fMiB", float64(written)/bytesInMebibyte),
				"total", fmt.Sprintf("%0.2fMiB", float64(expected)/bytesInMebibyte),
				"url", d.imageURL.String(),
			)
		},
		5*time.Second,
		resp.ContentLength,
	)

	hashing := &ioprog.HashingWriter{Writer: output, Hash: sha256.New()}

	if _, err := io.Copy(io.MultiWriter(progress, hashing), resp.Body); err != nil {
		return fmt.Errorf("could not read/write image: %w", err)
	}

	actual := hex.EncodeToString(hashing.Sum())
	if actual != expected {
		return &checksumError{expected: expected, actual: actual}
	}

	return nil
}

// expectedChecksum parses the published ".sha256" file, which follows the
// "<hex digest>  <filename>" format of sha256sum.
func expectedChecksum(content []byte) (string, error) {
	fields := strings.Fields(string(content))
	if len(fields) < 1 || len(fields[0]) != sha256.Size*2 {
		return "", errMalformedChecksumFile
	}

	return strings.ToLower(fields[0]), nil
}
