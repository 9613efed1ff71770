// Package source materializes the build inputs (the base SD card image and
// the target distro's root filesystem) into a local storage directory. It is
// desired-state shaped: each source has a provider that resolves the current
// upstream state, and a cached copy is reused until it drifts from that
// state.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/creasty/defaults"
	"github.com/go-viper/mapstructure/v2"
	"github.com/sdforge/sdforge/internal/execx"
	"golang.org/x/sync/errgroup"
)

const (
	providerRaspiOS  = "raspios"
	providerOCIImage = "oci"

	metadataFilename = "sdforge-metadata.json"
)

var (
	errUnsupportedProvider = errors.New("unsupported provider")
	errUnknownSource       = errors.New("unknown source")
	errCorruptedMetadata   = errors.New("source metadata is corrupted")
)

type Config struct {
	Provider string

	// Version constraint for providers that resolve upstream releases
	Version string `default:"*"`

	ProviderOptions map[string]interface{} `mapstructure:",remain"`
}

// Source is a materialized build input: a file or directory in the storage
// directory, ready for the build to copy from.
type Source struct {
	name string
	path string
}

func (s *Source) Name() string {
	return s.name
}

func (s *Source) Path() string {
	return s.path
}

type metadata struct {
	Hash string

	// Path of the materialized artifact, relative to the data directory;
	// "." for sources that materialize a whole tree
	ArtifactPath string

	// Arbitrary provider-specific data
	ProviderData map[string]interface{}
}

// A fetcher knows how to materialize one resolved upstream state, and how to
// tell whether a cached copy matches it.
type fetcher interface {
	Hash() string
	HasDrifted(meta *metadata) (bool, error)
	Fetch(ctx context.Context, directory string) (*metadata, error)
}

type provider interface {
	// Current resolves the current upstream state of the source
	Current(ctx context.Context) (fetcher, error)
}

type Manager struct {
	logger *slog.Logger

	providers        map[string]provider
	storageDirectory string
}

// NewManager creates a source manager for the configured sources. Sources
// are keyed by name; each reconciles independently under the storage
// directory.
func NewManager(logger *slog.Logger, runner execx.Runner, storageDirectory string, sources map[string]*Config) (*Manager, error) {
	providers := make(map[string]provider)

	for name, config := range sources {
		switch config.Provider {
		case providerRaspiOS:
			opts, err := decodeProviderConfig[raspiosOptions](config.ProviderOptions)
			if err != nil {
				return nil, fmt.Errorf("could not parse provider config for source '%s': %w", name, err)
			}

			provider, err := newRaspiOS(logger, config.Version, nil, opts)
			if err != nil {
				return nil, fmt.Errorf("failed to create Raspberry Pi OS provider: %w", err)
			}

			providers[name] = provider
		case providerOCIImage:
			opts, err := decodeProviderConfig[ociOptions](config.ProviderOptions)
			if err != nil {
				return nil, fmt.Errorf("could not parse provider config for source '%s': %w", name, err)
			}

			providers[name] = newOCI(logger, runner, opts)
		default:
			return nil, fmt.Errorf("could not create provider for source '%s': %w", name, errUnsupportedProvider)
		}
	}

	return &Manager{
		logger: logger,

		providers:        providers,
		storageDirectory: storageDirectory,
	}, nil
}

func decodeProviderConfig[T interface{}](opts map[string]interface{}) (*T, error) {
	var output T

	if err := defaults.Set(&output); err != nil {
		return nil, fmt.Errorf("failed to set default provider options: %w", err)
	}

	if err := mapstructure.Decode(opts, &output); err != nil {
		return nil, fmt.Errorf("failed to parse provider options: %w", err)
	}

	return &output, nil
}

// Reconcile brings every source's cached copy in line with its current
// upstream state, downloading or re-extracting where needed, and returns the
// materialized sources keyed by name.
func (m *Manager) Reconcile(ctx context.Context, parallelism int) (map[string]*Source, error) {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)

	sourceCh := make(chan *Source)
	sources := make(map[string]*Source)
	done := make(chan struct{})

	go func() {
		for source := range sourceCh {
			sources[source.name] = source
		}
		close(done)
	}()

	for name, provider := range m.providers {
		eg.Go(func() error {
			source, err := m.reconcileSource(ctx, name, provider)
			if err != nil {
				return fmt.Errorf("failed to reconcile source '%s': %w", name, err)
			}

			sourceCh <- source
			return nil
		})
	}

	err := eg.Wait()
	close(sourceCh)
	<-done

	if err != nil {
		return nil, fmt.Errorf("reconcile failed: %w", err)
	}

	return sources, nil
}

// ReconcileOne reconciles a single named source.
func (m *Manager) ReconcileOne(ctx context.Context, name string) (*Source, error) {
	provider, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", errUnknownSource, name)
	}

	source, err := m.reconcileSource(ctx, name, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile source '%s': %w", name, err)
	}

	return source, nil
}

func (m *Manager) reconcileSource(ctx context.Context, name string, provider provider) (*Source, error) {
	m.logger.Debug("resolving current upstream state of source",
		"source", name,
	)

	fetcher, err := provider.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upstream state: %w", err)
	}

	directory := filepath.Join(m.storageDirectory, name)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directories in path '%s': %w", directory, err)
	}

	metaFilePath := filepath.Join(directory, metadataFilename)
	metaFileExists := false

	if stat, err := os.Stat(metaFilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("metadata file %s stat failed: %w", metaFilePath, err)
	} else if err == nil && stat.Size() > 0 {
		metaFileExists = true
	}

	metaFile, err := os.OpenFile(metaFilePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer metaFile.Close()

	if metaFileExists {
		var meta metadata
		if err := json.NewDecoder(metaFile).Decode(&meta); err != nil {
			return nil, fmt.Errorf("could not parse source metadata: %w", err)
		}

		drifted, err := fetcher.HasDrifted(&meta)
		if err != nil {
			return nil, fmt.Errorf("failed to check source drift: %w", err)
		}

		if !drifted {
			m.logger.Info("source is up-to-date and not drifted from upstream",
				"source", name,
			)

			return meta.source(name, directory)
		}
	}

	// Either the source has drifted, or there is no metadata yet
	m.logger.Info("source has drifted and will be fetched",
		"source", name,
	)

	dataDirectory := filepath.Join(directory, fetcher.Hash())
	if err := os.MkdirAll(dataDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directories in path '%s': %w", dataDirectory, err)
	}

	meta, err := fetcher.Fetch(ctx, dataDirectory)
	if err != nil {
		return nil, fmt.Errorf("fetch of source failed: %w", err)
	}

	meta.Hash = fetcher.Hash()

	if err := metaFile.Truncate(0); err != nil {
		return nil, fmt.Errorf("failed to truncate metadata file: %w", err)
	}

	if _, err := metaFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek metadata file: %w", err)
	}

	if err := json.NewEncoder(metaFile).Encode(meta); err != nil {
		return nil, fmt.Errorf("failed to write metadata for source: %w", err)
	}

	m.logger.Info("source has been reconciled",
		"source", name,
	)

	return meta.source(name, directory)
}

func (m *metadata) source(name string, directory string) (*Source, error) {
	// Ensure neither the hash nor the artifact path is doing path traversal
	versionDirectory := filepath.Join(directory, m.Hash)
	if !within(directory, versionDirectory) {
		return nil, errCorruptedMetadata
	}

	artifactPath := filepath.Join(versionDirectory, m.ArtifactPath)
	if !within(versionDirectory, artifactPath) {
		return nil, errCorruptedMetadata
	}

	return &Source{
		name: name,
		path: artifactPath,
	}, nil
}

func within(base string, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}

	return rel == "." || filepath.IsLocal(rel)
}
