package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sdforge/sdforge/internal/execx"
)

var errNoImageDigest = errors.New("container image has no digest")

// ociProvider materializes a root filesystem from a container image, using
// the container tool in the same way `podman create` + `podman cp` would be
// used by hand: the image's filesystem is copied out of a stopped container,
// which is removed again afterwards.
type ociProvider struct {
	logger *slog.Logger
	runner execx.Runner

	image string
	tool  string
}

type ociOptions struct {
	Image string `default:"mcr.microsoft.com/azurelinux/base/core:3.0"`
	Tool  string `default:"podman"`
}

func newOCI(logger *slog.Logger, runner execx.Runner, opts *ociOptions) *ociProvider {
	return &ociProvider{
		logger: logger,
		runner: runner,
		image:  opts.Image,
		tool:   opts.Tool,
	}
}

func (p *ociProvider) Current(ctx context.Context) (fetcher, error) {
	// Pull first: for a tag reference, the registry may have moved it since
	// the image was last pulled
	if err := p.runner.Run(ctx, p.tool, "pull", p.image); err != nil {
		return nil, fmt.Errorf("failed to pull image '%s': %w", p.image, err)
	}

	digest, err := p.runner.Output(ctx, p.tool, "image", "inspect", "--format", "{{ .Digest }}", p.image)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image '%s': %w", p.image, err)
	}

	digest = strings.TrimPrefix(digest, "sha256:")
	if digest == "" {
		return nil, errNoImageDigest
	}

	return &ociFetcher{
		logger: p.logger,
		runner: p.runner,
		image:  p.image,
		tool:   p.tool,
		digest: digest,
	}, nil
}

type ociFetcher struct {
	logger *slog.Logger
	runner execx.Runner

	image  string
	tool   string
	digest string
}

func (f *ociFetcher) Hash() string {
	return f.digest
}

func (f *ociFetcher) HasDrifted(meta *metadata) (bool, error) {
	return meta.Hash != f.digest, nil
}

func (f *ociFetcher) Fetch(ctx context.Context, directory string) (*metadata, error) {
	container, err := f.runner.Output(ctx, f.tool, "create", f.image)
	if err != nil {
		return nil, fmt.Errorf("failed to create container from '%s': %w", f.image, err)
	}

	defer func() {
		// The container must be removed even when the build context has
		// already been cancelled mid-copy
		if err := f.runner.Run(context.WithoutCancel(ctx), f.tool, "rm", container); err != nil {
			f.logger.Warn("failed to remove extraction container",
				"container", container,
				"error", err,
			)
		}
	}()

	f.logger.Info("extracting rootfs from container image",
		"image", f.image,
		"digest", f.digest,
	)

	if err := f.runner.Run(ctx, f.tool, "cp", container+":/", directory); err != nil {
		return nil, fmt.Errorf("failed to copy rootfs out of container: %w", err)
	}

	return &metadata{
		// The rootfs tree is the data directory itself
		ArtifactPath: ".",
		ProviderData: map[string]interface{}{
			"image": f.image,
		},
	}, nil
}
