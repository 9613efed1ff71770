package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/sdforge/sdforge/internal/chroot"
	"github.com/sdforge/sdforge/internal/combine"
	"github.com/sdforge/sdforge/internal/compress"
	"github.com/sdforge/sdforge/internal/execx"
	"github.com/sdforge/sdforge/internal/layout"
	"github.com/sdforge/sdforge/internal/loopdev"
	"github.com/sdforge/sdforge/internal/pipeline"
	"github.com/sdforge/sdforge/internal/rootfs"
	"github.com/sdforge/sdforge/internal/source"
	"github.com/spf13/cobra"
)

const bytesInMebibyte = 1024 * 1024

func newBuildCommand(opts *rootOptions) *cobra.Command {
	versionTag := ""
	skipProvision := false

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the combined SD card image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd.Context(), opts, versionTag, skipProvision)
		},
	}

	cmd.Flags().StringVar(&versionTag, "version-tag", "", "Version embedded into the output image name")
	cmd.Flags().BoolVar(&skipProvision, "skip-provision", false, "Skip package installation in the rootfs")

	return cmd
}

type outputNameOptions struct {
	Version string
}

// renderOutputName resolves the final image path up front, so template
// mistakes surface before any build work starts.
func renderOutputName(config *outputConfig, versionTag string) (string, error) {
	tmpl, err := template.New("output").Parse(config.NameTemplate)
	if err != nil {
		return "", fmt.Errorf("could not parse output name template: %w", err)
	}

	buff := &bytes.Buffer{}
	if err := tmpl.Execute(buff, &outputNameOptions{Version: versionTag}); err != nil {
		return "", fmt.Errorf("failed to render output name template: %w", err)
	}

	name := buff.String()
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("output name template rendered invalid name '%s'", name)
	}

	return filepath.Join(config.Directory, name), nil
}

// buildState is what the pipeline steps hand to each other.
type buildState struct {
	baseSource   *source.Source
	rootfsSource *source.Source

	// Scratch copies the build mutates
	workImage  string
	workRootfs string
}

func runBuild(ctx context.Context, opts *rootOptions, versionTag string, skipProvision bool) error {
	logger := opts.logger
	config := opts.config

	outputPath, err := renderOutputName(&config.Output, versionTag)
	if err != nil {
		return err
	}

	runner := execx.NewRunner(logger)

	manager, err := source.NewManager(logger, runner, config.StorageDir, config.Sources)
	if err != nil {
		return fmt.Errorf("failed to create source manager: %w", err)
	}

	loop := loopdev.NewManager(logger, runner)
	combiner := combine.New(logger, loop)

	if err := os.MkdirAll(config.TempDir, 0o700); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	// A previous aborted run may have left the image attached
	if err := loop.DetachAll(ctx); err != nil {
		return err
	}

	state := &buildState{
		workImage:  filepath.Join(config.TempDir, "work.img"),
		workRootfs: filepath.Join(config.TempDir, "rootfs"),
	}

	p := pipeline.New(logger)

	steps := []*pipeline.Step{
		{
			Name: "fetch-base",
			Run: func(ctx context.Context) error {
				src, err := manager.ReconcileOne(ctx, sourceBase)
				if err != nil {
					return err
				}

				state.baseSource = src
				return nil
			},
		},
		{
			Name: "fetch-rootfs",
			Run: func(ctx context.Context) error {
				src, err := manager.ReconcileOne(ctx, sourceRootfs)
				if err != nil {
					return err
				}

				state.rootfsSource = src
				return nil
			},
		},
		{
			Name:  "prepare-image",
			Needs: []string{"fetch-base"},
			Run: func(ctx context.Context) error {
				return prepareWorkImage(state.baseSource.Path(), state.workImage)
			},
		},
		{
			Name:  "stage-rootfs",
			Needs: []string{"fetch-rootfs"},
			Run: func(ctx context.Context) error {
				return stageRootfs(state.rootfsSource.Path(), state.workRootfs)
			},
		},
		{
			Name:  "provision",
			Needs: []string{"stage-rootfs"},
			Run: func(ctx context.Context) error {
				if skipProvision {
					logger.Info("skipping rootfs provisioning")
					return nil
				}

				return provisionRootfs(ctx, opts, runner, state.workRootfs)
			},
		},
		{
			Name:  "combine",
			Needs: []string{"prepare-image", "provision"},
			Run: func(ctx context.Context) error {
				return combiner.Combine(ctx, state.workImage, state.workRootfs, &config.Combine)
			},
		},
		{
			Name:  "boot-config",
			Needs: []string{"combine"},
			Run: func(_ context.Context) error {
				changed, err := layout.EnsureRootRW(state.workImage)
				if err != nil {
					return err
				}

				if changed {
					logger.Info("added 'rw' to kernel command line")
				}

				return nil
			},
		},
		{
			Name:  "finalize",
			Needs: []string{"boot-config"},
			Run: func(_ context.Context) error {
				return finalize(opts, state, outputPath)
			},
		},
	}

	for _, step := range steps {
		if err := p.Add(step); err != nil {
			return err
		}
	}

	if err := p.Run(ctx, config.Parallelism); err != nil {
		return err
	}

	logger.Info("successfully built image",
		"image", outputPath,
		"compressed", outputPath+".zst",
	)

	return nil
}

// prepareWorkImage decompresses the cached base image into the scratch image
// the build will rewrite.
func prepareWorkImage(compressedPath string, workImage string) error {
	src, err := os.Open(compressedPath)
	if err != nil {
		return fmt.Errorf("failed to open base image: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(workImage, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create work image: %w", err)
	}
	defer dst.Close()

	if _, err := compress.DecompressXZ(dst, src); err != nil {
		return fmt.Errorf("failed to decompress base image: %w", err)
	}

	return nil
}

// stageRootfs copies the cached rootfs into a scratch tree. Provisioning
// mutates the tree, and the cache has to stay pristine for the next build.
func stageRootfs(cachedPath string, workRootfs string) error {
	if err := os.RemoveAll(workRootfs); err != nil {
		return fmt.Errorf("failed to clear work rootfs: %w", err)
	}

	if err := os.MkdirAll(workRootfs, 0o755); err != nil {
		return fmt.Errorf("failed to create work rootfs: %w", err)
	}

	if err := rootfs.CopyTree(cachedPath, workRootfs); err != nil {
		return fmt.Errorf("failed to stage rootfs: %w", err)
	}

	return nil
}

func provisionRootfs(ctx context.Context, opts *rootOptions, runner execx.Runner, workRootfs string) error {
	env := chroot.New(opts.logger, runner, workRootfs)

	setupErr := env.Setup(ctx)

	var provisionErr error
	if setupErr == nil {
		provisionErr = chroot.Provision(ctx, opts.logger, env, &opts.config.Provision)
	}

	teardownErr := env.Teardown(context.WithoutCancel(ctx))

	return errors.Join(setupErr, provisionErr, teardownErr)
}

// finalize moves the work image to its output name and writes the
// zstd-compressed artifact next to it.
func finalize(opts *rootOptions, state *buildState, outputPath string) error {
	if err := moveFile(state.workImage, outputPath); err != nil {
		return fmt.Errorf("failed to move image to output: %w", err)
	}

	src, err := os.Open(outputPath)
	if err != nil {
		return fmt.Errorf("failed to open image for compression: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(outputPath+".zst", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compressed output: %w", err)
	}
	defer dst.Close()

	read, written, err := compress.CompressZstd(dst, src, opts.config.Output.ZstdLevel)
	if err != nil {
		return err
	}

	opts.logger.Info("compressed image",
		"original", fmt.Sprintf("%0.2fMiB", float64(read)/bytesInMebibyte),
		"compressed", fmt.Sprintf("%0.2fMiB", float64(written)/bytesInMebibyte),
	)

	if err := os.RemoveAll(state.workRootfs); err != nil {
		return fmt.Errorf("failed to remove work rootfs: %w", err)
	}

	return nil
}

// moveFile renames where possible and falls back to a copy when source and
// destination are on different filesystems.
func moveFile(src string, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open '%s': %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy '%s' to '%s': %w", src, dst, err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove '%s': %w", src, err)
	}

	return nil
}
