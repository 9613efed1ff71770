package main

import (
	"fmt"

	"github.com/sdforge/sdforge/internal/execx"
	"github.com/sdforge/sdforge/internal/source"
	"github.com/spf13/cobra"
)

func newFetchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Reconcile cached build sources without building",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner := execx.NewRunner(opts.logger)

			manager, err := source.NewManager(opts.logger, runner, opts.config.StorageDir, opts.config.Sources)
			if err != nil {
				return fmt.Errorf("failed to create source manager: %w", err)
			}

			sources, err := manager.Reconcile(cmd.Context(), opts.config.Parallelism)
			if err != nil {
				return err
			}

			for name, src := range sources {
				opts.logger.Info("source ready",
					"source", name,
					"path", src.Path(),
				)
			}

			return nil
		},
	}
}
