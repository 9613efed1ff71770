package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	logger *slog.Logger
	config *config
}

func main() {
	opts := &rootOptions{}

	configPath := ""
	verbose := false

	root := &cobra.Command{
		Use:          "sdforge",
		Short:        "Build bootable SD card images pairing one distro's userspace with another's kernel",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}

			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			}))

			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			opts.config = config
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (defaults apply without one)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newBuildCommand(opts),
		newFetchCommand(opts),
		newInspectCommand(opts),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
