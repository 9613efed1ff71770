package main

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/sdforge/sdforge/internal/chroot"
	"github.com/sdforge/sdforge/internal/combine"
	"github.com/sdforge/sdforge/internal/source"
	"github.com/spf13/viper"
)

// The build expects these two entries in the sources map: the SD card image
// whose kernel and firmware are kept, and the rootfs that replaces its
// userspace.
const (
	sourceBase   = "base"
	sourceRootfs = "rootfs"
)

type config struct {
	TempDir    string `mapstructure:"temp_directory" default:"/var/tmp/sdforge"`
	StorageDir string `mapstructure:"storage_directory" default:"/var/lib/sdforge"`

	// Upper bound on concurrently running pipeline steps
	Parallelism int `default:"2"`

	Sources map[string]*source.Config

	Provision chroot.ProvisionOptions
	Combine   combine.Options
	Output    outputConfig
}

type outputConfig struct {
	Directory string `default:"."`

	// Name of the final image; rendered with {{ .Version }} set from
	// --version-tag, so CI can embed the release tag in the artifact name
	NameTemplate string `mapstructure:"name_template" default:"azl-pi{{ if .Version }}-{{ .Version }}{{ end }}.img"`

	ZstdLevel int `mapstructure:"zstd_level" default:"9"`
}

func loadConfig(path string) (*config, error) {
	config := &config{}

	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
		}

		if err := viper.Unmarshal(config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if config.Sources == nil {
		config.Sources = make(map[string]*source.Config)
	}

	// Without explicit configuration, build the stock pairing: Raspberry Pi
	// OS base, Azure Linux rootfs
	if c, ok := config.Sources[sourceBase]; !ok || c == nil {
		config.Sources[sourceBase] = &source.Config{Provider: "raspios"}
	}

	if c, ok := config.Sources[sourceRootfs]; !ok || c == nil {
		config.Sources[sourceRootfs] = &source.Config{Provider: "oci"}
	}

	for _, name := range []string{sourceBase, sourceRootfs} {
		if err := defaults.Set(config.Sources[name]); err != nil {
			return nil, fmt.Errorf("failed to set defaults for source '%s': %w", name, err)
		}
	}

	return config, nil
}
