package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/tmp/sdforge", config.TempDir)
	assert.Equal(t, "/var/lib/sdforge", config.StorageDir)
	assert.Equal(t, 2, config.Parallelism)

	// The stock source pairing is injected when not configured
	require.Contains(t, config.Sources, sourceBase)
	require.Contains(t, config.Sources, sourceRootfs)
	assert.Equal(t, "raspios", config.Sources[sourceBase].Provider)
	assert.Equal(t, "oci", config.Sources[sourceRootfs].Provider)
	assert.Equal(t, "*", config.Sources[sourceBase].Version)

	assert.NotEmpty(t, config.Provision.Packages)
	assert.Contains(t, config.Provision.Packages, "systemd")
	assert.Equal(t, "azurelinux", config.Provision.Hostname)

	assert.Contains(t, config.Combine.PreservePaths, "usr/lib/modules")
	assert.Equal(t, 9, config.Output.ZstdLevel)
}

func TestRenderOutputName(t *testing.T) {
	config := &outputConfig{
		Directory:    "/out",
		NameTemplate: "azl-pi{{ if .Version }}-{{ .Version }}{{ end }}.img",
	}

	path, err := renderOutputName(config, "v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "/out/azl-pi-v1.2.3.img", path)

	path, err = renderOutputName(config, "")
	require.NoError(t, err)
	assert.Equal(t, "/out/azl-pi.img", path)
}

func TestRenderOutputNameRejectsBadTemplate(t *testing.T) {
	_, err := renderOutputName(&outputConfig{NameTemplate: "{{ .Version "}, "v1")
	assert.Error(t, err)
}

func TestRenderOutputNameRejectsEscapingName(t *testing.T) {
	_, err := renderOutputName(&outputConfig{
		Directory:    "/out",
		NameTemplate: "../{{ .Version }}.img",
	}, "v1")
	assert.Error(t, err)

	_, err = renderOutputName(&outputConfig{
		Directory:    "/out",
		NameTemplate: "{{ .Version }}",
	}, "")
	assert.Error(t, err)
}
