package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocdaq/readout/internal/buildinfo"
	"github.com/rocdaq/readout/internal/conf"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := RootCommand(&conf.Settings{}, buildinfo.NewContext("1.2.3", "2026-01-01"))

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "runs", "config", "dump", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCommand_VersionSkipsConfig(t *testing.T) {
	settings := &conf.Settings{}
	root := RootCommand(settings, buildinfo.NewContext("1.2.3", "2026-01-01"))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "readout 1.2.3")
	assert.Contains(t, out.String(), "2026-01-01")
	assert.Empty(t, settings.Main.Name)
}
