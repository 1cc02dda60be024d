package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rocdaq/readout/cmd"
	"github.com/rocdaq/readout/internal/buildinfo"
	"github.com/rocdaq/readout/internal/conf"
)

// buildDate and version are set at build time with -ldflags
var (
	buildDate string
	version   string
)

func main() {
	settings := &conf.Settings{}
	build := buildinfo.NewContext(version, buildDate)

	rootCmd := cmd.RootCommand(settings, build)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
