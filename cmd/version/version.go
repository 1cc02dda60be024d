package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/rocdaq/readout/internal/buildinfo"
)

// Command creates a new cobra.Command to print build information.
func Command(build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the readout version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "readout %s (built %s, %s %s/%s)\n",
				build.GetVersion(), build.GetBuildDate(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}
