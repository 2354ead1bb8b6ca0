package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/ir"
)

// VersionInfo is the output of the version command.
type VersionInfo struct {
	Version       string `json:"version"`
	LayoutVersion int    `json:"layout_version"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print the version number",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			info := VersionInfo{Version: ir.Version, LayoutVersion: ir.LayoutVersion}
			if formatter.JSON() {
				return formatter.Success(info)
			}
			fmt.Fprintf(formatter.Writer, "factsync v%s (store layout %d)\n", info.Version, info.LayoutVersion)
			return nil
		},
	}
}
