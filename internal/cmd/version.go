package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Built   string `json:"built"`
	Go      string `json:"go"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "version")
		defer span.End()

		info := versionInfo{Version: resolvedVersion(), Commit: Commit, Built: BuildDate, Go: runtime.Version()}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, info)
		}
		fmt.Fprintf(out, "Steward %s\nCommit: %s\nBuilt:  %s\nGo:     %s\n", info.Version, info.Commit, info.Built, info.Go)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
