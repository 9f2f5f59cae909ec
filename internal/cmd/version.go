package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/3leaps/specenv/internal/server/handlers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), handlers.VersionInfo{
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
				GoVersion: runtime.Version(),
			})
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "specenv %s (commit %s, built %s, %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	addJSONFlag(versionCmd)
}
