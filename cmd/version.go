package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tsawler/vggtrain/sysinfo"
)

// Version will be set at build time
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of vggtrain",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vggtrain version %s (%s)\n", Version, runtime.Version())
		fmt.Fprintln(out, sysinfo.Collect("").String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
