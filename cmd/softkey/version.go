package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at link time.
var version = "0.1.0-dev"

// firmwareVersion is reported by the admin app.
const firmwareVersion uint32 = 0x00000100

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of softkey",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "softkey version %s (firmware %#08x)\n", version, firmwareVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
