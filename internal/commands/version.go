package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of scholar-hub",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scholar-hub version %s\n", Version)
	},
}
