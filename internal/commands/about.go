package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// AboutCmd represents the about command
var AboutCmd = &cobra.Command{
	Use:   "about",
	Short: "Display information about scholar-hub",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "scholar-hub - real-time collaboration hub for courses and research groups")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live presence and collaboration rooms over WebSocket, course and direct")
		fmt.Fprintln(out, "chat over pub/sub, content-addressed storage through an IPFS daemon.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "MIT Licensed")
		fmt.Fprintln(out, "Project URL: https://github.com/zot/scholar-hub")
	},
}
