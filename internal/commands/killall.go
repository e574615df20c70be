package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/pidfile"
)

// KillAllCmd represents the killall command
var KillAllCmd = &cobra.Command{
	Use:   "killall",
	Short: "Stop every running scholar-hub server",
	Args:  cobra.NoArgs,
	RunE:  runKillAll,
}

func runKillAll(cmd *cobra.Command, args []string) error {
	n, err := pidfile.KillAll()
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No running scholar-hub servers found")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped %d server(s)\n", n)
	return nil
}
