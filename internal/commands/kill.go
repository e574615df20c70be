package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/pidfile"
)

// KillCmd represents the kill command
var KillCmd = &cobra.Command{
	Use:   "kill PID",
	Short: "Stop a running scholar-hub server",
	Long:  `Stop a specific scholar-hub server by process ID. Only PIDs listed by ps are accepted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	pid64, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid PID: %s", args[0])
	}
	pid := int32(pid64)

	if err := pidfile.Kill(pid); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped server %d\n", pid)
	return nil
}
