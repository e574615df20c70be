package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/pidfile"
)

var psVerbose bool

// PsCmd represents the ps command
var PsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running scholar-hub servers",
	Long:  `List the process ID, port and uptime of every running scholar-hub server.`,
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func init() {
	PsCmd.Flags().BoolVarP(&psVerbose, "cmdline", "c", false, "Show command line arguments")
}

func runPs(cmd *cobra.Command, args []string) error {
	entries, err := pidfile.List()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No running scholar-hub servers found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := "PID\tPORT\tSTARTED"
	if psVerbose {
		header += "\tCOMMAND"
	}
	fmt.Fprintln(tw, header)
	for _, e := range entries {
		line := fmt.Sprintf("%d\t%d\t%s", e.PID, e.Port, humanize.Time(e.Started))
		if psVerbose {
			cmdline := pidfile.Cmdline(e.PID)
			if cmdline == "" {
				cmdline = "<no command line available>"
			}
			line += "\t" + cmdline
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}
