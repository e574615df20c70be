package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/commands"
)

var rootCmd = &cobra.Command{
	Use:   "scholar-hub",
	Short: "Real-time collaboration hub for courses and research groups",
	Long: `scholar-hub hosts live collaboration sessions for an academic platform.

Clients connect to /ws with a signed bearer token, join the collaborations
they are members of and exchange messages, typing indicators and document
events with the other members online. Course and direct chats run over
pub/sub (an IPFS daemon, an embedded libp2p node or in-process) and every
chat message is captured as pinned content.

Running scholar-hub with no subcommand serves. Configuration is read from
scholar-hub.toml; secrets may come from the environment or a .env file.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          commands.RunServe,
}

func init() {
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.ContentCmd)
	rootCmd.AddCommand(commands.RoomCmd)
	rootCmd.AddCommand(commands.PsCmd)
	rootCmd.AddCommand(commands.KillCmd)
	rootCmd.AddCommand(commands.KillAllCmd)
	rootCmd.AddCommand(commands.VersionCmd)
	rootCmd.AddCommand(commands.AboutCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
