package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/config"
	"github.com/zot/scholar-hub/internal/contentstore"
)

var contentNoPin bool

// ContentCmd talks to the configured content daemon directly, without a
// running server.
var ContentCmd = &cobra.Command{
	Use:   "content",
	Short: "Work with the content daemon",
}

var contentAddCmd = &cobra.Command{
	Use:   "add FILE",
	Short: "Add a file (or - for stdin) and print its content address",
	Args:  cobra.ExactArgs(1),
	RunE:  runContentAdd,
}

var contentCatCmd = &cobra.Command{
	Use:   "cat HASH",
	Short: "Write the content stored under HASH to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runContentCat,
}

var contentPinCmd = &cobra.Command{
	Use:   "pin HASH...",
	Short: "Retain content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachHash(cmd, args, "pinned", (*contentstore.Client).Pin)
	},
}

var contentUnpinCmd = &cobra.Command{
	Use:   "unpin HASH...",
	Short: "Release content for garbage collection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachHash(cmd, args, "unpinned", (*contentstore.Client).Unpin)
	},
}

var contentPinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "List pinned content addresses",
	Args:  cobra.NoArgs,
	RunE:  runContentPins,
}

var contentStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daemon identity and repository usage",
	Args:  cobra.NoArgs,
	RunE:  runContentStats,
}

func init() {
	contentAddCmd.Flags().BoolVar(&contentNoPin, "no-pin", false, "Do not pin the added content")
	ContentCmd.AddCommand(contentAddCmd, contentCatCmd, contentPinCmd, contentUnpinCmd, contentPinsCmd, contentStatsCmd)
}

// openContent connects a client to the configured daemon. Tests replace it.
var openContent = func(ctx context.Context) (*contentstore.Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Content.Backend != config.BackendDaemon {
		return nil, fmt.Errorf("content commands need the %q backend, configuration selects %q", config.BackendDaemon, cfg.Content.Backend)
	}
	client := contentstore.NewClient(contentstore.NewShellDaemon(cfg.Content.APIAddress, cfg.Content.RequestTimeout.Duration), cfg.Content.GatewayURL, nil, nil)
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("%w (is the daemon running at %s?)", err, cfg.Content.APIAddress)
	}
	return client, nil
}

func runContentAdd(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	ctx := cmd.Context()
	client, err := openContent(ctx)
	if err != nil {
		return err
	}
	hash, err := client.Add(ctx, data)
	if err != nil {
		return err
	}
	if !contentNoPin {
		if err := client.Pin(ctx, hash); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func runContentCat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := openContent(ctx)
	if err != nil {
		return err
	}
	data, err := client.Get(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func eachHash(cmd *cobra.Command, hashes []string, verb string, op func(*contentstore.Client, context.Context, string) error) error {
	ctx := cmd.Context()
	client, err := openContent(ctx)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if err := op(client, ctx, hash); err != nil {
			return fmt.Errorf("%s: %w", hash, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, hash)
	}
	return nil
}

func runContentPins(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := openContent(ctx)
	if err != nil {
		return err
	}
	pins, err := client.ListPinned(ctx)
	if err != nil {
		return err
	}
	for _, hash := range pins {
		fmt.Fprintln(cmd.OutOrStdout(), hash)
	}
	return nil
}

func runContentStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := openContent(ctx)
	if err != nil {
		return err
	}
	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "node:\t%s\n", stats.NodeID)
	fmt.Fprintf(tw, "version:\t%s\n", stats.Version)
	fmt.Fprintf(tw, "repo size:\t%s\n", humanize.Bytes(stats.RepoSize))
	fmt.Fprintf(tw, "objects:\t%s\n", humanize.Comma(int64(stats.NumObjects)))
	fmt.Fprintf(tw, "peers:\t%d\n", stats.PeerCount)
	return tw.Flush()
}
