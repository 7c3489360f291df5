package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/crmsync/cmd/crmsync/commands"
	"github.com/teranos/crmsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "crmsync - optimistic CRM entity sync",
	Long: `crmsync - optimistic CRM entity sync.

Keeps a local, optimistically updated copy of CRM entities (organizations,
contacts, flows, contracts, service line items, opportunities and billing
profiles) in step with the server.

Available commands:
  am       - Show and validate configuration
  sync     - Bootstrap every entity group and follow server pushes
  relay    - Serve a sync channel over websocket
  publish  - Push snapshots, invalidations and deletes through a relay
  link     - Link or unlink a contact and a flow
  ops      - Show the journaled operations of one entity
  version  - Show build information

Examples:
  crmsync am show --sources      # Show every setting and where it came from
  crmsync relay --authority      # Relay with an in-memory authoritative server
  crmsync sync -v                # Bootstrap, then follow pushes
  crmsync ops contract c-1       # Operations committed on contract c-1`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am prints to stdout; keep it free of log lines.
		if cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := commands.InitLogger(verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v, -vv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.RelayCmd)
	rootCmd.AddCommand(commands.PublishCmd)
	rootCmd.AddCommand(commands.LinkCmd)
	rootCmd.AddCommand(commands.OpsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
