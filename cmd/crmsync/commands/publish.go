package commands

import (
	"context"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/crmsync/am"
	"github.com/teranos/crmsync/channel"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// PublishCmd pushes server-side changes through a relay.
var PublishCmd = &cobra.Command{
	Use:   "publish <file>",
	Short: "Push snapshots, invalidations and deletes through a relay",
	Long: `Read a YAML push file and publish every entry on the relay at
sync.channel_url, as the server would. Money values must be quoted.

  - type: contract
    snapshot: {id: c-1, name: Support, status: LIVE, currency: EUR}
  - type: contact
    id: p-7
    action: invalidate      # or delete`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if cfg.Sync.ChannelURL == "" {
		return errors.WithHint(errors.NewInvalidRequestError("no relay configured"), "set sync.channel_url")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrap(err, "open push file")
	}
	defer f.Close()
	msgs, err := readPushes(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
	defer cancel()
	ws, err := channel.DialWS(ctx, cfg.Sync.ChannelURL, cfg.Sync.Name, logger.ComponentLogger("publish"))
	if err != nil {
		return err
	}
	defer ws.Close()

	for _, msg := range msgs {
		if err := ws.Publish(ctx, msg); err != nil {
			return errors.Wrapf(err, "publish %s", msg)
		}
	}
	pterm.Success.Printfln("Published %d messages", len(msgs))
	return nil
}
