package commands

import (
	"context"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/crmsync/am"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// LinkCmd links a contact to a flow and waits for the server to accept
// both sides.
var LinkCmd = &cobra.Command{
	Use:   "link <contact-id> <flow-id>",
	Short: "Link or unlink a contact and a flow",
	Long: `Link a contact to a flow, updating both the contact's flow list and the
flow's contact list, then wait until the server acknowledged both.

Examples:
  crmsync link p-1 f-1            # Add p-1 to flow f-1
  crmsync link p-1 f-1 --remove   # Remove it again`,
	Args: cobra.ExactArgs(2),
	RunE: runLink,
}

var linkRemove bool

func init() {
	LinkCmd.Flags().BoolVar(&linkRemove, "remove", false, "Unlink instead of link")
}

func runLink(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	contactID, flowID := args[0], args[1]
	log := logger.ComponentLogger("link")

	ctx, stop := signal.NotifyContext(runContext(cmd.Context(), "link"), os.Interrupt)
	defer stop()

	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	if s.backend == nil {
		return errors.WithHint(errors.NewInvalidRequestError("linking needs the current contact and flow"), "set sync.endpoint")
	}
	if err := s.root.Bootstrap(ctx); err != nil {
		return err
	}

	contactEvents := s.root.Contacts.Subscribe()
	defer s.root.Contacts.Unsubscribe(contactEvents)
	flowEvents := s.root.Flows.Subscribe()
	defer s.root.Flows.Unsubscribe(flowEvents)

	if linkRemove {
		err = s.root.UnlinkContactFromFlow(contactID, flowID)
	} else {
		err = s.root.LinkContactToFlow(contactID, flowID)
	}
	if err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(ctx, 2*cfg.AckTimeout())
	defer cancel()
	if err := s.drain(drainCtx); err != nil {
		return errors.Wrap(err, "waiting for acknowledgements")
	}

	if reason := rejection(contactEvents, flowEvents); reason != "" {
		return errors.Mark(errors.Newf("server rejected the change: %s", reason), errors.ErrConflict)
	}
	contact, _ := s.root.Contacts.Get(contactID)
	flow, _ := s.root.Flows.Get(flowID)
	if n := len(contact.Pending()) + len(flow.Pending()); n > 0 {
		return errors.Newf("%d operations were not acknowledged", n)
	}

	if linkRemove {
		pterm.Success.Printfln("Unlinked %s from flow %s", contact.Value().Name(), flowID)
	} else {
		pterm.Success.Printfln("Linked %s to flow %s", contact.Value().Name(), flowID)
	}
	return nil
}

// rejection returns the first rejection reason already queued on chans.
func rejection(chans ...<-chan store.Event) string {
	for _, ch := range chans {
		for {
			select {
			case ev := <-ch:
				if ev.Type == store.EventRejected {
					if ev.Err == "" {
						return "mutation rejected"
					}
					return ev.Err
				}
				continue
			default:
			}
			break
		}
	}
	return ""
}
