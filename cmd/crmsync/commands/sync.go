package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/am"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/metrics"
	"github.com/teranos/crmsync/store"
)

// SyncCmd bootstraps the entity groups and keeps them in step with the
// server.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bootstrap every entity group and follow server pushes",
	Long: `Bootstrap every entity group from the server, then follow pushes
from the relay until interrupted.

Bootstrap needs sync.endpoint; following needs sync.channel_url. Changes to
sync.mutations_per_second in the active config file apply without restart.

Examples:
  crmsync sync --once                  # Bootstrap, print counts, exit
  crmsync sync --metrics :9187         # Follow and expose /metrics`,
	RunE: runSync,
}

var (
	syncOnce    bool
	metricsAddr string
)

func init() {
	SyncCmd.Flags().BoolVar(&syncOnce, "once", false, "Exit after bootstrap")
	SyncCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address while following")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	log := logger.ComponentLogger("sync")

	ctx, stop := signal.NotifyContext(runContext(cmd.Context(), "sync"), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.AckTimeout())
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warnw("Shutdown incomplete", logger.FieldError, err)
		}
	}()

	if s.backend != nil {
		if err := bootstrap(ctx, s); err != nil {
			return err
		}
		prune(ctx, s)
	} else {
		pterm.Warning.Println("sync.endpoint not set, skipping bootstrap")
	}
	if syncOnce {
		return nil
	}
	if s.ws == nil {
		return errors.WithHint(
			errors.NewInvalidRequestError("following pushes needs a relay"),
			"set sync.channel_url or pass --once")
	}
	return follow(ctx, s)
}

func bootstrap(ctx context.Context, s *session) error {
	spinner, _ := pterm.DefaultSpinner.Start("Bootstrapping entity groups...")
	started := time.Now()
	if err := s.root.Bootstrap(ctx); err != nil {
		spinner.Fail("Bootstrap failed")
		return err
	}
	spinner.Success("Bootstrapped in " + time.Since(started).Round(time.Millisecond).String())
	return renderCounts(s.root.Counts())
}

func renderCounts(counts map[string]int) error {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	rows := pterm.TableData{{"Entity type", "Stores"}}
	for _, t := range types {
		rows = append(rows, []string{t, strconv.Itoa(counts[t])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func prune(ctx context.Context, s *session) {
	keep := s.cfg.Retention()
	if keep <= 0 {
		return
	}
	n, err := s.journal.Prune(ctx, time.Now().Add(-keep))
	if err != nil {
		s.log.Warnw("Journal prune failed", logger.FieldError, err)
		return
	}
	s.log.Infow("Journal pruned", logger.FieldCount, n, "retention_days", s.cfg.Database.RetentionDays)
}

func follow(ctx context.Context, s *session) error {
	if err := s.root.Attach(ctx); err != nil {
		return err
	}

	if path := am.ActiveConfigFile(); path != "" {
		w, err := am.NewConfigWatcher(path, s.log)
		if err != nil {
			s.log.Warnw("Config watch disabled", "path", path, logger.FieldError, err)
		} else {
			w.OnReload(func(c *am.Config) error {
				s.outbox.SetRate(c.Sync.MutationsPerSecond)
				return nil
			})
			w.Start()
			defer w.Stop()
		}
	}

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, s)
		defer srv.Shutdown(context.Background())
	}

	events, unsubscribe := s.events()
	defer unsubscribe()

	pterm.Info.Printfln("Following %s (Ctrl+C to stop)", s.cfg.Sync.ChannelURL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ws.Done():
			return s.ws.Err()
		case ev := <-events:
			logEvent(s.log, ev)
		}
	}
}

func serveMetrics(addr string, s *session) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(s.registry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("Metrics server failed", "addr", addr, logger.FieldError, err)
		}
	}()
	s.log.Infow("Serving metrics", "addr", addr)
	return srv
}

// events merges the event streams of every group.
func (s *session) events() (<-chan store.Event, func()) {
	r := s.root
	type source struct {
		ch    <-chan store.Event
		unsub func(<-chan store.Event)
	}
	sources := []source{
		{r.Organizations.Subscribe(), r.Organizations.Unsubscribe},
		{r.Contacts.Subscribe(), r.Contacts.Unsubscribe},
		{r.Flows.Subscribe(), r.Flows.Unsubscribe},
		{r.Contracts.Subscribe(), r.Contracts.Unsubscribe},
		{r.ServiceLineItems.Subscribe(), r.ServiceLineItems.Unsubscribe},
		{r.Opportunities.Subscribe(), r.Opportunities.Unsubscribe},
		{r.BillingProfiles.Subscribe(), r.BillingProfiles.Unsubscribe},
	}

	out := make(chan store.Event, store.SubscriberBufferSize)
	done := make(chan struct{})
	for _, src := range sources {
		go func(in <-chan store.Event) {
			for ev := range in {
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}(src.ch)
	}
	return out, func() {
		close(done)
		for _, src := range sources {
			src.unsub(src.ch)
		}
	}
}

func logEvent(log *zap.SugaredLogger, ev store.Event) {
	fields := []interface{}{
		"event", ev.Type,
		logger.FieldEntityType, ev.EntityType,
		logger.FieldEntityID, ev.ID,
		logger.FieldVersion, ev.Version,
	}
	if ev.Ref != "" {
		fields = append(fields, logger.FieldRef, ev.Ref)
	}
	if ev.PreviousID != "" {
		fields = append(fields, "previous_id", ev.PreviousID)
	}
	if ev.Err != "" {
		log.Warnw("Entity event", append(fields, logger.FieldError, ev.Err)...)
		return
	}
	log.Infow("Entity event", fields...)
}
