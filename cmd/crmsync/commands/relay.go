package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/crmsync/am"
	"github.com/teranos/crmsync/channel"
	"github.com/teranos/crmsync/crm"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/metrics"
)

// RelayCmd serves a sync channel over websocket.
var RelayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve a sync channel over websocket",
	Long: `Serve a sync channel on /ws, Prometheus metrics on /metrics and a
health check on /healthz.

Messages fan out through an in-process hub, or through redis pub/sub when
sync.redis_addr is set so several relays share one bus. --authority runs an
in-memory authoritative server that answers mutations, useful for
development and demos; --seed preloads it from a push file.

Examples:
  crmsync relay                              # Plain relay on server.port
  crmsync relay --authority --seed seed.yml  # Relay with a seeded server`,
	RunE: runRelay,
}

var (
	relayPort      int
	relayAuthority bool
	relaySeed      string
)

func init() {
	RelayCmd.Flags().IntVarP(&relayPort, "port", "p", 0, "Listen port (default server.port)")
	RelayCmd.Flags().BoolVar(&relayAuthority, "authority", false, "Answer mutations with an in-memory server")
	RelayCmd.Flags().StringVar(&relaySeed, "seed", "", "Push file to preload the authority with")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if relaySeed != "" && !relayAuthority {
		return errors.NewInvalidRequestError("--seed requires --authority")
	}
	log := logger.ComponentLogger("relay")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ch      channel.Channel
		dropped func() uint64
	)
	if cfg.Sync.RedisAddr != "" {
		rdb, err := channel.NewRedisClient(ctx, channel.RedisConfig{Addr: cfg.Sync.RedisAddr, Prefix: cfg.Sync.RedisPrefix})
		if err != nil {
			return err
		}
		defer rdb.Close()
		rc := channel.NewRedisChannel(rdb, cfg.Sync.RedisPrefix, log)
		ch, dropped = rc, rc.Dropped
		pterm.Info.Printfln("Fan-out through redis at %s", cfg.Sync.RedisAddr)
	} else {
		hub := channel.NewHub(log)
		ch, dropped = hub, hub.Dropped
	}
	defer ch.Close()

	if relayAuthority {
		a, err := startAuthority(ch, relaySeed)
		if err != nil {
			return err
		}
		defer a.Close()
		pterm.Info.Printfln("Authority serving %d entity types", len(a.Types()))
	}

	relay := channel.NewRelay(ch, cfg.Server.AllowedOrigins, log)
	defer relay.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.RegisterRelay(reg, metrics.RelayStats{Connections: relay.Connections, Dropped: dropped}); err != nil {
		return err
	}

	port := relayPort
	if port == 0 {
		port = cfg.ServerPort()
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	pterm.Success.Printfln("Relay listening on ws://localhost:%d/ws", port)
	log.Infow("Relay started", "port", port, "allowed_origins", cfg.Server.AllowedOrigins)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listen on port %d", port)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown;
	// relay.Close disconnects them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
	}
	pterm.Info.Println("Relay stopped")
	return nil
}

func startAuthority(ch channel.Channel, seed string) (*channel.Authority, error) {
	a := channel.NewAuthority(ch, logger.ComponentLogger("relay"))
	for entityType, schema := range crm.Schemas() {
		if err := a.Register(entityType, schema, nil); err != nil {
			a.Close()
			return nil, err
		}
	}
	if seed == "" {
		return a, nil
	}

	f, err := os.Open(seed)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "open seed file")
	}
	defer f.Close()
	msgs, err := readPushes(f)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Type != channel.MsgSnapshot {
			continue
		}
		if err := a.Seed(msg.Channel, msg.Snapshot); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "seed %s", msg)
		}
	}
	return a, nil
}
