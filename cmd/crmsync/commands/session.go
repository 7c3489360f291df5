package commands

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/am"
	"github.com/teranos/crmsync/cache"
	"github.com/teranos/crmsync/channel"
	"github.com/teranos/crmsync/crm"
	"github.com/teranos/crmsync/db"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/gql"
	"github.com/teranos/crmsync/internal/httpclient"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/metrics"
	"github.com/teranos/crmsync/store"
	"github.com/teranos/crmsync/version"
)

// InitLogger configures the global logger from -v, falling back to
// log.level from the configuration.
func InitLogger(verbosity int) error {
	jsonOut := false
	level := logger.VerbosityToLevel(verbosity)
	if cfg, err := am.Load(); err == nil {
		jsonOut = cfg.Log.JSON
		if verbosity == 0 {
			level = logger.ParseLevel(cfg.Log.Level)
		}
	}
	return logger.Initialize(jsonOut, level)
}

// runContext tags ctx with a fresh run id so log lines of one
// invocation can be grouped.
func runContext(ctx context.Context, component string) context.Context {
	ctx = logger.WithRequestID(ctx, uuid.NewString()[:8])
	return logger.WithComponent(ctx, component)
}

// session is one client process: the local journal, the server
// connections and a Root wired to them.
type session struct {
	cfg *am.Config
	log *zap.SugaredLogger

	conn    *sql.DB
	journal *cache.SQLStore
	backend store.Backend
	ws      *channel.WSChannel
	pub     *channel.Publisher
	outbox  *store.Outbox

	registry *prometheus.Registry
	root     *crm.Root
}

// openSession connects according to cfg. GraphQL is used for bootstrap
// and, without a relay, for mutations; a relay carries mutations and
// pushes when sync.channel_url is set.
func openSession(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (s *session, err error) {
	if cfg.Sync.Endpoint == "" && cfg.Sync.ChannelURL == "" {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("no server configured"),
			"set sync.endpoint (GraphQL) or sync.channel_url (relay)")
	}
	log = logger.OrNop(log)
	s = &session{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	if s.conn, err = db.OpenWithMigrations(cfg.Database.Path, log.Named("db")); err != nil {
		return nil, err
	}
	s.journal = cache.NewSQLStore(s.conn, log)
	if v, err := db.SchemaVersion(s.conn); err == nil {
		log.Debugw("Journal ready", "path", cfg.Database.Path, "schema_version", v)
	}

	var mutator store.Mutator
	if cfg.Sync.Endpoint != "" {
		header := http.Header{}
		if cfg.Sync.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Sync.Token)
		}
		hc := httpclient.New(httpclient.Options{
			Timeout:   cfg.RequestTimeout(),
			UserAgent: "crmsync/" + version.Get().Short(),
			Header:    header,
		})
		client, err := gql.NewClient(cfg.Sync.Endpoint, hc, log)
		if err != nil {
			return nil, err
		}
		backend := crm.NewGraphQLBackend(client, log)
		s.backend, mutator = backend, backend
	}

	var ch channel.Channel
	if cfg.Sync.ChannelURL != "" {
		if s.ws, err = channel.DialWS(ctx, cfg.Sync.ChannelURL, cfg.Sync.Name, log); err != nil {
			return nil, err
		}
		s.pub = channel.NewPublisher(s.ws, cfg.AckTimeout(), log)
		ch, mutator = s.ws, s.pub
	}

	s.outbox = store.NewOutbox(ctx, cfg.Outbox(), log)
	s.outbox.Start()

	s.registry = prometheus.NewRegistry()
	recorder, err := metrics.New(s.registry)
	if err != nil {
		return nil, err
	}

	s.root, err = crm.NewRoot(crm.Deps{
		Backend:    s.backend,
		Mutator:    mutator,
		Dispatcher: s.outbox,
		Channel:    ch,
		Journal:    s.journal,
		Recorder:   recorder,
		Logger:     log,
		Config:     crm.Config{RefetchOnReject: cfg.Sync.RefetchOnReject},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// drain waits for queued mutations to be sent and answered.
func (s *session) drain(ctx context.Context) error {
	return s.outbox.Close(ctx)
}

// Close releases everything openSession acquired. Nil parts are skipped.
func (s *session) Close(ctx context.Context) error {
	var err error
	if s.root != nil {
		s.root.Close()
	}
	if s.outbox != nil {
		err = errors.CombineErrors(err, s.outbox.Close(ctx))
	}
	if s.pub != nil {
		s.pub.Close()
	}
	if s.ws != nil {
		err = errors.CombineErrors(err, s.ws.Close())
	}
	if s.conn != nil {
		err = errors.CombineErrors(err, s.conn.Close())
	}
	return err
}
