package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
)

// OutboxConfig configures the mutation outbox.
type OutboxConfig struct {
	Workers int `json:"workers"`
	// MutationsPerSecond caps sends across all workers. Zero or less
	// means unlimited.
	MutationsPerSecond float64 `json:"mutations_per_second"`
	Burst              int     `json:"burst"`
	QueueSize          int     `json:"queue_size"`
}

// DefaultOutboxConfig returns sensible defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		Workers:            4,
		MutationsPerSecond: 20,
		Burst:              5,
		QueueSize:          256,
	}
}

type outboxJob struct {
	key string
	run func(ctx context.Context)
}

// Outbox sends mutations in the background. Jobs with the same key always
// land on the same worker, so operations of one entity go out in commit
// order while different entities proceed in parallel.
type Outbox struct {
	cfg     OutboxConfig
	limiter *rate.Limiter
	log     *zap.SugaredLogger
	queues  []chan outboxJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewOutbox returns an outbox whose jobs run under ctx. Call Start before
// submitting.
func NewOutbox(ctx context.Context, cfg OutboxConfig, log *zap.SugaredLogger) *Outbox {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultOutboxConfig().QueueSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	octx, cancel := context.WithCancel(ctx)
	o := &Outbox{
		cfg:     cfg,
		limiter: rate.NewLimiter(limitFor(cfg.MutationsPerSecond), cfg.Burst),
		log:     logger.OrNop(log).Named("outbox"),
		queues:  make([]chan outboxJob, cfg.Workers),
		ctx:     octx,
		cancel:  cancel,
	}
	for i := range o.queues {
		o.queues[i] = make(chan outboxJob, cfg.QueueSize)
	}
	return o
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Start launches the workers. Calling it twice is a no-op.
func (o *Outbox) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.closed {
		return
	}
	o.started = true
	for i, q := range o.queues {
		o.wg.Add(1)
		go o.worker(i, q)
	}
	o.log.Debugw("Outbox started", "workers", len(o.queues), "rate", o.cfg.MutationsPerSecond)
}

// SetRate changes the send rate of a running outbox.
func (o *Outbox) SetRate(perSecond float64) {
	o.limiter.SetLimit(limitFor(perSecond))
	o.log.Infow("Outbox rate changed", "rate", perSecond)
}

// Submit queues job on the worker owning key. It blocks while that
// worker's queue is full and fails once the outbox is closed.
func (o *Outbox) Submit(key string, job func(ctx context.Context)) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return errors.Wrap(errors.ErrClosed, "outbox")
	}
	select {
	case o.queues[o.shard(key)] <- outboxJob{key: key, run: job}:
		return nil
	case <-o.ctx.Done():
		return errors.Wrap(errors.ErrClosed, "outbox")
	}
}

func (o *Outbox) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(o.queues)))
}

// Pending returns the number of queued jobs.
func (o *Outbox) Pending() int {
	n := 0
	for _, q := range o.queues {
		n += len(q)
	}
	return n
}

func (o *Outbox) worker(id int, q <-chan outboxJob) {
	defer o.wg.Done()
	for job := range q {
		if err := o.limiter.Wait(o.ctx); err != nil {
			o.log.Debugw("Outbox job cancelled", "worker", id, logger.FieldEntityID, job.key, logger.FieldError, err)
			job.run(o.ctx)
			continue
		}
		started := time.Now()
		job.run(o.ctx)
		o.log.Debugw("Outbox job done",
			"worker", id,
			logger.FieldEntityID, job.key,
			logger.FieldDurationMS, time.Since(started).Milliseconds())
	}
}

// Close stops accepting jobs, drains queued jobs and waits for the
// workers. If ctx ends first, or the outbox was never started, the
// remaining jobs still run but with a cancelled context.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	started := o.started
	for _, q := range o.queues {
		close(q)
	}
	o.mu.Unlock()

	if !started {
		o.cancel()
		for _, q := range o.queues {
			for job := range q {
				job.run(o.ctx)
			}
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return errors.Wrap(ctx.Err(), "outbox close")
	}
}
