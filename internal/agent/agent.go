// Package agent wires the watcher, debouncer, classifier pool, delivery
// queue and reporter into one running pipeline and owns its lifecycle.
package agent

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/dlpwatch/internal/audit"
	"github.com/ppiankov/dlpwatch/internal/classify"
	"github.com/ppiankov/dlpwatch/internal/config"
	"github.com/ppiankov/dlpwatch/internal/debounce"
	"github.com/ppiankov/dlpwatch/internal/model"
	"github.com/ppiankov/dlpwatch/internal/queue"
	"github.com/ppiankov/dlpwatch/internal/report"
	"github.com/ppiankov/dlpwatch/internal/spool"
	"github.com/ppiankov/dlpwatch/internal/watch"
)

// ErrShutdownTimeout is returned by Shutdown when the pipeline did not
// drain before the deadline.
var ErrShutdownTimeout = goerrors.New("shutdown deadline exceeded before pipeline drained")

// spoolTimeout bounds persisting the queue after the drain deadline.
const spoolTimeout = 5 * time.Second

// Option customizes Start.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	version    string
	watchRetry time.Duration
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithVersion sets the version reported at registration.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithWatchRetry sets how often missing monitored paths are re-added.
func WithWatchRetry(d time.Duration) Option {
	return func(o *options) { o.watchRetry = d }
}

// Handle is a running agent.
type Handle struct {
	cfg     *config.Config
	log     *slog.Logger
	version string
	id      report.Identity
	roots   []model.MonitoredPath

	watcher  *watch.Watcher // nil in poll mode
	source   watch.Source
	deb      *debounce.Debouncer
	cls      *classify.Classifier
	queue    *queue.Queue
	client   *report.Client
	reporter *report.Reporter
	spool    *spool.Spool
	audit    *audit.Log

	rescans *rescanQueue
	stopReq chan time.Duration
	done    chan struct{}
	err     error

	counters
}

type counters struct {
	rescanned        atomic.Int64
	ignored          atomic.Int64
	classified       atomic.Int64
	clean            atomic.Int64
	unreadable       atomic.Int64
	binary           atomic.Int64
	skipped          atomic.Int64
	degraded         atomic.Int64
	detectorFailures atomic.Int64
	panics           atomic.Int64
	restored         atomic.Int64
}

// Start validates cfg, builds every stage and starts the pipeline. The agent
// runs until ctx is cancelled, Shutdown is called, or the watcher fails
// fatally. cfg must not be modified afterwards.
func Start(ctx context.Context, cfg *config.Config, opts ...Option) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	cls, err := classify.New(classify.Config{
		MaxFileSize: int64(cfg.MaxFileSize),
		ReadWindow:  int(cfg.ReadWindow),
		Extensions:  cfg.FileExtensions,
	}, reg, logger)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		cfg:     cfg,
		log:     logger.With("component", "agent"),
		version: o.version,
		id:      report.LocalIdentity(cfg.AgentID, cfg.AgentName),
		cls:     cls,
		queue: queue.New(queue.Config{
			Capacity:    cfg.QueueCapacity,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: queue.Backoff{
				Base:   cfg.Retry.Base,
				Factor: cfg.Retry.Factor,
				Cap:    cfg.Retry.Cap,
			},
		}),
		rescans: newRescanQueue(),
		stopReq: make(chan time.Duration, 1),
		done:    make(chan struct{}),
	}

	if cfg.AuditLog != "" {
		h.audit, err = audit.Open(cfg.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}
	if cfg.SpoolPath != "" {
		if err := h.openSpool(ctx); err != nil {
			h.closeStores()
			return nil, err
		}
	}

	h.client = report.NewClient(report.ClientConfig{
		ServerURL: cfg.ServerURL,
		Token:     cfg.APIToken,
		Headers:   cfg.Headers,
		UserAgent: "dlpwatch/" + o.version,
		Timeout:   cfg.RequestTimeout,
	})
	h.reporter = report.NewReporter(h.queue, h.client, report.Config{
		Identity:   h.id,
		RedactMode: cfg.RedactPaths,
		Breaker:    report.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown),
		Hooks: report.Hooks{
			Delivered: h.onDelivered,
			Expired:   h.onExpired,
		},
		Logger: logger,
	})

	roots := cfg.Roots()
	h.roots = roots
	if cfg.PollMode {
		h.source = watch.NewPollWatcher(roots, cfg.PollInterval)
	} else {
		h.watcher = watch.New(roots, logger)
		if o.watchRetry > 0 {
			h.watcher.SetRetryInterval(o.watchRetry)
		}
		h.source = h.watcher
	}
	h.deb = debounce.New(cfg.DebounceWindow, debounce.WithOutputBuffer(cfg.Workers))

	if err := cfg.IdentityErr(); err != nil {
		h.log.Warn("generated agent id could not be stored, it will change on restart",
			"agent_id_file", cfg.AgentIDFile, "error", err)
	}
	h.log.Info("agent starting",
		"agent_id", cfg.AgentID,
		"server_url", cfg.ServerURL,
		"paths", len(roots),
		"workers", cfg.Workers,
		"poll", cfg.PollMode)

	h.launch(ctx)
	return h, nil
}

// openSpool opens the spool and moves persisted entries back into the queue.
func (h *Handle) openSpool(ctx context.Context) error {
	sp, err := spool.Open(h.cfg.SpoolPath)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	h.spool = sp

	entries, skipped, err := sp.Load(ctx)
	if err != nil {
		return fmt.Errorf("load spool: %w", err)
	}
	if skipped > 0 {
		h.log.Warn("skipped unreadable spool entries", "count", skipped)
	}
	if len(entries) == 0 {
		return nil
	}
	h.queue.Restore(entries)
	h.restored.Add(int64(len(entries)))
	if err := sp.Clear(ctx); err != nil {
		return fmt.Errorf("clear spool: %w", err)
	}
	h.log.Info("restored queued reports", "count", len(entries), "spool", sp.Path())
	return nil
}

// launch starts the goroutines and the supervisor that tears them down.
func (h *Handle) launch(parent context.Context) {
	intakeCtx, stopIntake := context.WithCancel(context.Background())
	workCtx, stopWork := context.WithCancel(context.Background())
	reportCtx, stopReport := context.WithCancel(context.Background())

	intake, gctx := errgroup.WithContext(intakeCtx)
	intake.Go(func() error { return h.source.Run(gctx, h.route) })
	intake.Go(func() error {
		h.deb.Run(gctx)
		return nil
	})
	intake.Go(func() error {
		h.rescanLoop(gctx)
		return nil
	})
	if h.cfg.ScanOnStart {
		intake.Go(func() error {
			h.scanRoots(gctx)
			return nil
		})
	}

	// Workers stop when the debouncer closes its output, not on cancel,
	// so settled events already handed off are still classified.
	var pool errgroup.Group
	for i := 0; i < h.cfg.Workers; i++ {
		pool.Go(func() error {
			h.work(workCtx)
			return nil
		})
	}

	var delivery errgroup.Group
	delivery.Go(func() error {
		h.register(reportCtx)
		h.reporter.Run(reportCtx)
		return nil
	})
	delivery.Go(func() error {
		report.RunHeartbeat(reportCtx, h.client, h.cfg.AgentID, h.cfg.HeartbeatInterval, h.queue, h.log)
		return nil
	})

	go h.supervise(parent, stages{
		intake:     intake,
		pool:       &pool,
		delivery:   &delivery,
		stopIntake: stopIntake,
		stopWork:   stopWork,
		stopReport: stopReport,
	})
}

type stages struct {
	intake     *errgroup.Group
	pool       *errgroup.Group
	delivery   *errgroup.Group
	stopIntake context.CancelFunc
	stopWork   context.CancelFunc
	stopReport context.CancelFunc
}

// register announces the agent once. Failure is not fatal.
func (h *Handle) register(ctx context.Context) {
	err := h.client.Register(ctx, report.NewRegistration(h.id, h.version))
	if err != nil {
		if ctx.Err() == nil {
			h.log.Warn("agent registration failed", "error", err)
		}
		return
	}
	h.log.Info("agent registered", "agent_id", h.cfg.AgentID)
}

// supervise waits for a stop signal and runs the shutdown sequence:
// stop intake, let workers finish, stop the reporter loop, make one final
// drain pass, then spool whatever is left.
func (h *Handle) supervise(parent context.Context, s stages) {
	defer close(h.done)

	intakeDone := waitChan(s.intake)
	timeout := h.cfg.ShutdownTimeout
	var runErr error
	intakeFinished := false

	select {
	case <-parent.Done():
	case timeout = <-h.stopReq:
	case runErr = <-intakeDone:
		intakeFinished = true
		if runErr != nil {
			h.log.Error("pipeline stopped", "error", runErr)
		}
	}
	deadline := time.Now().Add(timeout)
	h.log.Info("agent stopping", "timeout", timeout.String())

	s.stopIntake()
	timedOut := false
	if !intakeFinished {
		select {
		case err := <-intakeDone:
			if err != nil && runErr == nil {
				runErr = err
			}
		case <-time.After(time.Until(deadline)):
			timedOut = true
		}
	}

	if !timedOut {
		select {
		case <-waitChan(s.pool):
		case <-time.After(time.Until(deadline)):
			timedOut = true
		}
	}
	s.stopWork()

	s.stopReport()
	_ = s.delivery.Wait()

	if remaining := time.Until(deadline); remaining > 0 && h.queue.Len() > 0 {
		dctx, cancel := context.WithTimeout(context.Background(), remaining)
		n := h.reporter.Drain(dctx)
		cancel()
		h.log.Info("final drain", "delivered", n, "remaining", h.queue.Len())
	}
	if h.queue.Len() > 0 && time.Now().After(deadline) {
		timedOut = true
	}

	h.persist()
	h.closeStores()

	switch {
	case runErr != nil:
		h.err = runErr
	case timedOut:
		h.err = ErrShutdownTimeout
	}
	h.log.Info("agent stopped", "queued", h.queue.Len())
}

// persist writes undelivered entries to the spool.
func (h *Handle) persist() {
	if h.spool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
	defer cancel()
	entries := h.queue.Snapshot()
	if err := h.spool.Save(ctx, entries); err != nil {
		h.log.Error("spool save failed", "error", err, "lost", len(entries))
		return
	}
	if len(entries) > 0 {
		h.log.Info("spooled undelivered reports", "count", len(entries), "spool", h.spool.Path())
	}
}

func (h *Handle) closeStores() {
	if h.spool != nil {
		if err := h.spool.Close(); err != nil {
			h.log.Warn("spool close failed", "error", err)
		}
	}
	if h.audit != nil {
		if err := h.audit.Close(); err != nil {
			h.log.Warn("audit log close failed", "error", err)
		}
	}
}

func waitChan(g *errgroup.Group) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- g.Wait() }()
	return ch
}

// Shutdown stops the agent and blocks until the pipeline has drained or
// timeout has passed. A non-positive timeout uses shutdown_timeout.
func (h *Handle) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = h.cfg.ShutdownTimeout
	}
	select {
	case h.stopReq <- timeout:
	default:
	}
	<-h.done
	return h.err
}

// Done is closed once the agent has fully stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the agent has stopped and returns the reason it
// stopped abnormally, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}
