package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/crossbario/crossbar-sub003/internal/config"
	"github.com/crossbario/crossbar-sub003/internal/httpapi"
	"github.com/crossbario/crossbar-sub003/internal/ledger"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/notify"
	"github.com/crossbario/crossbar-sub003/internal/upload"
)

// Daemon owns the engine, API server, and sweeper for one staging directory.
type Daemon struct {
	cfg       *config.Config
	base      *slog.Logger
	logger    *slog.Logger
	ledger    *ledger.Store
	publisher notify.Publisher

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	engine  *upload.Engine
	api     *httpapi.Server
	cancel  context.CancelFunc
	sweeper sync.WaitGroup
	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	LedgerPath   string
	LockFilePath string
	APIAddress   string
	Uploads      int
	Recovery     upload.RecoveryReport
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithPublisher replaces the publisher built from the notifications config.
func WithPublisher(pub notify.Publisher) Option {
	return func(d *Daemon) { d.publisher = pub }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *ledger.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, ledger, and logger")
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		ledger:   store,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.publisher == nil {
		d.publisher = notify.NewPublisher(cfg, logger)
	}
	return d, nil
}

// Start acquires the daemon lock, recovers staging, and begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another uploader daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) error {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	notifier := notify.New(d.publisher, logging.NewComponentLogger(d.base, "notify"))
	engine, err := upload.New(runCtx, d.cfg, d.ledger, notifier, d.base)
	if err != nil {
		return fail(fmt.Errorf("start upload engine: %w", err))
	}
	api := httpapi.New(d.cfg, engine, d.base)
	if err := api.Start(runCtx); err != nil {
		return fail(err)
	}

	d.engine = engine
	d.api = api
	d.cancel = cancel
	d.sweeper.Add(1)
	go d.sweep(runCtx, engine)

	d.running.Store(true)
	d.logger.Info("uploader daemon started",
		logging.String("lock", d.lockPath),
		logging.String("address", api.Addr()),
		logging.Int("resumed", len(engine.Recovery().Resumed)),
	)
	return nil
}

// sweep runs idle eviction and stale staging cleanup until ctx is done.
func (d *Daemon) sweep(ctx context.Context, engine *upload.Engine) {
	defer d.sweeper.Done()
	interval := d.cfg.SweepInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := engine.Sweep(ctx)
			if len(result.Removed) > 0 || len(result.Errors) > 0 {
				d.logger.Info("staging sweep complete",
					logging.Int("removed", len(result.Removed)),
					logging.Int("errors", len(result.Errors)),
					logging.String(logging.FieldEventType, "staging_sweep"),
				)
			}
		}
	}
}

// Stop stops serving and releases the daemon lock. In-flight merges finish
// before the listener shuts down.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.Stop()
	}
	d.sweeper.Wait()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_unlock_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "next start may need the lock file removed"),
		)
	}
	d.running.Store(false)
	d.logger.Info("uploader daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.ledger != nil {
		return d.ledger.Close()
	}
	return nil
}

// Engine returns the running engine, or nil before Start.
func (d *Daemon) Engine() *upload.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LedgerPath:   d.ledger.Path(),
		LockFilePath: d.lockPath,
	}
	if d.api != nil && status.Running {
		status.APIAddress = d.api.Addr()
	}
	if d.engine != nil {
		status.Uploads = d.engine.Registry().Len()
		status.Recovery = d.engine.Recovery()
	}
	return status
}
