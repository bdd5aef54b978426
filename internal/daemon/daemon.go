package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gofrs/flock"

	"bundlebridge/internal/config"
	"bundlebridge/internal/deps"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/notifications"
	"bundlebridge/internal/platform"
	"bundlebridge/internal/workflow"
)

// Daemon coordinates the import API, the deferred-job scheduler and the
// inbox watcher, and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	pipeline *ingest.Pipeline
	workflow *workflow.Manager
	api      *apiServer
	inbox    *inboxWatcher

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, pipeline *ingest.Pipeline, native *platform.Native, wf *workflow.Manager, notifier notifications.Service, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || pipeline == nil || native == nil || wf == nil {
		return nil, errors.New("daemon requires config, pipeline, platform, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		pipeline: pipeline,
		workflow: wf,
		api:      newAPIServer(cfg, pipeline, native, wf, notifier, logger),
		inbox:    newInboxWatcher(cfg.Paths.InboxDir, pipeline, logger),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, fails jobs interrupted by a previous run
// and launches the scheduler, the API and the inbox watcher.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another bundlebridge daemon instance is already running")
	}

	d.logDependencies()
	if _, err := d.workflow.RecoverInterrupted(ctx); err != nil {
		d.logger.Warn("recover interrupted jobs failed", logging.Error(err))
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		d.abort()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.workflow.Stop()
		d.abort()
		return fmt.Errorf("start api: %w", err)
	}
	if err := d.inbox.start(d.ctx); err != nil {
		logging.WarnWithContext(d.logger, "inbox watcher unavailable", "inbox_unavailable",
			logging.String("dir", d.cfg.Paths.InboxDir),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check paths.inbox_dir exists and is readable"),
			logging.String(logging.FieldImpact, "bundles dropped into the inbox are not imported"),
		)
	}

	d.running.Store(true)
	d.logger.Info("bundlebridge daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.addr()),
	)
	return nil
}

func (d *Daemon) abort() {
	_ = d.lock.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.inbox.stop()
	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("bundlebridge daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if store := d.pipeline.Store(); store != nil {
		return store.Close()
	}
	return nil
}

// Handler returns the import API handler.
func (d *Daemon) Handler() http.Handler {
	return d.api.handler
}

func (d *Daemon) logDependencies() {
	statuses := deps.Check(d.cfg)
	for _, status := range deps.Unavailable(statuses) {
		logging.WarnWithContext(d.logger, "import dependency unavailable", "dependency_missing",
			logging.String("dependency", status.Name),
			logging.String("detail", status.Detail),
			logging.String(logging.FieldErrorHint, "install the import CLI or fix cli.command and platform.install_path"),
			logging.String(logging.FieldImpact, "imports fall back to the native routine"),
		)
	}
	if len(statuses) > 0 && len(deps.Unavailable(statuses)) == 0 {
		d.logger.Info("import dependencies available", logging.Int("checked", len(statuses)))
	}
}
