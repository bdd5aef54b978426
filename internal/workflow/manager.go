package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bundlebridge/internal/clock"
	"bundlebridge/internal/config"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
)

// Runner processes one job to a terminal or pending state.
type Runner interface {
	Run(ctx context.Context, id int64) error
}

// Manager drains scheduled jobs through a Runner.
type Manager struct {
	store        *jobs.Store
	runner       Runner
	logger       *slog.Logger
	clock        clock.Clock
	pollInterval time.Duration
	wake         chan struct{}

	mu        sync.RWMutex
	running   bool
	busy      bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastJobID int64
	processed int
	failed    int
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithClock overrides the clock used to decide which jobs are due.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithPollInterval overrides the configured poll interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *jobs.Store, runner Runner, logger *slog.Logger, opts ...ManagerOption) *Manager {
	interval := time.Duration(cfg.Workflow.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Manager{
		store:        store,
		runner:       runner,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		clock:        clock.Real{},
		pollInterval: interval,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue schedules a job to run now and wakes the poll loop.
func (m *Manager) Enqueue(ctx context.Context, id int64) error {
	if err := m.store.Schedule(ctx, id, m.clock.Now()); err != nil {
		return err
	}
	m.Wake()
	return nil
}

// Wake asks the poll loop to look for due jobs immediately.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// RecoverInterrupted fails jobs left in a processing state by an earlier
// process and returns their ids.
func (m *Manager) RecoverInterrupted(ctx context.Context) ([]int64, error) {
	ids, err := m.store.FailProcessing(ctx, "")
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		logging.WarnWithContext(m.logger, "failed interrupted jobs", "interrupted_jobs",
			logging.Int("count", len(ids)),
			logging.String(logging.FieldErrorHint, "re-import the affected kits"),
			logging.String(logging.FieldImpact, "jobs that were mid-import must be restarted by hand"),
		)
	}
	return ids, nil
}
