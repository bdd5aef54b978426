package workflow

import (
	"context"
	"errors"

	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
)

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.runner == nil {
		m.mu.Unlock()
		return errors.New("workflow runner not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.loop(runCtx)
	return nil
}

// Stop terminates background processing and waits for the current job.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.NextScheduled(ctx, m.clock.Now())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.setLastError(err)
			m.logger.Error("failed to fetch next scheduled job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "schedule_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check job database access"),
			)
			m.waitForWork(ctx)
			continue
		}
		if job == nil {
			m.waitForWork(ctx)
			continue
		}
		m.process(ctx, job)
	}
}

func (m *Manager) process(ctx context.Context, job *jobs.Job) {
	m.setBusy(true)
	defer m.setBusy(false)

	logger := m.logger.With(logging.Int64(logging.FieldJobID, job.ID))
	logger.Info("running scheduled job",
		logging.String("title", job.Title),
		logging.String(logging.FieldEventType, "scheduled_job_started"),
	)
	err := m.runner.Run(ctx, job.ID)
	m.record(job.ID, err)
	switch {
	case err == nil:
		logger.Info("scheduled job finished", logging.String(logging.FieldEventType, "scheduled_job_finished"))
	case errors.Is(err, context.Canceled):
		logger.Debug("daemon shutting down, scheduled job cancelled")
	case errors.Is(err, jobs.ErrNotFound):
		logger.Debug("scheduled job no longer exists")
	default:
		logger.Warn("scheduled job failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "scheduled_job_failed"),
		)
	}
}

func (m *Manager) waitForWork(ctx context.Context) {
	timer := m.clock.AfterFunc(m.pollInterval, m.Wake)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-m.wake:
	}
}
