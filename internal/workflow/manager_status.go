package workflow

import (
	"context"

	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running   bool
	Busy      bool
	LastError string
	LastJobID int64
	Processed int
	Failed    int
	Counts    jobs.Counts
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:   m.running,
		Busy:      m.busy,
		LastJobID: m.lastJobID,
		Processed: m.processed,
		Failed:    m.failed,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	counts, err := m.store.Counts(ctx)
	if err != nil {
		m.logger.Warn("failed to read job counts", logging.Error(err))
	}
	summary.Counts = counts
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setBusy(busy bool) {
	m.mu.Lock()
	m.busy = busy
	m.mu.Unlock()
}

func (m *Manager) record(id int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastJobID = id
	m.processed++
	if err != nil {
		m.failed++
		m.lastErr = err
	}
}
