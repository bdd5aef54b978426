package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	logResetByAdmin = "Status reset to pending by admin."
	logFailPrefix   = "ERROR: "
	// StoppedMessage is recorded on jobs interrupted by a daemon shutdown.
	StoppedMessage = "Daemon stopped"
)

func appendLogTx(ctx context.Context, tx *sql.Tx, id int64, ts, message string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_log (job_id, logged_at, message) VALUES (?, ?, ?)`,
		id, ts, strings.TrimSpace(message),
	); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func currentStatusTx(ctx context.Context, tx *sql.Tx, id int64) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return Status(status), nil
}

// Transition moves a job to status to, logging message. Moves outside the
// lifecycle return a *TransitionError.
func (s *Store) Transition(ctx context.Context, id int64, to Status, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		from, err := currentStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(from, to) {
			return &TransitionError{ID: id, From: from, To: to}
		}
		ts := s.timestamp()
		set := `status = ?, updated_at = ?`
		args := []any{to, ts}
		if to == StatusComplete {
			set += `, imported_at = ?`
			args = append(args, ts)
		}
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if message == "" {
			message = "Status changed to " + string(to) + "."
		}
		return appendLogTx(ctx, tx, id, ts, message)
	})
}

// Complete marks an importing job complete and records imported_at.
func (s *Store) Complete(ctx context.Context, id int64, message string) error {
	return s.Transition(ctx, id, StatusComplete, message)
}

// Fail stores msg as the job error, moves it to failed and logs "ERROR: msg".
// Failing an already failed job only refreshes the error.
func (s *Store) Fail(ctx context.Context, id int64, msg string) error {
	msg = strings.TrimSpace(msg)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		from, err := currentStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if from == StatusComplete {
			return &TransitionError{ID: id, From: from, To: StatusFailed}
		}
		ts := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, scheduled_at = NULL, updated_at = ? WHERE id = ?`,
			StatusFailed, nullableString(msg), ts, id,
		); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return appendLogTx(ctx, tx, id, ts, logFailPrefix+msg)
	})
}

// Reset returns a job to pending from any state. clearError drops the stored
// error message.
func (s *Store) Reset(ctx context.Context, id int64, message string, clearError bool) error {
	if message == "" {
		message = logResetByAdmin
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := currentStatusTx(ctx, tx, id); err != nil {
			return err
		}
		ts := s.timestamp()
		query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`
		if clearError {
			query = `UPDATE jobs SET status = ?, error_message = NULL, updated_at = ? WHERE id = ?`
		}
		if _, err := tx.ExecContext(ctx, query, StatusPending, ts, id); err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		return appendLogTx(ctx, tx, id, ts, message)
	})
}

// AppendLog adds a line to the job's history without changing its state.
func (s *Store) AppendLog(ctx context.Context, id int64, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := currentStatusTx(ctx, tx, id); err != nil {
			return err
		}
		ts := s.timestamp()
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, ts, id); err != nil {
			return err
		}
		return appendLogTx(ctx, tx, id, ts, message)
	})
}

// Log returns the job's history, oldest first.
func (s *Store) Log(ctx context.Context, id int64) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT logged_at, message FROM job_log WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	defer rows.Close()
	entries := []LogEntry{}
	for rows.Next() {
		var (
			raw   string
			entry LogEntry
		)
		if err := rows.Scan(&raw, &entry.Message); err != nil {
			return nil, err
		}
		if t, err := parseTimeString(raw); err == nil {
			entry.Time = t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// FailProcessing fails every job left in a processing state, typically at
// daemon start. It returns the affected ids.
func (s *Store) FailProcessing(ctx context.Context, reason string) ([]int64, error) {
	if reason == "" {
		reason = StoppedMessage
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id FROM jobs WHERE status IN (?, ?, ?) ORDER BY id`,
		StatusDownloading, StatusExtracting, StatusImporting,
	)
	if err != nil {
		return nil, fmt.Errorf("find processing jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.Fail(ctx, id, reason); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// IDsByStatus returns the ids of jobs in status, oldest first.
func (s *Store) IDsByStatus(ctx context.Context, status Status) ([]int64, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT id FROM jobs WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
