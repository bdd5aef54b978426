package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = "id, title, status, download_url, thumbnail_url, category, source_url, bundle_path, error_message, imported_at, scheduled_at, created_at, updated_at"

const logCreated = "Entry created. Awaiting import."

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		status       string
		downloadURL  sql.NullString
		thumbnailURL sql.NullString
		category     sql.NullString
		sourceURL    sql.NullString
		bundlePath   sql.NullString
		errorMessage sql.NullString
		importedRaw  sql.NullString
		scheduledRaw sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&job.ID,
		&job.Title,
		&status,
		&downloadURL,
		&thumbnailURL,
		&category,
		&sourceURL,
		&bundlePath,
		&errorMessage,
		&importedRaw,
		&scheduledRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.DownloadURL = downloadURL.String
	job.ThumbnailURL = thumbnailURL.String
	job.Category = category.String
	job.SourceURL = sourceURL.String
	job.BundlePath = bundlePath.String
	job.Error = errorMessage.String
	if t, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	if importedRaw.Valid {
		if t, err := parseTimeString(importedRaw.String); err == nil {
			job.ImportedAt = &t
		}
	}
	if scheduledRaw.Valid {
		if t, err := parseTimeString(scheduledRaw.String); err == nil {
			job.ScheduledAt = &t
		}
	}
	return &job, nil
}

// Create inserts a pending job and logs its creation.
func (s *Store) Create(ctx context.Context, in NewJob) (*Job, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = DefaultTitle
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (title, status, download_url, thumbnail_url, category, source_url, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			title,
			StatusPending,
			nullableString(strings.TrimSpace(in.DownloadURL)),
			nullableString(strings.TrimSpace(in.ThumbnailURL)),
			nullableString(strings.TrimSpace(in.Category)),
			nullableString(strings.TrimSpace(in.SourceURL)),
			ts,
			ts,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return appendLogTx(ctx, tx, id, ts, logCreated)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get fetches a job by id. Missing jobs return ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs matching opts, newest first, and the total match count.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Job, int, error) {
	ctx = ensureContext(ctx)
	var (
		where []string
		args  []any
	)
	if len(opts.Statuses) > 0 {
		where = append(where, `status IN (`+makePlaceholders(len(opts.Statuses))+`)`)
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		where = append(where, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(search)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + clause + ` ORDER BY created_at DESC, id DESC`
	if opts.PerPage > 0 {
		page := opts.Page
		if page < 1 {
			page = 1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.PerPage, (page-1)*opts.PerPage)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Counts returns the number of jobs in each status.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("job counts: %w", err)
	}
	defer rows.Close()

	counts := Counts{ByStatus: make(map[Status]int, len(Statuses))}
	for _, status := range Statuses {
		counts.ByStatus[status] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		counts.ByStatus[Status(status)] = n
		counts.Total += n
	}
	return counts, rows.Err()
}

// Delete removes a job and everything keyed to it. The caller owns removal
// of the bundle file.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBundlePath records the retained bundle location. An empty path clears it.
func (s *Store) SetBundlePath(ctx context.Context, id int64, path string) error {
	return s.update(ctx, id, `bundle_path = ?`, nullableString(path))
}

// SetDownloadURL replaces the job's download URL.
func (s *Store) SetDownloadURL(ctx context.Context, id int64, url string) error {
	return s.update(ctx, id, `download_url = ?`, nullableString(strings.TrimSpace(url)))
}

func (s *Store) update(ctx context.Context, id int64, set string, args ...any) error {
	args = append(args, s.timestamp(), id)
	res, err := s.exec(ctx, `UPDATE jobs SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Schedule flags a job for the deferred worker at the given time.
func (s *Store) Schedule(ctx context.Context, id int64, at time.Time) error {
	return s.update(ctx, id, `scheduled_at = ?`, nullableTime(&at))
}

// NextScheduled claims the oldest job due at or before now and clears its
// flag, so each scheduling runs once. It returns nil when nothing is due.
func (s *Store) NextScheduled(ctx context.Context, now time.Time) (*Job, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id = 0
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at, id LIMIT 1`,
			now.UTC().Format(timeFormat),
		)
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET scheduled_at = NULL, updated_at = ? WHERE id = ?`, s.timestamp(), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim scheduled job: %w", err)
	}
	if id == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}
