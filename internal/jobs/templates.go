package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bundlebridge/internal/services"
)

// AddTemplateIDs appends template ids keyed by template index. Earlier ids
// stay in the history.
func (s *Store) AddTemplateIDs(ctx context.Context, id int64, ids map[int]int64) error {
	if len(ids) == 0 {
		return nil
	}
	indices := make([]int, 0, len(ids))
	for index := range ids {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := s.timestamp()
		for _, index := range indices {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_templates (job_id, template_index, template_id, created_at) VALUES (?, ?, ?, ?)`,
				id, index, ids[index], ts,
			); err != nil {
				return fmt.Errorf("record template %d: %w", index, err)
			}
		}
		return nil
	})
}

// TemplateIDs returns the latest template id for each index.
func (s *Store) TemplateIDs(ctx context.Context, id int64) (map[int]int64, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT template_index, template_id FROM job_templates WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("read template ids: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int64)
	for rows.Next() {
		var (
			index int
			tid   int64
		)
		if err := rows.Scan(&index, &tid); err != nil {
			return nil, err
		}
		out[index] = tid
	}
	return out, rows.Err()
}

// InsertLibraryTemplate stores a template imported by the native routine.
func (s *Store) InsertLibraryTemplate(ctx context.Context, t LibraryTemplate) (int64, error) {
	res, err := s.exec(ctx,
		`INSERT INTO library_templates (job_id, title, template_type, source_file, content, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		nullableID(t.JobID), strings.TrimSpace(t.Title), t.Type, t.SourceFile, t.Content, s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert library template: %w", err)
	}
	return res.LastInsertId()
}

// LibraryTemplate fetches one stored template.
func (s *Store) LibraryTemplate(ctx context.Context, id int64) (*LibraryTemplate, error) {
	var (
		t       LibraryTemplate
		jobID   sql.NullInt64
		created string
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, job_id, title, template_type, source_file, content, created_at FROM library_templates WHERE id = ?`, id,
	).Scan(&t.ID, &jobID, &t.Title, &t.Type, &t.SourceFile, &t.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get library template: %w", err)
	}
	t.JobID = jobID.Int64
	if ts, err := parseTimeString(created); err == nil {
		t.CreatedAt = ts
	}
	return &t, nil
}

// CountLibraryTemplates returns the number of stored templates.
func (s *Store) CountLibraryTemplates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM library_templates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count library templates: %w", err)
	}
	return n, nil
}

// InsertLibraryPage creates a draft page holding a copy of a stored
// template's content.
func (s *Store) InsertLibraryPage(ctx context.Context, templateID int64, title string) (LibraryPage, error) {
	now := s.now()
	title = strings.TrimSpace(title)
	res, err := s.exec(ctx,
		`INSERT INTO library_pages (template_id, title, status, content, created_at)
         SELECT id, ?, 'draft', content, ? FROM library_templates WHERE id = ?`,
		title, now.Format(timeFormat), templateID,
	)
	if err != nil {
		return LibraryPage{}, fmt.Errorf("insert library page: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return LibraryPage{}, fmt.Errorf("library template %d: %w", templateID, services.ErrNotFound)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LibraryPage{}, err
	}
	return LibraryPage{ID: id, TemplateID: templateID, Title: title, Status: "draft", CreatedAt: now}, nil
}

// LibraryPageContent returns the content copied onto a draft page.
func (s *Store) LibraryPageContent(ctx context.Context, id int64) (string, error) {
	var content string
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT content FROM library_pages WHERE id = ?`, id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("library page %d: %w", id, services.ErrNotFound)
	}
	return content, err
}

func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
