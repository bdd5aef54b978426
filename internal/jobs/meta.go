package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Metadata fields stored per job.
const (
	FieldManifest     = "manifest"
	FieldDependencies = "dependencies"
	FieldThumbnail    = "thumbnail"
	FieldImportMarker = "import_marker"
)

// StorageKey namespaces job metadata keys as _<prefix>_v<version>_<field>.
type StorageKey struct {
	Prefix  string
	Version int
}

func (k StorageKey) normalized() StorageKey {
	k.Prefix = strings.Trim(strings.TrimSpace(k.Prefix), "_")
	if k.Prefix == "" {
		k.Prefix = "bk"
	}
	if k.Version <= 0 {
		k.Version = 1
	}
	return k
}

// Key returns the stored key for field.
func (k StorageKey) Key(field string) string {
	k = k.normalized()
	return "_" + k.Prefix + "_v" + strconv.Itoa(k.Version) + "_" + field
}

func (k StorageKey) namespace() string {
	return k.Key("")
}

// SetMeta stores value as JSON under field.
func (s *Store) SetMeta(ctx context.Context, id int64, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	return s.SetMetaRaw(ctx, id, field, raw)
}

// SetMetaRaw stores pre-encoded JSON under field.
func (s *Store) SetMetaRaw(ctx context.Context, id int64, field string, raw json.RawMessage) error {
	_, err := s.exec(ctx,
		`INSERT INTO job_meta (job_id, meta_key, meta_value) VALUES (?, ?, ?)
         ON CONFLICT(job_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
		id, s.key.Key(field), string(raw),
	)
	if err != nil {
		return fmt.Errorf("store %s for job %d: %w", field, id, err)
	}
	return nil
}

// MetaRaw returns the JSON stored under field, or nil when absent.
func (s *Store) MetaRaw(ctx context.Context, id int64, field string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT meta_value FROM job_meta WHERE job_id = ? AND meta_key = ?`,
		id, s.key.Key(field),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s for job %d: %w", field, id, err)
	}
	return json.RawMessage(value), nil
}

// Meta decodes the JSON stored under field into dst. It reports false when
// the field is absent.
func (s *Store) Meta(ctx context.Context, id int64, field string, dst any) (bool, error) {
	raw, err := s.MetaRaw(ctx, id, field)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s for job %d: %w", field, id, err)
	}
	return true, nil
}

// DeleteMeta removes field.
func (s *Store) DeleteMeta(ctx context.Context, id int64, field string) error {
	_, err := s.exec(ctx, `DELETE FROM job_meta WHERE job_id = ? AND meta_key = ?`, id, s.key.Key(field))
	return err
}

// MigrateKeyPrefix rewrites metadata written under another namespace into
// the store's namespace. Existing keys in the current namespace win. It
// returns the number of rewritten rows.
func (s *Store) MigrateKeyPrefix(ctx context.Context, from StorageKey) (int64, error) {
	from = from.normalized()
	oldNS, newNS := from.namespace(), s.key.namespace()
	if oldNS == newNS {
		return 0, nil
	}
	var moved int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		moved = 0
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_meta (job_id, meta_key, meta_value)
             SELECT job_id, ? || substr(meta_key, ?), meta_value FROM job_meta
             WHERE substr(meta_key, 1, ?) = ?`,
			newNS, len(oldNS)+1, len(oldNS), oldNS,
		)
		if err != nil {
			return fmt.Errorf("copy metadata keys: %w", err)
		}
		moved, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_meta WHERE substr(meta_key, 1, ?) = ?`, len(oldNS), oldNS,
		); err != nil {
			return fmt.Errorf("drop old metadata keys: %w", err)
		}
		return nil
	})
	return moved, err
}
