// Package sqlite implements the storage backend over a single SQLite file.
//
// The snapshot lives in a quota-limited key/value table standing in for a
// synchronous string store; chunks and images live in save-id-tagged tables
// so DeleteSave can enumerate and remove every record for a save, not just
// its snapshot row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/chroniclevault/internal/chronicle"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage"
	"github.com/louisbranch/chroniclevault/internal/chronicle/storage/sqlite/migrations"
	apperrors "github.com/louisbranch/chroniclevault/internal/platform/errors"
	"github.com/louisbranch/chroniclevault/internal/platform/storage/sqlitemigrate"
)

// DefaultLocalStateQuota caps a snapshot payload at 5 MiB, mirroring the
// quota of the synchronous browser store this backend stands in for.
const DefaultLocalStateQuota = 5 << 20

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Store provides a SQLite-backed chronicle store.
type Store struct {
	sqlDB           *sql.DB
	localStateQuota int
}

// Option configures store behavior.
type Option func(*Store)

// WithLocalStateQuota overrides the per-snapshot byte quota. Non-positive
// values disable the quota.
func WithLocalStateQuota(bytes int) Option {
	return func(s *Store) {
		s.localStateQuota = bytes
	}
}

// Open opens a SQLite chronicle store at the provided path and applies
// bundled migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.New(apperrors.CodePreconditionFailed, "storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.CodePreconditionFailed, "sqlite db is not accessible", err)
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store := &Store{
		sqlDB:           sqlDB,
		localStateQuota: DefaultLocalStateQuota,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the underlying SQLite database. Nil-safe so callers can
// defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// ReadLocalState returns the snapshot, or nil when absent or malformed.
// Snapshots written by the dirtree backend or by the legacy bare format are
// accepted through the shared decoder.
func (s *Store) ReadLocalState(ctx context.Context, saveID string) (*chronicle.RootSave, error) {
	var payload string
	row := s.sqlDB.QueryRowContext(ctx, "SELECT payload FROM local_state WHERE save_id = ?", saveID)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "read local state", err)
	}
	root, _, err := chronicle.DecodeRootSave([]byte(payload), time.Now())
	if err != nil {
		return nil, nil
	}
	return root, nil
}

// WriteLocalState replaces the snapshot wholesale. Payloads past the quota
// are rejected with a capacity error before touching the database, the same
// contract a synchronous quota-limited store enforces.
func (s *Store) WriteLocalState(ctx context.Context, saveID string, root *chronicle.RootSave) error {
	if root == nil {
		return apperrors.New(apperrors.CodePreconditionFailed, "root save is required")
	}
	payload, err := json.Marshal(root)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode local state", err)
	}
	if s.localStateQuota > 0 && len(payload) > s.localStateQuota {
		return apperrors.WithMetadata(apperrors.CodeCapacity, "local state quota exceeded", map[string]string{
			"save_id": saveID,
			"bytes":   fmt.Sprintf("%d", len(payload)),
			"quota":   fmt.Sprintf("%d", s.localStateQuota),
		})
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO local_state (save_id, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT (save_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
`, saveID, string(payload), toMillis(time.Now()))
	if err != nil {
		if isFullError(err) {
			return apperrors.Wrap(apperrors.CodeCapacity, "local state store is full", err)
		}
		return apperrors.Wrap(apperrors.CodeInternal, "write local state", err)
	}
	return nil
}

// isFullError reports whether the driver signaled a full database or disk.
func isFullError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "database or disk is full") || strings.Contains(value, "no space left")
}

// PutChunk writes one chunk row; the range lands in indexed columns so
// listing never decodes entries.
func (s *Store) PutChunk(ctx context.Context, saveID string, kind storage.Kind, chunk chronicle.Chunk) error {
	if !kind.Valid() {
		return apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	entries, err := json.Marshal(chunk.Entries)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode chunk entries", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO chunks (save_id, kind, chunk_id, start_idx, end_idx, entries, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (save_id, kind, chunk_id) DO UPDATE SET
    start_idx = excluded.start_idx,
    end_idx = excluded.end_idx,
    entries = excluded.entries,
    updated_at = excluded.updated_at
`, saveID, string(kind), chunk.ID, chunk.Range[0], chunk.Range[1], entries, toMillis(time.Now()))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "write chunk", err)
	}
	return nil
}

// GetChunk returns one chunk, or nil when absent or malformed.
func (s *Store) GetChunk(ctx context.Context, saveID string, kind storage.Kind, chunkID string) (*chronicle.Chunk, error) {
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	var (
		start, end int
		payload    []byte
	)
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT start_idx, end_idx, entries FROM chunks WHERE save_id = ? AND kind = ? AND chunk_id = ?",
		saveID, string(kind), chunkID)
	if err := row.Scan(&start, &end, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "read chunk", err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, nil
	}
	return &chronicle.Chunk{
		ID:      chunkID,
		Range:   [2]int{start, end},
		Entries: entries,
	}, nil
}

// ListChunks enumerates summaries straight from the indexed range columns.
func (s *Store) ListChunks(ctx context.Context, saveID string, kind storage.Kind) ([]chronicle.ChunkSummary, error) {
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT chunk_id, start_idx, end_idx FROM chunks WHERE save_id = ? AND kind = ? ORDER BY start_idx",
		saveID, string(kind))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list chunks", err)
	}
	defer rows.Close()

	var summaries []chronicle.ChunkSummary
	for rows.Next() {
		var summary chronicle.ChunkSummary
		if err := rows.Scan(&summary.ID, &summary.Start, &summary.End); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "scan chunk summary", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "iterate chunk summaries", err)
	}
	return summaries, nil
}

// DeleteChunk removes one chunk row; absent rows are a no-op.
func (s *Store) DeleteChunk(ctx context.Context, saveID string, kind storage.Kind, chunkID string) error {
	if !kind.Valid() {
		return apperrors.New(apperrors.CodePreconditionFailed, "unknown chunk kind")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM chunks WHERE save_id = ? AND kind = ? AND chunk_id = ?",
		saveID, string(kind), chunkID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "delete chunk", err)
	}
	return nil
}

// PutImage stores one image row.
func (s *Store) PutImage(ctx context.Context, saveID string, img chronicle.Image) error {
	mime := img.Mime
	if mime == "" {
		mime = chronicle.DefaultImageMime
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO images (save_id, image_id, mime, data, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (save_id, image_id) DO UPDATE SET
    mime = excluded.mime,
    data = excluded.data,
    updated_at = excluded.updated_at
`, saveID, img.ID, mime, img.Data, toMillis(time.Now()))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "write image", err)
	}
	return nil
}

// GetImage returns one image, or nil when absent.
func (s *Store) GetImage(ctx context.Context, saveID, imageID string) (*chronicle.Image, error) {
	img := chronicle.Image{ID: imageID}
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT mime, data FROM images WHERE save_id = ? AND image_id = ?",
		saveID, imageID)
	if err := row.Scan(&img.Mime, &img.Data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "read image", err)
	}
	return &img, nil
}

// ListImages enumerates image summaries without payloads.
func (s *Store) ListImages(ctx context.Context, saveID string) ([]chronicle.ImageSummary, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT image_id, mime FROM images WHERE save_id = ? ORDER BY image_id",
		saveID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list images", err)
	}
	defer rows.Close()

	var summaries []chronicle.ImageSummary
	for rows.Next() {
		var summary chronicle.ImageSummary
		if err := rows.Scan(&summary.ID, &summary.Mime); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "scan image summary", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "iterate image summaries", err)
	}
	return summaries, nil
}

// DeleteImage removes one image row; absent rows are a no-op.
func (s *Store) DeleteImage(ctx context.Context, saveID, imageID string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM images WHERE save_id = ? AND image_id = ?", saveID, imageID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "delete image", err)
	}
	return nil
}

// DeleteSave removes every record tagged with the save id, in one
// transaction so a half-deleted save never survives.
func (s *Store) DeleteSave(ctx context.Context, saveID string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "begin delete save", err)
	}
	for _, stmt := range []string{
		"DELETE FROM local_state WHERE save_id = ?",
		"DELETE FROM chunks WHERE save_id = ?",
		"DELETE FROM images WHERE save_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, saveID); err != nil {
			_ = tx.Rollback()
			return apperrors.Wrap(apperrors.CodeInternal, "delete save records", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "commit delete save", err)
	}
	return nil
}

var _ storage.Backend = (*Store)(nil)
