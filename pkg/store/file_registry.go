package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// FileRecord is one row of dtu_file_registry: a DTU exported to a .dtu file.
type FileRecord struct {
	FileHash   string    `json:"file_hash"`
	DTUID      string    `json:"dtu_id"`
	SizeBytes  int64     `json:"size_bytes"`
	Extension  string    `json:"extension"`
	ExportedAt time.Time `json:"exported_at"`
}

// ReimportRecord is one row of dtu_reimports: an inbound .dtu file resolved
// against the canonical registry.
type ReimportRecord struct {
	FileHash       string    `json:"file_hash"`
	CanonicalDTUID string    `json:"canonical_dtu_id"`
	Duplicate      bool      `json:"duplicate"`
	ImportedAt     time.Time `json:"imported_at"`
}

// FileRegistry persists export and reimport records for DTU files.
type FileRegistry struct {
	db *sql.DB
}

// NewFileRegistry migrates and wraps an open connection.
func NewFileRegistry(db *sql.DB) (*FileRegistry, error) {
	r := &FileRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dtu_file_registry (
		file_hash TEXT PRIMARY KEY,
		dtu_id TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		extension TEXT NOT NULL,
		exported_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS dtu_reimports (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		file_hash TEXT NOT NULL,
		canonical_dtu_id TEXT NOT NULL,
		duplicate INTEGER NOT NULL,
		imported_at DATETIME NOT NULL
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// RecordExport upserts the file row for an exported envelope. The file hash
// is unique: re-exporting identical bytes is a no-op.
func (r *FileRegistry) RecordExport(ctx context.Context, rec *FileRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dtu_file_registry (file_hash, dtu_id, size_bytes, extension, exported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_hash) DO NOTHING`,
		rec.FileHash, rec.DTUID, rec.SizeBytes, rec.Extension,
		rec.ExportedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record export: %w", err)
	}
	return nil
}

// LookupExport returns the export row for a file hash.
func (r *FileRegistry) LookupExport(ctx context.Context, fileHash string) (*FileRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT file_hash, dtu_id, size_bytes, extension, exported_at
		FROM dtu_file_registry WHERE file_hash = ?`, fileHash)

	var rec FileRecord
	var exportedAt string
	err := row.Scan(&rec.FileHash, &rec.DTUID, &rec.SizeBytes, &rec.Extension, &exportedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.ExportedAt, _ = time.Parse(time.RFC3339Nano, exportedAt)
	return &rec, true, nil
}

// RecordReimport appends a reimport row.
func (r *FileRegistry) RecordReimport(ctx context.Context, rec *ReimportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dtu_reimports (file_hash, canonical_dtu_id, duplicate, imported_at)
		VALUES (?, ?, ?, ?)`,
		rec.FileHash, rec.CanonicalDTUID, boolInt(rec.Duplicate),
		rec.ImportedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record reimport: %w", err)
	}
	return nil
}

// ReimportCount returns the number of reimports seen for a file hash.
func (r *FileRegistry) ReimportCount(ctx context.Context, fileHash string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dtu_reimports WHERE file_hash = ?`, fileHash).Scan(&n)
	return n, err
}
