package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/concordhq/substrate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a DTUStore backed by a single dtu_registry table. The full
// DTU is stored as a JSON document; the columns exist for the queries the
// substrate actually runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates and wraps an open connection. Knowledge and system
// stores must use distinct table prefixes or distinct database files; the
// daemon opens two files.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dtu_registry (
		id TEXT PRIMARY KEY,
		raw_event_hash TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		federation_tier TEXT NOT NULL,
		event_origin INTEGER NOT NULL DEFAULT 0,
		compressed INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		doc JSON NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_dtu_event_hash
		ON dtu_registry(raw_event_hash) WHERE raw_event_hash != '';
	CREATE INDEX IF NOT EXISTS idx_dtu_created ON dtu_registry(created_at);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, d *contracts.DTU) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dtu: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dtu_registry (id, raw_event_hash, tier, federation_tier, event_origin, compressed, archived, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			federation_tier = excluded.federation_tier,
			compressed = excluded.compressed,
			doc = excluded.doc`,
		d.ID, d.Meta.RawEventHash, string(d.Tier), string(d.FederationTier),
		boolInt(d.Meta.EventOrigin), boolInt(d.Meta.Compressed),
		d.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("insert dtu: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutIfAbsentByEventHash(ctx context.Context, d *contracts.DTU) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dtu: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dtu_registry (id, raw_event_hash, tier, federation_tier, event_origin, compressed, archived, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		d.ID, d.Meta.RawEventHash, string(d.Tier), string(d.FederationTier),
		boolInt(d.Meta.EventOrigin), boolInt(d.Meta.Compressed),
		d.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHash
		}
		return fmt.Errorf("insert dtu: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.DTU, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dtu_registry WHERE id = ? AND archived = 0`, id)
	return scanDoc(row)
}

func (s *SQLiteStore) GetByEventHash(ctx context.Context, hash string) (*contracts.DTU, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dtu_registry WHERE raw_event_hash = ?`, hash)
	d, err := scanDoc(row)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *SQLiteStore) ListEventDTUsOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.DTU, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM dtu_registry
		WHERE event_origin = 1 AND compressed = 0 AND archived = 0
			AND tier NOT IN ('mega', 'hyper')
			AND created_at < ?
		ORDER BY created_at`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DTU
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d contracts.DTU
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("unmarshal dtu: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTierOlderThan(ctx context.Context, tier contracts.InternalTier, cutoff time.Time) ([]*contracts.DTU, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM dtu_registry
		WHERE tier = ? AND compressed = 0 AND archived = 0
			AND created_at < ?
		ORDER BY created_at`,
		string(tier), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DTU
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d contracts.DTU
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("unmarshal dtu: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkCompressed(ctx context.Context, id, parentID string) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	d.Meta.Compressed = true
	d.Meta.CompressedInto = parentID
	return s.Put(ctx, d)
}

func (s *SQLiteStore) ListCompressedOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.DTU, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM dtu_registry
		WHERE compressed = 1 AND archived = 0 AND created_at < ?
		ORDER BY created_at`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DTU
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d contracts.DTU
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("unmarshal dtu: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dtu_registry SET archived = 1 WHERE id = ? AND archived = 0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetArchived(ctx context.Context, id string) (*contracts.DTU, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dtu_registry WHERE id = ? AND archived = 1`, id)
	d, err := scanDoc(row)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dtu_registry WHERE archived = 0`).Scan(&n)
	return n, err
}

func scanDoc(row *sql.Row) (*contracts.DTU, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var d contracts.DTU
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("unmarshal dtu: %w", err)
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
