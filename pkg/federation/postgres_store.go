package federation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/concordhq/substrate/pkg/contracts"
)

// PostgresStore persists the federation hierarchy and its append-only
// histories for deployments where multiple processes share one registry.
// The in-memory Registry remains the hot-path authority; the store is the
// durable record.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection. Call Init before use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgFederationSchema = `
CREATE TABLE IF NOT EXISTS nationals (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	country_code TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS regions (
	id TEXT PRIMARY KEY,
	national_id TEXT NOT NULL REFERENCES nationals(id),
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cri_instances (
	id TEXT PRIMARY KEY,
	region_id TEXT NOT NULL REFERENCES regions(id),
	national_id TEXT NOT NULL REFERENCES nationals(id),
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	last_heartbeat TIMESTAMP NOT NULL,
	registered_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_location_history (
	seq BIGSERIAL PRIMARY KEY,
	subject_id TEXT NOT NULL,
	cri_id TEXT NOT NULL,
	region_id TEXT,
	at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_home_base (
	entity_id TEXT PRIMARY KEY,
	cri_id TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_transfer_history (
	seq BIGSERIAL PRIMARY KEY,
	entity_id TEXT NOT NULL,
	from_cri_id TEXT,
	to_cri_id TEXT NOT NULL,
	reason TEXT,
	at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dtu_federation_history (
	seq BIGSERIAL PRIMARY KEY,
	dtu_id TEXT NOT NULL,
	from_tier TEXT NOT NULL,
	to_tier TEXT NOT NULL,
	at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS federation_escalations (
	seq BIGSERIAL PRIMARY KEY,
	query_id TEXT NOT NULL,
	from_tier TEXT NOT NULL,
	to_tier TEXT NOT NULL,
	at TIMESTAMP NOT NULL
);
`

// Init creates the federation tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgFederationSchema)
	if err != nil {
		return fmt.Errorf("init federation schema: %w", err)
	}
	return nil
}

// SaveNational upserts a national row.
func (s *PostgresStore) SaveNational(ctx context.Context, n *contracts.National) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nationals (id, name, country_code, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2`,
		n.ID, n.Name, n.CountryCode, n.CreatedAt.UTC())
	return err
}

// SaveRegion upserts a region row.
func (s *PostgresStore) SaveRegion(ctx context.Context, r *contracts.Region) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regions (id, national_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $3`,
		r.ID, r.NationalID, r.Name, r.CreatedAt.UTC())
	return err
}

// SaveCRI upserts a CRI row including its liveness state.
func (s *PostgresStore) SaveCRI(ctx context.Context, c *contracts.CRI) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cri_instances (id, region_id, national_id, name, status, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = $5, last_heartbeat = $6`,
		c.ID, c.RegionID, c.NationalID, c.Name, string(c.Status),
		c.LastHeartbeat.UTC(), c.RegisteredAt.UTC())
	return err
}

// AppendLocation appends one user-location history row.
func (s *PostgresStore) AppendLocation(ctx context.Context, e *contracts.LocationEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_location_history (subject_id, cri_id, region_id, at)
		VALUES ($1, $2, $3, $4)`,
		e.SubjectID, e.CRIID, e.RegionID, e.At.UTC())
	return err
}

// AppendTransfer appends one entity-transfer history row and updates the
// home base in the same transaction.
func (s *PostgresStore) AppendTransfer(ctx context.Context, t *contracts.EntityTransfer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_transfer_history (entity_id, from_cri_id, to_cri_id, reason, at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.EntityID, t.FromCRIID, t.ToCRIID, t.Reason, t.At.UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_home_base (entity_id, cri_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id) DO UPDATE SET cri_id = $2, updated_at = $3`,
		t.EntityID, t.ToCRIID, t.At.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendPromotion appends one dtu_federation_history row.
func (s *PostgresStore) AppendPromotion(ctx context.Context, p *contracts.PromotionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dtu_federation_history (dtu_id, from_tier, to_tier, at)
		VALUES ($1, $2, $3, $4)`,
		p.DTUID, string(p.FromTier), string(p.ToTier), p.At.UTC())
	return err
}

// AppendEscalation appends one federation_escalations row.
func (s *PostgresStore) AppendEscalation(ctx context.Context, e *contracts.EscalationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federation_escalations (query_id, from_tier, to_tier, at)
		VALUES ($1, $2, $3, $4)`,
		e.QueryID, string(e.FromTier), string(e.ToTier), e.At.UTC())
	return err
}

// PromotionHistory loads the append-only history for a DTU in insert order.
func (s *PostgresStore) PromotionHistory(ctx context.Context, dtuID string) ([]contracts.PromotionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dtu_id, from_tier, to_tier, at
		FROM dtu_federation_history
		WHERE dtu_id = $1
		ORDER BY seq`, dtuID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.PromotionRecord
	for rows.Next() {
		var rec contracts.PromotionRecord
		var from, to string
		var at time.Time
		if err := rows.Scan(&rec.DTUID, &from, &to, &at); err != nil {
			return nil, err
		}
		rec.FromTier = contracts.FederationTier(from)
		rec.ToTier = contracts.FederationTier(to)
		rec.At = at
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StaleCRIs returns ids of online CRIs whose heartbeat is older than cutoff.
func (s *PostgresStore) StaleCRIs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM cri_instances
		WHERE status = $1 AND last_heartbeat < $2`,
		string(contracts.CRIOnline), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
