// Package threat maintains the hash lattice: known-bad content hashes with
// detection counters. Scanning is a pure lookup; the substrate never
// executes artifact content.
package threat

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Severity of a lattice signature.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Signature is one known-bad hash in the lattice.
type Signature struct {
	Hash          string    `json:"hash"`
	Label         string    `json:"label"`
	Severity      string    `json:"severity"`
	TimesDetected int       `json:"times_detected"`
	AddedAt       time.Time `json:"added_at"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
}

// ScanResult is the outcome of one hash scan.
type ScanResult struct {
	Malicious     bool   `json:"malicious"`
	Label         string `json:"label,omitempty"`
	Severity      string `json:"severity,omitempty"`
	TimesDetected int    `json:"times_detected,omitempty"`
}

// Lattice is the sqlite-backed signature table.
type Lattice struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewLattice migrates and wraps an open connection.
func NewLattice(db *sql.DB) (*Lattice, error) {
	l := &Lattice{
		db:     db,
		logger: slog.Default().With("component", "threat"),
		clock:  time.Now,
	}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the time source, for tests.
func (l *Lattice) WithClock(clock func() time.Time) *Lattice {
	l.clock = clock
	return l
}

func (l *Lattice) migrate() error {
	_, err := l.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS threat_lattice (
		hash TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		severity TEXT NOT NULL,
		times_detected INTEGER NOT NULL DEFAULT 0,
		added_at DATETIME NOT NULL,
		last_seen DATETIME
	)`)
	return err
}

// AddSignature inserts or updates a known-bad hash. The detection counter
// survives label updates.
func (l *Lattice) AddSignature(ctx context.Context, hash, label, severity string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO threat_lattice (hash, label, severity, times_detected, added_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(hash) DO UPDATE SET
			label = excluded.label,
			severity = excluded.severity`,
		hash, label, severity, l.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add signature: %w", err)
	}
	return nil
}

// ScanHash matches a content hash against the lattice. A hit increments the
// signature's detection counter; an unknown hash is clean.
func (l *Lattice) ScanHash(ctx context.Context, hash string) (ScanResult, error) {
	row := l.db.QueryRowContext(ctx, `
		UPDATE threat_lattice
		SET times_detected = times_detected + 1, last_seen = ?
		WHERE hash = ?
		RETURNING label, severity, times_detected`,
		l.clock().UTC().Format(time.RFC3339Nano), hash)

	var res ScanResult
	err := row.Scan(&res.Label, &res.Severity, &res.TimesDetected)
	if err == sql.ErrNoRows {
		return ScanResult{}, nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("scan hash: %w", err)
	}
	res.Malicious = true
	l.logger.Warn("lattice hit",
		"hash", hash, "label", res.Label, "severity", res.Severity,
		"times_detected", res.TimesDetected)
	return res, nil
}

// ScanBytes hashes content with SHA-256 and scans the digest.
func (l *Lattice) ScanBytes(ctx context.Context, content []byte) (ScanResult, error) {
	sum := sha256.Sum256(content)
	return l.ScanHash(ctx, hex.EncodeToString(sum[:]))
}

// Signature returns the lattice row for a hash.
func (l *Lattice) Signature(ctx context.Context, hash string) (Signature, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT hash, label, severity, times_detected, added_at, COALESCE(last_seen, '')
		FROM threat_lattice WHERE hash = ?`, hash)

	var sig Signature
	var addedAt, lastSeen string
	err := row.Scan(&sig.Hash, &sig.Label, &sig.Severity, &sig.TimesDetected, &addedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return Signature{}, false, nil
	}
	if err != nil {
		return Signature{}, false, err
	}
	sig.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt)
	if lastSeen != "" {
		sig.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	}
	return sig, true, nil
}
