// Package transfer moves DTUs across the file boundary: export encodes a
// DTU into a signed envelope and records the file hash; import verifies an
// inbound envelope, scans it against the threat lattice, and resolves it
// through the canonical registry so a re-imported file never produces a
// second DTU.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/concordhq/substrate/pkg/canonical"
	"github.com/concordhq/substrate/pkg/codec"
	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/store"
	"github.com/concordhq/substrate/pkg/threat"
)

var (
	// ErrThreatDetected is returned when an inbound file matches the
	// threat lattice.
	ErrThreatDetected = errors.New("threat_detected")

	// ErrTampered is returned when envelope verification fails.
	ErrTampered = errors.New("envelope_tampered")
)

// Scanner matches content hashes against known-bad signatures. The threat
// lattice satisfies this.
type Scanner interface {
	ScanHash(ctx context.Context, hash string) (threat.ScanResult, error)
}

// ExportResult describes an encoded envelope.
type ExportResult struct {
	Buffer    []byte `json:"-"`
	FileHash  string `json:"file_hash"`
	Extension string `json:"extension"`
	Signature string `json:"signature"`
	SizeBytes int64  `json:"size_bytes"`
}

// ImportResult describes a resolved inbound envelope.
type ImportResult struct {
	DTU       *contracts.DTU `json:"dtu"`
	Duplicate bool           `json:"duplicate"`
	FileHash  string         `json:"file_hash"`
}

// Service is the export/import pipeline.
type Service struct {
	codec     *codec.Codec
	files     *store.FileRegistry
	canonical *canonical.Registry
	knowledge store.DTUStore
	scanner   Scanner
	logger    *slog.Logger
	clock     func() time.Time
}

// New constructs the service. The scanner may be nil to skip threat scans.
func New(c *codec.Codec, files *store.FileRegistry, reg *canonical.Registry,
	knowledge store.DTUStore, scanner Scanner) *Service {
	return &Service{
		codec:     c,
		files:     files,
		canonical: reg,
		knowledge: knowledge,
		scanner:   scanner,
		logger:    slog.Default().With("component", "transfer"),
		clock:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Export encodes a DTU and records the file in the registry. Exporting the
// same DTU twice yields the same hash and a single registry row.
func (s *Service) Export(ctx context.Context, d *contracts.DTU) (*ExportResult, error) {
	enc, err := s.codec.Encode(d)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.ID, err)
	}

	res := &ExportResult{
		Buffer:    enc.Buffer,
		FileHash:  enc.ContentHash,
		Extension: codec.ExtensionFor(d.Tier),
		Signature: enc.Signature,
		SizeBytes: int64(len(enc.Buffer)),
	}
	if s.files != nil {
		err := s.files.RecordExport(ctx, &store.FileRecord{
			FileHash:   res.FileHash,
			DTUID:      d.ID,
			SizeBytes:  res.SizeBytes,
			Extension:  res.Extension,
			ExportedAt: s.clock(),
		})
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("dtu exported",
		"dtu_id", d.ID, "file_hash", res.FileHash, "size", res.SizeBytes)
	return res, nil
}

// Import verifies an inbound envelope, scans it, and resolves it against
// the canonical registry. A file whose content is already canonical returns
// the existing DTU with Duplicate set; otherwise a new DTU is committed.
func (s *Service) Import(ctx context.Context, buf []byte) (*ImportResult, error) {
	fileHash := canonical.HashBytes(buf)

	if s.scanner != nil {
		scan, err := s.scanner.ScanHash(ctx, fileHash)
		if err != nil {
			return nil, fmt.Errorf("threat scan: %w", err)
		}
		if scan.Malicious {
			s.logger.Warn("import blocked by threat lattice",
				"file_hash", fileHash, "label", scan.Label)
			return nil, fmt.Errorf("%w: %s", ErrThreatDetected, scan.Label)
		}
	}

	verify := s.codec.Verify(buf, codec.VerifyOptions{})
	if !verify.HeaderValid {
		return nil, ErrTampered
	}
	dec, err := s.codec.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	reg := s.canonical.RegisterHash(fileHash, "dtu_"+uuid.NewString())
	now := s.clock()

	if !reg.IsNew {
		if s.files != nil {
			if err := s.files.RecordReimport(ctx, &store.ReimportRecord{
				FileHash:       fileHash,
				CanonicalDTUID: reg.CanonicalDTUID,
				Duplicate:      true,
				ImportedAt:     now,
			}); err != nil {
				return nil, err
			}
		}
		existing, err := s.knowledge.Get(ctx, reg.CanonicalDTUID)
		if err != nil {
			return nil, fmt.Errorf("canonical dtu %s: %w", reg.CanonicalDTUID, err)
		}
		return &ImportResult{DTU: existing, Duplicate: true, FileHash: fileHash}, nil
	}

	d := dtuFromDecode(reg.CanonicalDTUID, dec, now)
	if err := s.knowledge.Put(ctx, d); err != nil {
		return nil, fmt.Errorf("commit import: %w", err)
	}
	if s.files != nil {
		if err := s.files.RecordReimport(ctx, &store.ReimportRecord{
			FileHash:       fileHash,
			CanonicalDTUID: d.ID,
			Duplicate:      false,
			ImportedAt:     now,
		}); err != nil {
			return nil, err
		}
	}

	s.logger.Info("dtu imported", "dtu_id", d.ID, "file_hash", fileHash)
	return &ImportResult{DTU: d, FileHash: fileHash}, nil
}

// SweepDir imports every .dtu file found in dir. Imported files are removed;
// files that fail verification or hit the lattice are renamed with a
// ".rejected" suffix so the sweep never retries them. Returns the number of
// files imported.
func (s *Service) SweepDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read import dir: %w", err)
	}

	imported := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".dtu") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		path := filepath.Join(dir, e.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("import sweep read failed", "path", path, "error", err)
			continue
		}
		res, err := s.Import(ctx, buf)
		if errors.Is(err, ErrTampered) || errors.Is(err, ErrThreatDetected) {
			s.logger.Warn("import sweep rejected file", "path", path, "error", err)
			if renameErr := os.Rename(path, path+".rejected"); renameErr != nil {
				s.logger.Warn("rejected file rename failed", "path", path, "error", renameErr)
			}
			continue
		}
		if err != nil {
			return imported, fmt.Errorf("import %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("imported file removal failed", "path", path, "error", err)
		}
		imported++
		s.logger.Info("file imported from inbox",
			"path", path, "dtu_id", res.DTU.ID, "duplicate", res.Duplicate)
	}
	return imported, nil
}

func dtuFromDecode(id string, dec *codec.DecodeResult, now time.Time) *contracts.DTU {
	d := &contracts.DTU{
		ID:           id,
		Source:       "file_import",
		CreatedAt:    now,
		Tier:         tierFromFormat(dec.Metadata.FormatName),
		Scope:        contracts.KnowledgeScope(nil),
		HumanLayer:   dec.HumanLayer,
		CoreLayer:    dec.CoreLayer,
		MachineLayer: dec.MachineLayer,
	}
	if dec.HumanLayer != nil {
		d.Title = dec.HumanLayer.Title
	}
	if len(dec.ArtifactData) > 0 {
		d.Artifact = &contracts.Artifact{
			MIMEType: dec.Metadata.ArtifactMIME,
			Data:     dec.ArtifactData,
		}
	}
	return d
}

func tierFromFormat(name string) contracts.InternalTier {
	switch name {
	case "mega":
		return contracts.TierMega
	case "hyper":
		return contracts.TierHyper
	default:
		return contracts.TierRegular
	}
}
