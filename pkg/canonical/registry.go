// Package canonical implements content-addressed deduplication for the DTU
// substrate. The first DTU registered for a content hash becomes the
// canonical owner; later identical content references it instead of being
// stored again.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrReviewAlreadyProcessed is returned when a dedup review is resolved twice.
var ErrReviewAlreadyProcessed = errors.New("review_already_processed")

// Record is one row of canonical_content.
type Record struct {
	ContentHash    string    `json:"content_hash"`
	CanonicalDTUID string    `json:"canonical_dtu_id"`
	ReferenceCount int       `json:"reference_count"`
	FirstSeen      time.Time `json:"first_seen"`
}

// RegisterResult is the outcome of a Register call.
type RegisterResult struct {
	ContentHash    string `json:"content_hash"`
	CanonicalDTUID string `json:"canonical_dtu_id"`
	ReferenceCount int    `json:"reference_count"`
	IsNew          bool   `json:"is_new"`
}

// Review is a dedup review opened when identical content arrives from a
// different creator than the canonical owner's.
type Review struct {
	ID             string    `json:"id"`
	ContentHash    string    `json:"content_hash"`
	CanonicalDTUID string    `json:"canonical_dtu_id"`
	ClaimantDTUID  string    `json:"claimant_dtu_id"`
	Status         string    `json:"status"` // "open", "upheld", "reassigned"
	OpenedAt       time.Time `json:"opened_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

// Registry is the deduplication authority. Every ingest path consults it
// before committing a DTU.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	reviews map[string]*Review
	clock   func() time.Time
}

// NewRegistry creates an empty canonical registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		reviews: make(map[string]*Review),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// HashContent returns the SHA-256 hex digest of the canonical (RFC 8785)
// JSON form of content. Identical content always hashes identically,
// regardless of field order in maps.
func HashContent(content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes raw bytes without canonicalization, for artifact payloads.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Register computes the content hash, finds or creates the canonical row,
// and increments its reference count. The first registration for a hash
// designates dtuID as the canonical owner.
func (r *Registry) Register(content any, dtuID string) (*RegisterResult, error) {
	hash, err := HashContent(content)
	if err != nil {
		return nil, err
	}
	return r.RegisterHash(hash, dtuID), nil
}

// RegisterHash is Register for callers that already hold the content hash.
func (r *Registry) RegisterHash(hash, dtuID string) *RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[hash]
	if !ok {
		rec = &Record{
			ContentHash:    hash,
			CanonicalDTUID: dtuID,
			FirstSeen:      r.clock(),
		}
		r.records[hash] = rec
	}
	rec.ReferenceCount++

	return &RegisterResult{
		ContentHash:    hash,
		CanonicalDTUID: rec.CanonicalDTUID,
		ReferenceCount: rec.ReferenceCount,
		IsNew:          !ok,
	}
}

// Lookup returns the canonical record for a content hash.
func (r *Registry) Lookup(hash string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[hash]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Release decrements a reference count, for archival paths. The canonical
// row is retained even at zero references; canonical ownership never expires.
func (r *Registry) Release(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[hash]; ok && rec.ReferenceCount > 0 {
		rec.ReferenceCount--
	}
}

// OpenReview records a contested registration for human review.
func (r *Registry) OpenReview(id, contentHash, claimantDTUID string) *Review {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := ""
	if rec, ok := r.records[contentHash]; ok {
		canonical = rec.CanonicalDTUID
	}
	review := &Review{
		ID:             id,
		ContentHash:    contentHash,
		CanonicalDTUID: canonical,
		ClaimantDTUID:  claimantDTUID,
		Status:         "open",
		OpenedAt:       r.clock(),
	}
	r.reviews[id] = review
	return review
}

// ResolveReview closes a review. Reassignment rewrites the canonical owner.
// Resolving a non-open review returns ErrReviewAlreadyProcessed.
func (r *Registry) ResolveReview(id string, reassign bool) (*Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	review, ok := r.reviews[id]
	if !ok {
		return nil, fmt.Errorf("review %s not found", id)
	}
	if review.Status != "open" {
		return nil, ErrReviewAlreadyProcessed
	}

	if reassign {
		review.Status = "reassigned"
		if rec, ok := r.records[review.ContentHash]; ok {
			rec.CanonicalDTUID = review.ClaimantDTUID
		}
	} else {
		review.Status = "upheld"
	}
	review.ResolvedAt = r.clock()
	cp := *review
	return &cp, nil
}

// Size returns the number of canonical rows, for metrics snapshots.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
