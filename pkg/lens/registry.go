package lens

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrLensLimitExceeded is returned when a creator is at quota: ten
	// adapters for a human, five for an emergent creator.
	ErrLensLimitExceeded = errors.New("lens_limit_exceeded")

	// ErrLensExists is returned when the adapter id is already registered.
	ErrLensExists = errors.New("lens already registered")

	// ErrLensNotFound is returned for operations on unknown adapter ids.
	ErrLensNotFound = errors.New("lens not found")

	// ErrDowngrade is returned when an upgrade proposes a lower version.
	ErrDowngrade = errors.New("version downgrade rejected")
)

// Registration quotas per creator.
const (
	MaxLensesPerUser     = 10
	MaxLensesPerEmergent = 5
)

// State of a registered adapter.
type State string

const (
	StateActive            State = "active"
	StatePendingCompliance State = "pending_compliance"
	StateDisabled          State = "disabled"
)

// AuditOutcome is what an auditor reports for one adapter.
type AuditOutcome struct {
	Passed   bool
	Failures []string
}

// Auditor evaluates an adapter's compliance. The compliance runner
// satisfies this.
type Auditor interface {
	Audit(a *Adapter) AuditOutcome
}

// Record is one registered adapter with its lifecycle state.
type Record struct {
	Adapter      Adapter   `json:"adapter"`
	State        State     `json:"state"`
	StateReason  string    `json:"state_reason,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UpgradedAt   time.Time `json:"upgraded_at,omitempty"`
}

// Registry holds adapter registrations and enforces creator quotas.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	auditor Auditor
	logger  *slog.Logger
	clock   func() time.Time
}

// NewRegistry constructs a registry. The auditor gates activation; a nil
// auditor activates every structurally valid registration.
func NewRegistry(auditor Auditor) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		auditor: auditor,
		logger:  slog.Default().With("component", "lens_registry"),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register validates quota, runs the compliance audit, and stores the
// adapter. A failed audit holds the lens in pending_compliance rather than
// rejecting it.
func (r *Registry) Register(a *Adapter) (*Record, error) {
	if !a.Classification.Valid() {
		return nil, fmt.Errorf("invalid classification %q", a.Classification)
	}
	if _, err := semver.NewVersion(a.Version); err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", a.Version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[a.ID]; exists {
		return nil, ErrLensExists
	}
	if r.creatorCountLocked(a.CreatorID) >= quotaFor(a.CreatorKind) {
		return nil, ErrLensLimitExceeded
	}

	rec := &Record{
		Adapter:      *a,
		State:        StateActive,
		RegisteredAt: r.clock(),
	}
	if r.auditor != nil {
		if outcome := r.auditor.Audit(a); !outcome.Passed {
			rec.State = StatePendingCompliance
			rec.StateReason = firstOr(outcome.Failures, "compliance audit failed")
		}
	}
	r.records[a.ID] = rec

	r.logger.Info("lens registered",
		"lens_id", a.ID, "classification", string(a.Classification),
		"state", string(rec.State))
	cp := *rec
	return &cp, nil
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrLensNotFound
	}
	cp := *rec
	return &cp, nil
}

// Upgrade moves an adapter to a strictly higher semver version and re-runs
// the audit against the new manifest.
func (r *Registry) Upgrade(id string, next *Adapter) (*Record, error) {
	nextVer, err := semver.NewVersion(next.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", next.Version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrLensNotFound
	}
	currVer, err := semver.NewVersion(rec.Adapter.Version)
	if err != nil {
		return nil, fmt.Errorf("stored version %q: %w", rec.Adapter.Version, err)
	}
	if !nextVer.GreaterThan(currVer) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrDowngrade, currVer, nextVer)
	}

	rec.Adapter = *next
	rec.Adapter.ID = id
	rec.UpgradedAt = r.clock()
	rec.State = StateActive
	rec.StateReason = ""
	if r.auditor != nil {
		if outcome := r.auditor.Audit(&rec.Adapter); !outcome.Passed {
			rec.State = StatePendingCompliance
			rec.StateReason = firstOr(outcome.Failures, "compliance audit failed")
		}
	}

	r.logger.Info("lens upgraded",
		"lens_id", id, "version", next.Version, "state", string(rec.State))
	cp := *rec
	return &cp, nil
}

// Disable takes an adapter out of service, recording why.
func (r *Registry) Disable(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrLensNotFound
	}
	rec.State = StateDisabled
	rec.StateReason = reason
	r.logger.Warn("lens disabled", "lens_id", id, "reason", reason)
	return nil
}

// RunAudit re-audits every active adapter; failures disable the lens. It
// returns the ids disabled in this pass. The kernel runs this nightly.
func (r *Registry) RunAudit() []string {
	if r.auditor == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var disabled []string
	for id, rec := range r.records {
		if rec.State != StateActive {
			continue
		}
		if outcome := r.auditor.Audit(&rec.Adapter); !outcome.Passed {
			rec.State = StateDisabled
			rec.StateReason = firstOr(outcome.Failures, "nightly audit failed")
			disabled = append(disabled, id)
			r.logger.Warn("lens disabled by audit",
				"lens_id", id, "reason", rec.StateReason)
		}
	}
	return disabled
}

// CountByCreator returns how many adapters the creator has registered.
func (r *Registry) CountByCreator(creatorID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creatorCountLocked(creatorID)
}

// List returns copies of all records.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

func (r *Registry) creatorCountLocked(creatorID string) int {
	n := 0
	for _, rec := range r.records {
		if rec.Adapter.CreatorID == creatorID {
			n++
		}
	}
	return n
}

func quotaFor(kind CreatorKind) int {
	if kind == CreatorEmergent {
		return MaxLensesPerEmergent
	}
	return MaxLensesPerUser
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
