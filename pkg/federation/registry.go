// Package federation maintains the nationals/regions/CRIs hierarchy, DTU
// tier tagging with quality gates, and the append-only promotion and
// escalation histories.
//
// The federation flow invariant is UP_ONLY: DTUs are promoted upward, never
// synced downward; downward assistance happens only through query resolution.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/concordhq/substrate/pkg/contracts"
)

// Flow direction constants. Downward sync is forbidden by design.
const (
	DirectionUpOnly        = "UP_ONLY"
	DownwardAssistancePull = "PULL_ONLY_ON_QUERY"
)

// Federation errors, named by kind.
var (
	ErrCannotDemote       = errors.New("cannot_demote")
	ErrLocationAlreadySet = errors.New("location_already_set")
	ErrNationalNotFound   = errors.New("national_not_found")
	ErrCountryCodeExists  = errors.New("country_code_exists")
	ErrRegionNotFound     = errors.New("region_not_found")
	ErrCRINotFound        = errors.New("cri_not_found")
)

// Registry is the authority for the federation hierarchy. Writes are
// serialized under one mutex; reads may be concurrent.
type Registry struct {
	mu        sync.RWMutex
	nationals map[string]*contracts.National
	byCountry map[string]string // country code → national id
	regions   map[string]*contracts.Region
	cris      map[string]*contracts.CRI

	userLocations []contracts.LocationEntry
	homeBases     map[string]string // entity id → CRI id
	homeBaseLog   []contracts.LocationEntry
	transfers     []contracts.EntityTransfer
	promotions    []contracts.PromotionRecord
	escalations   []contracts.EscalationRecord

	store Store
	clock func() time.Time
}

// NewRegistry creates an empty federation registry.
func NewRegistry() *Registry {
	return &Registry{
		nationals: make(map[string]*contracts.National),
		byCountry: make(map[string]string),
		regions:   make(map[string]*contracts.Region),
		cris:      make(map[string]*contracts.CRI),
		homeBases: make(map[string]string),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// RegisterNational adds a national node. Country codes are unique.
func (r *Registry) RegisterNational(id, name, countryCode string) (*contracts.National, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCountry[countryCode]; exists {
		return nil, ErrCountryCodeExists
	}
	n := &contracts.National{
		ID:          id,
		Name:        name,
		CountryCode: countryCode,
		CreatedAt:   r.clock(),
	}
	r.nationals[id] = n
	r.byCountry[countryCode] = id
	cp := *n
	r.mirror("save_national", func(ctx context.Context, s Store) error {
		return s.SaveNational(ctx, &cp)
	})
	return &cp, nil
}

// RegisterRegion adds a region under an existing national.
func (r *Registry) RegisterRegion(id, nationalID, name string) (*contracts.Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nationals[nationalID]; !ok {
		return nil, ErrNationalNotFound
	}
	reg := &contracts.Region{
		ID:         id,
		NationalID: nationalID,
		Name:       name,
		CreatedAt:  r.clock(),
	}
	r.regions[id] = reg
	cp := *reg
	r.mirror("save_region", func(ctx context.Context, s Store) error {
		return s.SaveRegion(ctx, &cp)
	})
	return &cp, nil
}

// RegisterCRI adds a compute instance under an existing region.
func (r *Registry) RegisterCRI(id, regionID, name string) (*contracts.CRI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regions[regionID]
	if !ok {
		return nil, ErrRegionNotFound
	}
	now := r.clock()
	cri := &contracts.CRI{
		ID:            id,
		RegionID:      regionID,
		NationalID:    reg.NationalID,
		Name:          name,
		Status:        contracts.CRIOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.cris[id] = cri
	cp := *cri
	r.mirror("save_cri", func(ctx context.Context, s Store) error {
		return s.SaveCRI(ctx, &cp)
	})
	return &cp, nil
}

// Heartbeat records liveness for a CRI and restores it to online.
func (r *Registry) Heartbeat(criID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cri, ok := r.cris[criID]
	if !ok {
		return ErrCRINotFound
	}
	cri.LastHeartbeat = r.clock()
	cri.Status = contracts.CRIOnline
	return nil
}

// SweepStale marks CRIs without a heartbeat within threshold as offline.
// Per-instance failures cannot occur here, but the kernel's sweep loop
// treats the whole call as one tick. Returns the ids swept offline.
func (r *Registry) SweepStale(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().Add(-threshold)
	var swept []string
	for id, cri := range r.cris {
		if cri.Status == contracts.CRIOnline && cri.LastHeartbeat.Before(cutoff) {
			cri.Status = contracts.CRIOffline
			swept = append(swept, id)
		}
	}
	return swept
}

// GetCRI returns a copy of the CRI row.
func (r *Registry) GetCRI(id string) (*contracts.CRI, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cri, ok := r.cris[id]
	if !ok {
		return nil, false
	}
	cp := *cri
	return &cp, true
}

// ActiveCRICount counts online CRIs in a region.
func (r *Registry) ActiveCRICount(regionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, cri := range r.cris {
		if cri.RegionID == regionID && cri.Status == contracts.CRIOnline {
			n++
		}
	}
	return n
}

// DeclareUserLocation appends to the user's immutable location history when
// the declared CRI differs from the latest entry.
func (r *Registry) DeclareUserLocation(userID, criID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cri, ok := r.cris[criID]
	if !ok {
		return ErrCRINotFound
	}
	if last := r.latestLocationLocked(userID); last != nil && last.CRIID == criID {
		return nil // unchanged, no history row
	}
	entry := contracts.LocationEntry{
		SubjectID: userID,
		CRIID:     criID,
		RegionID:  cri.RegionID,
		At:        r.clock(),
	}
	r.userLocations = append(r.userLocations, entry)
	r.mirror("append_location", func(ctx context.Context, s Store) error {
		return s.AppendLocation(ctx, &entry)
	})
	return nil
}

func (r *Registry) latestLocationLocked(userID string) *contracts.LocationEntry {
	for i := len(r.userLocations) - 1; i >= 0; i-- {
		if r.userLocations[i].SubjectID == userID {
			return &r.userLocations[i]
		}
	}
	return nil
}

// UserLocationHistory returns the append-only history for a user.
func (r *Registry) UserLocationHistory(userID string) []contracts.LocationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.LocationEntry
	for _, e := range r.userLocations {
		if e.SubjectID == userID {
			out = append(out, e)
		}
	}
	return out
}

// SetEntityHomeBase sets or moves an emergent entity's home CRI, logging
// each change.
func (r *Registry) SetEntityHomeBase(entityID, criID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cri, ok := r.cris[criID]
	if !ok {
		return ErrCRINotFound
	}
	if r.homeBases[entityID] == criID {
		return nil
	}
	r.homeBases[entityID] = criID
	r.homeBaseLog = append(r.homeBaseLog, contracts.LocationEntry{
		SubjectID: entityID,
		CRIID:     criID,
		RegionID:  cri.RegionID,
		At:        r.clock(),
	})
	return nil
}

// EntityHomeBase returns the entity's current home CRI.
func (r *Registry) EntityHomeBase(entityID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.homeBases[entityID]
	return id, ok
}

// TransferEntity moves an entity between CRIs, producing exactly one
// transfer-history row and updating the home base.
func (r *Registry) TransferEntity(entityID, toCRIID, reason string) (*contracts.EntityTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cris[toCRIID]; !ok {
		return nil, ErrCRINotFound
	}
	from := r.homeBases[entityID]
	if from == toCRIID {
		return nil, fmt.Errorf("entity %s already home at %s", entityID, toCRIID)
	}
	transfer := contracts.EntityTransfer{
		EntityID:  entityID,
		FromCRIID: from,
		ToCRIID:   toCRIID,
		Reason:    reason,
		At:        r.clock(),
	}
	r.transfers = append(r.transfers, transfer)
	r.homeBases[entityID] = toCRIID
	cri := r.cris[toCRIID]
	r.homeBaseLog = append(r.homeBaseLog, contracts.LocationEntry{
		SubjectID: entityID,
		CRIID:     toCRIID,
		RegionID:  cri.RegionID,
		At:        transfer.At,
	})
	r.mirror("append_transfer", func(ctx context.Context, s Store) error {
		return s.AppendTransfer(ctx, &transfer)
	})
	return &transfer, nil
}

// EntityTransferHistory returns all transfer rows for an entity.
func (r *Registry) EntityTransferHistory(entityID string) []contracts.EntityTransfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.EntityTransfer
	for _, t := range r.transfers {
		if t.EntityID == entityID {
			out = append(out, t)
		}
	}
	return out
}

// RecordEscalation appends one row to the federation escalation log.
func (r *Registry) RecordEscalation(queryID string, from, to contracts.FederationTier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := contracts.EscalationRecord{
		QueryID:  queryID,
		FromTier: from,
		ToTier:   to,
		At:       r.clock(),
	}
	r.escalations = append(r.escalations, rec)
	r.mirror("append_escalation", func(ctx context.Context, s Store) error {
		return s.AppendEscalation(ctx, &rec)
	})
}

// Escalations returns a copy of the escalation log.
func (r *Registry) Escalations() []contracts.EscalationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.EscalationRecord, len(r.escalations))
	copy(out, r.escalations)
	return out
}

// PromotionHistory returns all promotion rows for a DTU.
func (r *Registry) PromotionHistory(dtuID string) []contracts.PromotionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.PromotionRecord
	for _, p := range r.promotions {
		if p.DTUID == dtuID {
			out = append(out, p)
		}
	}
	return out
}
