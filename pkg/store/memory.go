package store

import (
	"context"
	"sync"
	"time"

	"github.com/concordhq/substrate/pkg/contracts"
)

// MemoryStore is a thread-safe in-memory DTUStore. The daemon runs one for
// the knowledge store and a separate one for the system store.
type MemoryStore struct {
	mu     sync.RWMutex
	hot    map[string]*contracts.DTU
	cold   map[string]*contracts.DTU
	byHash map[string]string // raw event hash → dtu id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hot:    make(map[string]*contracts.DTU),
		cold:   make(map[string]*contracts.DTU),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, d *contracts.DTU) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneDTU(d)
	s.hot[d.ID] = cp
	if h := d.Meta.RawEventHash; h != "" {
		s.byHash[h] = d.ID
	}
	return nil
}

func (s *MemoryStore) PutIfAbsentByEventHash(_ context.Context, d *contracts.DTU) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := d.Meta.RawEventHash; h != "" {
		if _, exists := s.byHash[h]; exists {
			return ErrDuplicateHash
		}
		s.byHash[h] = d.ID
	}
	s.hot[d.ID] = cloneDTU(d)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.DTU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.hot[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDTU(d), nil
}

func (s *MemoryStore) GetByEventHash(_ context.Context, hash string) (*contracts.DTU, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, false, nil
	}
	d, ok := s.hot[id]
	if !ok {
		if d, ok = s.cold[id]; !ok {
			return nil, false, nil
		}
	}
	return cloneDTU(d), true, nil
}

func (s *MemoryStore) ListEventDTUsOlderThan(_ context.Context, cutoff time.Time) ([]*contracts.DTU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.DTU
	for _, d := range s.hot {
		if d.Meta.EventOrigin && !d.Meta.Compressed && d.Tier != contracts.TierMega &&
			d.Tier != contracts.TierHyper && d.CreatedAt.Before(cutoff) {
			out = append(out, cloneDTU(d))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTierOlderThan(_ context.Context, tier contracts.InternalTier, cutoff time.Time) ([]*contracts.DTU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.DTU
	for _, d := range s.hot {
		if d.Tier == tier && !d.Meta.Compressed && d.CreatedAt.Before(cutoff) {
			out = append(out, cloneDTU(d))
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkCompressed(_ context.Context, id, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.hot[id]
	if !ok {
		return ErrNotFound
	}
	d.Meta.Compressed = true
	d.Meta.CompressedInto = parentID
	return nil
}

func (s *MemoryStore) ListCompressedOlderThan(_ context.Context, cutoff time.Time) ([]*contracts.DTU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.DTU
	for _, d := range s.hot {
		if d.Meta.Compressed && d.CreatedAt.Before(cutoff) {
			out = append(out, cloneDTU(d))
		}
	}
	return out, nil
}

func (s *MemoryStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.hot[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.hot, id)
	s.cold[id] = d
	return nil
}

func (s *MemoryStore) GetArchived(_ context.Context, id string) (*contracts.DTU, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.cold[id]
	if !ok {
		return nil, false, nil
	}
	return cloneDTU(d), true, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hot), nil
}

// cloneDTU copies the DTU deeply enough that callers cannot mutate stored
// state through shared pointers.
func cloneDTU(d *contracts.DTU) *contracts.DTU {
	cp := *d
	cp.Scope.Lenses = append([]string(nil), d.Scope.Lenses...)
	if d.HumanLayer != nil {
		h := *d.HumanLayer
		cp.HumanLayer = &h
	}
	if d.CoreLayer != nil {
		c := *d.CoreLayer
		c.Claims = append([]string(nil), d.CoreLayer.Claims...)
		c.Invariants = append([]string(nil), d.CoreLayer.Invariants...)
		cp.CoreLayer = &c
	}
	if d.MachineLayer != nil {
		m := contracts.MachineLayer{Fields: make(map[string]any, len(d.MachineLayer.Fields))}
		for k, v := range d.MachineLayer.Fields {
			m.Fields[k] = v
		}
		cp.MachineLayer = &m
	}
	if d.Artifact != nil {
		a := *d.Artifact
		a.Data = append([]byte(nil), d.Artifact.Data...)
		cp.Artifact = &a
	}
	cp.Lineage.ParentIDs = append([]string(nil), d.Lineage.ParentIDs...)
	cp.Lineage.ChildIDs = append([]string(nil), d.Lineage.ChildIDs...)
	return &cp
}
