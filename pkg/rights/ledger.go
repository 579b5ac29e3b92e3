// Package rights tracks ownership and usage permissions per content hash.
package rights

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotAuthorized is returned for transfers not initiated by the owner and
// for failed permission checks surfaced as errors.
var ErrNotAuthorized = errors.New("not_authorized")

// License enumerates the supported license types.
type License string

const (
	LicenseAllRights     License = "all_rights_reserved"
	LicenseAttribution   License = "attribution"
	LicenseShareAlike    License = "share_alike"
	LicenseNonCommercial License = "non_commercial"
	LicensePublicDomain  License = "public_domain"
)

// Action is a permission being checked against a rights entry.
type Action string

const (
	ActionView       Action = "view"
	ActionCommercial Action = "commercial_use"
	ActionDerive     Action = "derive"
	ActionTransfer   Action = "transfer"
)

// Unrestricted marks a derivative policy with no cap.
const Unrestricted = -1

// Entry is the rights record for one content hash.
type Entry struct {
	ContentHash       string    `json:"content_hash"`
	CreatorID         string    `json:"creator_id"`
	OwnerID           string    `json:"owner_id"`
	License           License   `json:"license"`
	CommercialAllowed bool      `json:"commercial_allowed"`
	MaxDerivatives    int       `json:"max_derivatives"` // Unrestricted = no cap
	DerivativeCount   int       `json:"derivative_count"`
	RevokedUsers      []string  `json:"revoked_users,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (e *Entry) revoked(userID string) bool {
	for _, u := range e.RevokedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// Ledger holds rights entries keyed by content hash.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	clock   func() time.Time
}

// NewLedger creates an empty rights ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]*Entry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Grant creates the rights entry for newly registered content. The creator
// is the initial owner.
func (l *Ledger) Grant(contentHash, creatorID string, license License, commercial bool, maxDerivatives int) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	e := &Entry{
		ContentHash:       contentHash,
		CreatorID:         creatorID,
		OwnerID:           creatorID,
		License:           license,
		CommercialAllowed: commercial,
		MaxDerivatives:    maxDerivatives,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	l.entries[contentHash] = e
	cp := *e
	return &cp
}

// Get returns the entry for a content hash.
func (l *Ledger) Get(contentHash string) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[contentHash]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Check reports whether userID may perform action on the content.
// Unknown content denies everything except view.
func (l *Ledger) Check(contentHash, userID string, action Action) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[contentHash]
	if !ok {
		return action == ActionView
	}
	if e.revoked(userID) {
		return false
	}

	switch action {
	case ActionView:
		return true
	case ActionCommercial:
		return e.CommercialAllowed || userID == e.OwnerID
	case ActionDerive:
		if userID == e.OwnerID {
			return true
		}
		if e.License == LicenseAllRights {
			return false
		}
		return e.MaxDerivatives == Unrestricted || e.DerivativeCount < e.MaxDerivatives
	case ActionTransfer:
		return userID == e.OwnerID
	default:
		return false
	}
}

// RecordDerivative bumps the derivative counter after a permitted derive.
func (l *Ledger) RecordDerivative(contentHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[contentHash]
	if !ok {
		return fmt.Errorf("no rights entry for %s", contentHash)
	}
	e.DerivativeCount++
	e.UpdatedAt = l.clock()
	return nil
}

// Transfer moves ownership. fromUserID must be the current owner.
func (l *Ledger) Transfer(contentHash, fromUserID, toUserID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[contentHash]
	if !ok {
		return fmt.Errorf("no rights entry for %s", contentHash)
	}
	if e.OwnerID != fromUserID {
		return ErrNotAuthorized
	}
	e.OwnerID = toUserID
	e.UpdatedAt = l.clock()
	return nil
}

// Revoke blocks a specific user from all actions on the content.
func (l *Ledger) Revoke(contentHash, byUserID, targetUserID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[contentHash]
	if !ok {
		return fmt.Errorf("no rights entry for %s", contentHash)
	}
	if e.OwnerID != byUserID {
		return ErrNotAuthorized
	}
	if !e.revoked(targetUserID) {
		e.RevokedUsers = append(e.RevokedUsers, targetUserID)
		e.UpdatedAt = l.clock()
	}
	return nil
}
