package contracts

import "time"

// National is a top-level federation node.
type National struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CountryCode string    `json:"country_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// Region belongs to exactly one national.
type Region struct {
	ID         string    `json:"id"`
	NationalID string    `json:"national_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// CRI is a Compute / Regional Instance, a node owning a region's runtime.
// A CRI without a recent heartbeat is swept to StatusOffline.
type CRI struct {
	ID            string    `json:"id"`
	RegionID      string    `json:"region_id"`
	NationalID    string    `json:"national_id"`
	Name          string    `json:"name"`
	Status        CRIStatus `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// CRIStatus is the liveness state of a CRI.
type CRIStatus string

const (
	CRIOnline  CRIStatus = "online"
	CRIOffline CRIStatus = "offline"
)

// LocationEntry is one row of an immutable location history log.
type LocationEntry struct {
	SubjectID string    `json:"subject_id"` // user or entity id
	CRIID     string    `json:"cri_id"`
	RegionID  string    `json:"region_id,omitempty"`
	At        time.Time `json:"at"`
}

// EntityTransfer records an emergent entity moving between CRIs.
type EntityTransfer struct {
	EntityID  string    `json:"entity_id"`
	FromCRIID string    `json:"from_cri_id"`
	ToCRIID   string    `json:"to_cri_id"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// PromotionRecord is one append-only row of dtu_federation_history.
type PromotionRecord struct {
	DTUID    string         `json:"dtu_id"`
	FromTier FederationTier `json:"from_tier"`
	ToTier   FederationTier `json:"to_tier"`
	At       time.Time      `json:"at"`
}

// EscalationRecord is one row of federation_escalations, appended each time
// the resolver crosses a tier boundary.
type EscalationRecord struct {
	QueryID  string         `json:"query_id"`
	FromTier FederationTier `json:"from_tier"`
	ToTier   FederationTier `json:"to_tier"`
	At       time.Time      `json:"at"`
}
