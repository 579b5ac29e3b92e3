package contracts

import "time"

// DTU is a Distillation Transfer Unit, the substrate's atomic knowledge
// object. Every subsystem (codec, bridge, federation, router, news hub)
// operates on this shape; the zero value is not valid, use the constructors
// in the owning packages.
type DTU struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatorID string    `json:"creator_id"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// Tier is the internal lifecycle ranking (shadow/regular/mega/hyper).
	// It is orthogonal to FederationTier.
	Tier InternalTier `json:"tier"`

	Scope Scope `json:"scope"`

	// FederationTier is monotonic: it may only increase (local → regional →
	// national → global). Demotion is rejected by the federation registry.
	FederationTier FederationTier `json:"federation_tier"`

	// LocationRegional and LocationNational are immutable once set.
	LocationRegional string `json:"location_regional,omitempty"`
	LocationNational string `json:"location_national,omitempty"`

	HumanLayer   *HumanLayer   `json:"human_layer,omitempty"`
	CoreLayer    *CoreLayer    `json:"core_layer,omitempty"`
	MachineLayer *MachineLayer `json:"machine_layer,omitempty"`
	Artifact     *Artifact     `json:"artifact,omitempty"`

	Meta    Meta    `json:"meta"`
	Lineage Lineage `json:"lineage,omitempty"`
}

// InternalTier is the DTU lifecycle ranking.
type InternalTier string

const (
	TierShadow  InternalTier = "shadow"
	TierRegular InternalTier = "regular"
	TierMega    InternalTier = "mega"
	TierHyper   InternalTier = "hyper"
)

// FederationTier is the geographic/authority level at which a DTU is visible.
type FederationTier string

const (
	FederationLocal    FederationTier = "local"
	FederationRegional FederationTier = "regional"
	FederationNational FederationTier = "national"
	FederationGlobal   FederationTier = "global"
)

// federationRank orders tiers for monotonicity checks.
var federationRank = map[FederationTier]int{
	FederationLocal:    0,
	FederationRegional: 1,
	FederationNational: 2,
	FederationGlobal:   3,
}

// Rank returns the ordinal of a federation tier, or -1 for unknown tiers.
func (t FederationTier) Rank() int {
	r, ok := federationRank[t]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether t is one of the four federation tiers.
func (t FederationTier) Valid() bool {
	_, ok := federationRank[t]
	return ok
}

// TiersAscending lists federation tiers from local to global.
var TiersAscending = []FederationTier{
	FederationLocal, FederationRegional, FederationNational, FederationGlobal,
}

// Scope holds the five flags governing where and how a DTU may be observed.
//
// The substrate is pull-only: Global and LocalPush are always false for
// persisted DTUs. LocalPull is the only user-facing availability flag.
type Scope struct {
	Lenses      []string `json:"lenses"`
	Global      bool     `json:"global"`
	LocalPush   bool     `json:"local_push"`
	LocalPull   bool     `json:"local_pull"`
	NewsVisible bool     `json:"news_visible"`
	SystemOnly  bool     `json:"system_only,omitempty"`
}

// KnowledgeScope returns the scope every user-visible DTU carries.
func KnowledgeScope(lenses []string) Scope {
	return Scope{
		Lenses:      lenses,
		Global:      false,
		LocalPush:   false,
		LocalPull:   true,
		NewsVisible: true,
	}
}

// SystemScope returns the scope every system-only DTU carries.
func SystemScope(lenses []string) Scope {
	return Scope{
		Lenses:      lenses,
		Global:      false,
		LocalPush:   false,
		LocalPull:   false,
		NewsVisible: false,
		SystemOnly:  true,
	}
}

// HumanLayer carries the prose representation of a DTU.
type HumanLayer struct {
	Summary string `json:"summary"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`
}

// CoreLayer carries structured claims, definitions, and invariants.
type CoreLayer struct {
	Claims      []string          `json:"claims,omitempty"`
	Definitions map[string]string `json:"definitions,omitempty"`
	Invariants  []string          `json:"invariants,omitempty"`
}

// MachineLayer carries typed metadata for machine consumers.
type MachineLayer struct {
	Fields map[string]any `json:"fields,omitempty"`
}

// Artifact carries opaque bytes plus their MIME type.
type Artifact struct {
	Type     string `json:"type,omitempty"` // e.g. "beat", "paper", "dataset"
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Meta is the DTU metadata map flattened into known fields plus an
// extension bag.
type Meta struct {
	EventOrigin           bool           `json:"event_origin,omitempty"`
	SourceEventType       string         `json:"source_event_type,omitempty"`
	SourceDTUID           string         `json:"source_dtu_id,omitempty"`
	Domain                string         `json:"domain,omitempty"`
	Confidence            float64        `json:"confidence,omitempty"`
	EpistemologicalStance string         `json:"epistemological_stance,omitempty"`
	CRETIScore            float64        `json:"creti_score,omitempty"`
	RawEventHash          string         `json:"raw_event_hash,omitempty"`
	Compressed            bool           `json:"compressed,omitempty"`
	CompressedInto        string         `json:"compressed_into,omitempty"`
	Extra                 map[string]any `json:"extra,omitempty"`
}

// Epistemological stances assigned by the event bridge.
const (
	StanceObserved            = "observed"
	StanceReported            = "reported"
	StanceCorroboratedPending = "corroborated-pending"
	StanceCorroborated        = "corroborated"
)

// Lineage records a DTU's ancestry. Aggregates (Mega/Hyper) additionally
// record the children folded into them; children stay in the store.
type Lineage struct {
	ParentIDs      []string `json:"parent_ids,omitempty"`
	ChildIDs       []string `json:"child_ids,omitempty"`
	ChildCount     int      `json:"child_count,omitempty"`
	DerivativeType string   `json:"derivative_type,omitempty"` // e.g. "mega_compression"
}

// HasLayer helpers used by the codec's layer bitfield computation.

func (d *DTU) HasHumanLayer() bool   { return d.HumanLayer != nil }
func (d *DTU) HasCoreLayer() bool    { return d.CoreLayer != nil }
func (d *DTU) HasMachineLayer() bool { return d.MachineLayer != nil }
func (d *DTU) HasArtifact() bool     { return d.Artifact != nil && len(d.Artifact.Data) > 0 }
