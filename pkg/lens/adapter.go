// Package lens manages adapter registrations: the external surfaces that
// create and consume DTUs. Adapters declare capabilities in a manifest; the
// compliance runner decides whether a registration activates.
package lens

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Classification buckets an adapter's purpose. Compliance phases apply per
// classification.
type Classification string

const (
	ClassKnowledge Classification = "KNOWLEDGE"
	ClassCreative  Classification = "CREATIVE"
	ClassSocial    Classification = "SOCIAL"
	ClassCulture   Classification = "CULTURE"
	ClassUtility   Classification = "UTILITY"
	ClassHybrid    Classification = "HYBRID"
)

// Classifications lists all valid values.
var Classifications = []Classification{
	ClassKnowledge, ClassCreative, ClassSocial, ClassCulture, ClassUtility, ClassHybrid,
}

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	for _, v := range Classifications {
		if c == v {
			return true
		}
	}
	return false
}

// CreatorKind distinguishes human-owned adapters from emergent ones. The
// two kinds carry different registration quotas.
type CreatorKind string

const (
	CreatorHuman    CreatorKind = "human"
	CreatorEmergent CreatorKind = "emergent"
)

// Isolation modes.
const (
	IsolationOpen     = "OPEN"
	IsolationIsolated = "ISOLATED"
)

// Feed modes.
const (
	FeedChronological = "chronological"
	FeedAlgorithmic   = "algorithmic"
)

// Adapter is a parsed lens manifest.
type Adapter struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Version        string         `json:"version"`
	CreatorID      string         `json:"creator_id"`
	CreatorKind    CreatorKind    `json:"creator_kind"`
	Classification Classification `json:"classification"`

	Feed     string `json:"feed,omitempty"`
	Citation bool   `json:"citation,omitempty"`

	DTUBridge   *BridgeConfig      `json:"dtu_bridge,omitempty"`
	Export      *ExportConfig      `json:"export,omitempty"`
	Marketplace *MarketplaceConfig `json:"marketplace,omitempty"`
	Isolation   *IsolationConfig   `json:"isolation,omitempty"`
	Search      *SearchConfig      `json:"search,omitempty"`
	API         *APIConfig         `json:"api,omitempty"`
	Quests      []Quest            `json:"quests,omitempty"`
}

// BridgeConfig declares the event types an adapter emits into the bridge.
type BridgeConfig struct {
	Emits []string `json:"emits"`
}

// ExportConfig declares outbound file export capability.
type ExportConfig struct {
	Enabled       bool     `json:"enabled"`
	Formats       []string `json:"formats,omitempty"`
	RightsChecked bool     `json:"rights_checked,omitempty"`
}

// MarketplaceConfig declares trading capability.
type MarketplaceConfig struct {
	Enabled bool   `json:"enabled"`
	License string `json:"license,omitempty"`
}

// IsolationConfig declares the adapter's visibility boundary. An ISOLATED
// mode cannot be overridden by the adapter's own config.
type IsolationConfig struct {
	Mode                string `json:"mode"`
	CrossLensVisibility bool   `json:"cross_lens_visibility"`
	Override            bool   `json:"override,omitempty"`
}

// SearchConfig declares which DTU layers the adapter indexes.
type SearchConfig struct {
	Enabled bool     `json:"enabled"`
	Layers  []string `json:"layers,omitempty"` // human, core, machine
}

// APIConfig declares an outward API surface.
type APIConfig struct {
	Enabled            bool `json:"enabled"`
	RateLimitPerMinute int  `json:"rate_limit_per_minute,omitempty"`
}

// Quest is a gamified task the adapter offers.
type Quest struct {
	ID         string `json:"id"`
	RewardCoin int    `json:"reward_coin,omitempty"`
	RewardXP   int    `json:"reward_xp,omitempty"`
}

const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "name", "version", "creator_id", "creator_kind", "classification"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"creator_id": {"type": "string", "minLength": 1},
		"creator_kind": {"enum": ["human", "emergent"]},
		"classification": {"enum": ["KNOWLEDGE", "CREATIVE", "SOCIAL", "CULTURE", "UTILITY", "HYBRID"]},
		"feed": {"enum": ["chronological", "algorithmic"]},
		"citation": {"type": "boolean"},
		"dtu_bridge": {
			"type": "object",
			"required": ["emits"],
			"properties": {
				"emits": {"type": "array", "items": {"type": "string"}}
			}
		},
		"isolation": {
			"type": "object",
			"required": ["mode"],
			"properties": {
				"mode": {"enum": ["OPEN", "ISOLATED"]},
				"cross_lens_visibility": {"type": "boolean"},
				"override": {"type": "boolean"}
			}
		}
	}
}`

var compiledManifestSchema = jsonschema.MustCompileString("lens-manifest.json", manifestSchema)

// ParseManifest validates raw manifest JSON against the schema and decodes
// it into an Adapter.
func ParseManifest(raw []byte) (*Adapter, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	var a Adapter
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &a, nil
}
