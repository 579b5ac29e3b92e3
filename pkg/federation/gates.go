package federation

import (
	"context"

	"github.com/concordhq/substrate/pkg/contracts"
)

// PromotionStats are the observed facts a DTU brings to a quality gate.
type PromotionStats struct {
	AuthorityScore        float64
	CitationCount         int
	AgeHours              float64
	CrossRegionalPresence int
	CouncilVotes          int
}

// GateThresholds are the admission predicates for one target tier.
type GateThresholds struct {
	MinAuthority     float64
	MinCitations     int
	MinAgeHours      float64
	MinCouncilVotes  int
	MinCrossRegional int // only enforced when > 0
	AllowedTiers     []contracts.InternalTier
}

// Thresholds per target federation tier. Local needs no gate: every DTU is
// born local.
var gateThresholds = map[contracts.FederationTier]GateThresholds{
	contracts.FederationRegional: {
		MinAuthority:    0.15,
		MinCitations:    0,
		MinAgeHours:     0,
		MinCouncilVotes: 0,
		AllowedTiers:    []contracts.InternalTier{contracts.TierRegular, contracts.TierMega, contracts.TierHyper},
	},
	contracts.FederationNational: {
		MinAuthority:    0.40,
		MinCitations:    3,
		MinAgeHours:     48,
		MinCouncilVotes: 5,
		AllowedTiers:    []contracts.InternalTier{contracts.TierRegular, contracts.TierMega, contracts.TierHyper},
	},
	contracts.FederationGlobal: {
		MinAuthority:     0.70,
		MinCitations:     10,
		MinAgeHours:      720,
		MinCouncilVotes:  7,
		MinCrossRegional: 3,
		AllowedTiers:     []contracts.InternalTier{contracts.TierMega, contracts.TierHyper},
	},
}

// ThresholdsFor exposes the gate table, for surface adapters that want to
// show users what a promotion requires.
func ThresholdsFor(tier contracts.FederationTier) (GateThresholds, bool) {
	t, ok := gateThresholds[tier]
	return t, ok
}

// GateFailure describes one failed predicate.
type GateFailure struct {
	Gate     string `json:"gate"`
	Required any    `json:"required"`
	Actual   any    `json:"actual"`
}

// GateReport is the outcome of a quality-gate evaluation.
type GateReport struct {
	OK       bool                     `json:"ok"`
	Tier     contracts.FederationTier `json:"tier"`
	Failures []GateFailure            `json:"failures,omitempty"`
}

// CheckGates evaluates every predicate for admission to target. All
// predicates are checked so the report lists every failure, not just the
// first.
func CheckGates(d *contracts.DTU, target contracts.FederationTier, stats PromotionStats) *GateReport {
	report := &GateReport{OK: true, Tier: target}

	th, ok := gateThresholds[target]
	if !ok {
		// Local (or unknown) target has no gate.
		return report
	}

	fail := func(gate string, required, actual any) {
		report.OK = false
		report.Failures = append(report.Failures, GateFailure{Gate: gate, Required: required, Actual: actual})
	}

	if stats.AuthorityScore < th.MinAuthority {
		fail("authority_score", th.MinAuthority, stats.AuthorityScore)
	}
	if stats.CitationCount < th.MinCitations {
		fail("citation_count", th.MinCitations, stats.CitationCount)
	}
	if stats.AgeHours < th.MinAgeHours {
		fail("age_hours", th.MinAgeHours, stats.AgeHours)
	}
	if stats.CouncilVotes < th.MinCouncilVotes {
		fail("council_votes", th.MinCouncilVotes, stats.CouncilVotes)
	}
	if th.MinCrossRegional > 0 && stats.CrossRegionalPresence < th.MinCrossRegional {
		fail("cross_regional_presence", th.MinCrossRegional, stats.CrossRegionalPresence)
	}

	allowed := false
	for _, t := range th.AllowedTiers {
		if d.Tier == t {
			allowed = true
			break
		}
	}
	if !allowed {
		fail("internal_tier", th.AllowedTiers, d.Tier)
	}

	return report
}

// PromoteDTU promotes a DTU to the target federation tier.
//
// Promotion is monotonic: a target at or below the current tier returns
// ErrCannotDemote. A failing gate returns the report with OK=false and no
// error; the DTU is unchanged. On success the DTU's tier is updated and one
// row is appended to the promotion history.
func (r *Registry) PromoteDTU(d *contracts.DTU, target contracts.FederationTier, stats PromotionStats) (*GateReport, error) {
	if !target.Valid() {
		return nil, ErrCannotDemote
	}
	current := d.FederationTier
	if current == "" {
		current = contracts.FederationLocal
	}
	if target.Rank() <= current.Rank() {
		return nil, ErrCannotDemote
	}

	report := CheckGates(d, target, stats)
	if !report.OK {
		return report, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := contracts.PromotionRecord{
		DTUID:    d.ID,
		FromTier: current,
		ToTier:   target,
		At:       r.clock(),
	}
	r.promotions = append(r.promotions, rec)
	r.mirror("append_promotion", func(ctx context.Context, s Store) error {
		return s.AppendPromotion(ctx, &rec)
	})
	d.FederationTier = target
	return report, nil
}

// SetDTULocation pins a DTU's regional and national locations. Either value,
// once set, is immutable.
func SetDTULocation(d *contracts.DTU, regional, national string) error {
	if regional != "" {
		if d.LocationRegional != "" && d.LocationRegional != regional {
			return ErrLocationAlreadySet
		}
		d.LocationRegional = regional
	}
	if national != "" {
		if d.LocationNational != "" && d.LocationNational != national {
			return ErrLocationAlreadySet
		}
		d.LocationNational = national
	}
	return nil
}
