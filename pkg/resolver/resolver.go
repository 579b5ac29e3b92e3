// Package resolver walks federation tiers upward to answer a query. Results
// found at the origin tier persist into the asker's local substrate; results
// found above it are ephemeral and expire with the session.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/concordhq/substrate/pkg/contracts"
)

// ErrExhausted is returned when no tier up to global produced a sufficient
// answer.
var ErrExhausted = errors.New("exhausted")

// SearchFn answers one query at one tier. Sufficient means the walk stops.
type SearchFn func(ctx context.Context, query string, tier contracts.FederationTier) (SearchResult, error)

// SearchResult is a single tier's answer.
type SearchResult struct {
	Sufficient bool
	Results    []contracts.DTU
}

// Resolution is the outcome of a federated query.
type Resolution struct {
	QueryID      string                   `json:"query_id"`
	ResolvedTier contracts.FederationTier `json:"resolved_tier"`
	OriginTier   contracts.FederationTier `json:"origin_tier"`
	Results      []ResolvedDTU            `json:"results"`
	Escalations  int                      `json:"escalations"` // tiers climbed above the origin
}

// ResolvedDTU wraps a result with its persistence disposition.
type ResolvedDTU struct {
	DTU          contracts.DTU `json:"dtu"`
	Ephemeral    bool          `json:"ephemeral"`
	ExpiresAfter string        `json:"expires_after,omitempty"` // "session" for ephemeral results
	Persisted    bool          `json:"persisted"`
}

// EscalationLog records tier transitions for statistics. The federation
// registry satisfies this.
type EscalationLog interface {
	RecordEscalation(queryID string, from, to contracts.FederationTier)
}

// Substrate receives origin-tier results for local persistence. The router
// satisfies this.
type Substrate interface {
	AddToSubstrate(userID, dtuID string)
}

// Resolver performs upward-only federated query resolution.
type Resolver struct {
	escalations EscalationLog
	substrate   Substrate
	logger      *slog.Logger
}

// New constructs a resolver. Either collaborator may be nil, in which case
// the corresponding side effect is skipped.
func New(escalations EscalationLog, substrate Substrate) *Resolver {
	return &Resolver{
		escalations: escalations,
		substrate:   substrate,
		logger:      slog.Default().With("component", "resolver"),
	}
}

// ResolveQuery walks tiers from originTier upward, calling search at each
// one, and returns at the first sufficient tier. Tiers below the origin are
// never consulted. A nil search is an error; an exhausted walk returns
// ErrExhausted.
func (r *Resolver) ResolveQuery(ctx context.Context, query string, originTier contracts.FederationTier,
	userID string, search SearchFn) (*Resolution, error) {

	if search == nil {
		return nil, errors.New("nil search function")
	}
	if !originTier.Valid() {
		return nil, fmt.Errorf("invalid origin tier %q", originTier)
	}

	queryID := "query_" + uuid.NewString()
	res := &Resolution{
		QueryID:    queryID,
		OriginTier: originTier,
	}

	for _, tier := range contracts.TiersAscending {
		if tier.Rank() < originTier.Rank() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if tier != originTier {
			res.Escalations++
			r.logger.Debug("query escalated",
				"query_id", queryID, "from", string(originTier), "to", string(tier))
		}

		sr, err := search(ctx, query, tier)
		if err != nil {
			return nil, fmt.Errorf("search at %s: %w", tier, err)
		}
		if !sr.Sufficient {
			continue
		}

		res.ResolvedTier = tier
		atOrigin := tier == originTier
		// One log row per resolution, origin to the tier that answered.
		if !atOrigin && r.escalations != nil {
			r.escalations.RecordEscalation(queryID, originTier, tier)
		}
		for _, d := range sr.Results {
			rd := ResolvedDTU{DTU: d}
			if atOrigin {
				rd.Persisted = true
				if r.substrate != nil && userID != "" {
					r.substrate.AddToSubstrate(userID, d.ID)
				}
			} else {
				rd.Ephemeral = true
				rd.ExpiresAfter = "session"
			}
			res.Results = append(res.Results, rd)
		}
		return res, nil
	}

	if originTier != contracts.FederationGlobal && r.escalations != nil {
		r.escalations.RecordEscalation(queryID, originTier, contracts.FederationGlobal)
	}
	return nil, ErrExhausted
}
