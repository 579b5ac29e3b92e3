package bridge

import (
	"time"

	"github.com/concordhq/substrate/pkg/contracts"
)

// CRETIBreakdown is the five-component score. Each component is 0–20; the
// total is 0–100.
type CRETIBreakdown struct {
	Credibility float64 `json:"credibility"`
	Relevance   float64 `json:"relevance"`
	Evidence    float64 `json:"evidence"`
	Timeliness  float64 `json:"timeliness"`
	Impact      float64 `json:"impact"`
}

// Total sums the components.
func (b CRETIBreakdown) Total() float64 {
	return b.Credibility + b.Relevance + b.Evidence + b.Timeliness + b.Impact
}

// scoreCRETI computes the composite for a classified event. Internal events
// earn higher credibility than external reports; timeliness is
// fresh-weighted so a minutes-old event scores near the top of its band.
func scoreCRETI(event *contracts.Event, c Classification, now time.Time) CRETIBreakdown {
	var b CRETIBreakdown

	if c.IsExternal {
		b.Credibility = 12
	} else {
		b.Credibility = 17
	}

	// Relevance tracks classifier confidence.
	b.Relevance = 10 + 10*clamp01(c.Confidence)

	// Evidence grows with how much structured data the event carries.
	switch n := len(event.Data); {
	case n == 0:
		b.Evidence = 4
	case n <= 2:
		b.Evidence = 10
	case n <= 5:
		b.Evidence = 14
	default:
		b.Evidence = 18
	}

	b.Timeliness = timelinessScore(now.Sub(event.Timestamp))

	// Impact: governance and system events move more than ambient chatter.
	switch c.Domain {
	case "governance", "system":
		b.Impact = 16
	case "science", "economy":
		b.Impact = 13
	default:
		b.Impact = 9
	}

	return b
}

// timelinessScore is fresh-weighted: events no older than a few minutes
// score at least 18 of 20, decaying to 2 after a week.
func timelinessScore(age time.Duration) float64 {
	switch {
	case age < 0:
		return 18 // clock skew; treat as fresh
	case age <= 5*time.Minute:
		return 19
	case age <= time.Hour:
		return 16
	case age <= 24*time.Hour:
		return 12
	case age <= 7*24*time.Hour:
		return 6
	default:
		return 2
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
