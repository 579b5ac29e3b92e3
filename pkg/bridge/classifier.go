// Package bridge converts runtime events into DTUs. The pipeline is
// classify → format → dedup → CRETI score → cross-reference → dispatch;
// each stage may reject, and every rejection is counted, never fatal.
package bridge

import (
	"strings"
	"sync"
)

// Classification is the outcome of the classify stage.
type Classification struct {
	Domain     string
	Confidence float64
	IsExternal bool
	EventType  string
}

// dtuWorthyEvents is the static table of event types that produce DTUs.
// Events absent from this table (and from every registered external source)
// are not DTU-worthy.
var dtuWorthyEvents = map[string]Classification{
	"news:politics":         {Domain: "governance", Confidence: 0.75},
	"news:science":          {Domain: "science", Confidence: 0.80},
	"news:economy":          {Domain: "economy", Confidence: 0.75},
	"news:culture":          {Domain: "culture", Confidence: 0.70},
	"council:vote":          {Domain: "governance", Confidence: 0.95},
	"council:proposal":      {Domain: "governance", Confidence: 0.85},
	"research:published":    {Domain: "science", Confidence: 0.90},
	"dream:captured":        {Domain: "cognition", Confidence: 0.60},
	"emergent:milestone":    {Domain: "cognition", Confidence: 0.80},
	"market:listing_sold":   {Domain: "economy", Confidence: 0.85},
	"repair:cycle_complete": {Domain: "system", Confidence: 1.0},
	"repair:fault_healed":   {Domain: "system", Confidence: 1.0},
	"system:heartbeat":      {Domain: "system", Confidence: 1.0},
	"system:migration":      {Domain: "system", Confidence: 1.0},
}

// eventScopeMap is the frozen event-type → lens-name map. Unknown event
// types resolve to an empty lens list and are dropped.
var eventScopeMap = map[string][]string{
	"news:politics":         {"news", "governance", "law"},
	"news:science":          {"news", "science", "research"},
	"news:economy":          {"news", "economy"},
	"news:culture":          {"news", "culture"},
	"council:vote":          {"governance"},
	"council:proposal":      {"governance"},
	"research:published":    {"science", "research"},
	"dream:captured":        {"cognition"},
	"emergent:milestone":    {"cognition"},
	"market:listing_sold":   {"economy", "marketplace"},
	"repair:cycle_complete": {"system"},
	"repair:fault_healed":   {"system"},
	"system:heartbeat":      {"system"},
	"system:migration":      {"system"},
}

// LensesFor resolves the frozen scope map.
func LensesFor(eventType string) []string {
	lenses, ok := eventScopeMap[eventType]
	if !ok {
		return nil
	}
	out := make([]string, len(lenses))
	copy(out, lenses)
	return out
}

// IsSystemEvent reports event types whose DTUs are routed to the system-only
// store and never enter the knowledge commit path.
func IsSystemEvent(eventType string) bool {
	if strings.HasPrefix(eventType, "repair:") {
		return true
	}
	switch eventType {
	case "system:heartbeat", "system:migration":
		return true
	}
	return false
}

// ExternalSource is a registered event source with its own classifier map.
// Events from an external source carry the "reported" stance.
type ExternalSource struct {
	ID         string
	Classifier map[string]Classification
}

// sourceRegistry holds registered external sources.
type sourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]*ExternalSource
}

func newSourceRegistry() *sourceRegistry {
	return &sourceRegistry{sources: make(map[string]*ExternalSource)}
}

func (r *sourceRegistry) register(src *ExternalSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.ID] = src
}

func (r *sourceRegistry) classify(sourceID, eventType string) (Classification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[sourceID]
	if !ok {
		return Classification{}, false
	}
	c, ok := src.Classifier[eventType]
	if !ok {
		return Classification{}, false
	}
	c.IsExternal = true
	c.EventType = eventType
	return c, true
}
