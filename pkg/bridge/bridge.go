package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/concordhq/substrate/pkg/canonical"
	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/observability"
	"github.com/concordhq/substrate/pkg/store"
)

// Rejection kinds. The bridge never crashes on a bad event; it returns one
// of these and keeps going.
var (
	ErrNotDTUWorthy       = errors.New("not_dtu_worthy")
	ErrDuplicateHash      = errors.New("duplicate_hash_blocked")
	ErrBridgeConfirmation = errors.New("bridge_confirmation_blocked")
	ErrRecursionLoop      = errors.New("recursion_loop_blocked")
)

// eventBridgedType is the confirmation event the substrate emits after a
// commit; bridging it again would echo forever.
const eventBridgedType = "dtu:event_bridged"

// hashLockStripes is the width of the striped mutex keyed by rawEventHash.
const hashLockStripes = 64

// Notifier receives committed knowledge DTUs for subscriber fan-out.
type Notifier interface {
	NotifyCommitted(ctx context.Context, d *contracts.DTU)
}

// Metrics is the bridge's observability snapshot.
type Metrics struct {
	EventsReceived          int64 `json:"events_received"`
	EventsClassified        int64 `json:"events_classified"`
	EventsDroppedClassifier int64 `json:"events_dropped_classifier"`
	EventsDroppedDedup      int64 `json:"events_dropped_dedup"`
	SystemDTUsRouted        int64 `json:"system_dtus_routed"`
	KnowledgeDTUsCommitted  int64 `json:"knowledge_dtus_committed"`
}

// Result is the outcome of a successful Ingest.
type Result struct {
	DTU          *contracts.DTU
	SystemRouted bool
	CRETI        CRETIBreakdown
	Sources      int
}

// Bridge is the event-to-DTU pipeline.
type Bridge struct {
	knowledge store.DTUStore
	system    store.DTUStore
	canonical *canonical.Registry
	notifier  Notifier
	obs       *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time

	hashLocks [hashLockStripes]sync.Mutex

	windowMu sync.Mutex
	window   map[string]time.Time // rawEventHash → first seen

	crossRef *crossRefIndex
	sources  *sourceRegistry

	metricsMu sync.Mutex
	metrics   Metrics
}

// New creates a bridge committing into the given disjoint stores. notifier
// may be nil for pipelines without subscribers.
func New(knowledge, system store.DTUStore, canonicalReg *canonical.Registry, notifier Notifier) *Bridge {
	return &Bridge{
		knowledge: knowledge,
		system:    system,
		canonical: canonicalReg,
		notifier:  notifier,
		logger:    slog.Default().With("component", "event_bridge"),
		clock:     time.Now,
		window:    make(map[string]time.Time),
		crossRef:  newCrossRefIndex(),
		sources:   newSourceRegistry(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Bridge) WithClock(clock func() time.Time) *Bridge {
	b.clock = clock
	return b
}

// WithObservability mirrors the bridge counters into OpenTelemetry
// instruments. Nil leaves the in-process snapshot as the only output.
func (b *Bridge) WithObservability(obs *observability.Provider) *Bridge {
	b.obs = obs
	return b
}

// RegisterExternalSource adds a source with its own classifier map.
func (b *Bridge) RegisterExternalSource(src *ExternalSource) {
	b.sources.register(src)
}

// Ingest runs one event through the pipeline. At most one DTU is committed,
// to exactly one of the two stores. Rejections are returned as sentinel
// errors and counted in the metrics snapshot.
func (b *Bridge) Ingest(ctx context.Context, event *contracts.Event) (*Result, error) {
	b.count(func(m *Metrics) { m.EventsReceived++ })
	if b.obs != nil {
		b.obs.RecordIngest(ctx)
	}

	// Stage 1: classify.
	c, err := b.classify(event)
	if err != nil {
		b.count(func(m *Metrics) { m.EventsDroppedClassifier++ })
		return nil, err
	}
	b.count(func(m *Metrics) { m.EventsClassified++ })

	// Stage 2: format.
	d, err := b.format(event, c)
	if err != nil {
		b.count(func(m *Metrics) { m.EventsDroppedClassifier++ })
		return nil, err
	}

	// Stages 3–6 run under the hash stripe so the dedup check and the
	// commit are atomic with respect to the same rawEventHash.
	lock := &b.hashLocks[stripeFor(d.Meta.RawEventHash)]
	lock.Lock()
	defer lock.Unlock()

	if err := b.dedup(ctx, event, d); err != nil {
		b.count(func(m *Metrics) { m.EventsDroppedDedup++ })
		return nil, err
	}

	// Stage 4: CRETI score.
	breakdown := scoreCRETI(event, c, b.clock())
	d.Meta.CRETIScore = breakdown.Total()

	// Stage 5: cross-reference.
	source := event.Source
	if source == "" {
		source = "internal"
	}
	sources := b.crossRef.observe(c.Domain, d.Title, event.Type, source)
	switch {
	case sources >= 3:
		d.Meta.EpistemologicalStance = contracts.StanceCorroborated
		if d.Meta.Confidence < 0.95 {
			d.Meta.Confidence = 0.95
		}
	case sources == 2:
		d.Meta.EpistemologicalStance = contracts.StanceCorroboratedPending
		if d.Meta.Confidence < 0.85 {
			d.Meta.Confidence = 0.85
		}
	}

	// Stage 6: dispatch.
	if IsSystemEvent(event.Type) {
		d.Scope = contracts.SystemScope(d.Scope.Lenses)
		if err := b.system.PutIfAbsentByEventHash(ctx, d); err != nil {
			if errors.Is(err, store.ErrDuplicateHash) {
				b.count(func(m *Metrics) { m.EventsDroppedDedup++ })
				return nil, ErrDuplicateHash
			}
			return nil, fmt.Errorf("system store commit: %w", err)
		}
		b.markSeen(d.Meta.RawEventHash)
		b.count(func(m *Metrics) { m.SystemDTUsRouted++ })
		if b.obs != nil {
			b.obs.RecordCommit(ctx, attribute.String("store", "system"))
		}
		b.logger.Debug("system dtu routed", "dtu_id", d.ID, "event_type", event.Type)
		return &Result{DTU: d, SystemRouted: true, CRETI: breakdown, Sources: sources}, nil
	}

	// Knowledge commit: canonical registration first (content addressing),
	// then the compare-and-set insert keyed by event hash. The DTU is not
	// observable until the insert succeeds, so a cancelled request leaves
	// no partial state.
	content := map[string]any{"title": d.Title, "summary": d.HumanLayer.Summary, "domain": c.Domain}
	if _, err := b.canonical.Register(content, d.ID); err != nil {
		return nil, fmt.Errorf("canonical register: %w", err)
	}
	if err := b.knowledge.PutIfAbsentByEventHash(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			b.count(func(m *Metrics) { m.EventsDroppedDedup++ })
			return nil, ErrDuplicateHash
		}
		return nil, fmt.Errorf("knowledge store commit: %w", err)
	}
	b.markSeen(d.Meta.RawEventHash)
	b.count(func(m *Metrics) { m.KnowledgeDTUsCommitted++ })
	if b.obs != nil {
		b.obs.RecordCommit(ctx, attribute.String("store", "knowledge"))
	}

	if b.notifier != nil {
		b.notifier.NotifyCommitted(ctx, d)
	}
	b.logger.Debug("knowledge dtu committed",
		"dtu_id", d.ID, "event_type", event.Type, "creti", d.Meta.CRETIScore)
	return &Result{DTU: d, CRETI: breakdown, Sources: sources}, nil
}

func (b *Bridge) classify(event *contracts.Event) (Classification, error) {
	if event == nil || event.NoBridge || event.Type == "" {
		return Classification{}, ErrNotDTUWorthy
	}
	if event.Source != "" {
		if c, ok := b.sources.classify(event.Source, event.Type); ok {
			return c, nil
		}
	}
	c, ok := dtuWorthyEvents[event.Type]
	if !ok {
		return Classification{}, ErrNotDTUWorthy
	}
	c.EventType = event.Type
	return c, nil
}

func (b *Bridge) format(event *contracts.Event, c Classification) (*contracts.DTU, error) {
	lenses := LensesFor(event.Type)
	if len(lenses) == 0 {
		// Not in the frozen scope map: nowhere to route it.
		return nil, ErrNotDTUWorthy
	}

	stance := contracts.StanceObserved
	if c.IsExternal {
		stance = contracts.StanceReported
	}

	now := b.clock()
	d := &contracts.DTU{
		ID:             "evtdtu_" + uuid.NewString(),
		Title:          eventTitle(event),
		CreatorID:      "substrate",
		Source:         "event_bridge",
		CreatedAt:      now,
		Tier:           contracts.TierRegular,
		FederationTier: contracts.FederationLocal,
		Scope:          contracts.KnowledgeScope(lenses),
		HumanLayer:     &contracts.HumanLayer{Summary: eventSummary(event)},
		MachineLayer:   &contracts.MachineLayer{Fields: map[string]any{"event_data": event.Data}},
		Meta: contracts.Meta{
			EventOrigin:           true,
			SourceEventType:       event.Type,
			SourceDTUID:           sourceDTUID(event),
			Domain:                c.Domain,
			Confidence:            c.Confidence,
			EpistemologicalStance: stance,
			RawEventHash:          RawEventHash(event),
		},
	}
	return d, nil
}

// dedup enforces the three recursion/duplication guards.
func (b *Bridge) dedup(ctx context.Context, event *contracts.Event, d *contracts.DTU) error {
	if b.seenRecently(d.Meta.RawEventHash) {
		return ErrDuplicateHash
	}
	if event.Type == eventBridgedType || originEventType(event) == eventBridgedType {
		return ErrBridgeConfirmation
	}
	if id := d.Meta.SourceDTUID; id != "" {
		src, err := b.knowledge.Get(ctx, id)
		if err == nil && src.Meta.EventOrigin {
			return ErrRecursionLoop
		}
	}
	return nil
}

// RawEventHash is the idempotence key: the first 16 hex chars of a SHA-256
// over (type, data, id).
func RawEventHash(event *contracts.Event) string {
	dataJSON, _ := json.Marshal(event.Data)
	h := sha256.New()
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write(dataJSON)
	h.Write([]byte{0})
	h.Write([]byte(event.ID))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// PurgeWindow drops dedup-window entries older than cutoff and resets the
// cross-reference buckets. Called by the kernel once per cycle.
func (b *Bridge) PurgeWindow(cutoff time.Time) int {
	b.windowMu.Lock()
	purged := 0
	for hash, seen := range b.window {
		if seen.Before(cutoff) {
			delete(b.window, hash)
			purged++
		}
	}
	b.windowMu.Unlock()
	b.crossRef.reset()
	return purged
}

// Snapshot returns a copy of the bridge counters.
func (b *Bridge) Snapshot() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.metrics
}

func (b *Bridge) seenRecently(hash string) bool {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()
	_, ok := b.window[hash]
	return ok
}

func (b *Bridge) markSeen(hash string) {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()
	b.window[hash] = b.clock()
}

func (b *Bridge) count(update func(*Metrics)) {
	b.metricsMu.Lock()
	update(&b.metrics)
	b.metricsMu.Unlock()
}

func stripeFor(hash string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return int(h.Sum32() % hashLockStripes)
}

func eventTitle(event *contracts.Event) string {
	if t, ok := event.Data["title"].(string); ok && t != "" {
		return t
	}
	return event.Type
}

func eventSummary(event *contracts.Event) string {
	if s, ok := event.Data["summary"].(string); ok && s != "" {
		return s
	}
	dataJSON, _ := json.Marshal(event.Data)
	return fmt.Sprintf("%s at %s: %s", event.Type,
		event.Timestamp.UTC().Format(time.RFC3339), string(dataJSON))
}

func sourceDTUID(event *contracts.Event) string {
	if id, ok := event.Data["source_dtu_id"].(string); ok {
		return id
	}
	return ""
}

// originEventType reads the event type a derived event was minted from.
func originEventType(event *contracts.Event) string {
	if t, ok := event.Data["source_event_type"].(string); ok {
		return t
	}
	return ""
}
