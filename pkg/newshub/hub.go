// Package newshub runs the compression cycle: aged event DTUs collapse into
// daily Mega DTUs per (day, domain), aged Megas collapse into weekly Hyper
// DTUs (with a monthly pass catching sparse weeks), and compressed children
// eventually move to the cold archive. The collapse is lossless; children
// are flagged, never deleted.
package newshub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/store"
)

// Config bounds the compaction cycle. Zero values take the defaults.
type Config struct {
	DailyAgeHours  int // age before an event DTU is daily-compactable (default 24)
	WeeklyAgeDays  int // age before a Mega is weekly-compactable (default 7)
	MonthlyAgeDays int // age before a straggler Mega is monthly-compactable (default 30)
	MinClusterSize int // members required to form an aggregate (default 3)
	ArchiveDays    int // age before compressed children go cold; 0 disables
}

func (c Config) withDefaults() Config {
	if c.DailyAgeHours <= 0 {
		c.DailyAgeHours = 24
	}
	if c.WeeklyAgeDays <= 0 {
		c.WeeklyAgeDays = 7
	}
	if c.MonthlyAgeDays <= 0 {
		c.MonthlyAgeDays = 30
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = 3
	}
	return c
}

// Metrics counts hub outcomes since start.
type Metrics struct {
	MegasCreated       int64
	HypersCreated      int64
	ChildrenCompressed int64
	ChildrenArchived   int64
	Decompressions     int64
}

// ChildRecord is one entry of a decomposed aggregate.
type ChildRecord struct {
	ID            string `json:"id"`
	Summary       string `json:"summary"`
	CanDecompress bool   `json:"can_decompress"`
	Archived      bool   `json:"archived,omitempty"`
}

// Decomposition is the lossless expansion of a Mega or Hyper DTU.
type Decomposition struct {
	Parent   *contracts.DTU `json:"parent"`
	Children []ChildRecord  `json:"children"`
}

// Hub owns the compaction cycle over the knowledge store.
type Hub struct {
	store  store.DTUStore
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*sync.Mutex // (day, domain) → exclusive compaction lock
	metrics Metrics
	metMu   sync.Mutex
}

// New constructs a hub over the knowledge store.
func New(s store.DTUStore, cfg Config) *Hub {
	return &Hub{
		store:   s,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default().With("component", "newshub"),
		clock:   time.Now,
		buckets: make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the time source, for tests.
func (h *Hub) WithClock(clock func() time.Time) *Hub {
	h.clock = clock
	return h
}

// RunCycle executes one full compaction tick: daily, then weekly, then
// monthly, then the archival sweep. Errors in one phase do not stop the
// others.
func (h *Hub) RunCycle(ctx context.Context) error {
	var firstErr error
	if _, err := h.CompactDaily(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if _, err := h.CompactWeekly(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if _, err := h.CompactMonthly(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if h.cfg.ArchiveDays > 0 {
		cutoff := h.clock().Add(-time.Duration(h.cfg.ArchiveDays) * 24 * time.Hour)
		if _, err := h.ArchiveAged(ctx, cutoff); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CompactDaily folds aged event DTUs into Mega DTUs, one per (day, domain)
// bucket with at least MinClusterSize members. It returns the new Mega ids.
func (h *Hub) CompactDaily(ctx context.Context) ([]string, error) {
	cutoff := h.clock().Add(-time.Duration(h.cfg.DailyAgeHours) * time.Hour)
	candidates, err := h.store.ListEventDTUsOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list daily candidates: %w", err)
	}
	return h.compact(ctx, candidates, dayBucket, contracts.TierMega, "mega_compression")
}

// CompactWeekly folds aged Mega DTUs into Hyper DTUs per (ISO week, domain).
func (h *Hub) CompactWeekly(ctx context.Context) ([]string, error) {
	cutoff := h.clock().Add(-time.Duration(h.cfg.WeeklyAgeDays) * 24 * time.Hour)
	candidates, err := h.store.ListTierOlderThan(ctx, contracts.TierMega, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list weekly candidates: %w", err)
	}
	return h.compact(ctx, candidates, weekBucket, contracts.TierHyper, "hyper_compression")
}

// CompactMonthly folds Megas that escaped the weekly pass, sitting in weeks
// too sparse to cluster, into Hyper DTUs per (month, domain).
func (h *Hub) CompactMonthly(ctx context.Context) ([]string, error) {
	cutoff := h.clock().Add(-time.Duration(h.cfg.MonthlyAgeDays) * 24 * time.Hour)
	candidates, err := h.store.ListTierOlderThan(ctx, contracts.TierMega, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list monthly candidates: %w", err)
	}
	return h.compact(ctx, candidates, monthBucket, contracts.TierHyper, "hyper_compression")
}

func (h *Hub) compact(ctx context.Context, candidates []*contracts.DTU,
	bucketOf func(*contracts.DTU) string, tier contracts.InternalTier, derivative string) ([]string, error) {

	groups := make(map[string][]*contracts.DTU)
	for _, d := range candidates {
		groups[bucketOf(d)] = append(groups[bucketOf(d)], d)
	}

	// Deterministic bucket order so repeated cycles produce stable logs.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var created []string
	for _, key := range keys {
		children := groups[key]
		if len(children) < h.cfg.MinClusterSize {
			continue
		}

		lock := h.bucketLock(key)
		lock.Lock()
		id, err := h.collapse(ctx, key, children, tier, derivative)
		lock.Unlock()
		if err != nil {
			return created, err
		}
		created = append(created, id)
	}
	return created, nil
}

// collapse writes the aggregate first, then flags the children. If flagging
// is interrupted, the next cycle re-selects the unflagged children; the
// aggregate commit is the last irreversible step per child.
func (h *Hub) collapse(ctx context.Context, bucket string, children []*contracts.DTU,
	tier contracts.InternalTier, derivative string) (string, error) {

	sort.Slice(children, func(i, j int) bool {
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})

	childIDs := make([]string, len(children))
	lensSet := make(map[string]struct{})
	var confidence float64
	for i, c := range children {
		childIDs[i] = c.ID
		for _, l := range c.Scope.Lenses {
			lensSet[l] = struct{}{}
		}
		confidence += c.Meta.Confidence
	}
	confidence /= float64(len(children))

	lenses := make([]string, 0, len(lensSet))
	for l := range lensSet {
		lenses = append(lenses, l)
	}
	sort.Strings(lenses)

	domain := children[0].Meta.Domain
	now := h.clock()
	prefix := "mega"
	if tier == contracts.TierHyper {
		prefix = "hyper"
	}

	parent := &contracts.DTU{
		ID:        fmt.Sprintf("%s_%s", prefix, uuid.NewString()),
		Title:     fmt.Sprintf("%s digest: %s (%d items)", domain, bucket, len(children)),
		CreatorID: "news_hub",
		Source:    "news_hub",
		CreatedAt: now,
		Tier:      tier,
		Scope:     contracts.KnowledgeScope(lenses),
		HumanLayer: &contracts.HumanLayer{
			Summary: digestSummary(children),
		},
		Meta: contracts.Meta{
			Domain:     domain,
			Confidence: confidence,
		},
		Lineage: contracts.Lineage{
			ParentIDs:      childIDs,
			ChildIDs:       childIDs,
			ChildCount:     len(children),
			DerivativeType: derivative,
		},
	}

	if err := h.store.Put(ctx, parent); err != nil {
		return "", fmt.Errorf("commit aggregate: %w", err)
	}
	for _, id := range childIDs {
		if err := h.store.MarkCompressed(ctx, id, parent.ID); err != nil {
			return "", fmt.Errorf("mark child %s: %w", id, err)
		}
	}

	h.metMu.Lock()
	if tier == contracts.TierHyper {
		h.metrics.HypersCreated++
	} else {
		h.metrics.MegasCreated++
	}
	h.metrics.ChildrenCompressed += int64(len(childIDs))
	h.metMu.Unlock()

	h.logger.Info("bucket collapsed",
		"bucket", bucket, "tier", string(tier),
		"parent_id", parent.ID, "children", len(childIDs))
	return parent.ID, nil
}

// DecompressNews expands a Mega or Hyper back into its children. Archived
// children come back as stubs with Archived set; their summaries are read
// from the cold record.
func (h *Hub) DecompressNews(ctx context.Context, parentID string) (*Decomposition, error) {
	parent, err := h.store.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Tier != contracts.TierMega && parent.Tier != contracts.TierHyper {
		return nil, fmt.Errorf("dtu %s is not an aggregate", parentID)
	}

	out := &Decomposition{Parent: parent, Children: make([]ChildRecord, 0, len(parent.Lineage.ChildIDs))}
	for _, id := range parent.Lineage.ChildIDs {
		child, err := h.store.Get(ctx, id)
		if err == nil {
			out.Children = append(out.Children, ChildRecord{
				ID:            id,
				Summary:       childSummary(child),
				CanDecompress: child.Tier == contracts.TierMega || child.Tier == contracts.TierHyper,
			})
			continue
		}
		if cold, ok, coldErr := h.store.GetArchived(ctx, id); coldErr == nil && ok {
			out.Children = append(out.Children, ChildRecord{
				ID:            id,
				Summary:       childSummary(cold),
				CanDecompress: false,
				Archived:      true,
			})
			continue
		}
		return nil, fmt.Errorf("resolve child %s: %w", id, err)
	}

	h.metMu.Lock()
	h.metrics.Decompressions++
	h.metMu.Unlock()
	return out, nil
}

// ArchiveAged moves compressed children created before cutoff into the cold
// record and returns how many moved.
func (h *Hub) ArchiveAged(ctx context.Context, cutoff time.Time) (int, error) {
	aged, err := h.store.ListCompressedOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list archival candidates: %w", err)
	}

	archived := 0
	for _, d := range aged {
		// Aggregates stay hot; only leaf children go cold.
		if d.Tier == contracts.TierMega || d.Tier == contracts.TierHyper {
			continue
		}
		if err := h.store.Archive(ctx, d.ID); err != nil {
			return archived, fmt.Errorf("archive %s: %w", d.ID, err)
		}
		archived++
	}

	h.metMu.Lock()
	h.metrics.ChildrenArchived += int64(archived)
	h.metMu.Unlock()

	if archived > 0 {
		h.logger.Info("children archived", "count", archived)
	}
	return archived, nil
}

// Snapshot returns a copy of the hub counters.
func (h *Hub) Snapshot() Metrics {
	h.metMu.Lock()
	defer h.metMu.Unlock()
	return h.metrics
}

func (h *Hub) bucketLock(key string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.buckets[key]
	if !ok {
		lock = &sync.Mutex{}
		h.buckets[key] = lock
	}
	return lock
}

func dayBucket(d *contracts.DTU) string {
	return d.CreatedAt.UTC().Format("2006-01-02") + "|" + d.Meta.Domain
}

func weekBucket(d *contracts.DTU) string {
	year, week := d.CreatedAt.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d|%s", year, week, d.Meta.Domain)
}

func monthBucket(d *contracts.DTU) string {
	return d.CreatedAt.UTC().Format("2006-01") + "|" + d.Meta.Domain
}

func digestSummary(children []*contracts.DTU) string {
	titles := make([]string, 0, 3)
	for _, c := range children {
		if len(titles) == 3 {
			break
		}
		if c.Title != "" {
			titles = append(titles, c.Title)
		}
	}
	if len(titles) == 0 {
		return fmt.Sprintf("%d items compressed", len(children))
	}
	s := titles[0]
	for _, t := range titles[1:] {
		s += "; " + t
	}
	return fmt.Sprintf("%s (%d items)", s, len(children))
}

func childSummary(d *contracts.DTU) string {
	if d.HumanLayer != nil && d.HumanLayer.Summary != "" {
		return d.HumanLayer.Summary
	}
	return d.Title
}
