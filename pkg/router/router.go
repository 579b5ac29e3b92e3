package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/store"
)

var (
	// ErrNoSubscription is returned when a user without a subscription
	// record attempts a pull.
	ErrNoSubscription = errors.New("no_subscription")

	// ErrNotPullVisible is returned when the requested DTU is outside the
	// pull surface: system-only, or scoped to lenses the user does not
	// subscribe to under scope_to_subscribed.
	ErrNotPullVisible = errors.New("not_pull_visible")
)

// Sink receives routed notifications. Deliveries for one user arrive in
// commit order.
type Sink interface {
	Deliver(n contracts.Notification)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(n contracts.Notification)

// Deliver implements Sink.
func (f SinkFunc) Deliver(n contracts.Notification) { f(n) }

// Metrics counts router outcomes since start.
type Metrics struct {
	RoutesTotal         int64
	MultiLensRoutes     int64
	NotificationsSent   int64
	FilteredByLens      int64
	FilteredByThreshold int64
	FilteredByMute      int64
	DroppedByRateLimit  int64
	Pulls               int64
	PullsDenied         int64
}

// Router fans committed knowledge DTUs out to subscribers as lightweight
// availability notifications, never payloads. Subscribers pull on demand.
type Router struct {
	mu        sync.RWMutex
	subs      map[string]*contracts.Subscription
	substrate map[string]map[string]time.Time // userID -> dtuID -> pulled at
	metrics   Metrics

	knowledge store.DTUStore
	sink      Sink
	limiter   *subscriberLimiter
	logger    *slog.Logger
	clock     func() time.Time
}

// New constructs a Router over the knowledge store. The sink receives every
// notification that survives the subscriber's filters and rate budget.
func New(knowledge store.DTUStore, sink Sink) *Router {
	clock := time.Now
	return &Router{
		subs:      make(map[string]*contracts.Subscription),
		substrate: make(map[string]map[string]time.Time),
		knowledge: knowledge,
		sink:      sink,
		limiter:   newSubscriberLimiter(clock),
		logger:    slog.Default().With("component", "router"),
		clock:     clock,
	}
}

// WithClock overrides the time source, for tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	r.limiter.clock = clock
	return r
}

// Subscribe installs or replaces the user's subscription record.
func (r *Router) Subscribe(sub contracts.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := sub
	cp.SubscribedLenses = append([]string(nil), sub.SubscribedLenses...)
	cp.NewsFilters.MutedTypes = append([]string(nil), sub.NewsFilters.MutedTypes...)
	r.subs[sub.UserID] = &cp
}

// Unsubscribe removes the user's subscription. Their local substrate index
// is retained; pulls fail until they resubscribe.
func (r *Router) Unsubscribe(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, userID)
}

// Subscription returns a copy of the user's record.
func (r *Router) Subscription(userID string) (contracts.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[userID]
	if !ok {
		return contracts.Subscription{}, false
	}
	return *sub, true
}

// NotifyCommitted routes a freshly committed knowledge DTU. System-only
// DTUs never reach subscribers regardless of their filters.
func (r *Router) NotifyCommitted(_ context.Context, d *contracts.DTU) {
	if d == nil || d.Scope.SystemOnly || !d.Scope.NewsVisible {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.RoutesTotal++
	if len(d.Scope.Lenses) > 1 {
		r.metrics.MultiLensRoutes++
	}

	now := r.clock()
	for _, sub := range r.subs {
		if !lensOverlap(d.Scope.Lenses, sub.SubscribedLenses) {
			r.metrics.FilteredByLens++
			continue
		}
		if muted(sub.NewsFilters.MutedTypes, d.Meta.SourceEventType) {
			r.metrics.FilteredByMute++
			continue
		}
		if d.Meta.CRETIScore < sub.NewsFilters.MinCRETI ||
			d.Meta.Confidence < sub.NewsFilters.MinConfidence {
			r.metrics.FilteredByThreshold++
			continue
		}
		if !r.limiter.allow(sub.UserID, sub.NewsFilters.MaxPerHour) {
			r.metrics.DroppedByRateLimit++
			r.logger.Debug("notification rate limited",
				"user_id", sub.UserID, "dtu_id", d.ID)
			continue
		}

		r.metrics.NotificationsSent++
		r.sink.Deliver(contracts.Notification{
			Type:      contracts.NotificationTypeAvailable,
			UserID:    sub.UserID,
			DTUID:     d.ID,
			NoBridge:  true,
			Timestamp: now,
		})
	}
}

// Pull fetches a DTU on the user's behalf and records it in their local
// substrate index. This is the only way knowledge reaches a user: the
// router pushes availability, never content.
func (r *Router) Pull(ctx context.Context, userID, dtuID string) (*contracts.DTU, error) {
	r.mu.RLock()
	sub, ok := r.subs[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoSubscription
	}

	d, err := r.knowledge.Get(ctx, dtuID)
	if err != nil {
		return nil, err
	}
	if d.Scope.SystemOnly || !d.Scope.LocalPull {
		r.countDeniedPull()
		return nil, ErrNotPullVisible
	}
	if sub.LocalSubstrate.ScopeToSubscribed && !lensOverlap(d.Scope.Lenses, sub.SubscribedLenses) {
		r.countDeniedPull()
		return nil, ErrNotPullVisible
	}

	r.mu.Lock()
	r.metrics.Pulls++
	if !d.Meta.EventOrigin || sub.LocalSubstrate.AllowEventDTUs {
		idx, ok := r.substrate[userID]
		if !ok {
			idx = make(map[string]time.Time)
			r.substrate[userID] = idx
		}
		idx[dtuID] = r.clock()
	}
	r.mu.Unlock()

	return d, nil
}

// AddToSubstrate records a DTU in the user's local substrate index without
// a pull, used when a federated query persists origin-tier results locally.
func (r *Router) AddToSubstrate(userID, dtuID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.substrate[userID]
	if !ok {
		idx = make(map[string]time.Time)
		r.substrate[userID] = idx
	}
	idx[dtuID] = r.clock()
}

// InSubstrate reports whether the user's local substrate index holds the DTU.
func (r *Router) InSubstrate(userID, dtuID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.substrate[userID][dtuID]
	return ok
}

// PurgeRateWindows drops idle per-user limiter state older than cutoff and
// returns how many entries were removed.
func (r *Router) PurgeRateWindows(cutoff time.Time) int {
	return r.limiter.purgeStale(cutoff)
}

// Snapshot returns a copy of the router counters.
func (r *Router) Snapshot() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

func (r *Router) countDeniedPull() {
	r.mu.Lock()
	r.metrics.PullsDenied++
	r.mu.Unlock()
}

func lensOverlap(scoped, subscribed []string) bool {
	for _, s := range scoped {
		for _, l := range subscribed {
			if s == l {
				return true
			}
		}
	}
	return false
}

func muted(mutedTypes []string, eventType string) bool {
	if eventType == "" {
		return false
	}
	for _, m := range mutedTypes {
		if m == eventType {
			return true
		}
	}
	return false
}
