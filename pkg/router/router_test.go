package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/router"
	"github.com/concordhq/substrate/pkg/store"
)

type captureSink struct {
	mu    sync.Mutex
	notes []contracts.Notification
}

func (s *captureSink) Deliver(n contracts.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
}

func (s *captureSink) forUser(userID string) []contracts.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Notification
	for _, n := range s.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	router    *router.Router
	knowledge *store.MemoryStore
	sink      *captureSink
	now       time.Time
}

func newFixture() *fixture {
	f := &fixture{
		knowledge: store.NewMemoryStore(),
		sink:      &captureSink{},
		now:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.router = router.New(f.knowledge, f.sink).
		WithClock(func() time.Time { return f.now })
	return f
}

func knowledgeDTU(id string, lenses []string, creti, conf float64) *contracts.DTU {
	return &contracts.DTU{
		ID:    id,
		Scope: contracts.KnowledgeScope(lenses),
		Meta: contracts.Meta{
			Domain:          lenses[0],
			CRETIScore:      creti,
			Confidence:      conf,
			SourceEventType: "news:science",
			EventOrigin:     true,
		},
	}
}

func TestNotifyCommitted_MatchesSubscribedLenses(t *testing.T) {
	f := newFixture()
	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science", "governance"},
	})
	f.router.Subscribe(contracts.Subscription{
		UserID:           "bob",
		SubscribedLenses: []string{"culture"},
	})

	f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu_1", []string{"science"}, 70, 0.8))

	alice := f.sink.forUser("alice")
	require.Len(t, alice, 1)
	assert.Equal(t, contracts.NotificationTypeAvailable, alice[0].Type)
	assert.Equal(t, "dtu_1", alice[0].DTUID)
	assert.True(t, alice[0].NoBridge, "availability signals must not re-enter the bridge")
	assert.Empty(t, f.sink.forUser("bob"))

	m := f.router.Snapshot()
	assert.Equal(t, int64(1), m.RoutesTotal)
	assert.Equal(t, int64(1), m.NotificationsSent)
	assert.Equal(t, int64(1), m.FilteredByLens)
}

func TestNotifyCommitted_SystemDTUNeverRoutes(t *testing.T) {
	f := newFixture()
	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"system"},
	})

	d := &contracts.DTU{
		ID:    "dtu_sys",
		Scope: contracts.SystemScope([]string{"system"}),
		Meta:  contracts.Meta{CRETIScore: 99, Confidence: 1},
	}
	f.router.NotifyCommitted(context.Background(), d)

	assert.Empty(t, f.sink.notes)
	assert.Equal(t, int64(0), f.router.Snapshot().RoutesTotal)
}

func TestNotifyCommitted_FiltersAndMutes(t *testing.T) {
	f := newFixture()
	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
		NewsFilters: contracts.NewsFilters{
			MinCRETI:      60,
			MinConfidence: 0.5,
		},
	})
	f.router.Subscribe(contracts.Subscription{
		UserID:           "bob",
		SubscribedLenses: []string{"science"},
		NewsFilters: contracts.NewsFilters{
			MutedTypes: []string{"news:science"},
		},
	})

	// Below alice's CRETI floor, muted for bob.
	f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu_low", []string{"science"}, 40, 0.9))
	assert.Empty(t, f.sink.notes)

	// Clears alice's thresholds; still muted for bob.
	f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu_hi", []string{"science"}, 80, 0.9))
	require.Len(t, f.sink.forUser("alice"), 1)
	assert.Empty(t, f.sink.forUser("bob"))

	m := f.router.Snapshot()
	assert.Equal(t, int64(1), m.FilteredByThreshold)
	assert.Equal(t, int64(2), m.FilteredByMute)
}

func TestNotifyCommitted_HourlyBudget(t *testing.T) {
	f := newFixture()
	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
		NewsFilters:      contracts.NewsFilters{MaxPerHour: 3},
	})

	for i := 0; i < 5; i++ {
		f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu", []string{"science"}, 70, 0.8))
	}
	assert.Len(t, f.sink.forUser("alice"), 3)
	assert.Equal(t, int64(2), f.router.Snapshot().DroppedByRateLimit)

	// The bucket refills as the hour advances.
	f.now = f.now.Add(time.Hour)
	f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu", []string{"science"}, 70, 0.8))
	assert.Len(t, f.sink.forUser("alice"), 4)
}

func TestNotifyCommitted_PerUserOrdering(t *testing.T) {
	f := newFixture()
	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
	})

	for _, id := range []string{"dtu_1", "dtu_2", "dtu_3"} {
		f.router.NotifyCommitted(context.Background(), knowledgeDTU(id, []string{"science"}, 70, 0.8))
	}

	notes := f.sink.forUser("alice")
	require.Len(t, notes, 3)
	assert.Equal(t, "dtu_1", notes[0].DTUID)
	assert.Equal(t, "dtu_2", notes[1].DTUID)
	assert.Equal(t, "dtu_3", notes[2].DTUID)
}

func TestPull(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	d := knowledgeDTU("dtu_1", []string{"science"}, 70, 0.8)
	require.NoError(t, f.knowledge.Put(ctx, d))

	_, err := f.router.Pull(ctx, "ghost", "dtu_1")
	assert.ErrorIs(t, err, router.ErrNoSubscription)

	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
		LocalSubstrate:   contracts.SubstrateConfig{AllowEventDTUs: true},
	})

	got, err := f.router.Pull(ctx, "alice", "dtu_1")
	require.NoError(t, err)
	assert.Equal(t, "dtu_1", got.ID)
	assert.True(t, f.router.InSubstrate("alice", "dtu_1"))

	_, err = f.router.Pull(ctx, "alice", "dtu_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPull_ScopeToSubscribed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.knowledge.Put(ctx, knowledgeDTU("dtu_culture", []string{"culture"}, 70, 0.8)))

	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
		LocalSubstrate:   contracts.SubstrateConfig{ScopeToSubscribed: true},
	})

	_, err := f.router.Pull(ctx, "alice", "dtu_culture")
	assert.ErrorIs(t, err, router.ErrNotPullVisible)
	assert.Equal(t, int64(1), f.router.Snapshot().PullsDenied)
}

func TestPull_SystemDTUDenied(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sys := &contracts.DTU{ID: "dtu_sys", Scope: contracts.SystemScope([]string{"system"})}
	require.NoError(t, f.knowledge.Put(ctx, sys))

	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"system"},
	})

	_, err := f.router.Pull(ctx, "alice", "dtu_sys")
	assert.ErrorIs(t, err, router.ErrNotPullVisible)
}

func TestPull_EventDTUSubstrateOptOut(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.knowledge.Put(ctx, knowledgeDTU("dtu_evt", []string{"science"}, 70, 0.8)))

	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
		LocalSubstrate:   contracts.SubstrateConfig{AllowEventDTUs: false},
	})

	// Pull succeeds but the event DTU stays out of the local substrate.
	got, err := f.router.Pull(ctx, "alice", "dtu_evt")
	require.NoError(t, err)
	assert.Equal(t, "dtu_evt", got.ID)
	assert.False(t, f.router.InSubstrate("alice", "dtu_evt"))
}

func TestPurgeRateWindows(t *testing.T) {
	f := newFixture()
	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
		NewsFilters:      contracts.NewsFilters{MaxPerHour: 10},
	})

	f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu_1", []string{"science"}, 70, 0.8))

	f.now = f.now.Add(3 * time.Hour)
	assert.Equal(t, 1, f.router.PurgeRateWindows(f.now.Add(-2*time.Hour)))
	assert.Equal(t, 0, f.router.PurgeRateWindows(f.now.Add(-2*time.Hour)))
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	f := newFixture()
	f.router.Subscribe(contracts.Subscription{
		UserID:           "alice",
		SubscribedLenses: []string{"science"},
	})

	f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu_1", []string{"science"}, 70, 0.8))
	f.router.Unsubscribe("alice")
	f.router.NotifyCommitted(context.Background(), knowledgeDTU("dtu_2", []string{"science"}, 70, 0.8))

	assert.Len(t, f.sink.forUser("alice"), 1)
}
