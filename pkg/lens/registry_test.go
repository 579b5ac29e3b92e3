package lens_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/substrate/pkg/lens"
)

type stubAuditor struct {
	outcome lens.AuditOutcome
	calls   int
}

func (s *stubAuditor) Audit(_ *lens.Adapter) lens.AuditOutcome {
	s.calls++
	return s.outcome
}

func passAuditor() *stubAuditor {
	return &stubAuditor{outcome: lens.AuditOutcome{Passed: true}}
}

func adapter(id, creator string, kind lens.CreatorKind) *lens.Adapter {
	return &lens.Adapter{
		ID:             id,
		Name:           "lens " + id,
		Version:        "1.0.0",
		CreatorID:      creator,
		CreatorKind:    kind,
		Classification: lens.ClassKnowledge,
	}
}

func newRegistry(a lens.Auditor) *lens.Registry {
	return lens.NewRegistry(a).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	})
}

func TestRegister(t *testing.T) {
	r := newRegistry(passAuditor())

	rec, err := r.Register(adapter("lens_1", "alice", lens.CreatorHuman))
	require.NoError(t, err)
	assert.Equal(t, lens.StateActive, rec.State)

	_, err = r.Register(adapter("lens_1", "alice", lens.CreatorHuman))
	assert.ErrorIs(t, err, lens.ErrLensExists)

	_, err = r.Register(&lens.Adapter{ID: "bad", Version: "not-semver", Classification: lens.ClassKnowledge})
	assert.Error(t, err)
}

func TestRegister_QuotaPerCreator(t *testing.T) {
	r := newRegistry(passAuditor())

	for i := 0; i < lens.MaxLensesPerUser; i++ {
		_, err := r.Register(adapter(fmt.Sprintf("lens_%d", i), "alice", lens.CreatorHuman))
		require.NoError(t, err)
	}
	_, err := r.Register(adapter("lens_over", "alice", lens.CreatorHuman))
	assert.ErrorIs(t, err, lens.ErrLensLimitExceeded)
	assert.Equal(t, lens.MaxLensesPerUser, r.CountByCreator("alice"))

	// Another creator is unaffected.
	_, err = r.Register(adapter("lens_bob", "bob", lens.CreatorHuman))
	assert.NoError(t, err)
}

func TestRegister_EmergentQuotaIsTighter(t *testing.T) {
	r := newRegistry(passAuditor())

	for i := 0; i < lens.MaxLensesPerEmergent; i++ {
		_, err := r.Register(adapter(fmt.Sprintf("em_%d", i), "daemon_7", lens.CreatorEmergent))
		require.NoError(t, err)
	}
	_, err := r.Register(adapter("em_over", "daemon_7", lens.CreatorEmergent))
	assert.ErrorIs(t, err, lens.ErrLensLimitExceeded)
}

func TestRegister_FailedAuditHoldsPending(t *testing.T) {
	auditor := &stubAuditor{outcome: lens.AuditOutcome{
		Passed: false, Failures: []string{"culture lens cannot enable export"},
	}}
	r := newRegistry(auditor)

	rec, err := r.Register(adapter("lens_1", "alice", lens.CreatorHuman))
	require.NoError(t, err, "a failed audit holds the lens, it does not reject it")
	assert.Equal(t, lens.StatePendingCompliance, rec.State)
	assert.Equal(t, "culture lens cannot enable export", rec.StateReason)
}

func TestUpgrade(t *testing.T) {
	r := newRegistry(passAuditor())
	_, err := r.Register(adapter("lens_1", "alice", lens.CreatorHuman))
	require.NoError(t, err)

	next := adapter("lens_1", "alice", lens.CreatorHuman)
	next.Version = "1.1.0"
	rec, err := r.Upgrade("lens_1", next)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.Adapter.Version)
	assert.Equal(t, lens.StateActive, rec.State)

	// Same or lower version is rejected.
	_, err = r.Upgrade("lens_1", next)
	assert.ErrorIs(t, err, lens.ErrDowngrade)
	older := adapter("lens_1", "alice", lens.CreatorHuman)
	older.Version = "0.9.0"
	_, err = r.Upgrade("lens_1", older)
	assert.ErrorIs(t, err, lens.ErrDowngrade)

	_, err = r.Upgrade("lens_missing", next)
	assert.ErrorIs(t, err, lens.ErrLensNotFound)
}

func TestRunAudit_DisablesFailingActiveLenses(t *testing.T) {
	auditor := passAuditor()
	r := newRegistry(auditor)

	_, err := r.Register(adapter("lens_1", "alice", lens.CreatorHuman))
	require.NoError(t, err)
	_, err = r.Register(adapter("lens_2", "alice", lens.CreatorHuman))
	require.NoError(t, err)
	require.NoError(t, r.Disable("lens_2", "manual"))

	// The nightly run now fails everything still active.
	auditor.outcome = lens.AuditOutcome{Passed: false, Failures: []string{"drift"}}
	disabled := r.RunAudit()
	assert.Equal(t, []string{"lens_1"}, disabled)

	rec, err := r.Get("lens_1")
	require.NoError(t, err)
	assert.Equal(t, lens.StateDisabled, rec.State)
	assert.Equal(t, "drift", rec.StateReason)

	// Already-disabled lenses are not re-audited.
	rec2, _ := r.Get("lens_2")
	assert.Equal(t, "manual", rec2.StateReason)
}

func TestParseManifest(t *testing.T) {
	raw := []byte(`{
		"id": "lens_news",
		"name": "News Lens",
		"version": "2.1.0",
		"creator_id": "alice",
		"creator_kind": "human",
		"classification": "KNOWLEDGE",
		"dtu_bridge": {"emits": ["news:science"]},
		"isolation": {"mode": "OPEN", "cross_lens_visibility": true}
	}`)

	a, err := lens.ParseManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, "lens_news", a.ID)
	assert.Equal(t, lens.ClassKnowledge, a.Classification)
	require.NotNil(t, a.DTUBridge)
	assert.Equal(t, []string{"news:science"}, a.DTUBridge.Emits)
}

func TestParseManifest_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing required": `{"id": "x"}`,
		"bad classification": `{
			"id": "x", "name": "x", "version": "1.0.0",
			"creator_id": "a", "creator_kind": "human",
			"classification": "OTHER"}`,
		"bad isolation mode": `{
			"id": "x", "name": "x", "version": "1.0.0",
			"creator_id": "a", "creator_kind": "human",
			"classification": "KNOWLEDGE",
			"isolation": {"mode": "SOMETIMES"}}`,
		"not json": `{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := lens.ParseManifest([]byte(raw))
			assert.Error(t, err)
		})
	}
}
