package federation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/federation"
)

type tickClock struct {
	now time.Time
}

func newTickClock() *tickClock {
	return &tickClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time          { return c.now }
func (c *tickClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func seedHierarchy(t *testing.T, r *federation.Registry) {
	t.Helper()
	_, err := r.RegisterNational("nat_us", "United States", "US")
	require.NoError(t, err)
	_, err = r.RegisterRegion("reg_mi", "nat_us", "Michigan")
	require.NoError(t, err)
	_, err = r.RegisterCRI("cri_detroit", "reg_mi", "Detroit CRI")
	require.NoError(t, err)
}

func TestRegistry_ForeignKeys(t *testing.T) {
	r := federation.NewRegistry()

	_, err := r.RegisterRegion("reg_x", "no_such_national", "X")
	assert.ErrorIs(t, err, federation.ErrNationalNotFound)

	_, err = r.RegisterCRI("cri_x", "no_such_region", "X")
	assert.ErrorIs(t, err, federation.ErrRegionNotFound)

	_, err = r.RegisterNational("nat_us", "United States", "US")
	require.NoError(t, err)
	_, err = r.RegisterNational("nat_us2", "США", "US")
	assert.ErrorIs(t, err, federation.ErrCountryCodeExists)
}

func TestHeartbeatSweep(t *testing.T) {
	clock := newTickClock()
	r := federation.NewRegistry().WithClock(clock.Now)
	seedHierarchy(t, r)

	_, err := r.RegisterCRI("cri_lansing", "reg_mi", "Lansing CRI")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	require.NoError(t, r.Heartbeat("cri_detroit"))

	clock.Advance(5 * time.Minute)
	swept := r.SweepStale(10 * time.Minute)
	assert.Equal(t, []string{"cri_lansing"}, swept)

	detroit, _ := r.GetCRI("cri_detroit")
	assert.Equal(t, contracts.CRIOnline, detroit.Status)
	lansing, _ := r.GetCRI("cri_lansing")
	assert.Equal(t, contracts.CRIOffline, lansing.Status)

	// Heartbeat restores online.
	require.NoError(t, r.Heartbeat("cri_lansing"))
	lansing, _ = r.GetCRI("cri_lansing")
	assert.Equal(t, contracts.CRIOnline, lansing.Status)
	assert.Equal(t, 2, r.ActiveCRICount("reg_mi"))

	assert.ErrorIs(t, r.Heartbeat("ghost"), federation.ErrCRINotFound)
}

func TestDeclareUserLocation_AppendOnlyOnChange(t *testing.T) {
	clock := newTickClock()
	r := federation.NewRegistry().WithClock(clock.Now)
	seedHierarchy(t, r)
	_, err := r.RegisterCRI("cri_lansing", "reg_mi", "Lansing CRI")
	require.NoError(t, err)

	require.NoError(t, r.DeclareUserLocation("user_1", "cri_detroit"))
	require.NoError(t, r.DeclareUserLocation("user_1", "cri_detroit")) // no-op
	clock.Advance(time.Hour)
	require.NoError(t, r.DeclareUserLocation("user_1", "cri_lansing"))

	history := r.UserLocationHistory("user_1")
	require.Len(t, history, 2)
	assert.Equal(t, "cri_detroit", history[0].CRIID)
	assert.Equal(t, "cri_lansing", history[1].CRIID)
}

func TestEntityTransfer(t *testing.T) {
	r := federation.NewRegistry().WithClock(newTickClock().Now)
	seedHierarchy(t, r)
	_, err := r.RegisterCRI("cri_lansing", "reg_mi", "Lansing CRI")
	require.NoError(t, err)

	require.NoError(t, r.SetEntityHomeBase("ent_1", "cri_detroit"))
	home, ok := r.EntityHomeBase("ent_1")
	require.True(t, ok)
	assert.Equal(t, "cri_detroit", home)

	transfer, err := r.TransferEntity("ent_1", "cri_lansing", "load balance")
	require.NoError(t, err)
	assert.Equal(t, "cri_detroit", transfer.FromCRIID)
	assert.Equal(t, "cri_lansing", transfer.ToCRIID)

	history := r.EntityTransferHistory("ent_1")
	require.Len(t, history, 1)

	home, _ = r.EntityHomeBase("ent_1")
	assert.Equal(t, "cri_lansing", home)

	// Transferring to the current home is rejected, not logged.
	_, err = r.TransferEntity("ent_1", "cri_lansing", "again")
	assert.Error(t, err)
	assert.Len(t, r.EntityTransferHistory("ent_1"), 1)
}

func TestPromoteDTU_MonotonicWithHistory(t *testing.T) {
	r := federation.NewRegistry().WithClock(newTickClock().Now)

	d := &contracts.DTU{
		ID:               "dtu_1",
		Tier:             contracts.TierRegular,
		FederationTier:   contracts.FederationLocal,
		LocationRegional: "detroit",
	}
	stats := federation.PromotionStats{
		AuthorityScore:        0.95,
		CitationCount:         20,
		AgeHours:              1000,
		CouncilVotes:          9,
		CrossRegionalPresence: 5,
	}

	report, err := r.PromoteDTU(d, contracts.FederationRegional, stats)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, contracts.FederationRegional, d.FederationTier)

	// Demotion and self-promotion are impossible.
	_, err = r.PromoteDTU(d, contracts.FederationLocal, stats)
	assert.ErrorIs(t, err, federation.ErrCannotDemote)
	_, err = r.PromoteDTU(d, contracts.FederationRegional, stats)
	assert.ErrorIs(t, err, federation.ErrCannotDemote)

	report, err = r.PromoteDTU(d, contracts.FederationNational, stats)
	require.NoError(t, err)
	assert.True(t, report.OK)

	// The global gate only admits aggregates: a regular-tier DTU is
	// refused without error and leaves no history row.
	report, err = r.PromoteDTU(d, contracts.FederationGlobal, stats)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, contracts.FederationNational, d.FederationTier)
	assert.Len(t, r.PromotionHistory("dtu_1"), 2)

	d.Tier = contracts.TierMega
	report, err = r.PromoteDTU(d, contracts.FederationGlobal, stats)
	require.NoError(t, err)
	assert.True(t, report.OK)

	history := r.PromotionHistory("dtu_1")
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Greater(t, rec.ToTier.Rank(), rec.FromTier.Rank(), "row %d", i)
	}
	assert.Equal(t, contracts.FederationGlobal, history[2].ToTier)
}

func TestPromoteDTU_GateFailures(t *testing.T) {
	r := federation.NewRegistry()

	d := &contracts.DTU{
		ID:             "dtu_2",
		Tier:           contracts.TierRegular,
		FederationTier: contracts.FederationRegional,
	}
	// Fails national: citations, age, votes all below threshold.
	report, err := r.PromoteDTU(d, contracts.FederationNational, federation.PromotionStats{
		AuthorityScore: 0.5,
		CitationCount:  1,
		AgeHours:       2,
		CouncilVotes:   0,
	})
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, contracts.FederationRegional, d.FederationTier, "unchanged on gate failure")

	gates := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		gates = append(gates, f.Gate)
	}
	assert.ElementsMatch(t, []string{"citation_count", "age_hours", "council_votes"}, gates)
	assert.Empty(t, r.PromotionHistory("dtu_2"))
}

func TestCheckGates_GlobalRequiresMegaAndCrossRegional(t *testing.T) {
	d := &contracts.DTU{ID: "dtu_3", Tier: contracts.TierRegular}
	report := federation.CheckGates(d, contracts.FederationGlobal, federation.PromotionStats{
		AuthorityScore:        0.9,
		CitationCount:         50,
		AgeHours:              2000,
		CouncilVotes:          7,
		CrossRegionalPresence: 2,
	})
	assert.False(t, report.OK)

	var gates []string
	for _, f := range report.Failures {
		gates = append(gates, f.Gate)
	}
	assert.ElementsMatch(t, []string{"cross_regional_presence", "internal_tier"}, gates)

	d.Tier = contracts.TierMega
	report = federation.CheckGates(d, contracts.FederationGlobal, federation.PromotionStats{
		AuthorityScore:        0.9,
		CitationCount:         50,
		AgeHours:              2000,
		CouncilVotes:          7,
		CrossRegionalPresence: 3,
	})
	assert.True(t, report.OK)
}

func TestSetDTULocation_Immutable(t *testing.T) {
	d := &contracts.DTU{ID: "dtu_4"}

	require.NoError(t, federation.SetDTULocation(d, "detroit", "us"))
	assert.Equal(t, "detroit", d.LocationRegional)
	assert.Equal(t, "us", d.LocationNational)

	// Re-setting the same values is a no-op; changing them is rejected.
	require.NoError(t, federation.SetDTULocation(d, "detroit", "us"))
	assert.ErrorIs(t, federation.SetDTULocation(d, "chicago", ""), federation.ErrLocationAlreadySet)
	assert.ErrorIs(t, federation.SetDTULocation(d, "", "ca"), federation.ErrLocationAlreadySet)
	assert.Equal(t, "detroit", d.LocationRegional)
}
