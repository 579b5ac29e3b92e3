package transfer_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/concordhq/substrate/pkg/canonical"
	"github.com/concordhq/substrate/pkg/codec"
	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/signing"
	"github.com/concordhq/substrate/pkg/store"
	"github.com/concordhq/substrate/pkg/threat"
	"github.com/concordhq/substrate/pkg/transfer"
)

type fixture struct {
	service   *transfer.Service
	files     *store.FileRegistry
	knowledge *store.MemoryStore
	lattice   *threat.Lattice
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/transfer.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	files, err := store.NewFileRegistry(db)
	require.NoError(t, err)
	lattice, err := threat.NewLattice(db)
	require.NoError(t, err)

	signer, err := signing.NewEphemeralSigner("test-key")
	require.NoError(t, err)

	f := &fixture{
		files:     files,
		knowledge: store.NewMemoryStore(),
		lattice:   lattice,
	}
	f.service = transfer.New(codec.New(signer), files, canonical.NewRegistry(), f.knowledge, lattice).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) })
	return f
}

func sampleDTU() *contracts.DTU {
	return &contracts.DTU{
		ID:    "dtu_sample",
		Title: "Fusion milestone",
		Tier:  contracts.TierRegular,
		Scope: contracts.KnowledgeScope([]string{"science"}),
		HumanLayer: &contracts.HumanLayer{
			Title:   "Fusion milestone",
			Summary: "net-positive shot",
		},
		CoreLayer: &contracts.CoreLayer{Claims: []string{"Q > 1"}},
	}
}

func TestExport_RecordsFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Export(ctx, sampleDTU())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Buffer)
	assert.Len(t, res.FileHash, 64)
	assert.Equal(t, ".dtu", res.Extension)
	assert.NotEmpty(t, res.Signature)

	rec, ok, err := f.files.LookupExport(ctx, res.FileHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dtu_sample", rec.DTUID)
	assert.Equal(t, res.SizeBytes, rec.SizeBytes)

	// Re-export of identical content is a registry no-op.
	res2, err := f.service.Export(ctx, sampleDTU())
	require.NoError(t, err)
	assert.Equal(t, res.FileHash, res2.FileHash)
}

func TestExport_AggregateExtension(t *testing.T) {
	f := newFixture(t)
	d := sampleDTU()
	d.Tier = contracts.TierMega

	res, err := f.service.Export(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, ".mega.dtu", res.Extension)
}

func TestImport_RoundtripAndDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exported, err := f.service.Export(ctx, sampleDTU())
	require.NoError(t, err)

	first, err := f.service.Import(ctx, exported.Buffer)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "Fusion milestone", first.DTU.Title)
	assert.Equal(t, "net-positive shot", first.DTU.HumanLayer.Summary)
	assert.Equal(t, []string{"Q > 1"}, first.DTU.CoreLayer.Claims)

	// The committed DTU is fetchable.
	_, err = f.knowledge.Get(ctx, first.DTU.ID)
	require.NoError(t, err)

	// Importing the same bytes again resolves to the canonical DTU.
	second, err := f.service.Import(ctx, exported.Buffer)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DTU.ID, second.DTU.ID)

	n, _ := f.knowledge.Count(ctx)
	assert.Equal(t, 1, n, "no second DTU from a duplicate import")

	count, err := f.files.ReimportCount(ctx, exported.FileHash)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestImport_TamperedRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Import(context.Background(), []byte("not an envelope"))
	assert.ErrorIs(t, err, transfer.ErrTampered)
}

func TestImport_ThreatBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exported, err := f.service.Export(ctx, sampleDTU())
	require.NoError(t, err)

	require.NoError(t, f.lattice.AddSignature(ctx,
		canonical.HashBytes(exported.Buffer), "poisoned-envelope", threat.SeverityCritical))

	_, err = f.service.Import(ctx, exported.Buffer)
	assert.ErrorIs(t, err, transfer.ErrThreatDetected)

	n, _ := f.knowledge.Count(ctx)
	assert.Equal(t, 0, n)
}
