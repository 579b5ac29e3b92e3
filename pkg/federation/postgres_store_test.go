package federation_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/federation"
)

func TestPostgresStore_InitCreatesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS nationals").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := federation.NewPostgresStore(db)
	require.NoError(t, store.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendPromotion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := federation.NewPostgresStore(db)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO dtu_federation_history").
		WithArgs("dtu_1", "local", "regional", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.AppendPromotion(context.Background(), &contracts.PromotionRecord{
		DTUID:    "dtu_1",
		FromTier: contracts.FederationLocal,
		ToTier:   contracts.FederationRegional,
		At:       at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendTransferIsTransactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := federation.NewPostgresStore(db)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entity_transfer_history").
		WithArgs("ent_1", "cri_a", "cri_b", "load balance", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO entity_home_base").
		WithArgs("ent_1", "cri_b", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = store.AppendTransfer(context.Background(), &contracts.EntityTransfer{
		EntityID:  "ent_1",
		FromCRIID: "cri_a",
		ToCRIID:   "cri_b",
		Reason:    "load balance",
		At:        at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PromotionHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := federation.NewPostgresStore(db)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"dtu_id", "from_tier", "to_tier", "at"}).
		AddRow("dtu_1", "local", "regional", at).
		AddRow("dtu_1", "regional", "national", at.Add(time.Hour))
	mock.ExpectQuery("SELECT dtu_id, from_tier, to_tier, at").
		WithArgs("dtu_1").
		WillReturnRows(rows)

	history, err := store.PromotionHistory(context.Background(), "dtu_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, contracts.FederationRegional, history[0].ToTier)
	assert.Equal(t, contracts.FederationNational, history[1].ToTier)
	assert.NoError(t, mock.ExpectationsWereMet())
}
