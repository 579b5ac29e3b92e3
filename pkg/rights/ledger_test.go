package rights_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/substrate/pkg/rights"
)

func TestCheck_OwnerAndStrangers(t *testing.T) {
	l := rights.NewLedger()
	l.Grant("hash1", "creator", rights.LicenseAttribution, false, 2)

	// Owner can do everything.
	assert.True(t, l.Check("hash1", "creator", rights.ActionView))
	assert.True(t, l.Check("hash1", "creator", rights.ActionCommercial))
	assert.True(t, l.Check("hash1", "creator", rights.ActionDerive))
	assert.True(t, l.Check("hash1", "creator", rights.ActionTransfer))

	// Stranger: view yes, commercial no, transfer no.
	assert.True(t, l.Check("hash1", "stranger", rights.ActionView))
	assert.False(t, l.Check("hash1", "stranger", rights.ActionCommercial))
	assert.False(t, l.Check("hash1", "stranger", rights.ActionTransfer))
}

func TestCheck_DerivativeCap(t *testing.T) {
	l := rights.NewLedger()
	l.Grant("hash1", "creator", rights.LicenseShareAlike, true, 2)

	assert.True(t, l.Check("hash1", "other", rights.ActionDerive))
	require.NoError(t, l.RecordDerivative("hash1"))
	require.NoError(t, l.RecordDerivative("hash1"))
	assert.False(t, l.Check("hash1", "other", rights.ActionDerive), "cap reached")

	l.Grant("hash2", "creator", rights.LicenseShareAlike, true, rights.Unrestricted)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.RecordDerivative("hash2"))
	}
	assert.True(t, l.Check("hash2", "other", rights.ActionDerive))
}

func TestCheck_AllRightsReservedBlocksDerivatives(t *testing.T) {
	l := rights.NewLedger()
	l.Grant("hash1", "creator", rights.LicenseAllRights, false, rights.Unrestricted)
	assert.False(t, l.Check("hash1", "other", rights.ActionDerive))
}

func TestTransfer_RequiresOwner(t *testing.T) {
	l := rights.NewLedger()
	l.Grant("hash1", "creator", rights.LicenseAttribution, true, 0)

	err := l.Transfer("hash1", "not_owner", "buyer")
	assert.ErrorIs(t, err, rights.ErrNotAuthorized)

	require.NoError(t, l.Transfer("hash1", "creator", "buyer"))
	e, ok := l.Get("hash1")
	require.True(t, ok)
	assert.Equal(t, "buyer", e.OwnerID)
	assert.Equal(t, "creator", e.CreatorID, "creator identity is permanent")

	// Old owner can no longer transfer.
	assert.ErrorIs(t, l.Transfer("hash1", "creator", "elsewhere"), rights.ErrNotAuthorized)
}

func TestRevoke_BlocksEverything(t *testing.T) {
	l := rights.NewLedger()
	l.Grant("hash1", "creator", rights.LicensePublicDomain, true, rights.Unrestricted)

	require.NoError(t, l.Revoke("hash1", "creator", "abuser"))
	assert.False(t, l.Check("hash1", "abuser", rights.ActionView))
	assert.False(t, l.Check("hash1", "abuser", rights.ActionDerive))
	assert.True(t, l.Check("hash1", "someone_else", rights.ActionView))

	// Only the owner may revoke.
	assert.ErrorIs(t, l.Revoke("hash1", "stranger", "victim"), rights.ErrNotAuthorized)
}

func TestCheck_UnknownContent(t *testing.T) {
	l := rights.NewLedger()
	assert.True(t, l.Check("missing", "anyone", rights.ActionView))
	assert.False(t, l.Check("missing", "anyone", rights.ActionCommercial))
}
