package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearhold/clearhold/internal/testutil"
)

func pgEscrow(id uint64) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		EscrowID:     id,
		BuyerID:      "acc_buyer",
		SellerID:     "acc_seller",
		ArbiterID:    "acc_arbiter",
		BuyerAddr:    "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		SellerAddr:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		ArbiterAddr:  "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		Token:        "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		Amount:       "10.500000",
		Status:       StatusPending,
		CreateTxHash: "0xcreate",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgEscrow(1)))

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "10.500000", got.Amount)
	assert.Nil(t, got.ResolvedAt)

	// Contract IDs are unique; a duplicate insert is a conflict
	err = store.Create(ctx, pgEscrow(1))
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = store.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_ConditionalUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgEscrow(2)))
	require.NoError(t, store.UpdateStatus(ctx, 2, StatusPending, StatusFunded, ""))

	// A second writer expecting the old status loses
	err := store.UpdateStatus(ctx, 2, StatusPending, StatusFunded, "")
	assert.ErrorIs(t, err, ErrStateConflict)

	// Unknown escrow is not a conflict
	err = store.UpdateStatus(ctx, 99, StatusPending, StatusFunded, "")
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	// Terminal transition stamps resolved_at and the release hash
	require.NoError(t, store.UpdateStatus(ctx, 2, StatusFunded, StatusCompleted, "0xrelease"))
	got, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "0xrelease", got.ReleaseTxHash)
	assert.Empty(t, got.RefundTxHash)
	require.NotNil(t, got.ResolvedAt)
}

func TestPostgresStore_Dispute(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pgEscrow(3)))
	require.NoError(t, store.UpdateStatus(ctx, 3, StatusPending, StatusDisputed, ""))
	require.NoError(t, store.SetDispute(ctx, 3, "acc_seller", "goods never shipped"))

	got, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, "acc_seller", got.DisputedBy)
	assert.Equal(t, "goods never shipped", got.DisputeReason)

	assert.ErrorIs(t, store.SetDispute(ctx, 99, "acc_seller", "x"), ErrEscrowNotFound)
}

func TestPostgresStore_ListByAccount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for id := uint64(10); id <= 12; id++ {
		e := pgEscrow(id)
		if id == 12 {
			e.BuyerID = "acc_other"
		}
		require.NoError(t, store.Create(ctx, e))
	}

	// Buyer sees 2, seller sees all 3, stranger sees none
	mine, err := store.ListByAccount(ctx, "acc_buyer", 100)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	// Newest first
	assert.Equal(t, uint64(11), mine[0].EscrowID)

	all, err := store.ListByAccount(ctx, "acc_seller", 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.ListByAccount(ctx, "acc_stranger", 100)
	require.NoError(t, err)
	assert.Empty(t, none)
}
