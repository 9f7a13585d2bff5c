package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"  MC-0001 ":                                   "MC-0001",
		"https://scan.example.com/track/MC-0001":       "MC-0001",
		"https://scan.example.com/track/MC-0001/?x=1":  "MC-0001",
		"https://scan.example.com/track/U-0042#anchor": "U-0042",
		"":    "",
		"   ": "",
	}
	for in, want := range tests {
		assert.Equalf(t, want, repository.NormalizeCode(in), "NormalizeCode(%q)", in)
	}
}

func TestFindMasterCodeByCode(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCodeRepository(db)
	ctx := context.Background()

	order := testutil.SeedOrder(t, db, "PO-1", testutil.ManufacturerOrg, "")
	batch := testutil.SeedBatch(t, db, order.ID, 10)
	plain := testutil.SeedMaster(t, db, batch, "MC-B01-C001", 1, 10)
	suffixed := testutil.SeedMaster(t, db, batch, "MC-B01-C002-7f3a9c", 2, 10)

	t.Run("Exact", func(t *testing.T) {
		m, err := repo.FindMasterCodeByCode(ctx, "MC-B01-C001")
		require.NoError(t, err)
		assert.Equal(t, plain.ID, m.ID)
	})

	t.Run("TrackURL", func(t *testing.T) {
		m, err := repo.FindMasterCodeByCode(ctx, "https://scan.example.com/track/MC-B01-C001")
		require.NoError(t, err)
		assert.Equal(t, plain.ID, m.ID)
	})

	t.Run("InputHasSuffix", func(t *testing.T) {
		m, err := repo.FindMasterCodeByCode(ctx, "MC-B01-C001-abcdef12")
		require.NoError(t, err)
		assert.Equal(t, plain.ID, m.ID)
	})

	t.Run("StoredHasSuffix", func(t *testing.T) {
		m, err := repo.FindMasterCodeByCode(ctx, "MC-B01-C002")
		require.NoError(t, err)
		assert.Equal(t, suffixed.ID, m.ID)
	})

	t.Run("ShortSegmentIsNotSuffix", func(t *testing.T) {
		_, err := repo.FindMasterCodeByCode(ctx, "MC-B01")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := repo.FindMasterCodeByCode(ctx, "MC-NOPE")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestFindMasterCodeByCodeAmbiguousPrefix(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCodeRepository(db)

	order := testutil.SeedOrder(t, db, "PO-1", testutil.ManufacturerOrg, "")
	batch := testutil.SeedBatch(t, db, order.ID, 10)
	testutil.SeedMaster(t, db, batch, "MC-X-aaaaaa", 1, 10)
	testutil.SeedMaster(t, db, batch, "MC-X-bbbbbb", 2, 10)

	_, err := repo.FindMasterCodeByCode(context.Background(), "MC-X")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLinkUnitCodesOnlyUnlinked(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCodeRepository(db)
	ctx := context.Background()

	order := testutil.SeedOrder(t, db, "PO-1", testutil.ManufacturerOrg, "")
	batch := testutil.SeedBatch(t, db, order.ID, 10)
	m1 := testutil.SeedMaster(t, db, batch, "MC-1", 1, 10)
	m2 := testutil.SeedMaster(t, db, batch, "MC-2", 2, 10)
	units := testutil.SeedUnits(t, db, batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 1, Count: 3})

	ids := []string{units[0].ID, units[1].ID}
	n, err := repo.LinkUnitCodes(ctx, ids, m1.ID, "worker-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 已装入的码不会被其他箱抢占
	n, err = repo.LinkUnitCodes(ctx, []string{units[0].ID, units[2].ID}, m2.ID, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	linked, err := repo.FindUnitCodesByMaster(ctx, m1.ID)
	require.NoError(t, err)
	require.Len(t, linked, 2)
	assert.Equal(t, entity.CodeStatusPacked, linked[0].Status)
	require.NotNil(t, linked[0].LastScannedBy)
	assert.Equal(t, "worker-1", *linked[0].LastScannedBy)

	count, err := repo.CountLinkedToMaster(ctx, m2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLinkUnitCodesSkipsShippedUnits(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCodeRepository(db)
	ctx := context.Background()

	order := testutil.SeedOrder(t, db, "PO-1", testutil.ManufacturerOrg, "")
	batch := testutil.SeedBatch(t, db, order.ID, 10)
	m := testutil.SeedMaster(t, db, batch, "MC-1", 1, 10)
	shipped := testutil.SeedUnits(t, db, batch, testutil.UnitSpec{Prefix: "S", CaseNumber: 1, FirstSeq: 1, Count: 1, Status: entity.CodeStatusShipped})
	fresh := testutil.SeedUnits(t, db, batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 2, Count: 1})

	n, err := repo.LinkUnitCodes(ctx, []string{shipped[0].ID, fresh[0].ID}, m.ID, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	units, err := repo.FindUnitCodesByCode(ctx, []string{"S-0001"})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Nil(t, units[0].MasterCodeID)
	assert.Equal(t, entity.CodeStatusShipped, units[0].Status)
}

func TestIncrementActualUnitCountGuard(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCodeRepository(db)
	ctx := context.Background()

	order := testutil.SeedOrder(t, db, "PO-1", testutil.ManufacturerOrg, "")
	batch := testutil.SeedBatch(t, db, order.ID, 10)
	m := testutil.SeedMaster(t, db, batch, "MC-1", 1, 10, testutil.WithActual(7))

	ok, err := repo.IncrementActualUnitCount(ctx, m.ID, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IncrementActualUnitCount(ctx, m.ID, 1)
	require.NoError(t, err)
	assert.False(t, ok, "increment past expected must be refused")

	reloaded, err := repo.FindMasterCodeByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.ActualUnitCount)
}

func TestFindUnitCodesByCaseSkipsBuffer(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCodeRepository(db)

	order := testutil.SeedOrder(t, db, "PO-1", testutil.ManufacturerOrg, "")
	batch := testutil.SeedBatch(t, db, order.ID, 4)
	testutil.SeedUnits(t, db, batch, testutil.UnitSpec{Prefix: "U", VariantID: "vx", CaseNumber: 2, FirstSeq: 5, Count: 2})
	testutil.SeedUnits(t, db, batch, testutil.UnitSpec{Prefix: "U", VariantID: "vy", CaseNumber: 2, FirstSeq: 7, Count: 2})
	testutil.SeedUnits(t, db, batch, testutil.UnitSpec{Prefix: "BUF", CaseNumber: 2, FirstSeq: 900, Count: 1, IsBuffer: true})

	units, err := repo.FindUnitCodesByCase(context.Background(), batch.ID, 2)
	require.NoError(t, err)
	require.Len(t, units, 4)
	assert.Equal(t, 5, units[0].SequenceNumber)
	assert.Equal(t, 8, units[3].SequenceNumber)
}

func TestUpdateMasterCodeMissing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewCodeRepository(db)

	err := repo.UpdateMasterCode(context.Background(), "missing", map[string]interface{}{"status": entity.CodeStatusPacked})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
