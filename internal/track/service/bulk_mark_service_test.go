package service

import (
	"testing"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkMarkOrderPerfect_MixedCases(t *testing.T) {
	env := newTestEnv(t, 5)

	// 箱1：混装两种规格，序号交错
	m1 := testutil.SeedMaster(t, env.db, env.batch, "MC-0001", 1, 5)
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "X", VariantID: "variant-x", CaseNumber: 1, FirstSeq: 1, Count: 3})
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "Y", VariantID: "variant-y", CaseNumber: 1, FirstSeq: 4, Count: 2})
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "BUF", CaseNumber: 1, FirstSeq: 900, Count: 2, IsBuffer: true})

	// 箱2：少一个码
	m2 := testutil.SeedMaster(t, env.db, env.batch, "MC-0002", 2, 5)
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "Z", CaseNumber: 2, FirstSeq: 6, Count: 4})

	summary, err := env.svc.BulkMark.BulkMarkOrderPerfect(env.ctx, &BulkMarkRequest{OrderID: env.order.ID, UserID: "supervisor-1"})
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, "PO-1001", summary.OrderNo)
	assert.Equal(t, 1, summary.BatchesProcessed)
	assert.Equal(t, 2, summary.CasesProcessed)
	assert.Equal(t, 9, summary.TotalCodesLinked)
	assert.Equal(t, 9, summary.TotalCodesProcessed)
	assert.Equal(t, 1, summary.PackedCases)

	require.Len(t, summary.InconsistentCases, 1)
	issue := summary.InconsistentCases[0]
	assert.Equal(t, "MC-0002", issue.MasterCode)
	assert.Equal(t, ReasonCountMismatch, issue.Reason)
	assert.Equal(t, 5, issue.Expected)
	assert.Equal(t, 4, issue.Found)

	first := env.master(t, m1.ID)
	assert.Equal(t, 5, first.ActualUnitCount)
	assert.Equal(t, entity.CodeStatusPacked, first.Status)
	assertPackedIffFull(t, first)
	require.NotNil(t, first.WarehouseOrgID)
	assert.Equal(t, testutil.WarehouseOrg, *first.WarehouseOrgID)

	contents, err := env.repos.Code.FindUnitCodesByMaster(env.ctx, m1.ID)
	require.NoError(t, err)
	variants := map[string]int{}
	for _, u := range contents {
		variants[u.VariantID]++
		assert.False(t, u.IsBuffer)
	}
	assert.Equal(t, map[string]int{"variant-x": 3, "variant-y": 2}, variants)

	second := env.master(t, m2.ID)
	assert.Equal(t, 4, second.ActualUnitCount)
	assertPackedIffFull(t, second)
	assert.Equal(t, entity.BatchStatusInProduction, env.batchStatus(t))

	// 重跑不重复计数
	again, err := env.svc.BulkMark.BulkMarkOrderPerfect(env.ctx, &BulkMarkRequest{OrderID: env.order.ID})
	require.NoError(t, err)
	assert.Zero(t, again.TotalCodesLinked)
	assert.Equal(t, 5, env.master(t, m1.ID).ActualUnitCount)
	assert.Equal(t, 4, env.master(t, m2.ID).ActualUnitCount)
}

func TestBulkMarkOrderPerfect_PacksBatch(t *testing.T) {
	env := newTestEnv(t, 2)
	for i := 1; i <= 3; i++ {
		testutil.SeedMaster(t, env.db, env.batch, "MC-000"+string(rune('0'+i)), i, 2)
		testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "U" + string(rune('0'+i)), CaseNumber: i, FirstSeq: i*2 - 1, Count: 2})
	}

	summary, err := env.svc.BulkMark.BulkMarkOrderPerfect(env.ctx, &BulkMarkRequest{OrderID: env.order.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.PackedCases)
	assert.Empty(t, summary.InconsistentCases)
	assert.Equal(t, entity.BatchStatusPacked, env.batchStatus(t))
	assert.Len(t, env.events.cases, 3)
}

func TestBulkMarkOrderPerfect_ForeignLinks(t *testing.T) {
	env := newTestEnv(t, 3)
	other := testutil.SeedMaster(t, env.db, env.batch, "MC-0009", 9, 3, testutil.WithActual(1))
	m := testutil.SeedMaster(t, env.db, env.batch, "MC-0001", 1, 3)
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 1, Count: 2})
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 3, Count: 1, Status: entity.CodeStatusPacked, MasterID: &other.ID})

	summary, err := env.svc.BulkMark.BulkMarkOrderPerfect(env.ctx, &BulkMarkRequest{OrderID: env.order.ID})
	require.NoError(t, err)

	var foreign *InconsistentCase
	for i := range summary.InconsistentCases {
		if summary.InconsistentCases[i].Reason == ReasonLinkedToOtherMaster {
			foreign = &summary.InconsistentCases[i]
		}
	}
	require.NotNil(t, foreign)
	assert.Equal(t, "MC-0001", foreign.MasterCode)
	assert.Equal(t, []string{"U-0003"}, foreign.ForeignCodes)
	assert.Equal(t, 2, foreign.Linked)

	after := env.master(t, m.ID)
	assert.Equal(t, 2, after.ActualUnitCount)
	assertPackedIffFull(t, after)
}

func TestBulkMarkOrderPerfect_OrderChecks(t *testing.T) {
	env := newTestEnv(t, 3)

	_, err := env.svc.BulkMark.BulkMarkOrderPerfect(env.ctx, &BulkMarkRequest{OrderID: "missing"})
	requireAppError(t, err, KindNotFound, CodeNotFound)

	_, err = env.svc.BulkMark.BulkMarkOrderPerfect(env.ctx, &BulkMarkRequest{OrderID: env.order.ID, ManufacturerOrgID: "org-x"})
	requireAppError(t, err, KindPermission, CodePermission)
}

func TestBulkMarkOrderPerfect_ReportsShippedUnits(t *testing.T) {
	env := newTestEnv(t, 3)
	m := testutil.SeedMaster(t, env.db, env.batch, "MC-0001", 1, 3)
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 1, Count: 2})
	testutil.SeedUnits(t, env.db, env.batch, testutil.UnitSpec{Prefix: "S", CaseNumber: 1, FirstSeq: 3, Count: 1, Status: entity.CodeStatusShipped})

	summary, err := env.svc.BulkMark.BulkMarkOrderPerfect(env.ctx, &BulkMarkRequest{OrderID: env.order.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalCodesLinked)

	require.Len(t, summary.InconsistentCases, 1)
	issue := summary.InconsistentCases[0]
	assert.Equal(t, ReasonInvalidStatus, issue.Reason)
	assert.Equal(t, []string{"S-0003"}, issue.InvalidCodes)

	after := env.master(t, m.ID)
	assert.Equal(t, 2, after.ActualUnitCount)
	assert.NotEqual(t, entity.CodeStatusPacked, after.Status)

	units, err := env.repos.Code.FindUnitCodesByCode(env.ctx, []string{"S-0003"})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, entity.CodeStatusShipped, units[0].Status)
}
