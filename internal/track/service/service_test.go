package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"github.com/bitfantasy/nimo-track/internal/track/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testTrackConfig = config.TrackConfig{
	LockTTL:          30 * time.Second,
	LockWait:         200 * time.Millisecond,
	BulkScanMaxItems: 100,
	ArchiveManifests: true,
}

type recordingPublisher struct {
	mu        sync.Mutex
	cases     []sse.CaseUpdate
	shipments []sse.ShipmentUpdate
}

func (p *recordingPublisher) PublishCaseUpdate(orgID string, update sse.CaseUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cases = append(p.cases, update)
}

func (p *recordingPublisher) PublishShipmentUpdate(update sse.ShipmentUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shipments = append(p.shipments, update)
}

type memoryArchiver struct {
	objects map[string][]byte
}

func (a *memoryArchiver) Archive(ctx context.Context, key string, data []byte) error {
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[key] = data
	return nil
}

type testEnv struct {
	db       *gorm.DB
	repos    *repository.Repositories
	svc      *Services
	events   *recordingPublisher
	archiver *memoryArchiver
	ctx      context.Context
	order    *entity.Order
	batch    *entity.Batch
}

// newTestEnv 一个订单（收货方为仓库）+ 一个批次
func newTestEnv(t *testing.T, unitsPerCase int) *testEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	svc := NewServices(repos, NewLocalLocker(testTrackConfig.LockWait), testTrackConfig, zap.NewNop())
	events := &recordingPublisher{}
	archiver := &memoryArchiver{}
	svc.SetEventPublisher(events)
	svc.SetManifestArchiver(archiver)

	order := testutil.SeedOrder(t, db, "PO-1001", testutil.ManufacturerOrg, testutil.WarehouseOrg)
	batch := testutil.SeedBatch(t, db, order.ID, unitsPerCase)
	return &testEnv{
		db:       db,
		repos:    repos,
		svc:      svc,
		events:   events,
		archiver: archiver,
		ctx:      context.Background(),
		order:    order,
		batch:    batch,
	}
}

func (e *testEnv) master(t *testing.T, id string) *entity.MasterCode {
	t.Helper()
	m, err := e.repos.Code.FindMasterCodeByID(e.ctx, id)
	require.NoError(t, err)
	return m
}

func (e *testEnv) batchStatus(t *testing.T) entity.BatchStatus {
	t.Helper()
	b, err := e.repos.Batch.FindByID(e.ctx, e.batch.ID)
	require.NoError(t, err)
	return b.Status
}

// assertPackedIffFull packed ⇔ actual >= expected
func assertPackedIffFull(t *testing.T, m *entity.MasterCode) {
	t.Helper()
	full := m.ActualUnitCount >= m.ExpectedUnitCount
	assert.Equalf(t, full, m.Status == entity.CodeStatusPacked,
		"master %s: actual=%d expected=%d status=%s", m.MasterCode, m.ActualUnitCount, m.ExpectedUnitCount, m.Status)
}

func requireAppError(t *testing.T, err error, kind ErrorKind, code string) *AppError {
	t.Helper()
	require.Error(t, err)
	appErr := AsAppError(err)
	assert.Equal(t, kind, appErr.Kind, appErr.Error())
	assert.Equal(t, code, appErr.Code, appErr.Error())
	return appErr
}

func TestErrorKindHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, KindValidation.HTTPStatus())
	assert.Equal(t, 400, KindConflict.HTTPStatus())
	assert.Equal(t, 404, KindNotFound.HTTPStatus())
	assert.Equal(t, 403, KindPermission.HTTPStatus())
	assert.Equal(t, 500, KindUpstream.HTTPStatus())
}

func TestAsAppError(t *testing.T) {
	plain := assert.AnError
	appErr := AsAppError(plain)
	assert.Equal(t, KindUpstream, appErr.Kind)
	assert.ErrorIs(t, appErr, plain)

	conflict := NewConflictError(CodeCaseFull, "full").WithDetails(map[string]int{"n": 1})
	assert.Same(t, conflict, AsAppError(conflict))
	assert.Same(t, conflict, upstream("op", conflict))
	assert.Nil(t, upstream("op", nil))
}
