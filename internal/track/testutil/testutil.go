package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-track/internal/middleware"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	JWTSecret = "nimo-track-test-secret"

	ManufacturerOrg = "org-manufacturer"
	WarehouseOrg    = "org-warehouse"
	DistributorOrg  = "org-distributor"
)

// SetupTestDB 每个测试独立的内存sqlite库
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:track_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	// 单连接：事务内外共用同一内存库，避免sqlite写锁
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&entity.Order{},
		&entity.Batch{},
		&entity.MasterCode{},
		&entity.UnitCode{},
		&entity.PreparedCode{},
		&entity.Movement{},
		&entity.ShipmentSession{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken creates a valid JWT token for testing
func GenerateTestToken(userID, orgID string, permissions []string) string {
	if permissions == nil {
		permissions = []string{}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"uid":   userID,
		"name":  "Test " + userID,
		"org":   orgID,
		"roles": []string{},
		"perms": permissions,
		"iss":   "nimo-track",
		"iat":   now.Unix(),
		"exp":   now.Add(24 * time.Hour).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DefaultTestToken returns a token with every permission
func DefaultTestToken() string {
	return GenerateTestToken("test-user-001", "", []string{"*"})
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// SeedOrder 创建订单，buyer 为空时不设置
func SeedOrder(t *testing.T, db *gorm.DB, orderNo, sellerOrgID, buyerOrgID string) *entity.Order {
	t.Helper()
	order := &entity.Order{
		ID:          uuid.New().String(),
		OrderNo:     orderNo,
		SellerOrgID: sellerOrgID,
		Status:      "confirmed",
	}
	if buyerOrgID != "" {
		order.BuyerOrgID = &buyerOrgID
	}
	if err := repository.NewBatchRepository(db).CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("Failed to seed order: %v", err)
	}
	return order
}

// SeedBatch 创建批次
func SeedBatch(t *testing.T, db *gorm.DB, orderID string, unitsPerCase int) *entity.Batch {
	t.Helper()
	batch := &entity.Batch{
		ID:           uuid.New().String(),
		OrderID:      orderID,
		BatchCode:    "B-" + uuid.New().String()[:8],
		UnitsPerCase: unitsPerCase,
		Status:       entity.BatchStatusGenerated,
	}
	if err := repository.NewBatchRepository(db).Create(context.Background(), batch); err != nil {
		t.Fatalf("Failed to seed batch: %v", err)
	}
	return batch
}

// MasterOption 调整箱码种子数据
type MasterOption func(*entity.MasterCode)

// WithWarehouse 设置所在仓库
func WithWarehouse(orgID string) MasterOption {
	return func(m *entity.MasterCode) { m.WarehouseOrgID = &orgID }
}

// WithStatus 设置箱码状态
func WithStatus(status entity.CodeStatus) MasterOption {
	return func(m *entity.MasterCode) { m.Status = status }
}

// WithActual 设置已装数量
func WithActual(n int) MasterOption {
	return func(m *entity.MasterCode) { m.ActualUnitCount = n }
}

// SeedMaster 创建箱码
func SeedMaster(t *testing.T, db *gorm.DB, batch *entity.Batch, code string, caseNumber, expected int, opts ...MasterOption) *entity.MasterCode {
	t.Helper()
	master := &entity.MasterCode{
		ID:                uuid.New().String(),
		MasterCode:        code,
		BatchID:           batch.ID,
		OrderID:           batch.OrderID,
		CaseNumber:        caseNumber,
		ExpectedUnitCount: expected,
		Status:            entity.CodeStatusPrinted,
		ManufacturerOrgID: ManufacturerOrg,
	}
	for _, opt := range opts {
		opt(master)
	}
	if err := repository.NewCodeRepository(db).CreateMasterCode(context.Background(), master); err != nil {
		t.Fatalf("Failed to seed master code: %v", err)
	}
	return master
}

// UnitSpec 单品码种子参数
type UnitSpec struct {
	Prefix     string
	VariantID  string
	CaseNumber int
	FirstSeq   int
	Count      int
	Status     entity.CodeStatus
	MasterID   *string
	LocationID *string
	IsBuffer   bool
}

// SeedUnits 按序号创建单品码，码值为 Prefix-序号
func SeedUnits(t *testing.T, db *gorm.DB, batch *entity.Batch, spec UnitSpec) []*entity.UnitCode {
	t.Helper()
	status := spec.Status
	if status == "" {
		status = entity.CodeStatusPrinted
	}
	variantID := spec.VariantID
	if variantID == "" {
		variantID = "variant-a"
	}

	units := make([]*entity.UnitCode, 0, spec.Count)
	for i := 0; i < spec.Count; i++ {
		seq := spec.FirstSeq + i
		units = append(units, &entity.UnitCode{
			ID:                   uuid.New().String(),
			Code:                 fmt.Sprintf("%s-%04d", spec.Prefix, seq),
			ProductID:            "product-1",
			VariantID:            variantID,
			SequenceNumber:       seq,
			BatchID:              batch.ID,
			OrderID:              batch.OrderID,
			CaseNumber:           spec.CaseNumber,
			MasterCodeID:         spec.MasterID,
			Status:               status,
			IsBuffer:             spec.IsBuffer,
			CurrentLocationOrgID: spec.LocationID,
		})
	}
	if err := repository.NewCodeRepository(db).CreateUnitCodes(context.Background(), units); err != nil {
		t.Fatalf("Failed to seed unit codes: %v", err)
	}
	return units
}

// Codes 取码值
func Codes(units []*entity.UnitCode) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.Code)
	}
	return out
}

// SeedPrepared 创建预备队列，序号与单品码一致
func SeedPrepared(t *testing.T, db *gorm.DB, batch *entity.Batch, units []*entity.UnitCode) []*entity.PreparedCode {
	t.Helper()
	prepared := make([]*entity.PreparedCode, 0, len(units))
	for _, u := range units {
		prepared = append(prepared, &entity.PreparedCode{
			ID:             uuid.New().String(),
			Code:           u.Code,
			SequenceNumber: u.SequenceNumber,
			BatchID:        batch.ID,
			OrderID:        batch.OrderID,
			Status:         entity.PreparedStatusPrepared,
		})
	}
	if err := repository.NewPreparedCodeRepository(db).CreateBatch(context.Background(), prepared); err != nil {
		t.Fatalf("Failed to seed prepared codes: %v", err)
	}
	return prepared
}

// SeedSession 直接写入出库会话
func SeedSession(t *testing.T, db *gorm.DB, status entity.ShipmentStatus, expected entity.ExpectedSummary) *entity.ShipmentSession {
	t.Helper()
	session := &entity.ShipmentSession{
		ID:                 uuid.New().String(),
		WarehouseOrgID:     WarehouseOrg,
		DistributorOrgID:   DistributorOrg,
		ValidationStatus:   status,
		ExpectedSummary:    datatypes.NewJSONType(expected),
		ScannedSummary:     datatypes.NewJSONType(entity.ScannedSummary{Variants: map[string]entity.VariantCount{}}),
		DiscrepancyDetails: datatypes.NewJSONType(entity.DiscrepancyDetails{}),
		MasterCodesScanned: datatypes.NewJSONType([]string{}),
		UniqueCodesScanned: datatypes.NewJSONType([]string{}),
		CreatedBy:          "test-user-001",
	}
	if err := repository.NewShipmentRepository(db).Create(context.Background(), session); err != nil {
		t.Fatalf("Failed to seed shipment session: %v", err)
	}
	return session
}

// Reload 重新读取记录
func Reload(t *testing.T, db *gorm.DB, dest interface{}, id string) {
	t.Helper()
	if err := db.First(dest, "id = ?", id).Error; err != nil {
		t.Fatalf("Failed to reload %T %s: %v", dest, id, err)
	}
}
