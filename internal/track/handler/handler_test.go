package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/service"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"github.com/bitfantasy/nimo-track/internal/track/testutil"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type trackTestEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	Batch  *entity.Batch
	Order  *entity.Order
}

func setupTrackTest(t *testing.T, unitsPerCase int) *trackTestEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	router := testutil.SetupRouter()

	repos := repository.NewRepositories(db)
	cfg := config.TrackConfig{LockTTL: 30 * time.Second, LockWait: 200 * time.Millisecond, BulkScanMaxItems: 50}
	svc := service.NewServices(repos, service.NewLocalLocker(cfg.LockWait), cfg, nil)

	api := testutil.AuthGroup(router, "/api/v1")
	RegisterRoutes(api, NewHandlers(svc, nil, nil))

	order := testutil.SeedOrder(t, db, "PO-1001", testutil.ManufacturerOrg, testutil.WarehouseOrg)
	batch := testutil.SeedBatch(t, db, order.ID, unitsPerCase)
	return &trackTestEnv{DB: db, Router: router, Batch: batch, Order: order}
}

// seedStock 仓库中一个已满箱
func (env *trackTestEnv) seedStock(t *testing.T, code string, caseNumber, units int, warehouse string) {
	t.Helper()
	m := testutil.SeedMaster(t, env.DB, env.Batch, code, caseNumber, units,
		testutil.WithStatus(entity.CodeStatusPacked),
		testutil.WithWarehouse(warehouse),
		testutil.WithActual(units))
	testutil.SeedUnits(t, env.DB, env.Batch, testutil.UnitSpec{
		Prefix:     code + "-U",
		CaseNumber: caseNumber,
		FirstSeq:   (caseNumber-1)*units + 1,
		Count:      units,
		Status:     entity.CodeStatusPacked,
		MasterID:   &m.ID,
	})
}

func TestLinkToMasterPartialThenRest(t *testing.T) {
	env := setupTrackTest(t, 2)
	token := testutil.DefaultTestToken()
	testutil.SeedMaster(t, env.DB, env.Batch, "MC-0001", 1, 2)
	testutil.SeedUnits(t, env.DB, env.Batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 1, Count: 2})

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/link-to-master", map[string]interface{}{
		"master_code":  "MC-0001",
		"unique_codes": []string{"U-0001"},
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := testutil.ParseResponse(w)["data"].(map[string]interface{})
	if data["linked_count"] != float64(1) {
		t.Errorf("Expected linked_count 1, got %v", data["linked_count"])
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/link-to-master", map[string]interface{}{
		"master_code":  "MC-0001",
		"unique_codes": []string{"U-0001", "U-0002"},
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data = testutil.ParseResponse(w)["data"].(map[string]interface{})
	if data["linked_count"] != float64(1) {
		t.Errorf("Expected linked_count 1, got %v", data["linked_count"])
	}
	if data["already_linked_count"] != float64(1) {
		t.Errorf("Expected already_linked_count 1, got %v", data["already_linked_count"])
	}
	info := data["master_code_info"].(map[string]interface{})
	if info["status"] != string(entity.CodeStatusPacked) {
		t.Errorf("Expected packed master, got %v", info["status"])
	}

	// 满箱后再装
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/link-to-master", map[string]interface{}{
		"master_code":  "MC-0001",
		"unique_codes": []string{"U-0002"},
	}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for full case, got %d: %s", w.Code, w.Body.String())
	}
	if resp := testutil.ParseResponse(w); resp["error"] != service.CodeCaseFull {
		t.Errorf("Expected %s, got %v", service.CodeCaseFull, resp["error"])
	}
}

func TestLinkToMasterValidation(t *testing.T) {
	env := setupTrackTest(t, 2)
	token := testutil.DefaultTestToken()

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/link-to-master", map[string]interface{}{
		"unique_codes": []string{"U-0001"},
	}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/link-to-master", map[string]interface{}{
		"master_code":  "MC-MISSING",
		"unique_codes": []string{"U-0001"},
	}, token)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRoutesRequireAuthAndPermission(t *testing.T) {
	env := setupTrackTest(t, 2)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/link-to-master", map[string]interface{}{}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}

	warehouseOnly := testutil.GenerateTestToken("wh-user", testutil.WarehouseOrg, []string{PermShipmentManage})
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/link-to-master", map[string]interface{}{
		"master_code":  "MC-0001",
		"unique_codes": []string{"U-0001"},
	}, warehouseOnly)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	packer := testutil.GenerateTestToken("packer", testutil.ManufacturerOrg, []string{PermCaseLink})
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/start-shipment", map[string]interface{}{
		"warehouse_org_id":   testutil.WarehouseOrg,
		"distributor_org_id": testutil.DistributorOrg,
	}, packer)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMarkCasePerfectCountMismatch(t *testing.T) {
	env := setupTrackTest(t, 3)
	token := testutil.DefaultTestToken()
	testutil.SeedMaster(t, env.DB, env.Batch, "MC-0001", 1, 3)
	testutil.SeedUnits(t, env.DB, env.Batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 1, Count: 2})

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/mark-case-perfect", map[string]interface{}{
		"master_code": "MC-0001",
	}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	if resp["error"] != service.CodeCountMismatch {
		t.Errorf("Expected %s, got %v", service.CodeCountMismatch, resp["error"])
	}
	details := resp["details"].(map[string]interface{})
	if details["found_unit_count"] != float64(2) {
		t.Errorf("Expected found 2, got %v", details["found_unit_count"])
	}
}

func TestBulkMarkAllPerfectHTTP(t *testing.T) {
	env := setupTrackTest(t, 2)
	token := testutil.DefaultTestToken()
	testutil.SeedMaster(t, env.DB, env.Batch, "MC-0001", 1, 2)
	testutil.SeedUnits(t, env.DB, env.Batch, testutil.UnitSpec{Prefix: "U", CaseNumber: 1, FirstSeq: 1, Count: 2})

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/bulk-mark-all-perfect", map[string]interface{}{
		"order_id": env.Order.ID,
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := testutil.ParseResponse(w)["data"].(map[string]interface{})
	if data["total_codes_linked"] != float64(2) {
		t.Errorf("Expected 2 linked, got %v", data["total_codes_linked"])
	}
}

func TestMasterCodeLookup(t *testing.T) {
	env := setupTrackTest(t, 2)
	token := testutil.DefaultTestToken()
	testutil.SeedMaster(t, env.DB, env.Batch, "MC-0001-7f3a9c", 1, 2)

	w := testutil.DoRequest(env.Router, "GET", "/api/v1/master-codes/lookup?code=MC-0001", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := testutil.ParseResponse(w)["data"].(map[string]interface{})
	info := data["master_code_info"].(map[string]interface{})
	if info["master_code"] != "MC-0001-7f3a9c" {
		t.Errorf("Expected suffixed code, got %v", info["master_code"])
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/master-codes/lookup", nil, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	w = testutil.DoRequest(env.Router, "GET", "/api/v1/master-codes/lookup?code=MC-NONE", nil, token)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

func TestShipmentFlowHTTP(t *testing.T) {
	env := setupTrackTest(t, 2)
	token := testutil.GenerateTestToken("wh-user", testutil.WarehouseOrg, []string{PermShipmentManage})
	env.seedStock(t, "MC-0001", 1, 2, testutil.WarehouseOrg)
	env.seedStock(t, "MC-0002", 2, 2, "org-other-warehouse")

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/start-shipment", map[string]interface{}{
		"warehouse_org_id":   testutil.WarehouseOrg,
		"distributor_org_id": testutil.DistributorOrg,
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	session := testutil.ParseResponse(w)["data"].(map[string]interface{})
	sessionID := session["id"].(string)
	if session["created_by"] != "wh-user" {
		t.Errorf("Expected created_by from token, got %v", session["created_by"])
	}

	scan := func(code, codeType string) (*httptest.ResponseRecorder, map[string]interface{}) {
		w := testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/scan-for-shipment", map[string]interface{}{
			"session_id": sessionID,
			"code":       code,
			"code_type":  codeType,
		}, token)
		return w, testutil.ParseResponse(w)
	}

	res, resp := scan("MC-0001", "master")
	if res.Code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected shipped, got %d: %s", res.Code, res.Body.String())
	}

	res, resp = scan("MC-0001", "master")
	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200 for duplicate, got %d: %s", res.Code, res.Body.String())
	}
	if resp["success"] != false {
		t.Errorf("Expected success=false for duplicate")
	}
	if data := resp["data"].(map[string]interface{}); data["outcome"] != service.OutcomeDuplicate {
		t.Errorf("Expected duplicate outcome, got %v", data["outcome"])
	}

	res, _ = scan("NOPE-0001", "unique")
	if res.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", res.Code, res.Body.String())
	}

	res, resp = scan("MC-0002", "master")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", res.Code, res.Body.String())
	}
	if resp["error"] != service.CodeWrongWarehouse {
		t.Errorf("Expected %s, got %v", service.CodeWrongWarehouse, resp["error"])
	}

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/complete-shipment", map[string]interface{}{
		"session_id": sessionID,
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	done := testutil.ParseResponse(w)["data"].(map[string]interface{})
	if done["closed"] != true || done["validation_status"] != string(entity.ShipmentStatusMatched) {
		t.Errorf("Expected matched and closed, got %v / %v", done["validation_status"], done["closed"])
	}

	// 已关闭
	res, resp = scan("MC-0001", "master")
	if res.Code != http.StatusBadRequest || resp["error"] != service.CodeSessionClosed {
		t.Fatalf("Expected SESSION_CLOSED, got %d: %s", res.Code, res.Body.String())
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/warehouse/shipments/"+sessionID+"/manifest", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "Shipment_"+sessionID+".xlsx") {
		t.Errorf("Unexpected Content-Disposition %q", cd)
	}
	if w.Body.Len() == 0 {
		t.Error("Expected xlsx body")
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/warehouse/shipments?page_size=10", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	list := testutil.ParseResponse(w)["data"].(map[string]interface{})
	pagination := list["pagination"].(map[string]interface{})
	if pagination["total"] != float64(1) || pagination["page_size"] != float64(10) {
		t.Errorf("Unexpected pagination %v", pagination)
	}

	w = testutil.DoRequest(env.Router, "GET", "/api/v1/warehouse/shipments/missing", nil, token)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

func TestShipmentReadsScopedToOrg(t *testing.T) {
	env := setupTrackTest(t, 2)
	token := testutil.GenerateTestToken("wh-user", testutil.WarehouseOrg, []string{PermShipmentManage})
	env.seedStock(t, "MC-0001", 1, 2, testutil.WarehouseOrg)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/start-shipment", map[string]interface{}{
		"warehouse_org_id":   testutil.WarehouseOrg,
		"distributor_org_id": testutil.DistributorOrg,
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sessionID := testutil.ParseResponse(w)["data"].(map[string]interface{})["id"].(string)

	outsider := testutil.GenerateTestToken("other-user", "org-other-warehouse", []string{PermShipmentManage})
	for _, path := range []string{
		"/api/v1/warehouse/shipments/" + sessionID,
		"/api/v1/warehouse/shipments/" + sessionID + "/manifest",
		"/api/v1/warehouse/shipments?warehouse_org_id=" + testutil.WarehouseOrg,
	} {
		w = testutil.DoRequest(env.Router, "GET", path, nil, outsider)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d: %s", path, w.Code, w.Body.String())
		}
	}

	// 收货方与管理员可读
	distributor := testutil.GenerateTestToken("dist-user", testutil.DistributorOrg, []string{PermShipmentManage})
	w = testutil.DoRequest(env.Router, "GET", "/api/v1/warehouse/shipments/"+sessionID, nil, distributor)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for distributor, got %d: %s", w.Code, w.Body.String())
	}
	w = testutil.DoRequest(env.Router, "GET", "/api/v1/warehouse/shipments?warehouse_org_id="+testutil.WarehouseOrg, nil, testutil.DefaultTestToken())
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for admin, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBulkScanHTTP(t *testing.T) {
	env := setupTrackTest(t, 2)
	token := testutil.GenerateTestToken("wh-user", testutil.WarehouseOrg, []string{PermShipmentManage})
	env.seedStock(t, "MC-0001", 1, 2, testutil.WarehouseOrg)

	w := testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/start-shipment", map[string]interface{}{
		"warehouse_org_id":   testutil.WarehouseOrg,
		"distributor_org_id": testutil.DistributorOrg,
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sessionID := testutil.ParseResponse(w)["data"].(map[string]interface{})["id"].(string)

	w = testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/bulk-scan-for-shipment", map[string]interface{}{
		"session_id": sessionID,
		"items": []map[string]string{
			{"code": "MC-0001-U-0001", "code_type": "unique"},
			{"code": "MC-0001-U-0002", "code_type": "unique"},
			{"code": "MC-0001-U-0002", "code_type": "unique"},
		},
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := testutil.ParseResponse(w)["data"].(map[string]interface{})
	if data["shipped"] != float64(2) || data["failed"] != float64(1) {
		t.Errorf("Expected 2 shipped / 1 failed, got %v / %v", data["shipped"], data["failed"])
	}

	items := make([]map[string]string, 51)
	for i := range items {
		items[i] = map[string]string{"code": "X"}
	}
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/warehouse/bulk-scan-for-shipment", map[string]interface{}{
		"session_id": sessionID,
		"items":      items,
	}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 over the item limit, got %d", w.Code)
	}
}

func TestSSEStreamFiltersBySession(t *testing.T) {
	hub := sse.NewHub(nil)
	router := testutil.SetupRouter()
	api := testutil.AuthGroup(router, "/api/v1")
	RegisterRoutes(api, &Handlers{SSE: NewSSEHandler(hub)})

	token := testutil.GenerateTestToken("wh-user", testutil.WarehouseOrg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/v1/sse/events?session_id=s-1&token="+token, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("Expected 1 client, got %d", hub.ClientCount())
	}

	hub.PublishShipmentUpdate(sse.ShipmentUpdate{SessionID: "s-2", WarehouseOrgID: testutil.WarehouseOrg, Action: "other"})
	hub.PublishShipmentUpdate(sse.ShipmentUpdate{SessionID: "s-1", WarehouseOrgID: testutil.WarehouseOrg, Action: "scanned"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("Missing connected event: %s", body)
	}
	if !strings.Contains(body, `"action":"scanned"`) {
		t.Errorf("Missing session event: %s", body)
	}
	if strings.Contains(body, `"action":"other"`) {
		t.Errorf("Event for another session leaked: %s", body)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected client to be unregistered")
	}
}
