package handler

import (
	"github.com/bitfantasy/nimo-track/internal/track/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ShipmentHandler 出库会话处理器
type ShipmentHandler struct {
	svc    *service.ShipmentService
	logger *zap.Logger
}

// NewShipmentHandler 创建出库会话处理器
func NewShipmentHandler(svc *service.ShipmentService, logger *zap.Logger) *ShipmentHandler {
	return &ShipmentHandler{svc: svc, logger: logger}
}

// Start 开始出库
// POST /api/v1/warehouse/start-shipment
func (h *ShipmentHandler) Start(c *gin.Context) {
	var req service.StartShipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	session, err := h.svc.StartShipment(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Success(c, session)
}

// Scan 出库扫描。重复/已出库返回200且success=false，码不存在404，其余拒绝400
// POST /api/v1/warehouse/scan-for-shipment
func (h *ShipmentHandler) Scan(c *gin.Context) {
	var req service.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	result, err := h.svc.ScanForShipment(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	switch result.Outcome {
	case service.OutcomeShipped, service.OutcomeDuplicate, service.OutcomeAlreadyShipped:
		Result(c, result.Success, result.Message, result)
	case service.OutcomeNotFound:
		Error(c, 40400, service.CodeNotFound, result.Message, result)
	case service.OutcomeWrongWarehouse:
		Error(c, 40000, service.CodeWrongWarehouse, result.Message, result)
	default:
		Error(c, 40000, service.CodeInvalidStatus, result.Message, result)
	}
}

// BulkScan 批量出库扫描，逐项返回结果
// POST /api/v1/warehouse/bulk-scan-for-shipment
func (h *ShipmentHandler) BulkScan(c *gin.Context) {
	var req service.BulkScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	result, err := h.svc.BulkScanForShipment(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Success(c, result)
}

// Complete 完成出库
// POST /api/v1/warehouse/complete-shipment
func (h *ShipmentHandler) Complete(c *gin.Context) {
	var req service.CompleteShipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	result, err := h.svc.CompleteShipment(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Result(c, true, result.Message, result)
}

// Get 查询出库会话
// GET /api/v1/warehouse/shipments/:id
func (h *ShipmentHandler) Get(c *gin.Context) {
	session, err := h.svc.GetShipment(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	if !canAccessOrg(c, session.WarehouseOrgID, session.DistributorOrgID) {
		Error(c, 40300, service.CodePermission, "shipment session belongs to another organization", nil)
		return
	}
	Success(c, session)
}

// List 出库会话列表，默认当前组织
// GET /api/v1/warehouse/shipments?warehouse_org_id=xxx&page=1&page_size=20
func (h *ShipmentHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	warehouseOrgID := c.DefaultQuery("warehouse_org_id", GetOrgID(c))
	if !canAccessOrg(c, warehouseOrgID) {
		Error(c, 40300, service.CodePermission, "cannot list shipments of another warehouse", nil)
		return
	}

	sessions, total, err := h.svc.ListShipments(c.Request.Context(), warehouseOrgID, page, pageSize)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Success(c, ListResponse{
		Items: sessions,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
		},
	})
}

// Manifest 下载出库清单
// GET /api/v1/warehouse/shipments/:id/manifest
func (h *ShipmentHandler) Manifest(c *gin.Context) {
	session, err := h.svc.GetShipment(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	if !canAccessOrg(c, session.WarehouseOrgID, session.DistributorOrgID) {
		Error(c, 40300, service.CodePermission, "shipment session belongs to another organization", nil)
		return
	}

	f, filename, err := h.svc.ExportManifest(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		h.logger.Error("write manifest", zap.String("session_id", c.Param("id")), zap.Error(err))
	}
}
