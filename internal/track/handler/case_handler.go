package handler

import (
	"github.com/bitfantasy/nimo-track/internal/track/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CaseHandler 装箱处理器
type CaseHandler struct {
	svc    *service.CaseLinkService
	bulk   *service.BulkMarkService
	logger *zap.Logger
}

// NewCaseHandler 创建装箱处理器
func NewCaseHandler(svc *service.CaseLinkService, bulk *service.BulkMarkService, logger *zap.Logger) *CaseHandler {
	return &CaseHandler{svc: svc, bulk: bulk, logger: logger}
}

// LinkToMaster 单品码装箱
// POST /api/v1/link-to-master
func (h *CaseHandler) LinkToMaster(c *gin.Context) {
	var req service.LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	result, err := h.svc.LinkCodesToMaster(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Result(c, true, result.ProcessingNote, result)
}

// LinkFromQueue 从预备队列装箱
// POST /api/v1/link-from-queue
func (h *CaseHandler) LinkFromQueue(c *gin.Context) {
	var req service.QueueLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	result, err := h.svc.LinkFromQueue(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Result(c, true, result.ProcessingNote, result)
}

// MarkCasePerfect 整箱一键装箱
// POST /api/v1/mark-case-perfect
func (h *CaseHandler) MarkCasePerfect(c *gin.Context) {
	var req service.MarkPerfectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	result, err := h.svc.MarkCasePerfect(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Result(c, true, result.Message, result)
}

// BulkMarkAllPerfect 订单整单装箱
// POST /api/v1/bulk-mark-all-perfect
func (h *CaseHandler) BulkMarkAllPerfect(c *gin.Context) {
	var req service.BulkMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	req.UserID = userOr(c, req.UserID)

	summary, err := h.bulk.BulkMarkOrderPerfect(c.Request.Context(), &req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Success(c, summary)
}

// Lookup 查询箱码
// GET /api/v1/master-codes/lookup?code=xxx
func (h *CaseHandler) Lookup(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		BadRequest(c, "code is required")
		return
	}
	result, err := h.svc.LookupMasterCode(c.Request.Context(), code)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	Success(c, result)
}
