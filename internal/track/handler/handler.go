package handler

import (
	"net/http"
	"strconv"

	"github.com/bitfantasy/nimo-track/internal/middleware"
	"github.com/bitfantasy/nimo-track/internal/track/service"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Permissions
const (
	PermCaseLink       = "case:link"
	PermShipmentManage = "shipment:manage"
)

// Handlers 处理器集合
type Handlers struct {
	Case     *CaseHandler
	Shipment *ShipmentHandler
	SSE      *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, hub *sse.Hub, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		Case:     NewCaseHandler(svc.CaseLink, svc.BulkMark, logger),
		Shipment: NewShipmentHandler(svc.Shipment, logger),
		SSE:      NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册 /api/v1 下的业务路由，api 组需已挂载JWT认证
func RegisterRoutes(api *gin.RouterGroup, h *Handlers) {
	cases := api.Group("", middleware.RequirePermission(PermCaseLink))
	{
		cases.POST("/link-to-master", h.Case.LinkToMaster)
		cases.POST("/link-from-queue", h.Case.LinkFromQueue)
		cases.POST("/mark-case-perfect", h.Case.MarkCasePerfect)
		cases.POST("/bulk-mark-all-perfect", h.Case.BulkMarkAllPerfect)
	}
	api.GET("/master-codes/lookup", h.Case.Lookup)

	warehouse := api.Group("/warehouse", middleware.RequirePermission(PermShipmentManage))
	{
		warehouse.POST("/start-shipment", h.Shipment.Start)
		warehouse.POST("/scan-for-shipment", h.Shipment.Scan)
		warehouse.POST("/bulk-scan-for-shipment", h.Shipment.BulkScan)
		warehouse.POST("/complete-shipment", h.Shipment.Complete)
		warehouse.GET("/shipments", h.Shipment.List)
		warehouse.GET("/shipments/:id", h.Shipment.Get)
		warehouse.GET("/shipments/:id/manifest", h.Shipment.Manifest)
	}

	if h.SSE != nil {
		api.GET("/sse/events", h.SSE.Stream)
	}
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Code    int         `json:"code"`
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ListResponse 列表响应结构
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	Result(c, true, "success", data)
}

// Result 200响应，success 由业务结果决定（如重复扫描）
func Result(c *gin.Context, success bool, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Success: success,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应，HTTP状态码取 code/100
func Error(c *gin.Context, code int, errCode, message string, details interface{}) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = http.StatusInternalServerError
	}
	c.JSON(statusCode, ErrorResponse{
		Code:    code,
		Error:   errCode,
		Message: message,
		Details: details,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, service.CodeValidation, message, nil)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, service.CodeNotFound, message, nil)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, service.CodeInternal, message, nil)
}

// RespondError 业务错误转换为HTTP响应；下游错误记录日志，只返回通用信息
func RespondError(c *gin.Context, logger *zap.Logger, err error) {
	appErr := service.AsAppError(err)
	_ = c.Error(err)

	switch appErr.Kind {
	case service.KindValidation:
		Error(c, 40000, appErr.Code, appErr.Message, appErr.Details)
	case service.KindConflict:
		Error(c, 40001, appErr.Code, appErr.Message, appErr.Details)
	case service.KindPermission:
		Error(c, 40300, appErr.Code, appErr.Message, appErr.Details)
	case service.KindNotFound:
		Error(c, 40400, appErr.Code, appErr.Message, appErr.Details)
	default:
		logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(middleware.KeyRequestID)),
			zap.Error(err))
		InternalError(c, "internal server error")
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	return c.GetString(middleware.KeyUserID)
}

// GetOrgID 从上下文获取组织ID
func GetOrgID(c *gin.Context) string {
	return c.GetString(middleware.KeyOrgID)
}

// canAccessOrg token所属组织或拥有全部权限
func canAccessOrg(c *gin.Context, orgIDs ...string) bool {
	if perms, ok := c.Get(middleware.KeyPermissions); ok {
		if list, ok := perms.([]string); ok {
			for _, p := range list {
				if p == "*" {
					return true
				}
			}
		}
	}
	own := GetOrgID(c)
	for _, id := range orgIDs {
		if id != "" && id == own {
			return true
		}
	}
	return false
}

// userOr 请求未带 user_id 时使用token中的用户
func userOr(c *gin.Context, userID string) string {
	if userID != "" {
		return userID
	}
	return GetUserID(c)
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}
