package service

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind 错误类别
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindNotFound
	KindPermission
	KindConflict
	KindUpstream
)

// HTTPStatus 类别对应的HTTP状态码
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error codes surfaced to callers
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodePermission      = "PERMISSION_DENIED"
	CodeCaseFull        = "CASE_FULL"
	CodeNothingLinkable = "NOTHING_LINKABLE"
	CodeWrongOrder      = "WRONG_ORDER"
	CodeCountMismatch   = "CASE_COUNT_MISMATCH"
	CodeConflictingLink = "CONFLICTING_MASTER_LINK"
	CodeManuallyScanned = "ALREADY_SCANNED_BY_WORKER"
	CodeSessionClosed   = "SESSION_CLOSED"
	CodeWrongWarehouse  = "WRONG_WAREHOUSE"
	CodeInvalidStatus   = "INVALID_STATUS"
	CodeInvalidTransit  = "INVALID_TRANSITION"
	CodeBusy            = "RESOURCE_BUSY"
	CodeInternal        = "INTERNAL_ERROR"
)

// AppError 业务错误
type AppError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails 附加结构化明细
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// NewValidationError 参数错误
func NewValidationError(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError 资源不存在
func NewNotFoundError(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewPermissionError 无权限
func NewPermissionError(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindPermission, Code: CodePermission, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError 业务冲突
func NewConflictError(code, format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewUpstreamError 存储等下游失败
func NewUpstreamError(op string, err error) *AppError {
	return &AppError{Kind: KindUpstream, Code: CodeInternal, Message: op, Err: err}
}

// AsAppError 提取AppError，非业务错误按下游错误处理
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewUpstreamError("internal error", err)
}
