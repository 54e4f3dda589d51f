// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeRequestTooLarge  Code = "REQUEST_TOO_LARGE"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"

	// 事务协调
	CodeInvalidEvent       Code = "INVALID_EVENT"
	CodeDuplicateEvent     Code = "DUPLICATE_EVENT"
	CodeSagaNotFound       Code = "SAGA_NOT_FOUND"
	CodeNoCallback         Code = "NO_CALLBACK"
	CodeCompensationFailed Code = "COMPENSATION_FAILED"

	// 系统
	CodeSystemBusy      Code = "SYSTEM_BUSY"
	CodeMaintenanceMode Code = "MAINTENANCE_MODE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is 按错误码比较，便于 errors.Is 匹配预定义错误
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault 创建错误，message 为空时使用错误码默认文案
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessage(code)
	}
	return New(code, message)
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable,
		CodeNoCallback, CodeCompensationFailed:
		return true
	default:
		return false
	}
}

func defaultMessage(code Code) string {
	switch code {
	case CodeInvalidParam, CodeInvalidRequest:
		return "invalid request"
	case CodeRequestTooLarge:
		return "request body too large"
	case CodeNotFound, CodeSagaNotFound:
		return "not found"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodePermissionDenied:
		return "permission denied"
	case CodeUnavailable, CodeSystemBusy:
		return "service unavailable"
	default:
		return "internal server error"
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidEvent:
		return http.StatusBadRequest
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeSagaNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeDuplicateEvent:
		return http.StatusConflict
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeMaintenanceMode, CodeNoCallback:
		return http.StatusServiceUnavailable
	case CodeCompensationFailed:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrUnauthenticated  = New(CodeUnauthenticated, "unauthenticated")
	ErrPermissionDenied = New(CodePermissionDenied, "permission denied")
	ErrSystemBusy       = New(CodeSystemBusy, "system busy, please retry")
)
