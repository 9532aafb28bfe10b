// Package errors 定义应用层错误类型及其 HTTP 映射。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason 常量标识错误类别，出现在响应体与日志中。
const (
	ReasonNoAvailableAccount    = "NO_AVAILABLE_ACCOUNT"
	ReasonAuthError             = "UPSTREAM_AUTH_ERROR"
	ReasonRateLimit             = "UPSTREAM_RATE_LIMITED"
	ReasonRequestError          = "UPSTREAM_REQUEST_ERROR"
	ReasonImageGenerationFailed = "IMAGE_GENERATION_FAILED"
	ReasonBrowserFlow           = "BROWSER_FLOW_ERROR"
	ReasonVerificationTimeout   = "VERIFICATION_TIMEOUT"
	ReasonInvalidRequest        = "INVALID_REQUEST"
	ReasonUnauthorized          = "UNAUTHORIZED"
	ReasonNotFound              = "NOT_FOUND"
	ReasonInternal              = "INTERNAL"
)

// AppError 携带 HTTP 状态码、错误类别和人类可读信息。
type AppError struct {
	Code     int32
	Reason   string
	Message  string
	Metadata map[string]string
	cause    error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// WithCause 附加底层错误
func (e *AppError) WithCause(err error) *AppError {
	clone := *e
	clone.cause = err
	return &clone
}

// WithMetadata 附加结构化上下文
func (e *AppError) WithMetadata(md map[string]string) *AppError {
	clone := *e
	clone.Metadata = md
	return &clone
}

// New 构造一个 AppError。
func New(code int32, reason, format string, args ...any) *AppError {
	return &AppError{
		Code:    code,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// FromError 提取 AppError；非 AppError 归为 500/INTERNAL。
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Code:    http.StatusInternalServerError,
		Reason:  ReasonInternal,
		Message: err.Error(),
		cause:   err,
	}
}

// IsReason 判断错误是否属于指定类别。
func IsReason(err error, reason string) bool {
	appErr := FromError(err)
	return appErr != nil && appErr.Reason == reason
}

// NoAvailableAccount 账号池无可用账号。
func NoAvailableAccount(format string, args ...any) *AppError {
	return New(http.StatusServiceUnavailable, ReasonNoAvailableAccount, format, args...)
}

// AuthError 上游认证失败（凭证过期或无效）。
func AuthError(format string, args ...any) *AppError {
	return New(http.StatusBadGateway, ReasonAuthError, format, args...)
}

// RateLimitError 上游触发限额。
func RateLimitError(format string, args ...any) *AppError {
	return New(http.StatusTooManyRequests, ReasonRateLimit, format, args...)
}

// RequestError 上游请求失败（网络或非 2xx）。
func RequestError(format string, args ...any) *AppError {
	return New(http.StatusBadGateway, ReasonRequestError, format, args...)
}

// ImageGenerationFailed 图片模型返回了拒绝文案而非图片。
func ImageGenerationFailed(format string, args ...any) *AppError {
	return New(http.StatusBadGateway, ReasonImageGenerationFailed, format, args...)
}

// BrowserFlowError 浏览器自动化流程失败。
func BrowserFlowError(format string, args ...any) *AppError {
	return New(http.StatusInternalServerError, ReasonBrowserFlow, format, args...)
}

// VerificationTimeout 等待邮箱验证码超时。
func VerificationTimeout(format string, args ...any) *AppError {
	return New(http.StatusGatewayTimeout, ReasonVerificationTimeout, format, args...)
}

// InvalidRequest 客户端请求不合法。
func InvalidRequest(format string, args ...any) *AppError {
	return New(http.StatusBadRequest, ReasonInvalidRequest, format, args...)
}

// Unauthorized 缺少或无效的 API Key。
func Unauthorized(format string, args ...any) *AppError {
	return New(http.StatusUnauthorized, ReasonUnauthorized, format, args...)
}

// NotFound 资源不存在。
func NotFound(format string, args ...any) *AppError {
	return New(http.StatusNotFound, ReasonNotFound, format, args...)
}
