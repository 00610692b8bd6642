// Package types defines core data types and error codes shared across the translation service.
package types

import "errors"

// Config 服务配置
type Config struct {
	OpenAIAPIKey  string `json:"openai_api_key"`
	OpenAIBaseURL string `json:"openai_base_url"` // OpenAI 兼容 API 的 Base URL
	OpenAIModel   string `json:"openai_model"`

	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`
	QPS        int    `json:"qps"` // 默认翻译速率限制（每秒请求数）

	DefaultLangIn       string `json:"default_lang_in"`
	DefaultLangOut      string `json:"default_lang_out"`
	WatermarkOutputMode string `json:"watermark_output_mode"` // watermarked, no_watermark, both
	NoDual              bool   `json:"no_dual"`
	NoMono              bool   `json:"no_mono"`

	WorkDirectory   string `json:"work_directory"`   // 任务临时目录的根目录，空值表示系统临时目录
	DatabaseURL     string `json:"database_url"`     // 空值使用内存存储
	TaskRetention   string `json:"task_retention"`   // Go duration，"0" 或空表示永久保留
	JanitorSchedule string `json:"janitor_schedule"` // cron 表达式
	PythonBin       string `json:"python_bin"`       // 空值使用 uv 管理的虚拟环境
	MaxUploadMB     int    `json:"max_upload_mb"`
	VerifyModel     bool   `json:"verify_model"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// WatermarkMode mirrors the engine's watermark output policy.
type WatermarkMode string

const (
	WatermarkWatermarked WatermarkMode = "watermarked"
	WatermarkNone        WatermarkMode = "no_watermark"
	WatermarkBoth        WatermarkMode = "both"
)

// ParseWatermarkMode validates a watermark mode string.
func ParseWatermarkMode(s string) (WatermarkMode, error) {
	switch WatermarkMode(s) {
	case WatermarkWatermarked, WatermarkNone, WatermarkBoth:
		return WatermarkMode(s), nil
	default:
		return "", NewAppErrorWithDetails(ErrValidation, "invalid watermark_output_mode", s, nil)
	}
}

// ErrorCode 错误代码枚举
type ErrorCode string

const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrNotReady          ErrorCode = "NOT_READY"
	ErrDuplicateTask     ErrorCode = "DUPLICATE_TASK"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrEngine            ErrorCode = "ENGINE_ERROR"
	ErrConfig            ErrorCode = "CONFIG_ERROR"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface for AppError
func (e *AppError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Unwrap returns the underlying cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches AppErrors by code so callers can write errors.Is(err, &AppError{Code: ErrNotFound}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewAppError creates a new AppError with the given code, message, and optional cause
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewAppErrorWithDetails creates a new AppError with details
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
