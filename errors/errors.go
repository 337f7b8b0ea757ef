// Package errors 提供带错误代码的应用错误
//
// 基础设施层（检查点存储、证据账本、消息镜像）统一返回 AppError，调用方通过
// IsErrorCode 判断类别，同时 errors.Is/As 仍可穿透到原始错误。
// 事务编排本身的失败使用 saga.SagaError，不在这里定义。
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"

	// 输入与配置
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodePolicy     ErrorCode = "POLICY_ERROR"
	ErrCodeConfig     ErrorCode = "CONFIG_ERROR"

	// 后端：SQL 账本、文件检查点、Redis 检查点、JetStream 镜像
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
	ErrCodeCache    ErrorCode = "CACHE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// IError 错误接口
type IError interface {
	error

	Code() ErrorCode

	// Details 附加的结构化信息，例如 schema 校验的违规列表
	Details() map[string]any

	// Stack 创建时的调用栈
	Stack() string

	// WithContext 返回附加了一项详情的副本
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{code: code, message: message, stack: captureStack()}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{code: code, message: message, cause: err, stack: captureStack()}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }
func (e *AppError) Stack() string   { return e.stack }
func (e *AppError) Unwrap() error   { return e.cause }

func (e *AppError) Details() map[string]any {
	if e.details == nil {
		return map[string]any{}
	}
	return e.details
}

// Is 同代码的 AppError 视为相等，否则继续比较 cause
func (e *AppError) Is(target error) bool {
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	return false
}

// WithContext 添加详情，返回副本
func (e *AppError) WithContext(key string, value any) IError {
	details := make(map[string]any, len(e.details)+1)
	for k, v := range e.details {
		details[k] = v
	}
	details[key] = value

	c := *e
	c.details = details
	return &c
}

// 预定义错误，配合 errors.Is 按代码匹配
var (
	ErrNotFound = NewError(ErrCodeNotFound, "资源未找到")
	ErrConfig   = NewError(ErrCodeConfig, "配置错误")
	ErrDatabase = NewError(ErrCodeDatabase, "数据库错误")
	ErrStorage  = NewError(ErrCodeStorage, "存储错误")
	ErrCache    = NewError(ErrCodeCache, "缓存错误")
)

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsValidation 检查是否为验证错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsErrorCode 检查错误链上最外层 AppError 的代码
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}
	return false
}

// GetErrorCode 获取错误代码，非 AppError 返回 ErrCodeInternal
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

func captureStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}
