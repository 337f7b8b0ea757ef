package saga

import "fmt"

// ErrorCode Saga 错误码
type ErrorCode string

// 预定义错误码常量（不可变）
const (
	ErrCodeSagaStepFailed         ErrorCode = "SAGA_STEP_FAILED"
	ErrCodeSagaCompensationFailed ErrorCode = "SAGA_COMPENSATION_FAILED"
	ErrCodeSagaNoSteps            ErrorCode = "SAGA_NO_STEPS"
	ErrCodeSagaInvalidStep        ErrorCode = "SAGA_INVALID_STEP"
	ErrCodeSagaInvalidContext     ErrorCode = "SAGA_INVALID_CONTEXT"
	ErrCodeSagaPolicyDenied       ErrorCode = "SAGA_POLICY_DENIED"
	ErrCodeSagaStoreFailed        ErrorCode = "SAGA_STORE_FAILED"
)

// SagaError Saga 错误
//
// Cause 始终是触发失败的原始错误；回滚过程中补偿自身失败（双重故障）
// 只记录在 CompensationErrors，不会替换 Cause。
type SagaError struct {
	Code          ErrorCode
	Message       string
	TransactionID string
	StepName      string
	Cause         error

	CompensationErrors []error
}

func (e *SagaError) Error() string {
	var base string
	if e.TransactionID != "" && e.StepName != "" {
		base = fmt.Sprintf("%s: %s (tx=%s, step=%s)", e.Code, e.Message, e.TransactionID, e.StepName)
	} else if e.TransactionID != "" {
		base = fmt.Sprintf("%s: %s (tx=%s)", e.Code, e.Message, e.TransactionID)
	} else {
		base = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *SagaError) Unwrap() error { return e.Cause }

// Is 实现 errors.Is 接口，基于错误码匹配
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 哨兵错误（仅用于 errors.Is 比较，不应直接返回）
var (
	errSagaStepFailed         = &SagaError{Code: ErrCodeSagaStepFailed}
	errSagaCompensationFailed = &SagaError{Code: ErrCodeSagaCompensationFailed}
	errSagaNoSteps            = &SagaError{Code: ErrCodeSagaNoSteps}
	errSagaInvalidStep        = &SagaError{Code: ErrCodeSagaInvalidStep}
	errSagaInvalidContext     = &SagaError{Code: ErrCodeSagaInvalidContext}
	errSagaPolicyDenied       = &SagaError{Code: ErrCodeSagaPolicyDenied}
	errSagaStoreFailed        = &SagaError{Code: ErrCodeSagaStoreFailed}
)

// ========== 哨兵错误访问函数（用于 errors.Is 比较）==========

// ErrSagaStepFailed 返回步骤失败错误（用于 errors.Is 比较）
func ErrSagaStepFailed() *SagaError { return errSagaStepFailed }

// ErrSagaCompensationFailed 返回补偿失败错误（用于 errors.Is 比较）
func ErrSagaCompensationFailed() *SagaError { return errSagaCompensationFailed }

// ErrSagaNoSteps 返回无步骤错误（用于 errors.Is 比较）
func ErrSagaNoSteps() *SagaError { return errSagaNoSteps }

// ErrSagaInvalidStep 返回步骤定义无效错误（用于 errors.Is 比较）
func ErrSagaInvalidStep() *SagaError { return errSagaInvalidStep }

// ErrSagaInvalidContext 返回上下文校验失败错误（用于 errors.Is 比较）
func ErrSagaInvalidContext() *SagaError { return errSagaInvalidContext }

// ErrSagaPolicyDenied 返回策略拒绝错误（用于 errors.Is 比较）
func ErrSagaPolicyDenied() *SagaError { return errSagaPolicyDenied }

// ErrSagaStoreFailed 返回存储失败错误（用于 errors.Is 比较）
func ErrSagaStoreFailed() *SagaError { return errSagaStoreFailed }

// ========== 工厂函数（创建带上下文的错误实例）==========

// NewSagaStepFailedError 创建步骤失败错误
func NewSagaStepFailedError(txID, stepName string, cause error) *SagaError {
	return &SagaError{
		Code:          ErrCodeSagaStepFailed,
		Message:       "step execution failed",
		TransactionID: txID,
		StepName:      stepName,
		Cause:         cause,
	}
}

// NewSagaCompensationFailedError 创建补偿失败错误
func NewSagaCompensationFailedError(txID, stepName string, cause error) *SagaError {
	return &SagaError{
		Code:          ErrCodeSagaCompensationFailed,
		Message:       "compensation failed",
		TransactionID: txID,
		StepName:      stepName,
		Cause:         cause,
	}
}

// NewSagaNoStepsError 创建无步骤错误
func NewSagaNoStepsError(txID string) *SagaError {
	return &SagaError{
		Code:          ErrCodeSagaNoSteps,
		Message:       "transaction has no steps",
		TransactionID: txID,
	}
}

// NewSagaInvalidStepError 创建步骤定义无效错误
func NewSagaInvalidStepError(txID, stepName, reason string) *SagaError {
	return &SagaError{
		Code:          ErrCodeSagaInvalidStep,
		Message:       reason,
		TransactionID: txID,
		StepName:      stepName,
	}
}

// NewSagaInvalidContextError 创建上下文校验失败错误
func NewSagaInvalidContextError(txID string, cause error) *SagaError {
	return &SagaError{
		Code:          ErrCodeSagaInvalidContext,
		Message:       "context validation failed",
		TransactionID: txID,
		Cause:         cause,
	}
}

// NewSagaPolicyDeniedError 创建策略拒绝错误
func NewSagaPolicyDeniedError(txID, stepName, reason string) *SagaError {
	if reason == "" {
		reason = "denied by policy"
	}
	return &SagaError{
		Code:          ErrCodeSagaPolicyDenied,
		Message:       reason,
		TransactionID: txID,
		StepName:      stepName,
	}
}

// NewSagaStoreFailedError 创建存储失败错误
func NewSagaStoreFailedError(txID string, cause error) *SagaError {
	return &SagaError{
		Code:          ErrCodeSagaStoreFailed,
		Message:       "checkpoint store operation failed",
		TransactionID: txID,
		Cause:         cause,
	}
}
