package errors

import (
	"context"
	"fmt"
	"runtime"

	"txsaga/logging"
)

// WrapWithLog 包装错误并记录警告日志（附带调用位置）
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)
	all := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, all...)

	return WrapError(err, code, msg)
}

// WrapStoreError 包装存储后端错误，operation 描述失败的操作
//
// 已经是 NotFound 的错误保留原代码，其余按 code 归类并记录警告。
func WrapStoreError(ctx context.Context, err error, code ErrorCode, operation string) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return WrapError(err, ErrCodeNotFound, operation)
	}
	return WrapWithLog(ctx, err, code,
		fmt.Sprintf("存储操作失败: %s", operation),
		logging.String("operation", operation),
	)
}
