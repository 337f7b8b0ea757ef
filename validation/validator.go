// Package validation 事务上下文与配置的校验
package validation

import (
	"fmt"
	"strings"

	"txsaga/errors"
)

// IValidator 定义通用验证器接口
type IValidator interface {
	Validate(value any) error
}

// NoopValidator 默认验证器，实现为空操作
type NoopValidator struct{}

// Validate 实现 IValidator 接口
func (NoopValidator) Validate(value any) error {
	return nil
}

// Func 函数适配器
type Func func(value any) error

func (f Func) Validate(value any) error { return f(value) }

// ValidateRequired 验证必填字段
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s不能为空", fieldName))
	}
	return nil
}

// ValidateOneOf 验证取值在允许集合内
func ValidateOneOf(value, fieldName string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.NewError(errors.ErrCodeValidation,
		fmt.Sprintf("%s必须是 %s 之一（当前 %q）", fieldName, strings.Join(allowed, "/"), value))
}

// ValidatePositive 验证正数
func ValidatePositive[T ~int | ~int64](value T, fieldName string) error {
	if value <= 0 {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s必须为正数（当前%d）", fieldName, value))
	}
	return nil
}
