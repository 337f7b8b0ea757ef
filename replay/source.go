// Package replay 事务重放与漂移检测
//
// 重放按事务 ID 重新构建定义，用一个全新的不可恢复引擎执行，
// 产生的证据全部以 replay 类型追加到同一账本；漂移检测比较原始证据与最近一次重放的证据。
package replay

import (
	"context"
	"fmt"
	"sync"

	apperrors "txsaga/errors"
	"txsaga/saga"
)

// IDefinitionSource 按事务 ID 重新构建事务定义
//
// 每次调用都必须返回新的 Transaction（含新的初始上下文），重放不能复用已执行过的实例。
type IDefinitionSource interface {
	Definition(ctx context.Context, txID string) (*saga.Transaction, error)
}

// DefinitionFunc 函数适配器
type DefinitionFunc func(ctx context.Context, txID string) (*saga.Transaction, error)

func (f DefinitionFunc) Definition(ctx context.Context, txID string) (*saga.Transaction, error) {
	return f(ctx, txID)
}

// Builder 根据事务 ID 构建事务
type Builder func(txID string) *saga.Transaction

// Registry 内存定义注册表
type Registry struct {
	builders map[string]Builder
	fallback Builder
	mutex    sync.RWMutex
}

var _ IDefinitionSource = (*Registry)(nil)

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register 为指定事务 ID 注册构建函数
func (r *Registry) Register(txID string, build Builder) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.builders[txID] = build
}

// SetFallback 设置未注册 ID 使用的构建函数
func (r *Registry) SetFallback(build Builder) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.fallback = build
}

// Definition 构建事务定义
func (r *Registry) Definition(ctx context.Context, txID string) (*saga.Transaction, error) {
	r.mutex.RLock()
	build, ok := r.builders[txID]
	if !ok {
		build = r.fallback
	}
	r.mutex.RUnlock()

	if build == nil {
		return nil, apperrors.NewError(apperrors.ErrCodeNotFound,
			fmt.Sprintf("no transaction definition registered for %s", txID))
	}
	tx := build(txID)
	if tx == nil {
		return nil, apperrors.NewError(apperrors.ErrCodeNotFound,
			fmt.Sprintf("definition builder returned nil for %s", txID))
	}
	return tx, nil
}
