// Package policy 步骤执行前的策略守卫
//
// 每个步骤执行之前引擎都会调用 IEvaluator，结果写入 policy 证据；
// 拒绝等同于步骤失败，步骤本身不会执行。
package policy

import (
	"context"
	"fmt"
)

// Input 策略评估输入
type Input struct {
	TransactionID  string
	Step           string
	Kind           string
	IdempotencyKey string
	// Context 事务上下文快照（JSON 通用形态）
	Context map[string]any
}

// Decision 策略评估结果
type Decision struct {
	Allowed bool   `json:"allowed"`
	Policy  string `json:"policy"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// IEvaluator 策略评估器
type IEvaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// AllowAll 默认策略：全部放行
type AllowAll struct{}

func (AllowAll) Evaluate(ctx context.Context, in Input) (Decision, error) {
	return Decision{Allowed: true, Policy: "allow-all"}, nil
}

// Func 函数适配器
type Func func(ctx context.Context, in Input) (Decision, error)

func (f Func) Evaluate(ctx context.Context, in Input) (Decision, error) {
	return f(ctx, in)
}

// Chain 依次评估，遇到第一个拒绝或错误即返回；全部放行时返回最后一个结果
func Chain(evaluators ...IEvaluator) IEvaluator {
	return Func(func(ctx context.Context, in Input) (Decision, error) {
		last := Decision{Allowed: true, Policy: "chain"}
		for _, ev := range evaluators {
			if ev == nil {
				continue
			}
			d, err := ev.Evaluate(ctx, in)
			if err != nil || !d.Allowed {
				return d, err
			}
			last = d
		}
		return last, nil
	})
}

// activation 构建表达式变量，两种表达式引擎共用
func activation(in Input) map[string]any {
	c := in.Context
	if c == nil {
		c = map[string]any{}
	}
	return map[string]any{
		"context":     c,
		"step":        in.Step,
		"kind":        in.Kind,
		"transaction": in.TransactionID,
	}
}

func denyReason(engine, rule string) string {
	return fmt.Sprintf("%s rule %q evaluated to false", engine, rule)
}
