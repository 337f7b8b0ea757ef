// Package iamauditor IAM 策略审计参考事务
//
// enumerate → validate → propose → apply。validate 发现通配符权限时失败，
// 引擎倒序补偿，apply 的补偿会清空已应用的变更。
package iamauditor

import (
	"context"
	"errors"
	"strings"

	"txsaga/saga"
)

// TransactionID 默认事务 ID
const TransactionID = "iam-audit-1"

// Policy 一条 IAM 策略文档
type Policy struct {
	ID       string `json:"id"`
	Document string `json:"document"`
}

// ErrPolicyViolation 发现越权策略
var ErrPolicyViolation = errors.New("policy violation detected")

// Source 策略来源
type Source func(ctx context.Context) ([]Policy, error)

// StaticSource 固定策略列表
func StaticSource(policies ...Policy) Source {
	return func(ctx context.Context) ([]Policy, error) { return policies, nil }
}

// DefaultPolicies 演示用策略，两条都包含通配符
func DefaultPolicies() []Policy {
	return []Policy{
		{ID: "policy1", Document: `{"Effect":"Allow","Action":"*"}`},
		{ID: "policy2", Document: `{"Effect":"Allow","Action":"s3:*"}`},
	}
}

// NewTransaction 构建审计事务
//
// 参数：
//   - id: 事务 ID，空串使用 TransactionID
//   - source: 策略来源，nil 使用 DefaultPolicies
func NewTransaction(id string, source Source) *saga.Transaction {
	if id == "" {
		id = TransactionID
	}
	if source == nil {
		source = StaticSource(DefaultPolicies()...)
	}

	enumerate := saga.NewPureStep("enumerate", "enumerate-1", func(ctx context.Context, sc saga.Context) (any, error) {
		policies, err := source(ctx)
		if err != nil {
			return nil, err
		}
		sc["policies"] = policies
		return len(policies), nil
	})

	validate := saga.NewReversibleStep("validate", "validate-1",
		func(ctx context.Context, sc saga.Context) (any, error) {
			violations := wildcardPolicies(policiesFrom(sc))
			sc["violations"] = violations
			if len(violations) > 0 {
				return nil, ErrPolicyViolation
			}
			return nil, nil
		},
		func(ctx context.Context, sc saga.Context, result any) error { return nil },
	)

	propose := saga.NewPureStep("propose", "propose-1", func(ctx context.Context, sc saga.Context) (any, error) {
		violations, _ := sc["violations"].([]Policy)
		proposed := make([]any, 0, len(violations))
		for _, v := range violations {
			proposed = append(proposed, map[string]any{"id": v.ID, "action": "restrict"})
		}
		sc["proposed"] = proposed
		return nil, nil
	})

	apply := saga.NewReversibleStep("apply", "apply-1",
		func(ctx context.Context, sc saga.Context) (any, error) {
			sc["applied"] = sc["proposed"]
			return sc["applied"], nil
		},
		func(ctx context.Context, sc saga.Context, result any) error {
			sc["applied"] = []any{}
			return nil
		},
	)

	return saga.NewTransaction(id, []*saga.Step{enumerate, validate, propose, apply},
		map[string]any{"applied": []any{}})
}

// Result 审计结果
type Result struct {
	State      saga.TransactionState
	Violations []Policy
	Applied    []any
	Err        error
}

// Run 用给定引擎执行一次审计
//
// 步骤失败（包括发现违规）体现在 Result.State 与 Result.Err 中；
// 只有事务无法开始时才返回 error。
func Run(ctx context.Context, engine *saga.Engine, tx *saga.Transaction) (*Result, error) {
	if tx == nil {
		tx = NewTransaction("", nil)
	}
	state, err := engine.Execute(ctx, tx)
	if state == saga.StatePending && err != nil {
		return nil, err
	}

	res := &Result{State: state, Err: err, Applied: []any{}}
	res.Violations, _ = tx.Context["violations"].([]Policy)
	if applied, ok := tx.Context["applied"].([]any); ok {
		res.Applied = applied
	}
	return res, nil
}

func policiesFrom(sc saga.Context) []Policy {
	policies, _ := sc["policies"].([]Policy)
	return policies
}

func wildcardPolicies(policies []Policy) []Policy {
	var out []Policy
	for _, p := range policies {
		if strings.Contains(p.Document, "*") {
			out = append(out, p)
		}
	}
	return out
}
