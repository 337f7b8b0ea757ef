package policy

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	apperrors "txsaga/errors"
)

// ExprPolicy 基于 expr-lang 表达式的策略，规则约定与 CELPolicy 相同
type ExprPolicy struct {
	name     string
	rules    map[string]exprRule
	fallback *exprRule
}

type exprRule struct {
	label string
	prg   *vm.Program
	src   string
}

var _ IEvaluator = (*ExprPolicy)(nil)

// NewExprPolicy 编译规则
func NewExprPolicy(name string, rules map[string]string, fallback string) (*ExprPolicy, error) {
	env := activation(Input{})
	compile := func(label, src string) (exprRule, error) {
		prg, err := expr.Compile(src, expr.Env(env), expr.AsBool())
		if err != nil {
			return exprRule{}, apperrors.WrapError(err, apperrors.ErrCodePolicy,
				fmt.Sprintf("expr 规则编译失败: %s", label))
		}
		return exprRule{label: label, prg: prg, src: src}, nil
	}

	p := &ExprPolicy{name: name, rules: make(map[string]exprRule, len(rules))}
	for step, src := range rules {
		r, err := compile(step, src)
		if err != nil {
			return nil, err
		}
		p.rules[step] = r
	}
	if fallback != "" {
		r, err := compile("fallback", fallback)
		if err != nil {
			return nil, err
		}
		p.fallback = &r
	}
	return p, nil
}

// Evaluate 评估步骤规则
func (p *ExprPolicy) Evaluate(ctx context.Context, in Input) (Decision, error) {
	r, ok := p.rules[in.Step]
	if !ok {
		if p.fallback == nil {
			return Decision{Allowed: true, Policy: p.name}, nil
		}
		r = *p.fallback
	}

	out, err := expr.Run(r.prg, activation(in))
	if err != nil {
		return Decision{Policy: p.name, Rule: r.src}, apperrors.WrapError(err, apperrors.ErrCodePolicy,
			fmt.Sprintf("expr 规则执行失败: %s", r.label))
	}
	allowed, _ := out.(bool)

	d := Decision{Allowed: allowed, Policy: p.name, Rule: r.src}
	if !allowed {
		d.Reason = denyReason("expr", r.src)
	}
	return d, nil
}
