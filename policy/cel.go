package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	apperrors "txsaga/errors"
)

// CELPolicy 基于 CEL 表达式的策略
//
// rules 按步骤 ID 指定表达式，没有专属规则的步骤使用 fallback；
// fallback 为空时放行。表达式可以引用 context、step、kind、transaction 四个变量，
// 必须返回 bool。所有表达式在构造时编译，Program 可被多个 goroutine 共享。
type CELPolicy struct {
	name     string
	rules    map[string]celRule
	fallback *celRule
}

type celRule struct {
	label string
	prg   cel.Program
	src   string
}

var _ IEvaluator = (*CELPolicy)(nil)

// NewCELPolicy 编译规则
func NewCELPolicy(name string, rules map[string]string, fallback string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("step", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("transaction", cel.StringType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodePolicy, "创建 CEL 环境失败")
	}

	compile := func(label, src string) (celRule, error) {
		ast, issues := env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return celRule{}, apperrors.WrapError(issues.Err(), apperrors.ErrCodePolicy,
				fmt.Sprintf("CEL 规则编译失败: %s", label))
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return celRule{}, apperrors.NewError(apperrors.ErrCodePolicy,
				fmt.Sprintf("CEL 规则 %s 必须返回 bool，实际为 %s", label, ast.OutputType()))
		}
		prg, err := env.Program(ast)
		if err != nil {
			return celRule{}, apperrors.WrapError(err, apperrors.ErrCodePolicy,
				fmt.Sprintf("CEL 规则构建失败: %s", label))
		}
		return celRule{label: label, prg: prg, src: src}, nil
	}

	p := &CELPolicy{name: name, rules: make(map[string]celRule, len(rules))}
	for step, src := range rules {
		r, err := compile(step, src)
		if err != nil {
			return nil, err
		}
		p.rules[step] = r
	}
	// fallback 单独保存，步骤 ID 可以是任意字符串
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
func (p *CELPolicy) Evaluate(ctx context.Context, in Input) (Decision, error) {
	r, ok := p.rules[in.Step]
	if !ok {
		if p.fallback == nil {
			return Decision{Allowed: true, Policy: p.name}, nil
		}
		r = *p.fallback
	}

	out, _, err := r.prg.ContextEval(ctx, activation(in))
	if err != nil {
		return Decision{Policy: p.name, Rule: r.src}, apperrors.WrapError(err, apperrors.ErrCodePolicy,
			fmt.Sprintf("CEL 规则执行失败: %s", r.label))
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Decision{Policy: p.name, Rule: r.src}, apperrors.NewError(apperrors.ErrCodePolicy,
			fmt.Sprintf("CEL 规则 %s 返回了非 bool 值", r.label))
	}

	d := Decision{Allowed: allowed, Policy: p.name, Rule: r.src}
	if !allowed {
		d.Reason = denyReason("cel", r.src)
	}
	return d, nil
}
