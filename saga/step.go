package saga

import "context"

// StepKind 步骤类型（封闭集合）
type StepKind string

const (
	// KindPure 无需补偿的步骤
	KindPure StepKind = "Pure"
	// KindReversible 必须提供补偿的步骤
	KindReversible StepKind = "Reversible"
	// KindIrreversible 不可逆步骤，补偿可选；无补偿时失败会使事务 Halted
	KindIrreversible StepKind = "Irreversible"
)

// ActionFunc 步骤正向动作，可以读写共享上下文，返回值会写入检查点
type ActionFunc func(ctx context.Context, sc Context) (any, error)

// CompensateFunc 补偿动作，result 为该步骤正向执行的结果
//
// 从检查点恢复的步骤，result 是经过 JSON 往返后的通用形态（map[string]any、[]any、float64 等）。
type CompensateFunc func(ctx context.Context, sc Context, result any) error

// Step 事务步骤
type Step struct {
	ID             string
	Kind           StepKind
	IdempotencyKey string
	Execute        ActionFunc
	Compensate     CompensateFunc
}

// NewPureStep 创建无副作用步骤
func NewPureStep(id, idempotencyKey string, fn ActionFunc) *Step {
	return &Step{ID: id, Kind: KindPure, IdempotencyKey: idempotencyKey, Execute: fn}
}

// NewReversibleStep 创建可逆步骤
//
// 参数：
//   - id: 步骤名，同一事务内唯一，同时是检查点名
//   - idempotencyKey: 标识该步骤逻辑效果的幂等键
//   - fn: 正向动作
//   - undo: 补偿动作（必填）
func NewReversibleStep(id, idempotencyKey string, fn ActionFunc, undo CompensateFunc) *Step {
	return &Step{ID: id, Kind: KindReversible, IdempotencyKey: idempotencyKey, Execute: fn, Compensate: undo}
}

// NewIrreversibleStep 创建不可逆步骤
func NewIrreversibleStep(id, idempotencyKey string, fn ActionFunc) *Step {
	return &Step{ID: id, Kind: KindIrreversible, IdempotencyKey: idempotencyKey, Execute: fn}
}

// WithCompensation 为步骤附加补偿（链式）
func (s *Step) WithCompensation(undo CompensateFunc) *Step {
	s.Compensate = undo
	return s
}

// CanCompensate 是否有补偿处理器
func (s *Step) CanCompensate() bool {
	return s.Compensate != nil
}

// validate 检查步骤定义与类型约束
func (s *Step) validate() string {
	switch {
	case s.ID == "":
		return "step id is empty"
	case s.Execute == nil:
		return "execute action is nil"
	}
	switch s.Kind {
	case KindPure:
		if s.Compensate != nil {
			return "pure step cannot carry a compensation"
		}
	case KindReversible:
		if s.Compensate == nil {
			return "reversible step requires a compensation"
		}
	case KindIrreversible:
	default:
		return "unknown step kind " + string(s.Kind)
	}
	return ""
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey 把幂等键放入 context
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom 读取当前步骤的幂等键，不在步骤中调用时返回空串
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
