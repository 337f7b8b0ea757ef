// Package saga 事务编排引擎
//
// 按顺序执行步骤，每个新完成的步骤写入检查点并压入补偿栈；
// 步骤失败时按后进先出执行补偿，补偿自身失败不会中断回滚。
// 同一事务 ID 再次执行时，检查点中已完成的步骤会被跳过。
package saga

import (
	"reflect"
	"sort"
	"strconv"

	"txsaga/checkpoint"
	"txsaga/ledger"
)

// TransactionState 事务状态
type TransactionState string

const (
	StatePending    TransactionState = "Pending"
	StateCommitted  TransactionState = "Committed"
	StateRolledBack TransactionState = "RolledBack"
	StateHalted     TransactionState = "Halted"
)

// IsTerminal 是否为终态
func (s TransactionState) IsTerminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateHalted
}

// Context 步骤间共享的可变上下文
type Context map[string]any

// Snapshot 返回上下文的 JSON 通用形态副本，用于证据与策略输入
func (c Context) Snapshot() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	normalized, err := ledger.Normalize(map[string]any(c))
	if err != nil {
		// 含不可序列化的值时退化为浅拷贝
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	}
	m, _ := normalized.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

// diff 比较步骤前后的快照，返回新增或修改的键与被删除的键
func diff(before, after map[string]any) (map[string]any, []string) {
	var changed map[string]any
	for k, v := range after {
		if old, ok := before[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		// 无法编码的值不进入检查点
		v, err := ledger.Normalize(v)
		if err != nil {
			continue
		}
		if changed == nil {
			changed = make(map[string]any)
		}
		changed[k] = v
	}
	var removed []string
	for k := range before {
		if _, ok := after[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	return changed, removed
}

// restore 把跳过步骤记录的上下文变化合并回上下文
func (c Context) restore(cp checkpoint.Checkpoint) {
	for k, v := range cp.ContextDelta {
		c[k] = v
	}
	for _, k := range cp.ContextRemoved {
		delete(c, k)
	}
}

// Transaction 事务定义与运行状态
type Transaction struct {
	ID      string
	Steps   []*Step
	State   TransactionState
	Context Context
	// Logs 最近一次 Execute 产生的证据（按时间顺序）
	Logs []*ledger.Entry
}

// NewTransaction 创建 Pending 状态的事务
//
// 参数：
//   - id: 调用方指定的事务 ID，也是恢复与重放的句柄
//   - steps: 有序步骤
//   - initial: 初始上下文，nil 时使用空上下文
func NewTransaction(id string, steps []*Step, initial Context) *Transaction {
	if initial == nil {
		initial = Context{}
	}
	return &Transaction{
		ID:      id,
		Steps:   steps,
		State:   StatePending,
		Context: initial,
	}
}

// Validate 校验事务定义
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return NewSagaInvalidStepError("", "", "transaction id is empty")
	}
	if len(t.Steps) == 0 {
		return NewSagaNoStepsError(t.ID)
	}
	seen := make(map[string]struct{}, len(t.Steps))
	for i, s := range t.Steps {
		if s == nil {
			return NewSagaInvalidStepError(t.ID, "", "step is nil")
		}
		if reason := s.validate(); reason != "" {
			name := s.ID
			if name == "" {
				name = "#" + strconv.Itoa(i)
			}
			return NewSagaInvalidStepError(t.ID, name, reason)
		}
		if _, dup := seen[s.ID]; dup {
			return NewSagaInvalidStepError(t.ID, s.ID, "duplicate step id")
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}
