// Package checkpoint 定义事务检查点与可恢复执行所需的存储适配器
//
// 检查点列表按完成顺序排列，既是恢复时的跳过依据，也是补偿栈。
// 存储实现只需提供 Save/Load/Clear 三个操作，任意后端都可以接入。
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	apperrors "txsaga/errors"
)

// Status 检查点状态
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
)

// Checkpoint 单个步骤的持久化记录
type Checkpoint struct {
	Name           string    `json:"name"`
	Result         any       `json:"result"`
	Status         Status    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`

	// ContextDelta 步骤写入或修改的上下文键（JSON 通用形态），恢复时合并回上下文
	ContextDelta map[string]any `json:"context_delta,omitempty"`
	// ContextRemoved 步骤删除的上下文键
	ContextRemoved []string `json:"context_removed,omitempty"`
}

// IsCompleted 是否已完成
func (c Checkpoint) IsCompleted() bool {
	return c.Status == StatusCompleted
}

// ResultPreview 返回用于展示的结果文本，超过 max 个字符时截断
//
// 字符串原样返回，其他类型按 JSON 编码；nil 返回空串。max <= 0 表示不截断。
func (c Checkpoint) ResultPreview(max int) string {
	var text string
	switch v := c.Result.(type) {
	case nil:
		return ""
	case string:
		text = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(data)
		}
	}
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + "..."
}

// IStore 检查点存储适配器
//
// 实现必须是 goroutine 安全的；不同事务 ID 之间互不影响。
type IStore interface {
	// Save 覆盖保存事务的完整检查点列表
	Save(ctx context.Context, txID string, checkpoints []Checkpoint) error

	// Load 读取检查点列表
	//
	// 返回：
	//   - []Checkpoint: 按保存顺序排列
	//   - bool: false 表示没有历史状态（不是错误）
	//   - error: 后端故障
	Load(ctx context.Context, txID string) ([]Checkpoint, bool, error)

	// Clear 删除事务的检查点，不存在时不报错
	Clear(ctx context.Context, txID string) error
}

// ErrInvalidTransactionID 事务 ID 为空
var ErrInvalidTransactionID = apperrors.NewError(apperrors.ErrCodeInvalidInput, "事务 ID 不能为空")

// ValidateID 校验事务 ID
func ValidateID(txID string) error {
	if txID == "" {
		return ErrInvalidTransactionID
	}
	return nil
}

// Encode 将检查点列表编码为 JSON 文档
func Encode(checkpoints []Checkpoint) ([]byte, error) {
	if checkpoints == nil {
		checkpoints = []Checkpoint{}
	}
	return json.Marshal(checkpoints)
}

// Decode 解码 JSON 文档
func Decode(data []byte) ([]Checkpoint, error) {
	var out []Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Checkpoint{}
	}
	return out, nil
}
