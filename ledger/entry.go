// Package ledger 审计证据账本
//
// 每个事务一条只追加的证据链：输入、每步输出、策略检查、提交/回滚签名以及重放记录。
// 条目写入后不可修改，时间戳在同一事务内严格递增。
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "txsaga/errors"
)

// EvidenceType 证据类型
type EvidenceType string

const (
	TypeInput     EvidenceType = "input"
	TypeOutput    EvidenceType = "output"
	TypePolicy    EvidenceType = "policy"
	TypeSignature EvidenceType = "signature"
	TypeReplay    EvidenceType = "replay"
)

// DefaultVersion 证据格式版本
const DefaultVersion = "v1"

// Valid 是否为已知类型
func (t EvidenceType) Valid() bool {
	switch t {
	case TypeInput, TypeOutput, TypePolicy, TypeSignature, TypeReplay:
		return true
	default:
		return false
	}
}

// Entry 一条证据
type Entry struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	Type          EvidenceType `json:"type"`
	Data          any          `json:"data"`
	Signature     string       `json:"signature,omitempty"`
	Version       string       `json:"version"`
	Timestamp     time.Time    `json:"timestamp"`
	Sequence      int64        `json:"sequence"`

	// ReplayID 同一次重放产生的条目共享该 ID
	ReplayID string `json:"replay_id,omitempty"`
	// ReplayOf 重放条目对应的原始证据类型
	ReplayOf EvidenceType `json:"replay_of,omitempty"`
}

// NewEntry 创建待追加的证据
func NewEntry(txID string, typ EvidenceType, data any) *Entry {
	return &Entry{TransactionID: txID, Type: typ, Data: data}
}

// Clone 深拷贝
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Data = cloneJSON(e.Data)
	return &c
}

// Normalize 把任意可 JSON 序列化的值转换成 JSON 通用形态（map[string]any、[]any、float64...）
//
// 账本只保存这种形态，不同后端读出的数据可以直接做结构比较。
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ErrInvalidEntry 证据缺少必要字段
var ErrInvalidEntry = apperrors.NewError(apperrors.ErrCodeInvalidInput, "无效的审计证据")

// prepare 校验并补全条目：ID、版本、规范化数据、序号与单调时间戳
func prepare(e *Entry, lastSeq int64, lastTS time.Time, now time.Time) error {
	if e == nil || e.TransactionID == "" {
		return ErrInvalidEntry
	}
	if !e.Type.Valid() {
		return apperrors.WrapError(fmt.Errorf("unknown evidence type %q", e.Type), apperrors.ErrCodeInvalidInput, "无效的审计证据")
	}
	data, err := Normalize(e.Data)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "证据数据无法序列化")
	}
	e.Data = data
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == "" {
		e.Version = DefaultVersion
	}
	e.Sequence = lastSeq + 1
	e.Timestamp = nextTimestamp(lastTS, now)
	return nil
}

// nextTimestamp 保证同一事务内时间戳严格递增
func nextTimestamp(last, now time.Time) time.Time {
	now = now.UTC()
	if !last.IsZero() && !now.After(last) {
		return last.Add(time.Nanosecond)
	}
	return now
}

func cloneJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneJSON(item)
		}
		return out
	default:
		return val
	}
}
