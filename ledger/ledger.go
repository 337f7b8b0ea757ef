package ledger

import (
	"context"

	apperrors "txsaga/errors"
)

// ErrNoLedger 未配置账本
var ErrNoLedger = apperrors.NewError(apperrors.ErrCodeInvalidInput, "未配置审计账本")

// ILedger 审计证据账本
type ILedger interface {
	// Append 追加证据
	//
	// 实现负责补全 ID、版本、序号与时间戳，并把补全后的值写回 entry；
	// 账本保存的是副本，调用方之后修改 entry 不影响已存证据。
	Append(ctx context.Context, entry *Entry) error

	// ListByTransaction 按时间升序返回事务的全部证据，不存在时返回空切片
	ListByTransaction(ctx context.Context, txID string) ([]*Entry, error)

	// Clear 删除事务的全部证据
	Clear(ctx context.Context, txID string) error
}

// LogAuditEvidence 追加一条证据（外部接口使用的入口）
func LogAuditEvidence(ctx context.Context, l ILedger, entry *Entry) error {
	if l == nil {
		return ErrNoLedger
	}
	return l.Append(ctx, entry)
}

// GetAuditEvidence 读取事务的证据链
func GetAuditEvidence(ctx context.Context, l ILedger, txID string) ([]*Entry, error) {
	if l == nil {
		return nil, ErrNoLedger
	}
	return l.ListByTransaction(ctx, txID)
}

// Filter 返回满足条件的条目（保持原顺序）
func Filter(entries []*Entry, keep func(*Entry) bool) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
