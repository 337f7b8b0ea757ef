package ledger

import "context"

// replayLedger 把追加的证据改写为 replay 类型
type replayLedger struct {
	inner    ILedger
	replayID string
}

// ReplayLedger 包装账本，使其中追加的所有条目成为同一次重放的记录
//
// 原始类型保存在 ReplayOf，条目就地改写，持有同一指针的调用方（例如事务日志）看到的是重放条目。
func ReplayLedger(inner ILedger, replayID string) ILedger {
	return &replayLedger{inner: inner, replayID: replayID}
}

func (l *replayLedger) Append(ctx context.Context, entry *Entry) error {
	if entry != nil && entry.Type != TypeReplay {
		entry.ReplayOf = entry.Type
		entry.Type = TypeReplay
	}
	if entry != nil {
		entry.ReplayID = l.replayID
	}
	return l.inner.Append(ctx, entry)
}

func (l *replayLedger) ListByTransaction(ctx context.Context, txID string) ([]*Entry, error) {
	return l.inner.ListByTransaction(ctx, txID)
}

// Clear 重放不删除证据
func (l *replayLedger) Clear(ctx context.Context, txID string) error {
	return nil
}
