package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger 内存账本（用于测试与单进程场景）
type MemoryLedger struct {
	entries map[string][]*Entry
	now     func() time.Time
	mutex   sync.RWMutex
}

var _ ILedger = (*MemoryLedger)(nil)

// NewMemoryLedger 创建内存账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string][]*Entry),
		now:     time.Now,
	}
}

// Append 追加证据
func (l *MemoryLedger) Append(ctx context.Context, entry *Entry) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var (
		lastSeq int64
		lastTS  time.Time
	)
	if entry != nil {
		if chain := l.entries[entry.TransactionID]; len(chain) > 0 {
			last := chain[len(chain)-1]
			lastSeq, lastTS = last.Sequence, last.Timestamp
		}
	}
	if err := prepare(entry, lastSeq, lastTS, l.now()); err != nil {
		return err
	}
	l.entries[entry.TransactionID] = append(l.entries[entry.TransactionID], entry.Clone())
	return nil
}

// ListByTransaction 返回证据副本
func (l *MemoryLedger) ListByTransaction(ctx context.Context, txID string) ([]*Entry, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	chain := l.entries[txID]
	out := make([]*Entry, len(chain))
	for i, e := range chain {
		out[i] = e.Clone()
	}
	return out, nil
}

// Clear 删除事务证据
func (l *MemoryLedger) Clear(ctx context.Context, txID string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.entries, txID)
	return nil
}

// Count 返回事务证据条数（测试用）
func (l *MemoryLedger) Count(txID string) int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.entries[txID])
}
