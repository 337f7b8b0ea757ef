package replay

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"txsaga/ledger"
	"txsaga/logging"
)

// Report 漂移检测结果
type Report struct {
	TransactionID string    `json:"transaction_id"`
	Drift         bool      `json:"drift"`
	Reason        string    `json:"reason,omitempty"`
	ReplayID      string    `json:"replay_id,omitempty"`
	OriginalCount int       `json:"original_count"`
	ReplayedCount int       `json:"replayed_count"`
	OriginalLast  any       `json:"original_last,omitempty"`
	ReplayedLast  any       `json:"replayed_last,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Detector 漂移检测器
type Detector struct {
	audit      ledger.ILedger
	normalizer *Normalizer
	logger     logging.Logger
	now        func() time.Time
}

// NewDetector 创建检测器
func NewDetector(audit ledger.ILedger) *Detector {
	return &Detector{
		audit:  audit,
		logger: logging.ComponentLogger("replay.detector"),
		now:    time.Now,
	}
}

// WithNormalizer 比较前先用 jq 过滤两侧的数据
func (d *Detector) WithNormalizer(n *Normalizer) *Detector {
	d.normalizer = n
	return d
}

// Partition 划分原始证据与重放证据
//
// 原始证据取最近一次执行（最后一条 input 证据起）的非 replay 条目，
// 没有 input 证据时取全部非 replay 条目；重放证据取最近一次重放（按 ReplayID 分组）的条目，
// 不含重放标记。
//
// 返回：
//   - original: 原始证据
//   - replayed: 重放证据
//   - replayID: 最近一次重放的 ID
func Partition(entries []*ledger.Entry) (original, replayed []*ledger.Entry, replayID string) {
	start := 0
	for i, e := range entries {
		if e.Type == ledger.TypeInput {
			start = i
		}
	}
	lastReplay := -1
	for i, e := range entries {
		if e.Type != ledger.TypeReplay {
			if i >= start {
				original = append(original, e)
			}
			continue
		}
		lastReplay = i
	}
	if lastReplay < 0 {
		return original, nil, ""
	}

	replayID = entries[lastReplay].ReplayID
	for _, e := range entries {
		if e.Type == ledger.TypeReplay && e.ReplayID == replayID && e.ReplayOf != ledger.TypeReplay {
			replayed = append(replayed, e)
		}
	}
	return original, replayed, replayID
}

// Detect 检测事务是否漂移
//
// 两侧条数不同即漂移；条数相同且非空时，比较最后一条的数据（深度结构比较）。
func (d *Detector) Detect(ctx context.Context, txID string) (*Report, error) {
	if d.audit == nil {
		return nil, ledger.ErrNoLedger
	}
	entries, err := d.audit.ListByTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	original, replayed, replayID := Partition(entries)
	report := &Report{
		TransactionID: txID,
		ReplayID:      replayID,
		OriginalCount: len(original),
		ReplayedCount: len(replayed),
		CheckedAt:     d.now().UTC(),
	}

	switch {
	case len(original) != len(replayed):
		report.Drift = true
		report.Reason = fmt.Sprintf("evidence count differs: original=%d replayed=%d", len(original), len(replayed))
	case len(original) > 0:
		a, err := d.normalize(ctx, original[len(original)-1].Data)
		if err != nil {
			return nil, err
		}
		b, err := d.normalize(ctx, replayed[len(replayed)-1].Data)
		if err != nil {
			return nil, err
		}
		report.OriginalLast, report.ReplayedLast = a, b
		if !reflect.DeepEqual(a, b) {
			report.Drift = true
			report.Reason = "last evidence payload differs"
		}
	}

	logger := d.logger.WithFields(logging.String("tx_id", txID))
	if report.Drift {
		logger.Warn(ctx, "检测到漂移",
			logging.String("reason", report.Reason),
			logging.String("replay_id", replayID))
	} else {
		logger.Debug(ctx, "未检测到漂移", logging.Int("entries", len(original)))
	}
	return report, nil
}

func (d *Detector) normalize(ctx context.Context, v any) (any, error) {
	if d.normalizer == nil {
		return v, nil
	}
	return d.normalizer.Apply(ctx, v)
}
