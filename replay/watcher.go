package replay

import (
	"context"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	apperrors "txsaga/errors"
	"txsaga/logging"
)

// DriftHandler 检测到漂移时的回调
type DriftHandler func(ctx context.Context, report *Report)

// Watcher 按 cron 表达式定期重放并检测漂移
type Watcher struct {
	detector *Detector
	replayer *Replayer
	parser   cron.Parser
	cron     *cron.Cron
	onDrift  DriftHandler
	logger   logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewWatcher 创建巡检器
//
// 参数：
//   - detector: 漂移检测器
//   - replayer: 重放器（可选，nil 表示只检测已有的重放证据）
func NewWatcher(detector *Detector, replayer *Replayer) *Watcher {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Watcher{
		detector: detector,
		replayer: replayer,
		parser:   parser,
		cron:     cron.New(cron.WithParser(parser)),
		logger:   logging.ComponentLogger("replay.watcher"),
		entries:  make(map[string]cron.EntryID),
	}
}

// OnDrift 设置漂移回调
func (w *Watcher) OnDrift(fn DriftHandler) *Watcher {
	w.onDrift = fn
	return w
}

// Watch 按 schedule 定期检查事务，同一事务重复注册时替换原计划
func (w *Watcher) Watch(txID, schedule string) error {
	sched, err := w.parser.Parse(schedule)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid cron schedule "+schedule)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.entries[txID]; ok {
		w.cron.Remove(id)
	}
	w.entries[txID] = w.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := w.Check(context.Background(), txID); err != nil {
			w.logger.Error(context.Background(), "漂移巡检失败", logging.Error(err),
				logging.String("tx_id", txID))
		}
	}))
	return nil
}

// Unwatch 取消事务巡检
func (w *Watcher) Unwatch(txID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.entries[txID]; ok {
		w.cron.Remove(id)
		delete(w.entries, txID)
	}
}

// Watching 返回正在巡检的事务 ID（排序）
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.entries))
	for id := range w.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entry 返回事务对应的 cron 条目
func (w *Watcher) Entry(txID string) (cron.Entry, bool) {
	w.mu.Lock()
	id, ok := w.entries[txID]
	w.mu.Unlock()
	if !ok {
		return cron.Entry{}, false
	}
	return w.cron.Entry(id), true
}

// Check 立即执行一次：有重放器时先重放，再检测漂移
func (w *Watcher) Check(ctx context.Context, txID string) (*Report, error) {
	if w.replayer != nil {
		if _, err := w.replayer.Replay(ctx, txID); err != nil {
			return nil, err
		}
	}
	report, err := w.detector.Detect(ctx, txID)
	if err != nil {
		return nil, err
	}
	if report.Drift && w.onDrift != nil {
		w.onDrift(ctx, report)
	}
	return report, nil
}

// Start 启动调度
func (w *Watcher) Start() {
	w.cron.Start()
	w.logger.Info(context.Background(), "漂移巡检已启动", logging.Int("transactions", len(w.Watching())))
}

// Stop 停止调度，返回的 context 在运行中的检查结束后关闭
func (w *Watcher) Stop() context.Context {
	return w.cron.Stop()
}
