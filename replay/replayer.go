package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "txsaga/errors"
	"txsaga/ledger"
	"txsaga/logging"
	"txsaga/saga"
)

// Result 一次重放的结果
type Result struct {
	ReplayID      string
	TransactionID string
	State         saga.TransactionState
	StartedAt     time.Time
	FinishedAt    time.Time
	// Err 重放执行中的步骤失败；基础设施错误由 Replay 直接返回
	Err error
}

// Replayer 事务重放器
type Replayer struct {
	source    IDefinitionSource
	audit     ledger.ILedger
	configure []func(*saga.Engine)
	logger    logging.Logger
	now       func() time.Time
	newID     func() string
}

// NewReplayer 创建重放器
//
// 参数：
//   - source: 事务定义来源
//   - audit: 原始事务使用的账本，重放证据追加到同一账本
func NewReplayer(source IDefinitionSource, audit ledger.ILedger) *Replayer {
	return &Replayer{
		source: source,
		audit:  audit,
		logger: logging.ComponentLogger("replay.replayer"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithEngineOptions 配置重放引擎（策略、签名器等应与原始执行一致）
func (r *Replayer) WithEngineOptions(opts ...func(*saga.Engine)) *Replayer {
	r.configure = append(r.configure, opts...)
	return r
}

// Replay 重放事务
//
// 重放引擎不挂检查点存储，全部步骤都会重新执行；证据经 ReplayLedger 改写为 replay 类型，
// 最后追加一条标记证据（ReplayOf 为 replay）记录重放时间与结果。重放只追加，不删除任何证据。
//
// 返回：
//   - *Result: 重放结果，步骤失败记录在 Result.Err
//   - error: 定义缺失、账本未配置等无法开始重放的错误
func (r *Replayer) Replay(ctx context.Context, txID string) (*Result, error) {
	if r.audit == nil {
		return nil, ledger.ErrNoLedger
	}
	tx, err := r.source.Definition(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.ID != txID {
		return nil, apperrors.NewError(apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("definition id %q does not match %q", tx.ID, txID))
	}

	res := &Result{ReplayID: r.newID(), TransactionID: txID, StartedAt: r.now().UTC()}
	audit := ledger.ReplayLedger(r.audit, res.ReplayID)
	engine := saga.NewEngine(nil, audit)
	for _, opt := range r.configure {
		opt(engine)
	}

	logger := r.logger.WithFields(logging.String("tx_id", txID), logging.String("replay_id", res.ReplayID))
	logger.Info(ctx, "开始重放事务")

	res.State, res.Err = engine.Execute(ctx, tx)
	res.FinishedAt = r.now().UTC()

	marker := map[string]any{
		"replay_id":  res.ReplayID,
		"state":      string(res.State),
		"started_at": res.StartedAt.Format(time.RFC3339Nano),
	}
	if res.Err != nil {
		marker["error"] = res.Err.Error()
	}
	entry := ledger.NewEntry(txID, ledger.TypeReplay, marker)
	entry.ReplayOf = ledger.TypeReplay
	if err := audit.Append(ctx, entry); err != nil {
		logger.Warn(ctx, "写入重放标记失败", logging.Error(err))
	}

	logger.Info(ctx, "重放完成",
		logging.String("state", string(res.State)),
		logging.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}
