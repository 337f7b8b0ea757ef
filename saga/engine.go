package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txsaga/checkpoint"
	"txsaga/ledger"
	"txsaga/logging"
	"txsaga/policy"
	"txsaga/validation"
)

// Engine 事务执行引擎
//
// 特性：
//   - 步骤严格顺序执行，每个新完成的步骤持久化完整检查点列表
//   - 失败时按后进先出执行补偿，补偿失败（双重故障）只记录不中断
//   - 配置检查点存储时可恢复：已完成的步骤不会再次执行
//   - 配置账本时记录输入、输出、策略与签名证据
//
// 注意：
//   - 同一事务 ID 不支持并发 Execute，调用方需按 ID 串行化
//   - 证据写入失败只记录日志并通知观察者，不影响事务结果
type Engine struct {
	store     checkpoint.IStore
	audit     ledger.ILedger
	policy    policy.IEvaluator
	validator validation.IValidator
	signer    ledger.ISigner
	observer  IObserver
	logger    logging.Logger

	cleanupOnSuccess bool
	version          string
	now              func() time.Time
}

// NewEngine 创建引擎
//
// 参数：
//   - store: 检查点存储（可选，nil 表示不可恢复模式）
//   - audit: 审计账本（可选，nil 表示证据只保留在 Transaction.Logs）
//
// 返回：
//   - *Engine: 引擎实例，默认全部放行、不签名、成功后清理检查点
func NewEngine(store checkpoint.IStore, audit ledger.ILedger) *Engine {
	return &Engine{
		store:            store,
		audit:            audit,
		policy:           policy.AllowAll{},
		signer:           ledger.NoopSigner{},
		observer:         NoopObserver{},
		logger:           logging.ComponentLogger("saga.engine"),
		cleanupOnSuccess: true,
		version:          ledger.DefaultVersion,
		now:              time.Now,
	}
}

// WithPolicy 设置步骤前置策略
func (e *Engine) WithPolicy(p policy.IEvaluator) *Engine {
	if p != nil {
		e.policy = p
	}
	return e
}

// WithValidator 设置上下文校验器，在任何步骤执行之前调用
func (e *Engine) WithValidator(v validation.IValidator) *Engine {
	e.validator = v
	return e
}

// WithSigner 设置提交/回滚证据签名器
func (e *Engine) WithSigner(s ledger.ISigner) *Engine {
	if s != nil {
		e.signer = s
	}
	return e
}

// WithObserver 设置生命周期观察者
func (e *Engine) WithObserver(o IObserver) *Engine {
	if o != nil {
		e.observer = o
	}
	return e
}

// WithLogger 设置日志
func (e *Engine) WithLogger(l logging.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// WithCleanupOnSuccess 提交后是否清理检查点（默认 true）
func (e *Engine) WithCleanupOnSuccess(enabled bool) *Engine {
	e.cleanupOnSuccess = enabled
	return e
}

// WithVersion 设置证据版本
func (e *Engine) WithVersion(version string) *Engine {
	if version != "" {
		e.version = version
	}
	return e
}

// Resumable 是否配置了检查点存储
func (e *Engine) Resumable() bool {
	return e.store != nil
}

// compensation 补偿栈元素，绑定步骤结果
type compensation struct {
	step   *Step
	result any
}

// execution 单次 Execute 的运行状态
type execution struct {
	tx          *Transaction
	history     map[string]checkpoint.Checkpoint
	stack       []compensation
	checkpoints []checkpoint.Checkpoint
	logger      logging.Logger
	started     time.Time
}

func (r *execution) push(step *Step, result any) {
	if step.CanCompensate() {
		r.stack = append(r.stack, compensation{step: step, result: result})
	}
}

// storeFailure 步骤已完成但检查点保存失败
type storeFailure struct {
	cause error
}

func (f *storeFailure) Error() string { return f.cause.Error() }
func (f *storeFailure) Unwrap() error { return f.cause }

// Execute 执行事务
//
// 从第一个步骤开始顺序执行；检查点中已完成的步骤会被跳过并复用其结果。
// 步骤失败时，有补偿处理器则回滚并返回 RolledBack，否则返回 Halted 且保留检查点。
//
// 参数：
//   - ctx: 上下文，原样传给步骤动作
//   - tx: 事务，执行过程中就地修改 State、Context 与 Logs
//
// 返回：
//   - TransactionState: 最终状态
//   - error: 失败时为 *SagaError，errors.Is 可匹配原始错误
func (e *Engine) Execute(ctx context.Context, tx *Transaction) (TransactionState, error) {
	if tx == nil {
		return StatePending, NewSagaInvalidStepError("", "", "transaction is nil")
	}
	tx.State = StatePending
	tx.Logs = nil
	if tx.Context == nil {
		tx.Context = Context{}
	}
	if err := tx.Validate(); err != nil {
		return StatePending, err
	}
	if e.validator != nil {
		if err := e.validator.Validate(tx.Context.Snapshot()); err != nil {
			return StatePending, NewSagaInvalidContextError(tx.ID, err)
		}
	}

	run := &execution{
		tx:      tx,
		history: map[string]checkpoint.Checkpoint{},
		logger:  e.logger.WithFields(logging.String("tx_id", tx.ID)),
		started: e.now(),
	}
	if e.store != nil {
		history, err := e.loadHistory(ctx, tx.ID)
		if err != nil {
			run.logger.Error(ctx, "加载检查点失败", logging.Error(err))
			return StatePending, NewSagaStoreFailedError(tx.ID, err)
		}
		run.history = history
	}

	run.logger.Info(ctx, "开始执行事务",
		logging.Int("steps", len(tx.Steps)),
		logging.Int("checkpoints", len(run.history)))
	e.observer.TransactionStarted(tx.ID)

	ids := make([]string, len(tx.Steps))
	for i, s := range tx.Steps {
		ids[i] = s.ID
	}
	e.record(ctx, run, ledger.TypeInput, map[string]any{
		"context": tx.Context.Snapshot(),
		"steps":   ids,
	})

	for i, step := range tx.Steps {
		if err := e.runStep(ctx, run, i, step); err != nil {
			return e.fail(ctx, run, step, err)
		}
	}
	return e.commit(ctx, run)
}

// loadHistory 读取检查点历史，只保留已完成的步骤
func (e *Engine) loadHistory(ctx context.Context, txID string) (map[string]checkpoint.Checkpoint, error) {
	checkpoints, found, err := e.store.Load(ctx, txID)
	if err != nil {
		return nil, err
	}
	history := make(map[string]checkpoint.Checkpoint, len(checkpoints))
	if !found {
		return history, nil
	}
	for _, cp := range checkpoints {
		if cp.IsCompleted() {
			history[cp.Name] = cp
		}
	}
	return history, nil
}

// runStep 执行单个步骤：策略检查、跳过或执行、写检查点与输出证据
func (e *Engine) runStep(ctx context.Context, run *execution, index int, step *Step) error {
	tx := run.tx
	if err := e.checkPolicy(ctx, run, step); err != nil {
		return err
	}

	if cp, ok := run.history[step.ID]; ok {
		tx.Context.restore(cp)
		run.push(step, cp.Result)
		run.checkpoints = append(run.checkpoints, cp)
		run.logger.Info(ctx, "跳过已完成步骤",
			logging.Int("step_index", index),
			logging.String("step", step.ID))
		e.record(ctx, run, ledger.TypeOutput, map[string]any{
			"step":    step.ID,
			"context": tx.Context.Snapshot(),
			"resumed": true,
		})
		e.observer.StepCompleted(tx.ID, step.ID, true, 0)
		return nil
	}

	run.logger.Debug(ctx, "执行事务步骤",
		logging.Int("step_index", index),
		logging.String("step", step.ID),
		logging.String("kind", string(step.Kind)))

	before := tx.Context.Snapshot()
	started := e.now()
	result, err := invoke(WithIdempotencyKey(ctx, step.IdempotencyKey), step, tx.Context)
	if err != nil {
		return err
	}
	after := tx.Context.Snapshot()
	delta, removed := diff(before, after)

	// 先压栈，保存失败时本步骤也要补偿
	run.push(step, result)
	run.checkpoints = append(run.checkpoints, checkpoint.Checkpoint{
		Name:           step.ID,
		Result:         result,
		Status:         checkpoint.StatusCompleted,
		IdempotencyKey: step.IdempotencyKey,
		CompletedAt:    e.now().UTC(),
		ContextDelta:   delta,
		ContextRemoved: removed,
	})
	if e.store != nil {
		if err := e.store.Save(ctx, tx.ID, run.checkpoints); err != nil {
			return &storeFailure{cause: err}
		}
	}

	e.record(ctx, run, ledger.TypeOutput, map[string]any{
		"step":    step.ID,
		"context": after,
	})
	e.observer.StepCompleted(tx.ID, step.ID, false, e.now().Sub(started))
	return nil
}

// checkPolicy 评估策略并写入 policy 证据；拒绝或评估出错都视为步骤失败
func (e *Engine) checkPolicy(ctx context.Context, run *execution, step *Step) error {
	tx := run.tx
	decision, err := e.policy.Evaluate(ctx, policy.Input{
		TransactionID:  tx.ID,
		Step:           step.ID,
		Kind:           string(step.Kind),
		IdempotencyKey: step.IdempotencyKey,
		Context:        tx.Context.Snapshot(),
	})
	allowed := err == nil && decision.Allowed
	reason := decision.Reason
	if err != nil {
		reason = err.Error()
	}

	payload := map[string]any{
		"step":            step.ID,
		"idempotency_key": step.IdempotencyKey,
		"policy":          decision.Policy,
		"allowed":         allowed,
	}
	if decision.Rule != "" {
		payload["rule"] = decision.Rule
	}
	if reason != "" {
		payload["reason"] = reason
	}
	e.record(ctx, run, ledger.TypePolicy, payload)

	if allowed {
		return nil
	}
	denied := NewSagaPolicyDeniedError(tx.ID, step.ID, reason)
	denied.Cause = err
	return denied
}

// invoke 调用正向动作，panic 转为错误
func invoke(ctx context.Context, step *Step, sc Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.ID, r)
		}
	}()
	return step.Execute(ctx, sc)
}

// runCompensation 在独立的故障边界内调用补偿，panic 转为错误
func runCompensation(ctx context.Context, c compensation, sc Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation %s panicked: %v", c.step.ID, r)
		}
	}()
	return c.step.Compensate(WithIdempotencyKey(ctx, c.step.IdempotencyKey), sc, c.result)
}

// fail 处理步骤失败：可补偿则回滚，否则停止
func (e *Engine) fail(ctx context.Context, run *execution, step *Step, err error) (TransactionState, error) {
	tx := run.tx
	e.observer.StepFailed(tx.ID, step.ID, err)

	var sf *storeFailure
	if errors.As(err, &sf) {
		run.logger.Error(ctx, "保存检查点失败", logging.Error(sf.cause),
			logging.String("step", step.ID))
		serr := NewSagaStoreFailedError(tx.ID, sf.cause)
		serr.StepName = step.ID
		serr.CompensationErrors = e.rollback(ctx, run, step.ID)
		return tx.State, serr
	}

	run.logger.Error(ctx, "事务步骤失败", logging.Error(err),
		logging.String("step", step.ID),
		logging.Bool("compensable", step.CanCompensate()))

	serr := NewSagaStepFailedError(tx.ID, step.ID, err)
	if !step.CanCompensate() {
		return e.halt(ctx, run, step, serr)
	}
	serr.CompensationErrors = e.rollback(ctx, run, step.ID)
	return tx.State, serr
}

// halt 不可补偿的失败：不回滚，保留检查点
func (e *Engine) halt(ctx context.Context, run *execution, step *Step, serr *SagaError) (TransactionState, error) {
	tx := run.tx
	tx.State = StateHalted
	e.record(ctx, run, ledger.TypeOutput, map[string]any{
		"step":  step.ID,
		"error": serr.Cause.Error(),
		"state": string(StateHalted),
	})
	run.logger.Warn(ctx, "事务已停止，未执行补偿",
		logging.String("step", step.ID),
		logging.Int("completed_steps", len(run.checkpoints)))
	e.observer.TransactionFinished(tx.ID, StateHalted, e.now().Sub(run.started))
	return StateHalted, serr
}

// rollback 倒序执行补偿栈
//
// 每个补偿独立运行，失败或 panic 只记录并继续；结束后清理检查点并写入回滚证据。
//
// 返回：
//   - []error: 补偿失败列表（*SagaError，code 为 SAGA_COMPENSATION_FAILED）
func (e *Engine) rollback(ctx context.Context, run *execution, failedStep string) []error {
	tx := run.tx
	run.logger.Info(ctx, "开始回滚事务",
		logging.String("failed_step", failedStep),
		logging.Int("compensations", len(run.stack)))

	var (
		failures []error
		messages = []string{}
	)
	for i := len(run.stack) - 1; i >= 0; i-- {
		c := run.stack[i]
		run.logger.Info(ctx, "执行补偿", logging.String("step", c.step.ID))
		err := runCompensation(ctx, c, tx.Context)
		e.observer.CompensationRun(tx.ID, c.step.ID, err)
		if err != nil {
			run.logger.Error(ctx, "补偿失败，继续回滚", logging.Error(err),
				logging.String("step", c.step.ID))
			failures = append(failures, NewSagaCompensationFailedError(tx.ID, c.step.ID, err))
			messages = append(messages, fmt.Sprintf("%s: %v", c.step.ID, err))
		}
	}
	run.stack = nil

	if e.store != nil {
		if err := e.store.Clear(ctx, tx.ID); err != nil {
			run.logger.Error(ctx, "清理检查点失败", logging.Error(err))
		}
	}

	tx.State = StateRolledBack
	e.record(ctx, run, ledger.TypeOutput, map[string]any{
		"state":       string(StateRolledBack),
		"failed_step": failedStep,
	})
	e.sign(ctx, run, map[string]any{
		"state":                 string(StateRolledBack),
		"failed_step":           failedStep,
		"compensation_failures": messages,
		"context":               tx.Context.Snapshot(),
	})

	run.logger.Info(ctx, "事务回滚完成", logging.Int("compensation_failures", len(failures)))
	e.observer.TransactionFinished(tx.ID, StateRolledBack, e.now().Sub(run.started))
	return failures
}

// commit 全部步骤完成
func (e *Engine) commit(ctx context.Context, run *execution) (TransactionState, error) {
	tx := run.tx
	tx.State = StateCommitted

	if e.store != nil && e.cleanupOnSuccess {
		if err := e.store.Clear(ctx, tx.ID); err != nil {
			run.logger.Warn(ctx, "清理检查点失败", logging.Error(err))
		}
	}

	e.record(ctx, run, ledger.TypeOutput, map[string]any{"state": string(StateCommitted)})
	e.sign(ctx, run, map[string]any{
		"state":   string(StateCommitted),
		"context": tx.Context.Snapshot(),
	})

	run.logger.Info(ctx, "事务提交完成", logging.Int("steps", len(tx.Steps)))
	e.observer.TransactionFinished(tx.ID, StateCommitted, e.now().Sub(run.started))
	return StateCommitted, nil
}

// sign 签名并写入 signature 证据（payload 含最终上下文），签名同时写入 payload 与 Entry.Signature
func (e *Engine) sign(ctx context.Context, run *execution, payload map[string]any) {
	sig, err := e.signer.Sign(run.tx.ID, payload)
	if err != nil {
		run.logger.Warn(ctx, "签名失败", logging.Error(err))
	}
	payload["signature"] = sig
	e.record(ctx, run, ledger.TypeSignature, payload)
}

// record 追加证据（尽力而为）
//
// 未配置账本时证据仍按账本规则补全并保存在 Transaction.Logs。
func (e *Engine) record(ctx context.Context, run *execution, typ ledger.EvidenceType, data map[string]any) *ledger.Entry {
	tx := run.tx
	entry := ledger.NewEntry(tx.ID, typ, data)
	entry.Version = e.version
	if typ == ledger.TypeSignature {
		if sig, ok := data["signature"].(string); ok {
			entry.Signature = sig
		}
	}

	var err error
	if e.audit != nil {
		err = e.audit.Append(ctx, entry)
	} else {
		var (
			lastSeq int64
			lastTS  time.Time
		)
		if n := len(tx.Logs); n > 0 {
			lastSeq, lastTS = tx.Logs[n-1].Sequence, tx.Logs[n-1].Timestamp
		}
		err = ledger.Prepare(entry, lastSeq, lastTS, e.now())
	}
	if err != nil {
		run.logger.Warn(ctx, "写入审计证据失败", logging.Error(err),
			logging.String("type", string(typ)))
		e.observer.EvidenceFailed(tx.ID, string(typ), err)
		return nil
	}
	tx.Logs = append(tx.Logs, entry)
	return entry
}
