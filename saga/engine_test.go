package saga

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txsaga/checkpoint"
	"txsaga/ledger"
	"txsaga/logging"
	"txsaga/policy"
	"txsaga/validation"
)

func newTestEngine(store checkpoint.IStore, audit ledger.ILedger) *Engine {
	return NewEngine(store, audit).WithLogger(logging.NewNoopLogger())
}

func okAction(result any) ActionFunc {
	return func(ctx context.Context, sc Context) (any, error) { return result, nil }
}

func failAction(err error) ActionFunc {
	return func(ctx context.Context, sc Context) (any, error) { return nil, err }
}

// trace 记录补偿调用顺序
type trace struct {
	calls []string
}

func (t *trace) undo(name string, err error) CompensateFunc {
	return func(ctx context.Context, sc Context, result any) error {
		t.calls = append(t.calls, name)
		return err
	}
}

func evidenceTypes(entries []*ledger.Entry) []ledger.EvidenceType {
	out := make([]ledger.EvidenceType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

type failingStore struct {
	*checkpoint.MemoryStore
	saveErr error
	loadErr error
}

func (s *failingStore) Save(ctx context.Context, txID string, cps []checkpoint.Checkpoint) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, txID, cps)
}

func (s *failingStore) Load(ctx context.Context, txID string) ([]checkpoint.Checkpoint, bool, error) {
	if s.loadErr != nil {
		return nil, false, s.loadErr
	}
	return s.MemoryStore.Load(ctx, txID)
}

type failingLedger struct{}

func (failingLedger) Append(ctx context.Context, entry *ledger.Entry) error {
	return errors.New("ledger offline")
}

func (failingLedger) ListByTransaction(ctx context.Context, txID string) ([]*ledger.Entry, error) {
	return nil, errors.New("ledger offline")
}

func (failingLedger) Clear(ctx context.Context, txID string) error { return nil }

// TestTransaction_Validate 测试事务定义校验
func TestTransaction_Validate(t *testing.T) {
	noop := okAction(nil)
	undo := func(ctx context.Context, sc Context, result any) error { return nil }

	tests := []struct {
		name string
		tx   *Transaction
		want *SagaError
	}{
		{"empty id", NewTransaction("", []*Step{NewPureStep("a", "", noop)}, nil), ErrSagaInvalidStep()},
		{"no steps", NewTransaction("tx", nil, nil), ErrSagaNoSteps()},
		{"nil step", NewTransaction("tx", []*Step{nil}, nil), ErrSagaInvalidStep()},
		{"empty step id", NewTransaction("tx", []*Step{NewPureStep("", "", noop)}, nil), ErrSagaInvalidStep()},
		{"nil execute", NewTransaction("tx", []*Step{NewPureStep("a", "", nil)}, nil), ErrSagaInvalidStep()},
		{"duplicate", NewTransaction("tx", []*Step{NewPureStep("a", "", noop), NewPureStep("a", "", noop)}, nil), ErrSagaInvalidStep()},
		{"pure with handler", NewTransaction("tx", []*Step{NewPureStep("a", "", noop).WithCompensation(undo)}, nil), ErrSagaInvalidStep()},
		{"reversible without handler", NewTransaction("tx", []*Step{NewReversibleStep("a", "", noop, nil)}, nil), ErrSagaInvalidStep()},
		{"unknown kind", NewTransaction("tx", []*Step{{ID: "a", Kind: "Magic", Execute: noop}}, nil), ErrSagaInvalidStep()},
		{"valid", NewTransaction("tx", []*Step{
			NewPureStep("a", "", noop),
			NewReversibleStep("b", "", noop, undo),
			NewIrreversibleStep("c", "", noop),
			NewIrreversibleStep("d", "", noop).WithCompensation(undo),
		}, nil), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tx.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestEngine_Commit 测试全部成功时提交并清理检查点
func TestEngine_Commit(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	audit := ledger.NewMemoryLedger()
	tr := &trace{}

	tx := NewTransaction("tx-commit", []*Step{
		NewPureStep("read", "k-read", func(ctx context.Context, sc Context) (any, error) {
			sc["items"] = []string{"a", "b"}
			return 2, nil
		}),
		NewReversibleStep("write", "k-write", okAction("written"), tr.undo("write", nil)),
	}, Context{"owner": "ops"})

	state, err := newTestEngine(store, audit).Execute(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
	assert.Equal(t, StateCommitted, tx.State)
	assert.Empty(t, tr.calls)

	_, found, err := store.Load(ctx, "tx-commit")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := audit.ListByTransaction(ctx, "tx-commit")
	require.NoError(t, err)
	assert.Equal(t, []ledger.EvidenceType{
		ledger.TypeInput,
		ledger.TypePolicy, ledger.TypeOutput,
		ledger.TypePolicy, ledger.TypeOutput,
		ledger.TypeOutput, ledger.TypeSignature,
	}, evidenceTypes(entries))
	assert.Len(t, tx.Logs, len(entries))

	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i].Timestamp.After(entries[i-1].Timestamp))
		assert.Equal(t, int64(i+1), entries[i].Sequence)
	}

	readOut := entries[2].Data.(map[string]any)
	assert.Equal(t, "read", readOut["step"])
	assert.Equal(t, []any{"a", "b"}, readOut["context"].(map[string]any)["items"])
	assert.Equal(t, map[string]any{"state": "Committed"}, entries[5].Data)
}

// TestEngine_IAMValidationFailure 测试校验步骤失败时回滚且不补偿失败步骤本身
func TestEngine_IAMValidationFailure(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	tr := &trace{}
	violation := errors.New("Policy violation detected")

	tx := NewTransaction("iam-1", []*Step{
		NewPureStep("enumerate", "enumerate-iam-1", func(ctx context.Context, sc Context) (any, error) {
			sc["policies"] = []string{"p1", "p2"}
			return len(sc["policies"].([]string)), nil
		}),
		NewReversibleStep("validate", "validate-iam-1", failAction(violation), tr.undo("validate", nil)),
	}, nil)

	state, err := newTestEngine(store, ledger.NewMemoryLedger()).Execute(ctx, tx)
	require.Error(t, err)
	assert.Equal(t, StateRolledBack, state)
	assert.ErrorIs(t, err, violation)
	assert.ErrorIs(t, err, ErrSagaStepFailed())
	assert.Empty(t, tr.calls)

	var serr *SagaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "validate", serr.StepName)
	assert.Empty(t, serr.CompensationErrors)

	_, found, _ := store.Load(ctx, "iam-1")
	assert.False(t, found)

	last := tx.Logs[len(tx.Logs)-1]
	assert.Equal(t, ledger.TypeSignature, last.Type)
	data := last.Data.(map[string]any)
	assert.Equal(t, "RolledBack", data["state"])
	assert.Equal(t, "validate", data["failed_step"])
	assert.Equal(t, []any{}, data["compensation_failures"])
}

// TestEngine_ResumeSkipsCheckpointedStep 测试恢复时跳过已完成步骤，后续失败仍补偿它
func TestEngine_ResumeSkipsCheckpointedStep(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "tx-resume", []checkpoint.Checkpoint{{
		Name:        "step-1",
		Result:      map[string]any{"reserved": 3},
		Status:      checkpoint.StatusCompleted,
		CompletedAt: time.Now(),
	}}))

	step1Runs := 0
	var compensatedWith any
	step1 := NewReversibleStep("step-1", "k1",
		func(ctx context.Context, sc Context) (any, error) {
			step1Runs++
			return map[string]any{"reserved": 3}, nil
		},
		func(ctx context.Context, sc Context, result any) error {
			compensatedWith = result
			return nil
		})

	step2Runs := 0
	boom := errors.New("step-2 failed")
	step2 := NewReversibleStep("step-2", "k2",
		func(ctx context.Context, sc Context) (any, error) {
			step2Runs++
			return nil, boom
		},
		func(ctx context.Context, sc Context, result any) error { return nil })

	state, err := newTestEngine(store, nil).Execute(ctx, NewTransaction("tx-resume", []*Step{step1, step2}, nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateRolledBack, state)
	assert.Equal(t, 0, step1Runs)
	assert.Equal(t, 1, step2Runs)
	assert.Equal(t, map[string]any{"reserved": float64(3)}, compensatedWith)
}

// TestEngine_HaltThenResume 测试不可补偿失败保留检查点，再次执行只运行未完成步骤
func TestEngine_HaltThenResume(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	tr := &trace{}

	step1Runs := 0
	failing := true
	build := func() *Transaction {
		return NewTransaction("tx-halt", []*Step{
			NewReversibleStep("step-1", "k1", func(ctx context.Context, sc Context) (any, error) {
				step1Runs++
				return "one", nil
			}, tr.undo("step-1", nil)),
			NewIrreversibleStep("step-2", "k2", func(ctx context.Context, sc Context) (any, error) {
				if failing {
					return nil, errors.New("gateway timeout")
				}
				return "two", nil
			}),
		}, nil)
	}

	engine := newTestEngine(store, nil)
	tx := build()
	state, err := engine.Execute(ctx, tx)
	require.Error(t, err)
	assert.Equal(t, StateHalted, state)
	assert.Empty(t, tr.calls)

	last := tx.Logs[len(tx.Logs)-1]
	assert.Equal(t, ledger.TypeOutput, last.Type)
	assert.Equal(t, map[string]any{"step": "step-2", "error": "gateway timeout", "state": "Halted"}, last.Data)

	cps, found, err := store.Load(ctx, "tx-halt")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cps, 1)
	assert.Equal(t, "step-1", cps[0].Name)
	assert.Equal(t, "k1", cps[0].IdempotencyKey)

	failing = false
	state, err = engine.Execute(ctx, build())
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
	assert.Equal(t, 1, step1Runs)
}

// TestEngine_DoubleFault 测试补偿失败与 panic 不中断后续补偿，且不替换原始错误
func TestEngine_DoubleFault(t *testing.T) {
	ctx := context.Background()
	tr := &trace{}
	original := errors.New("charge declined")

	tx := NewTransaction("tx-double", []*Step{
		NewReversibleStep("s1", "", okAction(1), tr.undo("s1", nil)),
		NewReversibleStep("s2", "", okAction(2), tr.undo("s2", errors.New("undo s2 failed"))),
		NewReversibleStep("s3", "", okAction(3), func(ctx context.Context, sc Context, result any) error {
			tr.calls = append(tr.calls, "s3")
			panic("undo s3 exploded")
		}),
		NewPureStep("s4", "", okAction(4)),
		NewIrreversibleStep("s5", "", failAction(original)).WithCompensation(tr.undo("s5", nil)),
	}, nil)

	state, err := newTestEngine(checkpoint.NewMemoryStore(), ledger.NewMemoryLedger()).Execute(ctx, tx)
	assert.Equal(t, StateRolledBack, state)
	assert.ErrorIs(t, err, original)
	assert.Equal(t, []string{"s3", "s2", "s1"}, tr.calls)

	var serr *SagaError
	require.ErrorAs(t, err, &serr)
	assert.Same(t, original, serr.Cause)
	require.Len(t, serr.CompensationErrors, 2)
	assert.ErrorIs(t, serr.CompensationErrors[0], ErrSagaCompensationFailed())
	assert.Contains(t, serr.CompensationErrors[0].Error(), "undo s3 exploded")
	assert.Contains(t, serr.CompensationErrors[1].Error(), "undo s2 failed")

	sig := tx.Logs[len(tx.Logs)-1].Data.(map[string]any)
	assert.Len(t, sig["compensation_failures"], 2)
}

// TestEngine_ExecutePanic 测试正向动作 panic 视为步骤失败
func TestEngine_ExecutePanic(t *testing.T) {
	tr := &trace{}
	tx := NewTransaction("tx-panic", []*Step{
		NewReversibleStep("a", "", okAction("a"), tr.undo("a", nil)),
		NewReversibleStep("b", "", func(ctx context.Context, sc Context) (any, error) {
			panic("nil map")
		}, tr.undo("b", nil)),
	}, nil)

	state, err := newTestEngine(nil, nil).Execute(context.Background(), tx)
	assert.Equal(t, StateRolledBack, state)
	assert.ErrorContains(t, err, "step b panicked")
	assert.Equal(t, []string{"a"}, tr.calls)
}

// TestEngine_PolicyDenied 测试策略拒绝发生在步骤副作用之前
func TestEngine_PolicyDenied(t *testing.T) {
	ctx := context.Background()
	tr := &trace{}
	applied := false

	deny := policy.Func(func(ctx context.Context, in policy.Input) (policy.Decision, error) {
		if in.Step == "apply" {
			return policy.Decision{Allowed: false, Policy: "change-window", Reason: "outside change window"}, nil
		}
		return policy.Decision{Allowed: true, Policy: "change-window"}, nil
	})

	tx := NewTransaction("tx-policy", []*Step{
		NewReversibleStep("propose", "", okAction("plan"), tr.undo("propose", nil)),
		NewReversibleStep("apply", "", func(ctx context.Context, sc Context) (any, error) {
			applied = true
			return nil, nil
		}, tr.undo("apply", nil)),
	}, nil)

	audit := ledger.NewMemoryLedger()
	state, err := newTestEngine(nil, audit).WithPolicy(deny).Execute(ctx, tx)
	assert.Equal(t, StateRolledBack, state)
	assert.ErrorIs(t, err, ErrSagaPolicyDenied())
	assert.ErrorIs(t, err, ErrSagaStepFailed())
	assert.False(t, applied)
	assert.Equal(t, []string{"propose"}, tr.calls)

	entries, err := audit.ListByTransaction(ctx, "tx-policy")
	require.NoError(t, err)
	policies := ledger.Filter(entries, func(e *ledger.Entry) bool { return e.Type == ledger.TypePolicy })
	require.Len(t, policies, 2)
	denied := policies[1].Data.(map[string]any)
	assert.Equal(t, "apply", denied["step"])
	assert.Equal(t, false, denied["allowed"])
	assert.Equal(t, "change-window", denied["policy"])
	assert.Equal(t, "outside change window", denied["reason"])
}

// TestEngine_StoreFailure 测试检查点保存失败时回滚已完成的步骤
func TestEngine_StoreFailure(t *testing.T) {
	tr := &trace{}
	saveErr := errors.New("disk full")
	store := &failingStore{MemoryStore: checkpoint.NewMemoryStore(), saveErr: saveErr}

	tx := NewTransaction("tx-store", []*Step{
		NewReversibleStep("a", "", okAction("a"), tr.undo("a", nil)),
		NewReversibleStep("b", "", okAction("b"), tr.undo("b", nil)),
	}, nil)

	state, err := newTestEngine(store, nil).Execute(context.Background(), tx)
	assert.Equal(t, StateRolledBack, state)
	assert.ErrorIs(t, err, ErrSagaStoreFailed())
	assert.ErrorIs(t, err, saveErr)
	assert.Equal(t, []string{"a"}, tr.calls)
}

// TestEngine_LoadFailure 测试加载检查点失败时不执行任何步骤
func TestEngine_LoadFailure(t *testing.T) {
	runs := 0
	store := &failingStore{MemoryStore: checkpoint.NewMemoryStore(), loadErr: errors.New("connection refused")}
	tx := NewTransaction("tx-load", []*Step{
		NewPureStep("a", "", func(ctx context.Context, sc Context) (any, error) {
			runs++
			return nil, nil
		}),
	}, nil)

	state, err := newTestEngine(store, nil).Execute(context.Background(), tx)
	assert.Equal(t, StatePending, state)
	assert.ErrorIs(t, err, ErrSagaStoreFailed())
	assert.Zero(t, runs)
}

// TestEngine_CleanupDisabled 测试关闭成功清理后检查点保留
func TestEngine_CleanupDisabled(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	tx := NewTransaction("tx-keep", []*Step{
		NewPureStep("a", "ka", okAction("x")),
		NewPureStep("b", "kb", okAction(map[string]any{"n": 1})),
	}, nil)

	state, err := newTestEngine(store, nil).WithCleanupOnSuccess(false).Execute(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)

	cps, found, err := store.Load(ctx, "tx-keep")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cps, 2)
	assert.Equal(t, "a", cps[0].Name)
	assert.Equal(t, "x", cps[0].Result)
	assert.Equal(t, map[string]any{"n": float64(1)}, cps[1].Result)
	assert.True(t, cps[1].IsCompleted())
}

// TestEngine_InvalidContext 测试上下文校验失败时保持 Pending
func TestEngine_InvalidContext(t *testing.T) {
	runs := 0
	tx := NewTransaction("tx-ctx", []*Step{
		NewPureStep("a", "", func(ctx context.Context, sc Context) (any, error) {
			runs++
			return nil, nil
		}),
	}, Context{"account": ""})

	v := validation.Func(func(value any) error {
		m := value.(map[string]any)
		return validation.ValidateRequired(m["account"].(string), "account")
	})

	state, err := newTestEngine(nil, nil).WithValidator(v).Execute(context.Background(), tx)
	assert.Equal(t, StatePending, state)
	assert.ErrorIs(t, err, ErrSagaInvalidContext())
	assert.Zero(t, runs)
	assert.Empty(t, tx.Logs)
}

// TestEngine_SignedEvidence 测试提交签名可被校验
func TestEngine_SignedEvidence(t *testing.T) {
	signer := ledger.NewHMACSigner([]byte("secret"))
	tx := NewTransaction("tx-sign", []*Step{NewPureStep("a", "", func(ctx context.Context, sc Context) (any, error) {
		sc["done"] = true
		return nil, nil
	})}, nil)

	_, err := newTestEngine(nil, ledger.NewMemoryLedger()).WithSigner(signer).WithVersion("v2").Execute(context.Background(), tx)
	require.NoError(t, err)

	last := tx.Logs[len(tx.Logs)-1]
	require.Equal(t, ledger.TypeSignature, last.Type)
	assert.NotEmpty(t, last.Signature)
	assert.Equal(t, "v2", last.Version)
	assert.Equal(t, last.Signature, last.Data.(map[string]any)["signature"])
	assert.True(t, signer.Verify("tx-sign", map[string]any{"state": "Committed", "context": map[string]any{"done": true}}, last.Signature))
	assert.False(t, signer.Verify("tx-sign", map[string]any{"state": "Committed", "context": map[string]any{}}, last.Signature))
}

// TestEngine_EvidenceFailureIsBestEffort 测试证据写入失败不影响事务结果
func TestEngine_EvidenceFailureIsBestEffort(t *testing.T) {
	obs := &recordingObserver{}
	tx := NewTransaction("tx-ledger-down", []*Step{NewPureStep("a", "", okAction(nil))}, nil)

	state, err := newTestEngine(nil, failingLedger{}).WithObserver(obs).Execute(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
	assert.Empty(t, tx.Logs)
	assert.Equal(t, 5, obs.evidenceFailures)
}

// TestEngine_LogsWithoutLedger 测试未配置账本时证据仍按顺序保存在事务上
func TestEngine_LogsWithoutLedger(t *testing.T) {
	tx := NewTransaction("tx-logs", []*Step{
		NewPureStep("a", "", okAction(nil)),
		NewPureStep("b", "", okAction(nil)),
	}, nil)

	_, err := newTestEngine(nil, nil).Execute(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, tx.Logs, 7)
	for i, e := range tx.Logs {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotEmpty(t, e.ID)
		if i > 0 {
			assert.True(t, e.Timestamp.After(tx.Logs[i-1].Timestamp))
		}
	}
}

// TestEngine_IdempotencyKeyOnContext 测试幂等键通过 context 传给动作与补偿
func TestEngine_IdempotencyKeyOnContext(t *testing.T) {
	var seen []string
	tx := NewTransaction("tx-idem", []*Step{
		NewReversibleStep("charge", "charge-42", func(ctx context.Context, sc Context) (any, error) {
			seen = append(seen, IdempotencyKeyFrom(ctx))
			return nil, nil
		}, func(ctx context.Context, sc Context, result any) error {
			seen = append(seen, "undo:"+IdempotencyKeyFrom(ctx))
			return nil
		}),
		NewReversibleStep("ship", "ship-42", failAction(errors.New("no stock")),
			func(ctx context.Context, sc Context, result any) error { return nil }),
	}, nil)

	_, err := newTestEngine(nil, nil).Execute(context.Background(), tx)
	require.Error(t, err)
	assert.Equal(t, []string{"charge-42", "undo:charge-42"}, seen)
	assert.Empty(t, IdempotencyKeyFrom(context.Background()))
}

type recordingObserver struct {
	NoopObserver
	started          int
	completed        []string
	failed           []string
	compensated      []string
	evidenceFailures int
	finished         []TransactionState
}

func (o *recordingObserver) TransactionStarted(string) { o.started++ }
func (o *recordingObserver) StepCompleted(_ string, step string, resumed bool, _ time.Duration) {
	if resumed {
		step += "(resumed)"
	}
	o.completed = append(o.completed, step)
}
func (o *recordingObserver) StepFailed(_ string, step string, _ error) { o.failed = append(o.failed, step) }
func (o *recordingObserver) CompensationRun(_ string, step string, _ error) {
	o.compensated = append(o.compensated, step)
}
func (o *recordingObserver) EvidenceFailed(string, string, error) { o.evidenceFailures++ }
func (o *recordingObserver) TransactionFinished(_ string, state TransactionState, _ time.Duration) {
	o.finished = append(o.finished, state)
}

// TestEngine_Observer 测试生命周期回调
func TestEngine_Observer(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "tx-obs", []checkpoint.Checkpoint{{Name: "a", Status: checkpoint.StatusCompleted}}))

	obs := &recordingObserver{}
	tx := NewTransaction("tx-obs", []*Step{
		NewReversibleStep("a", "", okAction(nil), func(ctx context.Context, sc Context, result any) error { return nil }),
		NewReversibleStep("b", "", okAction(nil), func(ctx context.Context, sc Context, result any) error { return nil }),
		NewReversibleStep("c", "", failAction(errors.New("x")), func(ctx context.Context, sc Context, result any) error { return nil }),
	}, nil)

	_, err := newTestEngine(store, nil).WithObserver(obs).Execute(ctx, tx)
	require.Error(t, err)
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, []string{"a(resumed)", "b"}, obs.completed)
	assert.Equal(t, []string{"c"}, obs.failed)
	assert.Equal(t, []string{"b", "a"}, obs.compensated)
	assert.Equal(t, []TransactionState{StateRolledBack}, obs.finished)
}

// TestEngine_PendingCheckpointIgnored 测试未完成状态的检查点不会被跳过
func TestEngine_PendingCheckpointIgnored(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "tx-pending", []checkpoint.Checkpoint{{Name: "a", Status: checkpoint.StatusPending}}))

	runs := 0
	tx := NewTransaction("tx-pending", []*Step{NewPureStep("a", "", func(ctx context.Context, sc Context) (any, error) {
		runs++
		return nil, nil
	})}, nil)

	_, err := newTestEngine(store, nil).Execute(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

// restartSteps step-1 把数据写入上下文，step-2 读取它；fail 控制 step-2 是否失败
func restartSteps(step1Runs *int, fail *bool) []*Step {
	return []*Step{
		NewReversibleStep("step-1", "k1", func(ctx context.Context, sc Context) (any, error) {
			*step1Runs++
			sc["data"] = "DATA_PROCESSED"
			sc["attempt"] = map[string]any{"by": "step-1"}
			delete(sc, "scratch")
			return "DATA_PROCESSED", nil
		}, func(ctx context.Context, sc Context, result any) error { return nil }),
		NewIrreversibleStep("step-2", "k2", func(ctx context.Context, sc Context) (any, error) {
			if *fail {
				return nil, errors.New("crash before finishing")
			}
			data, ok := sc["data"].(string)
			if !ok {
				return nil, errors.New("step-1 output missing from context")
			}
			sc["final"] = data + "+SAVED"
			return sc["final"], nil
		}),
	}
}

// TestEngine_ResumeRestoresContext 测试跳过的步骤写入的上下文在恢复后可见
func TestEngine_ResumeRestoresContext(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	runs, fail := 0, true

	state, err := newTestEngine(store, nil).Execute(ctx,
		NewTransaction("tx-ctx", restartSteps(&runs, &fail), Context{"scratch": true}))
	require.Error(t, err)
	assert.Equal(t, StateHalted, state)

	cps, _, err := store.Load(ctx, "tx-ctx")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, map[string]any{"data": "DATA_PROCESSED", "attempt": map[string]any{"by": "step-1"}}, cps[0].ContextDelta)
	assert.Equal(t, []string{"scratch"}, cps[0].ContextRemoved)

	fail = false
	tx := NewTransaction("tx-ctx", restartSteps(&runs, &fail), Context{"scratch": true})
	state, err = newTestEngine(store, nil).Execute(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
	assert.Equal(t, 1, runs)
	assert.Equal(t, "DATA_PROCESSED+SAVED", tx.Context["final"])
	assert.Equal(t, map[string]any{"by": "step-1"}, tx.Context["attempt"])
	assert.NotContains(t, tx.Context, "scratch")
}

// TestEngine_RestartWithFileStore 测试进程重启：新引擎从文件检查点恢复
func TestEngine_RestartWithFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runs, fail := 0, true

	state, err := newTestEngine(checkpoint.NewFileStore(dir), nil).Execute(ctx,
		NewTransaction("tx-restart", restartSteps(&runs, &fail), nil))
	require.Error(t, err)
	assert.Equal(t, StateHalted, state)
	assert.FileExists(t, filepath.Join(dir, "tx-restart.json"))

	// 模拟重启：新的存储实例与新的引擎
	fail = false
	audit := ledger.NewMemoryLedger()
	tx := NewTransaction("tx-restart", restartSteps(&runs, &fail), nil)
	state, err = newTestEngine(checkpoint.NewFileStore(dir), audit).Execute(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
	assert.Equal(t, 1, runs)
	assert.Equal(t, "DATA_PROCESSED+SAVED", tx.Context["final"])
	assert.NoFileExists(t, filepath.Join(dir, "tx-restart.json"))

	entries, err := audit.ListByTransaction(ctx, "tx-restart")
	require.NoError(t, err)
	var resumed map[string]any
	for _, e := range entries {
		if data, ok := e.Data.(map[string]any); ok && data["resumed"] == true {
			resumed = data
		}
	}
	require.NotNil(t, resumed)
	assert.Equal(t, "step-1", resumed["step"])
	assert.Equal(t, "DATA_PROCESSED", resumed["context"].(map[string]any)["data"])
}

// TestDiff 测试上下文差异计算
func TestDiff(t *testing.T) {
	changed, removed := diff(
		map[string]any{"a": float64(1), "b": "x", "gone": true},
		map[string]any{"a": float64(1), "b": "y", "new": []any{"z"}},
	)
	assert.Equal(t, map[string]any{"b": "y", "new": []any{"z"}}, changed)
	assert.Equal(t, []string{"gone"}, removed)

	changed, removed = diff(map[string]any{"a": 1}, map[string]any{"a": 1})
	assert.Nil(t, changed)
	assert.Nil(t, removed)

	// 不可编码的值被跳过
	changed, _ = diff(map[string]any{}, map[string]any{"ch": make(chan int), "ok": "v"})
	assert.Equal(t, map[string]any{"ok": "v"}, changed)
}
