package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txsaga/checkpoint"
	apperrors "txsaga/errors"
	"txsaga/ledger"
	"txsaga/saga"
)

// pricing 可变的步骤行为，用于模拟原始执行与重放之间的变化
type pricing struct {
	price float64
	fail  bool
}

func (p *pricing) build(txID string) *saga.Transaction {
	return saga.NewTransaction(txID, []*saga.Step{
		saga.NewPureStep("quote", "quote-"+txID, func(ctx context.Context, sc saga.Context) (any, error) {
			sc["price"] = p.price
			return p.price, nil
		}),
		saga.NewReversibleStep("reserve", "reserve-"+txID, func(ctx context.Context, sc saga.Context) (any, error) {
			if p.fail {
				return nil, errors.New("inventory unavailable")
			}
			sc["reserved"] = true
			return "ok", nil
		}, func(ctx context.Context, sc saga.Context, result any) error {
			sc["reserved"] = false
			return nil
		}),
	}, saga.Context{"sku": "A-1"})
}

func signWith(signer ledger.ISigner) func(*saga.Engine) {
	return func(e *saga.Engine) { e.WithSigner(signer) }
}

func runOriginal(t *testing.T, audit ledger.ILedger, tx *saga.Transaction, signer ledger.ISigner) saga.TransactionState {
	t.Helper()
	state, _ := saga.NewEngine(checkpoint.NewMemoryStore(), audit).WithSigner(signer).Execute(context.Background(), tx)
	return state
}

// TestReplay_NoDriftForDeterministicTransaction 测试确定性事务重放后无漂移
func TestReplay_NoDriftForDeterministicTransaction(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemoryLedger()
	signer := ledger.NewHMACSigner([]byte("k"))
	p := &pricing{price: 10}

	require.Equal(t, saga.StateCommitted, runOriginal(t, audit, p.build("tx-1"), signer))
	before := audit.Count("tx-1")

	registry := NewRegistry()
	registry.Register("tx-1", p.build)
	res, err := NewReplayer(registry, audit).WithEngineOptions(signWith(signer)).Replay(ctx, "tx-1")
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, saga.StateCommitted, res.State)
	assert.NotEmpty(t, res.ReplayID)
	assert.False(t, res.StartedAt.IsZero())

	entries, err := audit.ListByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, before*2+1, len(entries))
	for _, e := range entries[:before] {
		assert.NotEqual(t, ledger.TypeReplay, e.Type)
	}
	for _, e := range entries[before:] {
		assert.Equal(t, ledger.TypeReplay, e.Type)
		assert.Equal(t, res.ReplayID, e.ReplayID)
	}
	marker := entries[len(entries)-1]
	assert.Equal(t, ledger.TypeReplay, marker.ReplayOf)
	assert.Equal(t, "Committed", marker.Data.(map[string]any)["state"])

	report, err := NewDetector(audit).Detect(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, report.Drift, report.Reason)
	assert.Equal(t, before, report.OriginalCount)
	assert.Equal(t, before, report.ReplayedCount)
	assert.Equal(t, res.ReplayID, report.ReplayID)
}

// TestReplay_DriftWhenBehaviourChanges 测试步骤行为变化后检测到漂移
func TestReplay_DriftWhenBehaviourChanges(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemoryLedger()
	p := &pricing{price: 10}
	require.Equal(t, saga.StateCommitted, runOriginal(t, audit, p.build("tx-2"), ledger.NoopSigner{}))

	p.fail = true
	res, err := NewReplayer(DefinitionFunc(func(ctx context.Context, txID string) (*saga.Transaction, error) {
		return p.build(txID), nil
	}), audit).Replay(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, saga.StateRolledBack, res.State)
	assert.Error(t, res.Err)

	report, err := NewDetector(audit).Detect(ctx, "tx-2")
	require.NoError(t, err)
	assert.True(t, report.Drift)
	assert.NotEmpty(t, report.Reason)
}

// TestReplay_DriftOnLastPayload 测试条数相同但最后一条数据不同
func TestReplay_DriftOnLastPayload(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemoryLedger()

	require.NoError(t, audit.Append(ctx, ledger.NewEntry("tx-3", ledger.TypeInput, map[string]any{"n": 1})))
	require.NoError(t, audit.Append(ctx, ledger.NewEntry("tx-3", ledger.TypeOutput, map[string]any{"total": 10, "at": "t1"})))

	replayed := ledger.ReplayLedger(audit, "r-1")
	require.NoError(t, replayed.Append(ctx, ledger.NewEntry("tx-3", ledger.TypeInput, map[string]any{"n": 1})))
	require.NoError(t, replayed.Append(ctx, ledger.NewEntry("tx-3", ledger.TypeOutput, map[string]any{"total": 10, "at": "t2"})))

	report, err := NewDetector(audit).Detect(ctx, "tx-3")
	require.NoError(t, err)
	assert.True(t, report.Drift)
	assert.Equal(t, "last evidence payload differs", report.Reason)

	norm, err := NewNormalizer("del(.at)")
	require.NoError(t, err)
	report, err = NewDetector(audit).WithNormalizer(norm).Detect(ctx, "tx-3")
	require.NoError(t, err)
	assert.False(t, report.Drift)
	assert.Equal(t, map[string]any{"total": float64(10)}, report.OriginalLast)
}

// TestDetect_Counts 测试条数规则与空证据
func TestDetect_Counts(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemoryLedger()

	report, err := NewDetector(audit).Detect(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, report.Drift)

	require.NoError(t, audit.Append(ctx, ledger.NewEntry("tx-4", ledger.TypeOutput, "x")))
	report, err = NewDetector(audit).Detect(ctx, "tx-4")
	require.NoError(t, err)
	assert.True(t, report.Drift)
	assert.Equal(t, 1, report.OriginalCount)
	assert.Equal(t, 0, report.ReplayedCount)

	_, err = NewDetector(nil).Detect(ctx, "tx-4")
	assert.ErrorIs(t, err, ledger.ErrNoLedger)
}

// TestPartition 测试只比较最近一次执行与最近一次重放
func TestPartition(t *testing.T) {
	mk := func(typ ledger.EvidenceType, replayID string, of ledger.EvidenceType) *ledger.Entry {
		return &ledger.Entry{Type: typ, ReplayID: replayID, ReplayOf: of}
	}
	entries := []*ledger.Entry{
		mk(ledger.TypeInput, "", ""),
		mk(ledger.TypeOutput, "", ""),
		mk(ledger.TypeReplay, "r1", ledger.TypeInput),
		mk(ledger.TypeReplay, "r1", ledger.TypeReplay),
		mk(ledger.TypeInput, "", ""),
		mk(ledger.TypePolicy, "", ""),
		mk(ledger.TypeOutput, "", ""),
		mk(ledger.TypeReplay, "r2", ledger.TypeInput),
		mk(ledger.TypeReplay, "r2", ledger.TypePolicy),
		mk(ledger.TypeReplay, "r2", ledger.TypeOutput),
		mk(ledger.TypeReplay, "r2", ledger.TypeReplay),
	}

	original, replayed, replayID := Partition(entries)
	assert.Equal(t, "r2", replayID)
	assert.Equal(t, []*ledger.Entry{entries[4], entries[5], entries[6]}, original)
	assert.Equal(t, []*ledger.Entry{entries[7], entries[8], entries[9]}, replayed)

	original, replayed, replayID = Partition(entries[:2])
	assert.Len(t, original, 2)
	assert.Nil(t, replayed)
	assert.Empty(t, replayID)
}

// TestReplay_ResumedOriginalHasNoDrift 测试原始执行中途停止后恢复，重放仍无漂移
func TestReplay_ResumedOriginalHasNoDrift(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemoryLedger()
	store := checkpoint.NewMemoryStore()
	gatewayDown := true

	build := func(txID string) *saga.Transaction {
		return saga.NewTransaction(txID, []*saga.Step{
			saga.NewPureStep("step-1", "k1", func(ctx context.Context, sc saga.Context) (any, error) {
				return "DATA_PROCESSED", nil
			}),
			saga.NewIrreversibleStep("step-2", "k2", func(ctx context.Context, sc saga.Context) (any, error) {
				if gatewayDown {
					return nil, errors.New("gateway down")
				}
				return "sent", nil
			}),
		}, nil)
	}

	engine := saga.NewEngine(store, audit)
	state, _ := engine.Execute(ctx, build("tx-5"))
	require.Equal(t, saga.StateHalted, state)
	gatewayDown = false
	state, err := engine.Execute(ctx, build("tx-5"))
	require.NoError(t, err)
	require.Equal(t, saga.StateCommitted, state)

	registry := NewRegistry()
	registry.SetFallback(build)
	_, err = NewReplayer(registry, audit).Replay(ctx, "tx-5")
	require.NoError(t, err)

	report, err := NewDetector(audit).Detect(ctx, "tx-5")
	require.NoError(t, err)
	assert.False(t, report.Drift, report.Reason)
}

// TestReplayer_Errors 测试无法开始重放的情况
func TestReplayer_Errors(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemoryLedger()

	_, err := NewReplayer(NewRegistry(), audit).Replay(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = NewReplayer(NewRegistry(), nil).Replay(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNoLedger)

	registry := NewRegistry()
	registry.Register("a", func(string) *saga.Transaction {
		return saga.NewTransaction("b", []*saga.Step{saga.NewPureStep("s", "", func(ctx context.Context, sc saga.Context) (any, error) {
			return nil, nil
		})}, nil)
	})
	_, err = NewReplayer(registry, audit).Replay(ctx, "a")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidInput))
	assert.Zero(t, audit.Count("a"))
}

// TestNormalizer 测试 jq 过滤
func TestNormalizer(t *testing.T) {
	ctx := context.Background()

	_, err := NewNormalizer("")
	assert.Error(t, err)
	_, err = NewNormalizer("del(")
	assert.Error(t, err)

	n, err := NewNormalizer(".items[]")
	require.NoError(t, err)
	assert.Equal(t, ".items[]", n.Query())

	out, err := n.Apply(ctx, map[string]any{"items": []any{1.0, 2.0}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	out, err = n.Apply(ctx, map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = n.Apply(ctx, map[string]any{"items": "not-a-list"})
	assert.Error(t, err)
}

// TestWatcher 测试计划注册与立即检查
func TestWatcher(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemoryLedger()
	p := &pricing{price: 5}
	require.Equal(t, saga.StateCommitted, runOriginal(t, audit, p.build("tx-6"), ledger.NoopSigner{}))

	registry := NewRegistry()
	registry.Register("tx-6", p.build)

	var drifted []*Report
	w := NewWatcher(NewDetector(audit), NewReplayer(registry, audit)).
		OnDrift(func(ctx context.Context, r *Report) { drifted = append(drifted, r) })

	assert.Error(t, w.Watch("tx-6", "not a schedule"))
	require.NoError(t, w.Watch("tx-6", "*/15 * * * *"))
	require.NoError(t, w.Watch("tx-7", "@hourly"))
	assert.Equal(t, []string{"tx-6", "tx-7"}, w.Watching())

	entry, ok := w.Entry("tx-6")
	require.True(t, ok)
	base := time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC), entry.Schedule.Next(base))

	w.Unwatch("tx-7")
	assert.Equal(t, []string{"tx-6"}, w.Watching())
	_, ok = w.Entry("tx-7")
	assert.False(t, ok)

	report, err := w.Check(ctx, "tx-6")
	require.NoError(t, err)
	assert.False(t, report.Drift, report.Reason)
	assert.Empty(t, drifted)

	p.price = 7
	report, err = w.Check(ctx, "tx-6")
	require.NoError(t, err)
	assert.True(t, report.Drift)
	require.Len(t, drifted, 1)
	assert.Equal(t, "tx-6", drifted[0].TransactionID)

	w.Start()
	<-w.Stop().Done()
}
