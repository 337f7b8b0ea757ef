package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txsaga/ledger"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

type fakeJS struct {
	streams    map[string]*nats.StreamConfig
	infoErr    error
	publishErr error
	messages   []published
}

func newFakeJS() *fakeJS {
	return &fakeJS{streams: make(map[string]*nats.StreamConfig)}
}

func (f *fakeJS) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.messages = append(f.messages, published{subject: m.Subject, data: m.Data, msgID: m.Header.Get(nats.MsgIdHdr)})
	return &nats.PubAck{Stream: "SAGA_EVIDENCE", Sequence: uint64(len(f.messages))}, nil
}

func (f *fakeJS) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

// TestMirror_PublishesAppendedEntries 测试写入成功后按条目 ID 去重发布
func TestMirror_PublishesAppendedEntries(t *testing.T) {
	ctx := context.Background()
	js := newFakeJS()
	inner := ledger.NewMemoryLedger()
	m := newMirror(inner, js, Config{})

	e := ledger.NewEntry("tx.iam 1", ledger.TypeOutput, map[string]any{"step": "enumerate"})
	require.NoError(t, m.Append(ctx, e))

	require.Len(t, js.messages, 1)
	msg := js.messages[0]
	assert.Equal(t, "saga.evidence.tx%2Eiam%201", msg.subject)
	assert.Equal(t, e.ID, msg.msgID)

	var decoded ledger.Entry
	require.NoError(t, json.Unmarshal(msg.data, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, ledger.TypeOutput, decoded.Type)
	assert.Equal(t, int64(1), decoded.Sequence)

	entries, err := m.ListByTransaction(ctx, "tx.iam 1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	pub, failed := m.Stats()
	assert.Equal(t, 1, pub)
	assert.Equal(t, 0, failed)
}

// TestMirror_PublishFailureIsBestEffort 测试发布失败不影响写入
func TestMirror_PublishFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	js := newFakeJS()
	js.publishErr = errors.New("nats: timeout")
	inner := ledger.NewMemoryLedger()
	m := newMirror(inner, js, Config{})

	require.NoError(t, m.Append(ctx, ledger.NewEntry("tx-1", ledger.TypeInput, nil)))
	assert.Equal(t, 1, inner.Count("tx-1"))

	_, failed := m.Stats()
	assert.Equal(t, 1, failed)
}

// TestMirror_InnerFailureNotPublished 测试内层写入失败时不发布
func TestMirror_InnerFailureNotPublished(t *testing.T) {
	js := newFakeJS()
	m := newMirror(ledger.NewMemoryLedger(), js, Config{})

	err := m.Append(context.Background(), ledger.NewEntry("", ledger.TypeInput, nil))
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
	assert.Empty(t, js.messages)
}

// TestMirror_EnsureStream 测试证据流的创建
func TestMirror_EnsureStream(t *testing.T) {
	js := newFakeJS()
	m := newMirror(ledger.NewMemoryLedger(), js, Config{Stream: "AUDIT", SubjectPrefix: "audit.", Replicas: 3})

	require.NoError(t, m.ensureStream())
	cfg := js.streams["AUDIT"]
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"audit.>"}, cfg.Subjects)
	assert.Equal(t, nats.LimitsPolicy, cfg.Retention)
	assert.Equal(t, 3, cfg.Replicas)

	// 已存在时不重复创建
	require.NoError(t, m.ensureStream())

	js.infoErr = errors.New("permission denied")
	assert.Error(t, newMirror(ledger.NewMemoryLedger(), js, Config{Stream: "OTHER"}).ensureStream())
}

// TestMirror_ClearDelegates 测试清理委托给内层账本
func TestMirror_ClearDelegates(t *testing.T) {
	ctx := context.Background()
	inner := ledger.NewMemoryLedger()
	m := newMirror(inner, newFakeJS(), Config{})

	require.NoError(t, m.Append(ctx, ledger.NewEntry("tx-1", ledger.TypeInput, nil)))
	require.NoError(t, m.Clear(ctx, "tx-1"))
	assert.Zero(t, inner.Count("tx-1"))
	require.NoError(t, m.Close())
}

// TestSubjectToken_DistinctIDs 测试不同事务 ID 不会映射到同一主题
func TestSubjectToken_DistinctIDs(t *testing.T) {
	ids := []string{"a.b", "a_b", "a b", "a*b", "a>b", "a%2Eb", "a%b", "事务", "ab"}
	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		token := subjectToken(id)
		assert.NotContains(t, token, ".")
		assert.NotContains(t, token, "*")
		assert.NotContains(t, token, ">")
		assert.NotContains(t, token, " ")
		if prev, ok := seen[token]; ok {
			t.Fatalf("%q and %q share subject token %q", prev, id, token)
		}
		seen[token] = id
	}

	assert.Equal(t, "a%2Eb", subjectToken("a.b"))
	assert.Equal(t, "a_b", subjectToken("a_b"))
	assert.Equal(t, "a%252Eb", subjectToken("a%2Eb"))
	assert.Equal(t, "tx-1", subjectToken("tx-1"))
}
