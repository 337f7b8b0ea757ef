// Package jetstream 把审计证据同步发布到 NATS JetStream
//
// MirrorLedger 包装任意账本：先写入内层账本，成功后把条目发布到
// <prefix><事务ID>。发布失败只记录日志，不影响证据写入结果。
package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"txsaga/ledger"
	"txsaga/logging"
)

// jetStream captures the subset of nats.JetStreamContext we rely on (for easier testing).
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Config configures the evidence mirror.
type Config struct {
	URL           string
	Conn          *nats.Conn
	Stream        string
	SubjectPrefix string
	Replicas      int
	Logger        logging.Logger
}

// MirrorLedger 发布证据的账本装饰器
type MirrorLedger struct {
	inner    ledger.ILedger
	cfg      Config
	js       jetStream
	conn     *nats.Conn
	ownsConn bool
	logger   logging.Logger

	mu        sync.Mutex
	published int
	failed    int
}

var _ ledger.ILedger = (*MirrorLedger)(nil)

// New 连接 NATS 并确保证据流存在
func New(inner ledger.ILedger, cfg Config) (*MirrorLedger, error) {
	conn := cfg.Conn
	owns := false
	if conn == nil {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		c, err := nats.Connect(url)
		if err != nil {
			return nil, err
		}
		conn, owns = c, true
	}
	js, err := conn.JetStream()
	if err != nil {
		if owns {
			conn.Close()
		}
		return nil, err
	}

	m := newMirror(inner, js, cfg)
	m.conn, m.ownsConn = conn, owns
	if err := m.ensureStream(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func newMirror(inner ledger.ILedger, js jetStream, cfg Config) *MirrorLedger {
	if cfg.Stream == "" {
		cfg.Stream = "SAGA_EVIDENCE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "saga.evidence."
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("ledger.jetstream")
	}
	return &MirrorLedger{inner: inner, cfg: cfg, js: js, logger: cfg.Logger}
}

func (m *MirrorLedger) ensureStream() error {
	_, err := m.js.StreamInfo(m.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	sc := &nats.StreamConfig{
		Name:      m.cfg.Stream,
		Subjects:  []string{m.cfg.SubjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
	}
	if m.cfg.Replicas > 0 {
		sc.Replicas = m.cfg.Replicas
	}
	_, err = m.js.AddStream(sc)
	return err
}

// Subject 返回事务证据的发布主题
func (m *MirrorLedger) Subject(txID string) string {
	return m.cfg.SubjectPrefix + subjectToken(txID)
}

// subjectToken 对 NATS 主题保留字符做百分号转义，不同事务 ID 得到不同主题
//
// '%'、'.'、'*'、'>'、空白、控制字符和非 ASCII 字节写成 %XX。
func subjectToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' || c == '.' || c == '*' || c == '>' || c <= ' ' || c >= 0x7f:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Append 写入内层账本后发布
func (m *MirrorLedger) Append(ctx context.Context, entry *ledger.Entry) error {
	if err := m.inner.Append(ctx, entry); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err == nil {
		msg := nats.NewMsg(m.Subject(entry.TransactionID))
		msg.Data = data
		// 服务端按条目 ID 去重
		msg.Header.Set(nats.MsgIdHdr, entry.ID)
		_, err = m.js.PublishMsg(msg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failed++
		m.logger.Warn(ctx, "publish evidence failed",
			logging.String("tx_id", entry.TransactionID),
			logging.String("entry_id", entry.ID),
			logging.Error(err))
		return nil
	}
	m.published++
	return nil
}

func (m *MirrorLedger) ListByTransaction(ctx context.Context, txID string) ([]*ledger.Entry, error) {
	return m.inner.ListByTransaction(ctx, txID)
}

func (m *MirrorLedger) Clear(ctx context.Context, txID string) error {
	return m.inner.Clear(ctx, txID)
}

// Stats 返回发布成功与失败次数
func (m *MirrorLedger) Stats() (published, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.failed
}

// Close 关闭自建连接
func (m *MirrorLedger) Close() error {
	if m.ownsConn && m.conn != nil {
		m.conn.Close()
	}
	m.conn = nil
	return nil
}
