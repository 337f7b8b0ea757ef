// Package app 组装运行时：根据配置构建检查点存储、审计账本、策略与指标，
// 并负责关闭自己创建的客户端。
package app

import (
	"context"
	stdErrors "errors"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"txsaga/checkpoint"
	"txsaga/checkpoint/redisstore"
	"txsaga/config"
	"txsaga/data/db"
	"txsaga/data/db/basic"
	apperrors "txsaga/errors"
	"txsaga/ledger"
	"txsaga/ledger/jetstream"
	"txsaga/ledger/sqlledger"
	"txsaga/logging"
	"txsaga/metrics"
	"txsaga/policy"
	"txsaga/replay"
	"txsaga/saga"
	"txsaga/validation"
)

// Runtime 运行时组件
type Runtime struct {
	Config      *config.Config
	Store       checkpoint.IStore
	Ledger      ledger.ILedger
	Definitions *replay.Registry
	Registry    *prometheus.Registry
	Metrics     *metrics.Observer

	policy     policy.IEvaluator
	validator  validation.IValidator
	signer     ledger.ISigner
	normalizer *replay.Normalizer
	logger     logging.Logger
	closers    []func() error
}

// Option 运行时选项
type Option func(*Runtime)

// WithLogger 使用给定 Logger，不再根据配置创建 zap 后端
func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New 根据配置构建运行时
//
// 参数：
//   - ctx: 建表等初始化操作使用
//   - cfg: 已校验的配置，nil 时使用默认配置
//   - opts: 可选项
//
// 返回：
//   - *Runtime: 运行时，使用完毕需调用 Close
//   - error: 任一组件初始化失败，已创建的组件会被关闭
func New(ctx context.Context, cfg *config.Config, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runtime{Config: cfg, Definitions: replay.NewRegistry()}
	for _, opt := range opts {
		opt(r)
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if r.logger == nil {
		zl, err := logging.NewZap(cfg.Log)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeConfig, "初始化日志失败")
		}
		logging.SetLogger(zl)
		r.logger = zl
		r.closers = append(r.closers, func() error {
			_ = zl.Sync()
			return nil
		})
	}
	r.logger = r.logger.WithFields(logging.String("component", "app.runtime"))

	if err := r.buildStore(); err != nil {
		return nil, err
	}
	if err := r.buildLedger(ctx); err != nil {
		return nil, err
	}
	if err := r.buildGuards(); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		r.Registry = prometheus.NewRegistry()
		if r.Metrics, err = metrics.NewObserver(r.Registry, cfg.Metrics.Namespace); err != nil {
			return nil, err
		}
	}
	if cfg.Replay.Normalizer != "" {
		if r.normalizer, err = replay.NewNormalizer(cfg.Replay.Normalizer); err != nil {
			return nil, err
		}
	}

	r.logger.Info(ctx, "运行时已就绪",
		logging.String("checkpoint", cfg.CheckpointBackend()),
		logging.String("ledger", cfg.Ledger.Backend),
		logging.Bool("mirror", cfg.Mirror.NATSURL != ""),
		logging.Bool("metrics", cfg.Metrics.Enabled))
	return r, nil
}

func (r *Runtime) buildStore() error {
	cc := r.Config.Checkpoint
	switch r.Config.CheckpointBackend() {
	case config.BackendRedis:
		store, err := redisstore.New(redisstore.Config{URL: cc.RedisURL, KeyPrefix: cc.KeyPrefix, TTL: cc.TTL})
		if err != nil {
			return err
		}
		r.Store = store
		r.closers = append(r.closers, store.Close)
	case config.BackendMemory:
		r.Store = checkpoint.NewMemoryStore()
	default:
		r.Store = checkpoint.NewFileStore(cc.Dir)
	}
	return nil
}

func (r *Runtime) buildLedger(ctx context.Context) error {
	lc := r.Config.Ledger
	var inner ledger.ILedger = ledger.NewMemoryLedger()
	if lc.Backend == config.LedgerSQL {
		database, err := basic.New(db.DBConfig{Driver: lc.Driver, Database: lc.DSN})
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeDatabase, "打开证据数据库失败")
		}
		r.closers = append(r.closers, database.Close)
		sl := sqlledger.New(database, lc.Table)
		if err := sl.CreateTable(ctx); err != nil {
			return err
		}
		inner = sl
	}

	mc := r.Config.Mirror
	if mc.NATSURL == "" {
		r.Ledger = inner
		return nil
	}
	mirror, err := jetstream.New(inner, jetstream.Config{
		URL:           mc.NATSURL,
		Stream:        mc.Stream,
		SubjectPrefix: mc.SubjectPrefix,
		Replicas:      mc.Replicas,
	})
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeQueue, "连接证据镜像失败")
	}
	r.closers = append(r.closers, mirror.Close)
	r.Ledger = mirror
	return nil
}

// buildGuards 策略、上下文校验与签名
func (r *Runtime) buildGuards() error {
	ec := r.Config.Engine
	switch pc := ec.Policy; pc.Engine {
	case "cel":
		p, err := policy.NewCELPolicy(pc.Name, pc.Rules, pc.Fallback)
		if err != nil {
			return err
		}
		r.policy = p
	case "expr":
		p, err := policy.NewExprPolicy(pc.Name, pc.Rules, pc.Fallback)
		if err != nil {
			return err
		}
		r.policy = p
	default:
		r.policy = policy.AllowAll{}
	}

	if ec.ContextSchema != "" {
		schema := ec.ContextSchema
		if !strings.HasPrefix(strings.TrimSpace(schema), "{") {
			data, err := os.ReadFile(schema)
			if err != nil {
				return apperrors.WrapError(err, apperrors.ErrCodeConfig, "读取上下文 schema 失败")
			}
			schema = string(data)
		}
		v, err := validation.NewSchemaValidator(schema)
		if err != nil {
			return err
		}
		r.validator = v
	}

	r.signer = ledger.NoopSigner{}
	if ec.SigningKey != "" {
		r.signer = ledger.NewHMACSigner([]byte(ec.SigningKey))
	}
	return nil
}

// Engine 创建配置好的引擎
func (r *Runtime) Engine() *saga.Engine {
	e := r.configure(saga.NewEngine(r.Store, r.Ledger)).
		WithCleanupOnSuccess(r.Config.Engine.Cleanup())
	if r.Metrics != nil {
		e.WithObserver(r.Metrics)
	}
	return e
}

// configure 原始执行与重放共用的引擎选项
func (r *Runtime) configure(e *saga.Engine) *saga.Engine {
	return e.WithPolicy(r.policy).
		WithValidator(r.validator).
		WithSigner(r.signer).
		WithVersion(r.Config.Engine.EvidenceVersion)
}

// Execute 用新引擎执行事务
func (r *Runtime) Execute(ctx context.Context, tx *saga.Transaction) (saga.TransactionState, error) {
	return r.Engine().Execute(ctx, tx)
}

// Replayer 创建重放器，定义来自 Definitions
func (r *Runtime) Replayer() *replay.Replayer {
	return replay.NewReplayer(r.Definitions, r.Ledger).
		WithEngineOptions(func(e *saga.Engine) { r.configure(e) })
}

// Detector 创建漂移检测器
func (r *Runtime) Detector() *replay.Detector {
	return replay.NewDetector(r.Ledger).WithNormalizer(r.normalizer)
}

// Watch 按配置的 schedule 为事务创建漂移巡检（未启动）
func (r *Runtime) Watch(txIDs ...string) (*replay.Watcher, error) {
	w := replay.NewWatcher(r.Detector(), r.Replayer())
	if r.Config.Replay.Schedule == "" {
		return w, nil
	}
	for _, id := range txIDs {
		if err := w.Watch(id, r.Config.Replay.Schedule); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// GetAuditEvidence 查询事务证据
func (r *Runtime) GetAuditEvidence(ctx context.Context, txID string) ([]*ledger.Entry, error) {
	return ledger.GetAuditEvidence(ctx, r.Ledger, txID)
}

// LogAuditEvidence 追加外部证据
func (r *Runtime) LogAuditEvidence(ctx context.Context, entry *ledger.Entry) error {
	return ledger.LogAuditEvidence(ctx, r.Ledger, entry)
}

// Close 按创建的逆序关闭组件
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return stdErrors.Join(errs...)
}
