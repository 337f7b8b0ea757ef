// Package config 运行时配置
//
// 加载顺序：默认值 → YAML 文件 → 环境变量，最后统一校验。
package config

import (
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "txsaga/errors"
	"txsaga/logging"
	"txsaga/validation"
)

// 检查点后端
const (
	BackendAuto   = "auto"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// 账本后端
const (
	LedgerMemory = "memory"
	LedgerSQL    = "sql"
)

// 环境变量
const (
	EnvRedisURL      = "REDIS_URL"
	EnvCheckpointDir = "SAGA_CHECKPOINT_DIR"
	EnvLedgerDSN     = "SAGA_LEDGER_DSN"
	EnvNATSURL       = "SAGA_NATS_URL"
	EnvSigningKey    = "SAGA_SIGNING_KEY"
	EnvLogLevel      = "SAGA_LOG_LEVEL"
)

// CheckpointConfig 检查点存储
type CheckpointConfig struct {
	// Backend auto 时：配置了 Redis URL 用 redis，否则用 file
	Backend   string        `yaml:"backend"`
	Dir       string        `yaml:"dir"`
	RedisURL  string        `yaml:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// LedgerConfig 审计账本
type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// MirrorConfig JetStream 证据镜像，NATSURL 为空表示关闭
type MirrorConfig struct {
	NATSURL       string `yaml:"nats_url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Replicas      int    `yaml:"replicas"`
}

// PolicyConfig 步骤策略
type PolicyConfig struct {
	// Engine cel 或 expr，空表示全部放行
	Engine   string            `yaml:"engine"`
	Name     string            `yaml:"name"`
	Rules    map[string]string `yaml:"rules"`
	Fallback string            `yaml:"fallback"`
}

// EngineConfig 引擎选项
type EngineConfig struct {
	CleanupOnSuccess *bool        `yaml:"cleanup_on_success"`
	SigningKey       string       `yaml:"signing_key"`
	EvidenceVersion  string       `yaml:"evidence_version"`
	ContextSchema    string       `yaml:"context_schema"`
	Policy           PolicyConfig `yaml:"policy"`
}

// Cleanup 返回成功后是否清理检查点（未配置时为 true）
func (c EngineConfig) Cleanup() bool {
	return c.CleanupOnSuccess == nil || *c.CleanupOnSuccess
}

// MetricsConfig 指标
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ReplayConfig 重放与漂移巡检
type ReplayConfig struct {
	Normalizer string `yaml:"normalizer"`
	Schedule   string `yaml:"schedule"`
}

// Config 运行时配置
type Config struct {
	Checkpoint CheckpointConfig  `yaml:"checkpoint"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Mirror     MirrorConfig      `yaml:"mirror"`
	Engine     EngineConfig      `yaml:"engine"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Replay     ReplayConfig      `yaml:"replay"`
	Log        logging.ZapConfig `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Checkpoint: CheckpointConfig{
			Backend:   BackendAuto,
			Dir:       ".transaction-logs",
			KeyPrefix: "tx:",
			TTL:       time.Hour,
		},
		Ledger: LedgerConfig{
			Backend: LedgerMemory,
			Driver:  "sqlite",
			Table:   "audit_evidence",
		},
		Mirror: MirrorConfig{
			Stream:        "SAGA_EVIDENCE",
			SubjectPrefix: "saga.evidence.",
			Replicas:      1,
		},
		Engine: EngineConfig{
			EvidenceVersion: "v1",
		},
		Metrics: MetricsConfig{Namespace: "txsaga"},
		Log: logging.ZapConfig{
			Level:      "info",
			Format:     "json",
			OutputFile: "stderr",
			Service:    "txsaga",
		},
	}
}

// Load 读取配置文件并应用进程环境变量
//
// 参数：
//   - path: YAML 文件路径，空串或文件不存在时只使用默认值
//
// 返回：
//   - *Config: 已校验的配置
//   - error: 文件无法解析或校验失败（CONFIG_ERROR）
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.WrapError(err, apperrors.ErrCodeConfig, "解析配置文件失败: "+path)
			}
		case stdErrors.Is(err, fs.ErrNotExist):
		default:
			return nil, apperrors.WrapError(err, apperrors.ErrCodeConfig, "读取配置文件失败: "+path)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 从 YAML 解析（不读取环境变量）
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeConfig, "解析配置失败")
	}
	return cfg, cfg.Validate()
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Checkpoint.RedisURL = v
	}
	if v, ok := lookup(EnvCheckpointDir); ok && v != "" {
		c.Checkpoint.Dir = v
	}
	if v, ok := lookup(EnvLedgerDSN); ok && v != "" {
		c.Ledger.DSN = v
		c.Ledger.Backend = LedgerSQL
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.Mirror.NATSURL = v
	}
	if v, ok := lookup(EnvSigningKey); ok && v != "" {
		c.Engine.SigningKey = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// CheckpointBackend 解析 auto 后的实际检查点后端
func (c *Config) CheckpointBackend() string {
	if c.Checkpoint.Backend == BackendAuto || c.Checkpoint.Backend == "" {
		if c.Checkpoint.RedisURL != "" {
			return BackendRedis
		}
		return BackendFile
	}
	return c.Checkpoint.Backend
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(validation.ValidateOneOf(c.Checkpoint.Backend, "checkpoint.backend",
		BackendAuto, BackendFile, BackendRedis, BackendMemory))
	switch c.CheckpointBackend() {
	case BackendRedis:
		add(validation.ValidateRequired(c.Checkpoint.RedisURL, "checkpoint.redis_url"))
		add(validation.ValidatePositive(c.Checkpoint.TTL, "checkpoint.ttl"))
	case BackendFile:
		add(validation.ValidateRequired(c.Checkpoint.Dir, "checkpoint.dir"))
	}

	add(validation.ValidateOneOf(c.Ledger.Backend, "ledger.backend", LedgerMemory, LedgerSQL))
	if c.Ledger.Backend == LedgerSQL {
		add(validation.ValidateRequired(c.Ledger.Driver, "ledger.driver"))
		add(validation.ValidateRequired(c.Ledger.DSN, "ledger.dsn"))
	}

	if c.Mirror.NATSURL != "" {
		add(validation.ValidateRequired(c.Mirror.Stream, "mirror.stream"))
		add(validation.ValidatePositive(c.Mirror.Replicas, "mirror.replicas"))
	}

	if p := c.Engine.Policy; p.Engine != "" {
		add(validation.ValidateOneOf(p.Engine, "engine.policy.engine", "cel", "expr"))
		if len(p.Rules) == 0 && p.Fallback == "" {
			add(apperrors.NewError(apperrors.ErrCodeValidation, "engine.policy 至少需要一条规则"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return apperrors.WrapError(stdErrors.Join(errs...), apperrors.ErrCodeConfig,
		fmt.Sprintf("配置无效: %s", strings.Join(msgs, "; ")))
}
