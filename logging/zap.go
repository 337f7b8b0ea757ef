package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig zap 后端配置
type ZapConfig struct {
	// Level 最低级别（debug/info/warn/error），解析失败回落 info
	Level string `yaml:"level"`
	// Format 输出格式：json 或 console
	Format string `yaml:"format"`
	// OutputFile 输出文件，stdout/stderr 表示控制台
	OutputFile string `yaml:"output_file"`
	// Service 附加到每条日志的 service 字段，空则不附加
	Service string `yaml:"service"`
}

// ZapLogger 将 Logger 接口适配到 *zap.Logger
type ZapLogger struct {
	z *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger 包装已有的 zap.Logger
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z}
}

// NewZap 根据配置构建 zap 后端
//
// 参数：
//   - cfg: 级别、格式与输出目标
//
// 返回：
//   - *ZapLogger: 适配后的 Logger
//   - error: 打开输出文件失败
func NewZap(cfg ZapConfig) (*ZapLogger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := zapWriteSyncer(cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(zapEncoder(cfg.Format), ws, level)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if cfg.Service != "" {
		z = z.With(zap.String("service", cfg.Service))
	}
	return NewZapLogger(z), nil
}

func zapEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

func zapWriteSyncer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", output, err)
		}
		return zapcore.AddSync(f), nil
	}
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.z.Debug(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.z.Info(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.z.Warn(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.z.Error(msg, toZapFields(fields)...)
}

func (l *ZapLogger) WithFields(fields ...Field) Logger {
	return &ZapLogger{z: l.z.With(toZapFields(fields)...)}
}

// Sync 刷新缓冲
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}

// Zap 返回底层 zap.Logger
func (l *ZapLogger) Zap() *zap.Logger {
	return l.z
}

func toZapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
