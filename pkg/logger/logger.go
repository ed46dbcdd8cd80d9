// Package logger provides structured logging for the replication runtime
package logger

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	level        = zap.NewAtomicLevel()
	once         sync.Once
)

// contextKey is the type for context keys
type contextKey string

const (
	// FlowIDKey is the context key for the flow id
	FlowIDKey contextKey = "flow_id"
	// NodeIDKey is the context key for the node id
	NodeIDKey contextKey = "node_id"
	// PluginIDKey is the context key for the plugin id
	PluginIDKey contextKey = "plugin_id"
)

// Config represents logger configuration
type Config struct {
	Level       string   `mapstructure:"level" yaml:"level"`
	Development bool     `mapstructure:"development" yaml:"development"`
	Encoding    string   `mapstructure:"encoding" yaml:"encoding"` // json or console
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths"`
}

// Init initializes the global logger. Only the first call has an effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = build(cfg, level)
		if err != nil {
			globalLogger = zap.New(zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig(false)), zapcore.Lock(os.Stderr), level))
		}
	})
	return err
}

// SetLevel changes the level of the global logger at runtime
func SetLevel(l string) error {
	parsed, err := zapcore.ParseLevel(l)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	level.SetLevel(parsed)
	return nil
}

// New builds a zap logger from cfg without touching the global one
func New(cfg Config) (*zap.Logger, error) {
	return build(cfg, zap.NewAtomicLevel())
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if development {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return ec
}

func build(cfg Config, atom zap.AtomicLevel) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}
	parsed, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	atom.SetLevel(parsed)

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:            atom,
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig(cfg.Development),
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	opts := []zap.Option{}
	if cfg.Development {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	log, err := zapCfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log, nil
}

// Get returns the global logger, creating a default one if Init was never called
func Get() *zap.Logger {
	_ = Init(Config{Level: "info", Encoding: "json"})
	return globalLogger
}

// WithContext returns a logger with context values
func WithContext(ctx context.Context) *zap.Logger {
	return FromContext(ctx, Get())
}

// FromContext decorates base with the flow, node and plugin ids found in ctx
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	var fields []zap.Field
	for _, k := range []contextKey{FlowIDKey, NodeIDKey, PluginIDKey} {
		if v, ok := ctx.Value(k).(string); ok {
			fields = append(fields, zap.String(string(k), v))
		}
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ContextWith stores flow, node and plugin ids in ctx. Empty values are skipped.
func ContextWith(ctx context.Context, flowID, nodeID, pluginID string) context.Context {
	if flowID != "" {
		ctx = context.WithValue(ctx, FlowIDKey, flowID)
	}
	if nodeID != "" {
		ctx = context.WithValue(ctx, NodeIDKey, nodeID)
	}
	if pluginID != "" {
		ctx = context.WithValue(ctx, PluginIDKey, pluginID)
	}
	return ctx
}

// With creates a child logger with additional fields
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
