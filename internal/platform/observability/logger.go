package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON logger used by the service. Field names follow Cloud Logging's
// structured payload conventions. LOG_LEVEL selects the level; unknown values fall back to info.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			NameKey:       "logger",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// EventLogger adapts zap to the func(ctx, event, fields) hook accepted by the services package.
// Failure-style events (suffix failed, .panic, .timeout, .dropped, .no_lines) log at warn and
// names listed in infoEvents at info. Everything else logs at debug. A request-scoped logger on
// ctx wins over base.
func EventLogger(base *zap.Logger, infoEvents ...string) func(context.Context, string, map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	info := make(map[string]struct{}, len(infoEvents))
	for _, event := range infoEvents {
		info[event] = struct{}{}
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if scoped := requestctx.Logger(ctx); scoped != requestctx.NoopLogger() {
			logger = scoped.Named(base.Name())
		}
		zFields := eventFields(ctx, event, fields)
		switch {
		case isWarnEvent(event):
			logger.Warn(event, zFields...)
		case hasEvent(info, event):
			logger.Info(event, zFields...)
		default:
			logger.Debug(event, zFields...)
		}
	}
}

// eventFields orders fields by key. Background jobs on ctx add a job field and fill orderId when absent.
func eventFields(ctx context.Context, event string, fields map[string]any) []zap.Field {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys)+3)
	out = append(out, zap.String("event", event))
	if job, ok := requestctx.Job(ctx); ok {
		out = append(out, zap.String("job", job.Kind))
		if _, set := fields["orderId"]; !set && job.OrderID != "" {
			out = append(out, zap.String("orderId", job.OrderID))
		}
	}
	for _, key := range keys {
		out = append(out, zap.Any(key, fields[key]))
	}
	return out
}

func isWarnEvent(event string) bool {
	for _, suffix := range []string{"failed", ".panic", ".timeout", ".dropped", ".no_lines"} {
		if strings.HasSuffix(event, suffix) {
			return true
		}
	}
	return false
}

func hasEvent(set map[string]struct{}, event string) bool {
	_, ok := set[event]
	return ok
}
