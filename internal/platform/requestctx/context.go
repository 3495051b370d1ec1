// Package requestctx carries per-request and per-job values (logger, trace, background job) on a context.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type key[T any] struct{ name string }

func (k key[T]) with(ctx context.Context, value T) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, k, value)
}

func (k key[T]) get(ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	value, ok := ctx.Value(k).(T)
	return value, ok
}

var (
	loggerKey = key[*zap.Logger]{name: "logger"}
	traceKey  = key[TraceInfo]{name: "trace"}
	jobKey    = key[JobInfo]{name: "job"}

	noopLogger = zap.NewNop()
)

// TraceInfo is the Cloud Trace context parsed from the incoming request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// JobInfo identifies background work that runs detached from any request, such as an ERP sync pass.
type JobInfo struct {
	Kind    string
	OrderID string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return loggerKey.with(ctx, logger)
}

// Logger returns the scoped logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := loggerKey.get(ctx); ok && logger != nil {
		return logger
	}
	return noopLogger
}

func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return traceKey.with(ctx, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return traceKey.get(ctx)
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithJob tags ctx as belonging to a background job.
func WithJob(ctx context.Context, info JobInfo) context.Context {
	return jobKey.with(ctx, info)
}

func Job(ctx context.Context) (JobInfo, bool) {
	return jobKey.get(ctx)
}
