package logger

import (
	"context"
	"fmt"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/smsgate/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the zap logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	SamplingInitial     int
	SamplingThereafter  int
	SamplingWindow      time.Duration
	IncludeCaller       bool
	IncludeStackOnError bool
}

// New builds a structured zap.Logger and registers lifecycle hooks.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = normalizeFormat(cfg.Format)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	options := []zap.Option{}
	if cfg.IncludeCaller {
		options = append(options, zap.AddCaller())
	}
	if cfg.IncludeStackOnError {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	initial := cfg.SamplingInitial
	thereafter := cfg.SamplingThereafter
	window := cfg.SamplingWindow
	if initial == 0 {
		initial = 100
	}
	if thereafter == 0 {
		thereafter = 100
	}
	if window == 0 {
		window = time.Second
	}

	options = append(options, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(core, window, initial, thereafter)
	}))

	logger, err := zapCfg.Build(options...)
	if err != nil {
		return nil, err
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "smsgate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	version := strings.TrimSpace(cfg.Version)

	logger = logger.With(
		zap.String("service", serviceName),
		zap.String("env", environment),
		zap.String("version", version),
	)
	zap.ReplaceGlobals(logger)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				_ = ctx
				_ = logger.Sync()
				return nil
			},
		})
	}

	return logger, nil
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "console" {
		return "console"
	}
	return "json"
}

// FromContext returns a logger enriched with request-scoped fields.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext enriches the provided logger with correlation fields.
// Empty values are omitted so worker logs stay compact.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}

	fields := make([]zap.Field, 0, 6)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if entityID := obscontext.BillingEntityIDFromContext(ctx); entityID != "" {
		fields = append(fields, zap.String("billing_entity_id", entityID))
	}
	if batchID := obscontext.BatchIDFromContext(ctx); batchID != "" {
		fields = append(fields, zap.String("batch_id", batchID))
	}
	if actorType, actorID := obscontext.ActorFromContext(ctx); actorType != "" {
		fields = append(fields,
			zap.String("actor_type", actorType),
			zap.String("actor_id", actorID),
		)
	}
	fields = append(fields, traceFieldsFromContext(ctx)...)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// WithBillingEntity adds the billing entity identifier to the logger.
func WithBillingEntity(log *zap.Logger, entityID string) *zap.Logger {
	if log == nil {
		return nil
	}
	return log.With(zap.String("billing_entity_id", strings.TrimSpace(entityID)))
}

func traceFieldsFromContext(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
