// Package observability 提供 InnFlow 服务的可观测性支持
// 包括 Trace（分布式追踪）和 Metrics（指标收集）
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName Tracer 名称
const TracerName = "innflow"

var (
	// 全局组件
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// 业务指标
	outboxPublishTotal     metrics.Counter
	outboxPublishFailed    metrics.Counter
	replyProcessDuration   metrics.Histogram
	requestProcessDuration metrics.Histogram
	sagaFinishedTotal      metrics.Counter
	sagaCompensatedTotal   metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		// 1. 初始化 Trace
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		// 2. 初始化 Metrics
		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		// 3. 初始化业务指标
		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭
func Shutdown(ctx context.Context) error {
	if shutdown != nil {
		return shutdown(ctx)
	}
	if meter != nil {
		return meter.Shutdown(ctx)
	}
	return nil
}

// initTrace 初始化 Trace
func initTrace(cfg *Config) (func(context.Context) error, error) {
	if cfg.Trace.Disable {
		// 禁用 Trace，只生成 TraceID 不上报
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(cfg.ServiceName),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		return tp.Shutdown, nil
	}

	// 配置 OTLP Exporter
	endpoint := cfg.Trace.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	sampler := cfg.Trace.Sampler
	if sampler == 0 {
		sampler = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))),
	}
	tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// initMetrics 初始化 Metrics
func initMetrics(cfg *Config) (metrics.Meter, error) {
	metricsCfg := &metrics.Config{
		ServiceName:   cfg.ServiceName,
		Port:          cfg.Metrics.Port,
		Path:          cfg.Metrics.Path,
		EnableRuntime: cfg.Metrics.EnableRuntime,
	}
	if metricsCfg.Port == 0 {
		metricsCfg.Port = 9090
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}

	return metrics.New(metricsCfg)
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	// Outbox 消息发布成功总数
	outboxPublishTotal, _ = meter.Counter(
		"innflow_outbox_publish_total",
		"Total number of outbox messages published to Kafka",
	)

	// Outbox 消息发布失败总数
	outboxPublishFailed, _ = meter.Counter(
		"innflow_outbox_publish_failed_total",
		"Total number of outbox messages that failed to publish",
	)

	// Saga 回执处理耗时
	replyProcessDuration, _ = meter.Histogram(
		"innflow_reply_process_duration_seconds",
		"Saga reply message processing duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}),
	)

	// Saga 请求处理耗时（房态/支付/通知侧）
	requestProcessDuration, _ = meter.Histogram(
		"innflow_request_process_duration_seconds",
		"Saga request message processing duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}),
	)

	// Saga 正向完成总数
	sagaFinishedTotal, _ = meter.Counter(
		"innflow_saga_finished_total",
		"Total number of booking sagas finished successfully",
	)

	// Saga 补偿收敛总数
	sagaCompensatedTotal, _ = meter.Counter(
		"innflow_saga_compensated_total",
		"Total number of booking sagas fully compensated",
	)
}

// ============================================================================
// Trace 辅助函数
// ============================================================================

// StartSpan 开始一个新的 Span
// 返回带有 Span 的 Context 和结束函数
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() {
		span.End()
	}
}

// GetTraceID 返回当前 Span 的 TraceID，Context 中没有有效 Span 时返回空串
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// ============================================================================
// Metrics 记录函数
// ============================================================================

// RecordOutboxPublish 记录 Outbox 发布成功
func RecordOutboxPublish(ctx context.Context, labels ...metrics.Label) {
	if outboxPublishTotal != nil {
		outboxPublishTotal.Inc(ctx, labels...)
	}
}

// RecordOutboxPublishFailed 记录 Outbox 发布失败
func RecordOutboxPublishFailed(ctx context.Context, labels ...metrics.Label) {
	if outboxPublishFailed != nil {
		outboxPublishFailed.Inc(ctx, labels...)
	}
}

// RecordReplyProcess 记录回执处理耗时
func RecordReplyProcess(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if replyProcessDuration != nil {
		replyProcessDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordRequestProcess 记录请求处理耗时
func RecordRequestProcess(ctx context.Context, duration time.Duration, labels ...metrics.Label) {
	if requestProcessDuration != nil {
		requestProcessDuration.Record(ctx, duration.Seconds(), labels...)
	}
}

// RecordSagaFinished 记录 Saga 正向完成
func RecordSagaFinished(ctx context.Context, labels ...metrics.Label) {
	if sagaFinishedTotal != nil {
		sagaFinishedTotal.Inc(ctx, labels...)
	}
}

// RecordSagaCompensated 记录 Saga 补偿收敛
func RecordSagaCompensated(ctx context.Context, labels ...metrics.Label) {
	if sagaCompensatedTotal != nil {
		sagaCompensatedTotal.Inc(ctx, labels...)
	}
}

// ============================================================================
// Logger 创建辅助函数
// ============================================================================

// NewLogger 创建带有 Trace Context 的 Logger
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}
