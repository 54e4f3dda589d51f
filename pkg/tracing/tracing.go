// Package tracing wires OpenTelemetry spans through HTTP requests, Redis
// stream messages and reconciliation phases.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
)

type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

const (
	// TraceHeader 响应中回显 trace ID，便于运维按请求检索
	TraceHeader    = "X-Trace-ID"
	tracerName     = "servicecomb-saga/alpha"
	unknownService = "unknown-service"
)

var tracingEnabled atomic.Bool

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagator())
	if !cfg.Enabled {
		tracingEnabled.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = unknownService
	}
	sampleRate := min(max(cfg.SampleRate, 0), 1)

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)
	return tp.Shutdown, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware 为每个请求开启 server span；span 名取 chi 路由模板，
// 避免 saga ID 进入 span 名
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tracingEnabled.Load() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set(TraceHeader, sc.TraceID().String())
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(LogContext(ctx)))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status),
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				attrs = append(attrs, attribute.String("http.route", pattern))
			}
			if sagaID := rctx.URLParam("sagaID"); sagaID != "" {
				attrs = append(attrs, attribute.String("saga.id", sagaID))
			}
		}
		if reqID := logger.RequestIDFromContext(r.Context()); reqID != "" {
			attrs = append(attrs, attribute.String("request.id", reqID))
		}
		span.SetAttributes(attrs...)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// StartPhase 开始一个协调阶段的 span，并把 trace/span ID 写入日志上下文
func StartPhase(ctx context.Context, phase string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !tracingEnabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return LogContext(ctx), span
}

// LogContext 将当前 span 的 ID 注入 logger 使用的上下文键
func LogContext(ctx context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ctx
	}
	ctx = logger.ContextWithTraceID(ctx, sc.TraceID().String())
	return logger.ContextWithSpanID(ctx, sc.SpanID().String())
}

// AddEvent 在当前 span 上记录事件
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetError 记录错误
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHTTP 把 trace 上下文写入补偿回调请求头
func InjectHTTP(ctx context.Context, req *http.Request) {
	if req == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// streamCarrier 让 W3C traceparent 随 Stream 消息字段传递
type streamCarrier map[string]interface{}

func (c streamCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (c streamCarrier) Set(key, value string) {
	c[key] = value
}

func (c streamCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectRedisStream 把 trace 上下文写入 Stream 消息字段
func InjectRedisStream(ctx context.Context, values map[string]interface{}) {
	if values == nil || !trace.SpanContextFromContext(ctx).IsValid() {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, streamCarrier(values))
}

// ExtractRedisStream 从 Stream 消息字段恢复上游 trace 上下文
func ExtractRedisStream(ctx context.Context, values map[string]interface{}) context.Context {
	if values == nil {
		return ctx
	}
	return LogContext(otel.GetTextMapPropagator().Extract(ctx, streamCarrier(values)))
}
