package infrastructure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"licensekit/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func shutdown(t *testing.T, p *OTelProviders) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.Shutdown(ctx))
}

func TestOTelConfigFromTelemetry(t *testing.T) {
	tests := []struct {
		name    string
		in      config.TelemetryConfig
		tracing bool
		metrics bool
		env     string
		service string
	}{
		{
			name:    "defaults disable both exporters",
			in:      config.Default().Telemetry,
			env:     "development",
			service: ServiceName,
		},
		{
			name: "stdout traces and prometheus metrics",
			in: config.TelemetryConfig{
				ServiceName:    "desk-app",
				Environment:    "production",
				TraceExporter:  "stdout",
				MetricExporter: "prometheus",
				SampleRatio:    0.5,
			},
			tracing: true,
			metrics: true,
			env:     "production",
			service: "desk-app",
		},
		{
			name:    "empty values fall back",
			in:      config.TelemetryConfig{},
			env:     "development",
			service: ServiceName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := OTelConfigFromTelemetry(tt.in)
			assert.Equal(t, tt.tracing, cfg.EnableTracing)
			assert.Equal(t, tt.metrics, cfg.EnableMetrics)
			assert.Equal(t, tt.env, cfg.Environment)
			assert.Equal(t, tt.service, cfg.ServiceName)
			assert.NotEmpty(t, cfg.ServiceVersion)
		})
	}
}

func TestInitializeOTelDisabledFallsBackToGlobals(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), discardLogger())
	require.NoError(t, err)
	defer shutdown(t, providers)

	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.MeterProvider)
	assert.Nil(t, providers.PrometheusHTTP)
	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Meter)

	counter, err := providers.Meter.Int64Counter("noop_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}

func TestInitializeOTelEnabled(t *testing.T) {
	cfg := OTelConfigFromTelemetry(config.TelemetryConfig{
		TraceExporter:  "stdout",
		MetricExporter: "prometheus",
		SampleRatio:    1,
	})

	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)
	defer shutdown(t, providers)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.PrometheusHTTP)

	counter, err := providers.Meter.Int64Counter("license_probe_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "license_probe_total")
}

func TestInitializeOTelRejectsUnknownExporters(t *testing.T) {
	tests := []struct {
		name string
		cfg  *OTelConfig
		want string
	}{
		{
			name: "trace",
			cfg:  &OTelConfig{EnableTracing: true, TraceExporter: "jaeger", SampleRatio: 1},
			want: "unsupported trace exporter",
		},
		{
			name: "metric",
			cfg:  &OTelConfig{EnableMetrics: true, MetricExporter: "statsd"},
			want: "unsupported metric exporter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := InitializeOTel(tt.cfg, discardLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "license.check")
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
	assert.Equal(t, span, SpanFromContext(ctx))

	SetSpanAttributes(ctx, map[string]interface{}{
		"license.tier": 90,
		"license.ok":   true,
		"license.id":   "abc",
		"license.day":  time.Duration(0),
	})
	AddSpanEvent(ctx, "license.verified", map[string]interface{}{"days_left": int64(12)})
	RecordError(ctx, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Len(t, got.Attributes, 4)
	// AddSpanEvent plus the exception event from RecordError.
	require.Len(t, got.Events, 2)
	assert.Equal(t, "license.verified", got.Events[0].Name)
}

func TestSpanHelpersIgnoreNonRecordingSpans(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))

	assert.NotPanics(t, func() {
		SetSpanAttributes(ctx, map[string]interface{}{"k": "v"})
		AddSpanEvent(ctx, "noop", nil)
		RecordError(ctx, errors.New("ignored"))
	})
}

func TestTracePropagation(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), discardLogger())
	require.NoError(t, err)
	defer shutdown(t, providers)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "outbound")
	defer span.End()

	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	require.NotEmpty(t, header.Get("traceparent"))

	extracted := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(header))
	assert.Equal(t, TraceIDFromContext(ctx), TraceIDFromContext(extracted))
}
