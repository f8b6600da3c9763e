package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"grist-agent/internal/infra/config"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.TracerConfig
		wantNoop bool
		wantErr  bool
	}{
		{"disabled", config.TracerConfig{Enabled: false, Exporter: "stdout"}, true, false},
		{"noop", config.TracerConfig{Enabled: true, Exporter: "noop"}, true, false},
		{"empty exporter", config.TracerConfig{Enabled: true}, true, false},
		{"stdout", config.TracerConfig{Enabled: true, Exporter: "stdout"}, false, false},
		{"unsupported", config.TracerConfig{Enabled: true, Exporter: "zipkin"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer shutdown(context.Background())

			_, isNoop := otel.GetTracerProvider().(noop.TracerProvider)
			assert.Equal(t, tt.wantNoop, isNoop)
		})
	}
}

func TestEndSetsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, ok := StartSpan(context.Background(), "grist.request")
	End(ok, nil)
	_, failed := StartSpan(context.Background(), "grist.request")
	End(failed, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestAttrHelpers(t *testing.T) {
	assert.Equal(t, "table", string(StringAttr("table", "Projects").Key))
	assert.Equal(t, int64(42), IntAttr("count", 42).Value.AsInt64())
	assert.True(t, BoolAttr("confirmed", true).Value.AsBool())
}
