package tracer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

func TestSetupNoopProviders(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true, Exporter: "noop"},
		{Enabled: true, Exporter: ""},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
			t.Errorf("Setup(%+v): expected noop provider, got %T", cfg, otel.GetTracerProvider())
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, span := StartSpan(context.Background(), "llm.stream")
	span.SetAttributes(StringAttr("llm.backend", "openai"))
	SetOK(span)
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "llm.stream") {
		t.Errorf("exported output missing span name: %s", out)
	}
	if !strings.Contains(out, "unillm") {
		t.Errorf("exported output missing service name: %s", out)
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestRecordErrorTagsErrorCode(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, span := StartSpan(context.Background(), "llm.stream")
	RecordError(span, domain.NewDomainError("stream.Pump", domain.ErrTransport, "connection reset"))
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "error.code") || !strings.Contains(out, "TRANSPORT") {
		t.Errorf("exported span missing error code: %s", out)
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	if err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestStartSpanAndHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "session.turn")
	if ctx == nil {
		t.Error("context should not be nil")
	}
	SetOK(span)
	RecordError(span, errors.New("boom"))
	span.End()
}

func TestAttrHelpers(t *testing.T) {
	if kv := StringAttr("llm.model", "llama3"); kv.Value.AsString() != "llama3" {
		t.Errorf("StringAttr = %v", kv.Value.AsString())
	}
	if kv := IntAttr("llm.prompt_tokens", 42); kv.Value.AsInt64() != 42 {
		t.Errorf("IntAttr = %v", kv.Value.AsInt64())
	}
	if kv := BoolAttr("session.fallback", true); !kv.Value.AsBool() {
		t.Error("BoolAttr = false")
	}
	if kv := Float64Attr("llm.cost_usd", 0.5); kv.Value.AsFloat64() != 0.5 {
		t.Errorf("Float64Attr = %v", kv.Value.AsFloat64())
	}
}
