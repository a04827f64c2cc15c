package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordSpans installs an in-memory tracer provider for the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func hasAttr(attrs []attribute.KeyValue, key, want string) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.Emit() == want {
			return true
		}
	}
	return false
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := Init(context.Background(), Options{Version: "test"}, logger)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "saga.decrement_stock", PurchaseID("p-1"), SagaStep("decrement_stock"))
	End(span, errors.New("insufficient stock"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", spans[0].Status().Code)
	}
	if !hasAttr(spans[0].Attributes(), "purchase.id", "p-1") {
		t.Error("Expected purchase.id attribute on span")
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := recordSpans(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Init(context.Background(), Options{}, logger); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var inner trace.SpanContext
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/purchases/:id", func(c *gin.Context) {
		inner = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/purchases/p-1", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := inner.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "GET /v1/purchases/:id" || s.SpanKind() != trace.SpanKindServer {
		t.Errorf("span = %q kind %v", s.Name(), s.SpanKind())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("5xx should mark the span failed, got %v", s.Status().Code)
	}
	if !hasAttr(s.Attributes(), "http.route", "/v1/purchases/:id") {
		t.Error("Expected http.route attribute")
	}
}
