package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "walletgate-test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown must be non-nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseSampler(t *testing.T) {
	t.Parallel()
	if got := parseSampler("always_on", ""); got.Description() != trace.AlwaysSample().Description() {
		t.Fatalf("always_on = %s", got.Description())
	}
	if got := parseSampler("always_off", ""); got.Description() != trace.NeverSample().Description() {
		t.Fatalf("always_off = %s", got.Description())
	}
	if got := parseSampler("traceidratio", "2.5"); got.Description() != trace.TraceIDRatioBased(1).Description() {
		t.Fatalf("ratio must clamp to 1, got %s", got.Description())
	}
	if got := parseSampler("", "-1"); got.Description() != trace.ParentBased(trace.TraceIDRatioBased(0)).Description() {
		t.Fatalf("default must be parent-based, got %s", got.Description())
	}
}

func TestHTTPMiddleware(t *testing.T) {
	t.Parallel()
	handler := HTTPMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInstrumentClient(t *testing.T) {
	t.Parallel()
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("instrumented client must carry a transport")
	}
}
