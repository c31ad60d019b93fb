package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestMiddlewareRecordsAndForwards(t *testing.T) {
	t.Parallel()

	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/recent", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	t.Parallel()

	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok")) // implicit 200
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
