package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/3xpluto/civic-ratelimit/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "test")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMiddlewareExportsSpans(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := setup(context.Background(), config.TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		ServiceName:  "civic-test",
		SamplingRate: 1,
	}, "test", &out)
	if err != nil {
		t.Fatal(err)
	}

	h := Middleware("chat", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("code=%d", rec.Code)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "http chat") {
		t.Fatalf("span not exported: %s", out.String())
	}
}
