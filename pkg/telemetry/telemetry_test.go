package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetup_ServesMetricsAndExportsSpans(t *testing.T) {
	ctx := context.Background()
	var traces bytes.Buffer
	tel, err := Setup(ctx, Options{ServiceName: "vai-live-test", TraceWriter: &traces}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	counter, err := tel.MeterProvider.Meter("test").Int64Counter("vai_live.test.events")
	if err != nil {
		t.Fatalf("Int64Counter() error = %v", err)
	}
	counter.Add(ctx, 3)

	_, span := tel.TracerProvider.Tracer("test").Start(ctx, "live.dial")
	span.End()

	srv := httptest.NewServer(tel.MetricsHandler)
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "vai_live_test_events") {
		t.Fatalf("metric missing from scrape:\n%s", body)
	}

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(traces.String(), "live.dial") {
		t.Fatalf("span not exported: %q", traces.String())
	}
}

func TestSetup_WithoutTracing(t *testing.T) {
	tel, err := Setup(context.Background(), Options{}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if tel.TracerProvider != nil {
		t.Fatalf("tracing should be disabled without a writer")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
