package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"vibeslop/pkg/logging"
	"vibeslop/pkg/monitoring"
)

func TestSetupServiceRouter(t *testing.T) {
	logger := logging.NewDiscardLogger()
	hc := monitoring.NewHealthChecker("svc", "v1")
	hc.AddCheck("always", func() monitoring.CheckResult { return monitoring.CheckResult{Status: monitoring.StatusHealthy} })
	mc := monitoring.NewMetricsCollector("svc", "v1", "abc")
	r := SetupServiceRouter(logger, "svc", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for _, path := range []string{"/ping", "/health", "/metrics"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestHealthReportsUnavailable(t *testing.T) {
	hc := monitoring.NewHealthChecker("svc", "v1")
	hc.AddCheck("db", func() monitoring.CheckResult { return monitoring.CheckResult{Status: monitoring.StatusUnhealthy} })
	r := SetupServiceRouter(logging.NewDiscardLogger(), "svc", hc, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	cfg := DefaultConfig("svc", "0")
	cfg.ShutdownTimeout = time.Second
	r := SetupServiceRouter(logging.NewDiscardLogger(), "svc", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, cfg, r, logging.NewDiscardLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
