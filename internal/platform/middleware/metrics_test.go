package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

func newMetricsEcho(t *testing.T) (*echo.Echo, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/resources/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/bookings", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "slot already booked")
	})
	e.GET("/metrics", m.Handler())
	return e, reg
}

func scrape(e *echo.Echo) string {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestMetrics_ObservesRouteTemplate(t *testing.T) {
	e, reg := newMetricsEcho(t)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resources/"+id, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 1 || len(families[0].GetMetric()) != 1 {
		t.Fatalf("expected one series for the route template, got %v", families)
	}

	body := scrape(e)
	want := `portal_http_request_duration_seconds_count{method="GET",route="/resources/:id",status="200"} 3`
	if !strings.Contains(body, want) {
		t.Errorf("expected %q in exposition, got:\n%s", want, body)
	}
}

func TestMetrics_RecordsErrorStatus(t *testing.T) {
	e, _ := newMetricsEcho(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bookings", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	want := `portal_http_request_duration_seconds_count{method="POST",route="/bookings",status="409"} 1`
	if body := scrape(e); !strings.Contains(body, want) {
		t.Errorf("expected %q in exposition, got:\n%s", want, body)
	}
}
