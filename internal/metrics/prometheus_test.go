package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.PositionsClosed.Inc()
	prom.Metrics.PositionsReset.Inc()
	prom.Metrics.PartialFills.Inc()
	prom.Metrics.RedemptionTimeouts.Inc()
	prom.Metrics.Rejections.Inc()
	prom.Metrics.Rejections.Inc()
	prom.Metrics.CycleErrors.Inc()

	assertCounter(t, prom.ordersPlaced, 1)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.positionsOpened, 1)
	assertCounter(t, prom.positionsClosed, 1)
	assertCounter(t, prom.positionsReset, 1)
	assertCounter(t, prom.partialFills, 1)
	assertCounter(t, prom.redemptionTimeouts, 1)
	assertCounter(t, prom.rejections, 2)
	assertCounter(t, prom.cycleErrors, 1)
}

func TestPrometheusOpenPositionsGauge(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OpenPositions.Set(3)
	if got := testutil.ToFloat64(prom.openPositions); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}
	prom.Metrics.OpenPositions.Set(1)
	if got := testutil.ToFloat64(prom.openPositions); got != 1 {
		t.Fatalf("expected gauge 1, got %v", got)
	}
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PositionsOpened.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "okx_carry_bot_positions_opened_total 1") {
		t.Fatalf("expected opened counter in output, got %s", rec.Body.String())
	}
}

func TestNoopAcceptsNil(t *testing.T) {
	m := OrNoop(nil)
	m.OrdersPlaced.Inc()
	m.OpenPositions.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
