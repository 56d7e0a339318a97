package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "okx_carry_bot"

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	ordersPlaced       prometheus.Counter
	ordersFailed       prometheus.Counter
	positionsOpened    prometheus.Counter
	positionsClosed    prometheus.Counter
	positionsReset     prometheus.Counter
	partialFills       prometheus.Counter
	redemptionTimeouts prometheus.Counter
	rejections         prometheus.Counter
	cycleErrors        prometheus.Counter
	openPositions      prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:           registry,
		ordersPlaced:       newCounter("orders_placed_total", "Total number of orders placed."),
		ordersFailed:       newCounter("orders_failed_total", "Total number of order placement failures."),
		positionsOpened:    newCounter("positions_opened_total", "Total number of hedged positions opened."),
		positionsClosed:    newCounter("positions_closed_total", "Total number of positions closed."),
		positionsReset:     newCounter("positions_reset_total", "Total number of position resets."),
		partialFills:       newCounter("partial_fills_total", "Total number of one-legged fills."),
		redemptionTimeouts: newCounter("redemption_timeouts_total", "Total number of earn redemption timeouts."),
		rejections:         newCounter("opportunity_rejections_total", "Total number of rejected opportunities."),
		cycleErrors:        newCounter("cycle_errors_total", "Total number of abandoned scan or manage cycles."),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "open_positions",
			Help:      "Number of non-closed positions.",
		}),
	}
	registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.positionsOpened, p.positionsClosed, p.positionsReset,
		p.partialFills, p.redemptionTimeouts, p.rejections, p.cycleErrors, p.openPositions,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:       p.ordersPlaced,
		OrdersFailed:       p.ordersFailed,
		PositionsOpened:    p.positionsOpened,
		PositionsClosed:    p.positionsClosed,
		PositionsReset:     p.positionsReset,
		PartialFills:       p.partialFills,
		RedemptionTimeouts: p.redemptionTimeouts,
		Rejections:         p.rejections,
		CycleErrors:        p.cycleErrors,
		OpenPositions:      p.openPositions,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
