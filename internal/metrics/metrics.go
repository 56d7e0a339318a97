package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced       Counter
	OrdersFailed       Counter
	PositionsOpened    Counter
	PositionsClosed    Counter
	PositionsReset     Counter
	PartialFills       Counter
	RedemptionTimeouts Counter
	Rejections         Counter
	CycleErrors        Counter
	OpenPositions      Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:       n,
		OrdersFailed:       n,
		PositionsOpened:    n,
		PositionsClosed:    n,
		PositionsReset:     n,
		PartialFills:       n,
		RedemptionTimeouts: n,
		Rejections:         n,
		CycleErrors:        n,
		OpenPositions:      noopGauge{},
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
