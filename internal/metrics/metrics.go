package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Inc()
	Dec()
}

type Metrics struct {
	OpportunitiesDetected Counter
	OpportunitiesApproved Counter
	OpportunitiesRejected Counter
	TradesCompleted       Counter
	TradesPartial         Counter
	TradesAborted         Counter
	TradesFailed          Counter
	HaltEngaged           Counter
	InFlight              Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Inc() {}
func (noopGauge) Dec() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OpportunitiesDetected: n,
		OpportunitiesApproved: n,
		OpportunitiesRejected: n,
		TradesCompleted:       n,
		TradesPartial:         n,
		TradesAborted:         n,
		TradesFailed:          n,
		HaltEngaged:           n,
		InFlight:              noopGauge{},
	}
}
