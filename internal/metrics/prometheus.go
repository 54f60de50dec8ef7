package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "cross_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Inc() { p.gauge.Inc() }
func (p promGauge) Dec() { p.gauge.Dec() }

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry

	oppDetected prometheus.Counter
	oppApproved prometheus.Counter
	oppRejected prometheus.Counter
	tradesDone  prometheus.Counter
	tradesPart  prometheus.Counter
	tradesAbort prometheus.Counter
	tradesFail  prometheus.Counter
	haltEngaged prometheus.Counter
	inFlight    prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	detected := newCounter("opportunities_detected_total", "Total number of arbitrage opportunities detected.")
	approved := newCounter("opportunities_approved_total", "Total number of opportunities approved by the risk gate.")
	rejected := newCounter("opportunities_rejected_total", "Total number of opportunities rejected by the risk gate.")
	completed := newCounter("trades_completed_total", "Total number of fully completed arbitrage trades.")
	partial := newCounter("trades_partial_total", "Total number of partially filled arbitrage trades.")
	aborted := newCounter("trades_aborted_total", "Total number of aborted executions.")
	failed := newCounter("trades_failed_total", "Total number of failed executions.")
	halted := newCounter("halt_engaged_total", "Total number of risk halt engagements.")
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "executions_in_flight",
		Help:      "Number of executions currently in flight.",
	})

	registry.MustRegister(detected, approved, rejected, completed, partial, aborted, failed, halted, inFlight)

	m := &Metrics{
		OpportunitiesDetected: promCounter{detected},
		OpportunitiesApproved: promCounter{approved},
		OpportunitiesRejected: promCounter{rejected},
		TradesCompleted:       promCounter{completed},
		TradesPartial:         promCounter{partial},
		TradesAborted:         promCounter{aborted},
		TradesFailed:          promCounter{failed},
		HaltEngaged:           promCounter{halted},
		InFlight:              promGauge{inFlight},
	}

	return &Prometheus{
		Metrics:     m,
		registry:    registry,
		oppDetected: detected,
		oppApproved: approved,
		oppRejected: rejected,
		tradesDone:  completed,
		tradesPart:  partial,
		tradesAbort: aborted,
		tradesFail:  failed,
		haltEngaged: halted,
		inFlight:    inFlight,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
