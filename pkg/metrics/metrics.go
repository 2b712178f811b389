// Package metrics records driver request counters.
//
// Sinks are fire-and-forget: every method must return quickly and must never
// block the paging data path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes reported through RequestCompleted.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// Sink receives request counters.
type Sink interface {
	// RequestStarted is recorded when a request is sent.
	RequestStarted()
	// ClientTimeout is recorded when a request's global timeout fires.
	ClientTimeout()
	// MessageReceived is recorded for each page received from node.
	MessageReceived(node string)
	// RequestCompleted is recorded on a request's terminal transition.
	RequestCompleted(outcome string)
}

// Nop discards everything.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) RequestStarted()         {}
func (nopSink) ClientTimeout()          {}
func (nopSink) MessageReceived(string)  {}
func (nopSink) RequestCompleted(string) {}

// ============================================================================
//                          Prometheus
// ============================================================================

// Prometheus is a Sink backed by Prometheus counters.
type Prometheus struct {
	requests  prometheus.Counter
	timeouts  prometheus.Counter
	messages  *prometheus.CounterVec
	completed *prometheus.CounterVec
}

// NewPrometheus creates the counters and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "requests_total",
			Help:      "Total number of continuous graph requests sent",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "client_timeouts_total",
			Help:      "Total number of continuous graph requests that hit the client-side timeout",
		}),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graph",
				Name:      "messages_total",
				Help:      "Total number of result pages received, by node",
			},
			[]string{"node"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graph",
				Name:      "requests_completed_total",
				Help:      "Total number of continuous graph requests by terminal outcome",
			},
			[]string{"outcome"}, // success, cancelled, timeout, error
		),
	}
	for _, c := range []prometheus.Collector{p.requests, p.timeouts, p.messages, p.completed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RequestStarted() { p.requests.Inc() }

func (p *Prometheus) ClientTimeout() { p.timeouts.Inc() }

func (p *Prometheus) MessageReceived(node string) {
	p.messages.WithLabelValues(node).Inc()
}

func (p *Prometheus) RequestCompleted(outcome string) {
	p.completed.WithLabelValues(outcome).Inc()
}
