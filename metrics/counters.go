package metrics

import lib "github.com/prometheus/client_golang/prometheus"

// ControlCounters counts Request, Ack and Resend frames as they are
// handled, broken down by kind. Unlike ProducerCollector/RouterCollector
// these are event counts, not point-in-time state, so they are plain
// prometheus.CounterVec instances incremented by the transport layer
// rather than pulled from a Stats() snapshot on scrape.
type ControlCounters struct {
	vec *lib.CounterVec
}

// NewControlCounters returns a ControlCounters ready for registration.
func NewControlCounters() *ControlCounters {
	return &ControlCounters{
		vec: lib.NewCounterVec(lib.CounterOpts{
			Namespace: namespace,
			Name:      "control_frames_total",
			Help:      "Number of Request, Ack and Resend frames handled, by kind.",
		}, []string{"kind"}),
	}
}

// Describe implements prometheus.Collector.
func (c *ControlCounters) Describe(ch chan<- *lib.Desc) { c.vec.Describe(ch) }

// Collect implements prometheus.Collector.
func (c *ControlCounters) Collect(ch chan<- lib.Metric) { c.vec.Collect(ch) }

// Request increments the request counter.
func (c *ControlCounters) Request() { c.vec.WithLabelValues("request").Inc() }

// Ack increments the ack counter.
func (c *ControlCounters) Ack() { c.vec.WithLabelValues("ack").Inc() }

// Resend increments the resend counter.
func (c *ControlCounters) Resend() { c.vec.WithLabelValues("resend").Inc() }
