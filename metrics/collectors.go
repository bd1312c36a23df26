// Package metrics adapts the core delivery state machines' Stats
// snapshots into Prometheus collectors, registered against the kept
// prometheus.Operator registry rather than a bespoke /metrics handler.
package metrics

import (
	lib "github.com/prometheus/client_golang/prometheus"

	"github.com/flowmesh/delivery/delivery"
)

const namespace = "delivery"

// pcStatsSource is satisfied by *delivery.ProducerController[T] for any
// payload type T; kept non-generic here so a single collector type can
// report on producers of different payload types under one registry.
type pcStatsSource interface {
	Stats() delivery.PCStats
}

// ProducerCollector exposes a ProducerController's live Stats() snapshot
// as Prometheus gauges, pulled fresh on every scrape instead of polled
// into a goroutine - PC.Stats() is already a cheap synchronous
// round-trip into the controller's event loop.
type ProducerCollector struct {
	source pcStatsSource

	currentSeqNr   *lib.Desc
	confirmedSeqNr *lib.Desc
	requestedSeqNr *lib.Desc
	hasDemand      *lib.Desc
	unconfirmed    *lib.Desc
}

// NewProducerCollector returns a collector reporting source's stats.
func NewProducerCollector(source pcStatsSource) *ProducerCollector {
	labels := []string{"producer_id"}
	return &ProducerCollector{
		source: source,
		currentSeqNr: lib.NewDesc(
			namespace+"_producer_current_seq_nr",
			"Next sequence number the producer controller will assign.",
			labels, nil,
		),
		confirmedSeqNr: lib.NewDesc(
			namespace+"_producer_confirmed_seq_nr",
			"Highest sequence number confirmed by the consumer side.",
			labels, nil,
		),
		requestedSeqNr: lib.NewDesc(
			namespace+"_producer_requested_seq_nr",
			"Highest sequence number the consumer side has granted demand for.",
			labels, nil,
		),
		hasDemand: lib.NewDesc(
			namespace+"_producer_has_demand",
			"Whether the producer controller currently has outstanding demand (1) or not (0).",
			labels, nil,
		),
		unconfirmed: lib.NewDesc(
			namespace+"_producer_unconfirmed_messages",
			"Number of messages sent but not yet confirmed.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *ProducerCollector) Describe(ch chan<- *lib.Desc) {
	ch <- c.currentSeqNr
	ch <- c.confirmedSeqNr
	ch <- c.requestedSeqNr
	ch <- c.hasDemand
	ch <- c.unconfirmed
}

// Collect implements prometheus.Collector.
func (c *ProducerCollector) Collect(ch chan<- lib.Metric) {
	stats := c.source.Stats()
	id := stats.ProducerID

	ch <- lib.MustNewConstMetric(c.currentSeqNr, lib.GaugeValue, float64(stats.CurrentSeqNr), id)
	ch <- lib.MustNewConstMetric(c.confirmedSeqNr, lib.GaugeValue, float64(stats.ConfirmedSeqNr), id)
	ch <- lib.MustNewConstMetric(c.requestedSeqNr, lib.GaugeValue, float64(stats.RequestedSeqNr), id)
	ch <- lib.MustNewConstMetric(c.hasDemand, lib.GaugeValue, boolToFloat(stats.HasDemand), id)
	ch <- lib.MustNewConstMetric(c.unconfirmed, lib.GaugeValue, float64(stats.UnconfirmedLen), id)
}

// wprStatsSource is satisfied by *delivery.WorkPullingRouter[T].
type wprStatsSource interface {
	GetWorkerStats() delivery.WorkerStats
}

// RouterCollector exposes a WorkPullingRouter's live GetWorkerStats()
// snapshot as Prometheus gauges, labeled by the service key the router
// was created with.
type RouterCollector struct {
	source     wprStatsSource
	serviceKey string

	workerCount *lib.Desc
	withDemand  *lib.Desc
	buffered    *lib.Desc
}

// NewRouterCollector returns a collector reporting source's stats,
// labeled with serviceKey.
func NewRouterCollector(source wprStatsSource, serviceKey string) *RouterCollector {
	labels := []string{"service_key"}
	return &RouterCollector{
		source:     source,
		serviceKey: serviceKey,
		workerCount: lib.NewDesc(
			namespace+"_router_worker_count",
			"Number of workers currently known to the router.",
			labels, nil,
		),
		withDemand: lib.NewDesc(
			namespace+"_router_workers_with_demand",
			"Number of workers currently signaling demand.",
			labels, nil,
		),
		buffered: lib.NewDesc(
			namespace+"_router_buffered_messages",
			"Number of messages held back because no worker had demand.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *RouterCollector) Describe(ch chan<- *lib.Desc) {
	ch <- c.workerCount
	ch <- c.withDemand
	ch <- c.buffered
}

// Collect implements prometheus.Collector.
func (c *RouterCollector) Collect(ch chan<- lib.Metric) {
	stats := c.source.GetWorkerStats()
	ch <- lib.MustNewConstMetric(c.workerCount, lib.GaugeValue, float64(stats.WorkerCount), c.serviceKey)
	ch <- lib.MustNewConstMetric(c.withDemand, lib.GaugeValue, float64(stats.WorkersWithDemand), c.serviceKey)
	ch <- lib.MustNewConstMetric(c.buffered, lib.GaugeValue, float64(stats.BufferedMessages), c.serviceKey)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
