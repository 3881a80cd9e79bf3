// Package metrics exposes server and replication activity as Prometheus
// metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "redislite"

// Collector implements the server and replication metrics interfaces on top
// of a Prometheus registry
type Collector struct {
	registry *prometheus.Registry

	commands     *prometheus.CounterVec
	cmdDuration  *prometheus.HistogramVec
	networkBytes prometheus.Counter
	connections  *prometheus.CounterVec
	readTimeouts prometheus.Counter
	errors       *prometheus.CounterVec
	handshake    prometheus.Histogram
}

// NewCollector creates a Collector with its own registry. The registry also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_processed_total",
			Help:      "Commands dispatched, by command name.",
		}, []string{"command"}),
		cmdDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing a command, by command name.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"command"}),
		networkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_bytes_total",
			Help:      "Bytes read from and written to clients, replicas and the master.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connection events, by event.",
		}, []string{"event"}),
		readTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_timeouts_total",
			Help:      "Client reads that hit the read deadline.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors, by type.",
		}, []string{"type"}),
		handshake: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replication_handshake_duration_seconds",
			Help:      "Time taken by the replication handshake with the master.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.commands,
		c.cmdDuration,
		c.networkBytes,
		c.connections,
		c.readTimeouts,
		c.errors,
		c.handshake,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the registry holding every metric of the collector
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordCommandProcessed counts a command and observes its duration
func (c *Collector) RecordCommandProcessed(cmd string, duration time.Duration) {
	c.commands.WithLabelValues(cmd).Inc()
	c.cmdDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordNetworkBytes adds transferred bytes
func (c *Collector) RecordNetworkBytes(bytes int64) {
	if bytes > 0 {
		c.networkBytes.Add(float64(bytes))
	}
}

// RecordConnection counts a connection event such as "accepted" or "closed"
func (c *Collector) RecordConnection(event string) {
	c.connections.WithLabelValues(event).Inc()
}

// RecordReadTimeout counts a read that hit its deadline
func (c *Collector) RecordReadTimeout() {
	c.readTimeouts.Inc()
}

// RecordError counts an error of the given type
func (c *Collector) RecordError(errorType string) {
	c.errors.WithLabelValues(errorType).Inc()
}

// RecordHandshakeDuration observes a completed replication handshake
func (c *Collector) RecordHandshakeDuration(duration time.Duration) {
	c.handshake.Observe(duration.Seconds())
}
