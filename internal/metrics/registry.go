// Package metrics provides Prometheus metrics for the machine gateway.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	gatherer prometheus.Gatherer

	// Link metrics
	ActiveLinks       *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec
	ConnectionLatency prometheus.Histogram
	BreakerOpen       *prometheus.GaugeVec

	// Polling metrics
	CyclesTotal      *prometheus.CounterVec
	CyclesSkipped    *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	ChangeSets       *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec
	CompletionEvents *prometheus.CounterVec

	// Command metrics
	Commands           *prometheus.CounterVec
	SlotsWritten       prometheus.Counter
	PendingCommands    prometheus.Gauge
	ControlPlaneErrors *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTPublishLatency    prometheus.Histogram

	// Machine metrics
	MachinesRegistered prometheus.Gauge
	MachinesOnline     prometheus.Gauge
}

// NewRegistry creates the metrics on reg. A nil reg uses the default
// Prometheus registry.
func NewRegistry(reg *prometheus.Registry) *Registry {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	f := promauto.With(registerer)

	return &Registry{
		gatherer: gatherer,

		ActiveLinks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "modbus",
			Name:      "active_links",
			Help:      "Number of open Modbus links",
		}, []string{"transport"}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}, []string{"transport"}),
		ConnectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection errors",
		}, []string{"transport"}),
		ConnectionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "modbus",
			Name:      "circuit_breaker_open",
			Help:      "1 while the machine's circuit breaker is open",
		}, []string{"machine_id"}),

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Total number of read cycles by outcome",
		}, []string{"machine_id", "outcome"}),
		CyclesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "polling",
			Name:      "cycles_skipped_total",
			Help:      "Read cycles skipped by reason",
		}, []string{"machine_id", "reason"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Read cycle duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"machine_id"}),
		ChangeSets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "telemetry",
			Name:      "changesets_total",
			Help:      "Change sets written to the sink by tier",
		}, []string{"tier"}),
		SinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "telemetry",
			Name:      "sink_failures_total",
			Help:      "Failed sink writes by tier",
		}, []string{"tier"}),
		CompletionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "telemetry",
			Name:      "completion_events_total",
			Help:      "Process completion events by machine",
		}, []string{"machine_id"}),

		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Batch commands by outcome",
		}, []string{"machine_id", "outcome"}),
		SlotsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "commands",
			Name:      "slots_written_total",
			Help:      "Batch slots written onto machines",
		}),
		PendingCommands: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "commands",
			Name:      "pending",
			Help:      "Commands waiting in the mailbox",
		}),
		ControlPlaneErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "controlplane",
			Name:      "errors_total",
			Help:      "Failed control plane calls by call",
		}, []string{"call"}),

		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),

		MachinesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "machines",
			Name:      "registered",
			Help:      "Number of configured machines",
		}),
		MachinesOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "machines",
			Name:      "online",
			Help:      "Number of machines whose last cycle succeeded",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func label(machineID int) string {
	return strconv.Itoa(machineID)
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(transport string, success bool, latency float64) {
	r.ConnectionsTotal.WithLabelValues(transport).Inc()
	if !success {
		r.ConnectionErrors.WithLabelValues(transport).Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// UpdateActiveLinks updates the open link gauge for a transport.
func (r *Registry) UpdateActiveLinks(transport string, count int) {
	r.ActiveLinks.WithLabelValues(transport).Set(float64(count))
}

// SetBreakerOpen records a breaker state change.
func (r *Registry) SetBreakerOpen(machineID int, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	r.BreakerOpen.WithLabelValues(label(machineID)).Set(v)
}

// RecordCycle records a completed or failed read cycle.
func (r *Registry) RecordCycle(machineID int, outcome string, duration float64) {
	r.CyclesTotal.WithLabelValues(label(machineID), outcome).Inc()
	r.CycleDuration.WithLabelValues(label(machineID)).Observe(duration)
}

// RecordCycleSkipped records a cycle that did not run.
func (r *Registry) RecordCycleSkipped(machineID int, reason string) {
	r.CyclesSkipped.WithLabelValues(label(machineID), reason).Inc()
}

// RecordChangeSet records a sink write for a tier.
func (r *Registry) RecordChangeSet(tier string, success bool) {
	if success {
		r.ChangeSets.WithLabelValues(tier).Inc()
	} else {
		r.SinkFailures.WithLabelValues(tier).Inc()
	}
}

// RecordCompletion records a completion event.
func (r *Registry) RecordCompletion(machineID int) {
	r.CompletionEvents.WithLabelValues(label(machineID)).Inc()
}

// RecordCommand records a command outcome.
func (r *Registry) RecordCommand(machineID int, outcome string, slots int) {
	r.Commands.WithLabelValues(label(machineID), outcome).Inc()
	r.SlotsWritten.Add(float64(slots))
}

// UpdatePendingCommands updates the mailbox gauge.
func (r *Registry) UpdatePendingCommands(n int) {
	r.PendingCommands.Set(float64(n))
}

// RecordControlPlaneError records a failed control plane call.
func (r *Registry) RecordControlPlaneError(call string) {
	r.ControlPlaneErrors.WithLabelValues(call).Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMachineCount updates the machine count gauges.
func (r *Registry) UpdateMachineCount(registered, online int) {
	r.MachinesRegistered.Set(float64(registered))
	r.MachinesOnline.Set(float64(online))
}
