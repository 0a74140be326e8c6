// Package metrics provides Prometheus metrics for the resilient Modbus client
// and the bridge service built on it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Connection metrics
	ConnectionUp      prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram
	Reconnects        *prometheus.CounterVec

	// Operation metrics
	Operations        *prometheus.CounterVec
	OperationRetries  *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Unit address updates
	UnitUpdatesApplied prometheus.Counter
	UnitUpdatesDropped prometheus.Counter
	UnitUpdatesLost    prometheus.Counter

	// Polling metrics
	PollsTotal   *prometheus.CounterVec
	PollsSkipped prometheus.Counter
	PollDuration *prometheus.HistogramVec
	ValuesRead   prometheus.Counter
	WorkersInUse prometheus.Gauge

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTPublishLatency    prometheus.Histogram
}

// NewRegistry creates a new metrics registry with all metrics registered on reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		ConnectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "robust_modbus",
			Subsystem: "connection",
			Name:      "up",
			Help:      "1 if the client holds a live connection, 0 otherwise",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Total number of physical connection attempts",
		}),
		ConnectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "connection",
			Name:      "errors_total",
			Help:      "Total number of failed connection attempts",
		}),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "robust_modbus",
			Subsystem: "connection",
			Name:      "latency_seconds",
			Help:      "Connection establishment latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnect cycles by result (success, failure, skipped)",
		}, []string{"result"}),

		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "client",
			Name:      "operations_total",
			Help:      "Completed client operations by kind and status",
		}, []string{"operation", "status"}),
		OperationRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Retried operation attempts by kind",
		}, []string{"operation"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "robust_modbus",
			Subsystem: "client",
			Name:      "operation_duration_seconds",
			Help:      "Duration of client operations including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),

		UnitUpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "unit",
			Name:      "updates_applied_total",
			Help:      "Unit address updates applied to a live connection",
		}),
		UnitUpdatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "unit",
			Name:      "updates_dropped_total",
			Help:      "Unit address updates dropped because the queue was full",
		}),
		UnitUpdatesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "unit",
			Name:      "updates_unapplied_total",
			Help:      "Unit address updates that found no live connection",
		}),

		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of poll operations by block and status",
		}, []string{"block", "status"}),
		PollsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "polling",
			Name:      "polls_skipped_total",
			Help:      "Polls skipped because all workers were busy",
		}),
		PollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "robust_modbus",
			Subsystem: "polling",
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll operations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"block"}),
		ValuesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "polling",
			Name:      "values_read_total",
			Help:      "Total number of bits and registers read by the poller",
		}),
		WorkersInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "robust_modbus",
			Subsystem: "polling",
			Name:      "workers_in_use",
			Help:      "Poll workers currently busy",
		}),

		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to MQTT",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "robust_modbus",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "robust_modbus",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// RecordConnection records a physical connection attempt.
func (r *Registry) RecordConnection(success bool, latency float64) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// SetConnected updates the connection gauge.
func (r *Registry) SetConnected(up bool) {
	if up {
		r.ConnectionUp.Set(1)
		return
	}
	r.ConnectionUp.Set(0)
}

// RecordReconnect records the outcome of a reconnect cycle.
func (r *Registry) RecordReconnect(result string) {
	r.Reconnects.WithLabelValues(result).Inc()
}

// RecordOperation records a completed client operation.
func (r *Registry) RecordOperation(operation string, success bool, duration float64) {
	status := "success"
	if !success {
		status = "error"
	}
	r.Operations.WithLabelValues(operation, status).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordRetry records a retried attempt.
func (r *Registry) RecordRetry(operation string) {
	r.OperationRetries.WithLabelValues(operation).Inc()
}

// RecordPollSuccess records a successful poll operation.
func (r *Registry) RecordPollSuccess(block string, duration float64, valuesRead int) {
	r.PollsTotal.WithLabelValues(block, "success").Inc()
	r.PollDuration.WithLabelValues(block).Observe(duration)
	r.ValuesRead.Add(float64(valuesRead))
}

// RecordPollError records a failed poll operation.
func (r *Registry) RecordPollError(block string) {
	r.PollsTotal.WithLabelValues(block, "error").Inc()
}

// RecordPollSkipped records a skipped poll due to back-pressure.
func (r *Registry) RecordPollSkipped() {
	r.PollsSkipped.Inc()
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
