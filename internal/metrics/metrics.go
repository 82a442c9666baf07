// Package metrics defines the Prometheus metrics the control plane
// exposes: named Gauge/Histogram/Counter fields grouped by subsystem,
// registered once at startup, against a private prometheus.Registry per binary
// rather than controller-runtime's global one, since none of these
// processes run a controller-runtime manager.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "gpudevpod"

// Registry holds every metric the running subcommand may touch. New
// registers all of them in every subcommand; a metric that subcommand
// never touches is still exposed, at its zero value.
type Registry struct {
	reg *prometheus.Registry

	// RP
	AdmissionsTotal   *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	MessageHandleSecs *prometheus.HistogramVec
	DeliveryRedrives  *prometheus.CounterVec

	// AR
	ReconcileDuration *prometheus.HistogramVec
	ReconcileErrors   *prometheus.CounterVec
	GPUAvailable      *prometheus.GaugeVec
	VolumesSynced     prometheus.Gauge

	// EE
	WarningsSentTotal  *prometheus.CounterVec
	OOMDetectedTotal   *prometheus.CounterVec
	ExpirationsTotal   prometheus.Counter
	CleanupFailures    prometheus.Counter
}

// New constructs a Registry with every metric pre-registered against a
// fresh prometheus.Registry, so /metrics never serves go_* process
// metrics from the default global registry by accident.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Reservation admission attempts by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of visible messages in the reservation queue.",
		}),
		MessageHandleSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handle_seconds",
			Help:      "Time to dispatch and handle one queue message, by action.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),
		DeliveryRedrives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_redrives_total",
			Help:      "Messages left queued for redelivery, by classified error kind.",
		}, []string{"kind"}),
		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one availability reconciliation pass, by phase.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Reconciliation errors, by phase.",
		}, []string{"phase"}),
		GPUAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_available",
			Help:      "Available GPU count per GPU type after the most recent reconcile.",
		}, []string{"gpu_type"}),
		VolumesSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volumes_synced",
			Help:      "Volume rows reconciled against cloud inventory on the most recent pass.",
		}),
		WarningsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_warnings_total",
			Help:      "Pre-expiry warnings sent, by threshold.",
		}, []string{"threshold"}),
		OOMDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oom_detections_total",
			Help:      "OOM kill events observed on reservation pods, by outcome.",
		}, []string{"outcome"}),
		ExpirationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Reservations transitioned to expired.",
		}),
		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_cleanup_failures_total",
			Help:      "Post-expiry cleanup steps (pod delete, volume unbind) that failed and were left for retry.",
		}),
	}

	reg.MustRegister(
		r.AdmissionsTotal, r.QueueDepth, r.MessageHandleSecs, r.DeliveryRedrives,
		r.ReconcileDuration, r.ReconcileErrors, r.GPUAvailable, r.VolumesSynced,
		r.WarningsSentTotal, r.OOMDetectedTotal, r.ExpirationsTotal, r.CleanupFailures,
	)
	return r
}

// Gatherer exposes the underlying registry to promhttp.HandlerFor without
// letting callers register arbitrary collectors against it.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
