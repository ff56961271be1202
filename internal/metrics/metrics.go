package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	DrainsTotal         *prometheus.CounterVec
	DrainsInFlight      prometheus.Gauge
	OperationsTotal     *prometheus.CounterVec
	OperationsEnqueued  *prometheus.CounterVec
	OperationsPending   prometheus.Gauge
	StorageErrorsTotal  *prometheus.CounterVec
	RemoteDuration      *prometheus.HistogramVec
	ConnectivityState   prometheus.Gauge
	ConnectivityChanges *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		DrainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_drains_total",
			Help: "total number of drain attempts",
		}, []string{"status"}),
		DrainsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_drains_in_flight",
			Help: "number of in flight drains",
		}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_operations_total",
			Help: "total number of operations dispatched to the remote api",
		}, []string{"verb", "result"}),
		OperationsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_operations_enqueued_total",
			Help: "total number of operations enqueued",
		}, []string{"verb"}),
		OperationsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_operations_pending",
			Help: "number of operations waiting in the queue",
		}),
		StorageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_storage_errors_total",
			Help: "total number of failed kv store reads and writes",
		}, []string{"op"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_remote_duration_seconds",
			Help:    "remote api call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"verb"}),
		ConnectivityState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_connectivity_state",
			Help: "connectivity state (-1 unknown, 0 offline, 1 online)",
		}),
		ConnectivityChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_connectivity_changes_total",
			Help: "total number of connectivity transitions",
		}, []string{"state"}),
	}

	metrics.ConnectivityState.Set(-1)
	metrics.Enable(reg)
	return metrics
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DrainsTotal,
		m.DrainsInFlight,
		m.OperationsTotal,
		m.OperationsEnqueued,
		m.OperationsPending,
		m.StorageErrorsTotal,
		m.RemoteDuration,
		m.ConnectivityState,
		m.ConnectivityChanges,
	}
}

func (m *Metrics) Enable(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.MustRegister(c)
	}
}

func (m *Metrics) Disable(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
