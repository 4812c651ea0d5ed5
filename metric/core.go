package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics are the metrics every entity and group store reports.
// All Record methods are safe on a nil receiver so stores can run without
// a registry.
type SyncMetrics struct {
	Mutations        *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec
	SyncEvents       *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	Entities         *prometheus.GaugeVec
	CommitDuration   *prometheus.HistogramVec
	Bootstraps       *prometheus.CounterVec
	TransportReconns *prometheus.CounterVec
	TransportUp      *prometheus.GaugeVec
}

// NewSyncMetrics creates the unregistered metric set
func NewSyncMetrics() *SyncMetrics {
	return &SyncMetrics{
		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitysync",
				Subsystem: "store",
				Name:      "mutations_total",
				Help:      "Entity mutations by outcome (local, committed, failed)",
			},
			[]string{"store", "outcome"},
		),
		Rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitysync",
				Subsystem: "store",
				Name:      "rollbacks_total",
				Help:      "Optimistic changes reverted after a failed service call",
			},
			[]string{"store"},
		),
		SyncEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitysync",
				Subsystem: "sync",
				Name:      "events_total",
				Help:      "Sync events applied by action",
			},
			[]string{"store", "action"},
		),
		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitysync",
				Subsystem: "sync",
				Name:      "decode_failures_total",
				Help:      "Channel frames that could not be decoded into sync events",
			},
			[]string{"channel"},
		),
		Entities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "entitysync",
				Subsystem: "store",
				Name:      "entities",
				Help:      "Entity stores currently held per group",
			},
			[]string{"store"},
		),
		CommitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "entitysync",
				Subsystem: "store",
				Name:      "commit_duration_seconds",
				Help:      "Service round-trip time for commits",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"store"},
		),
		Bootstraps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitysync",
				Subsystem: "store",
				Name:      "bootstraps_total",
				Help:      "Bootstrap service calls issued",
			},
			[]string{"store"},
		),
		TransportReconns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitysync",
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Transport reconnections",
			},
			[]string{"transport"},
		),
		TransportUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "entitysync",
				Subsystem: "transport",
				Name:      "up",
				Help:      "1 while the transport connection is usable",
			},
			[]string{"transport"},
		),
	}
}

func (m *SyncMetrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Mutations,
		m.Rollbacks,
		m.SyncEvents,
		m.DecodeFailures,
		m.Entities,
		m.CommitDuration,
		m.Bootstraps,
		m.TransportReconns,
		m.TransportUp,
	)
}

// RecordMutation counts an entity mutation outcome
func (m *SyncMetrics) RecordMutation(store, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(store, outcome).Inc()
}

// RecordRollback counts a reverted optimistic change
func (m *SyncMetrics) RecordRollback(store string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(store).Inc()
}

// RecordSyncEvent counts an applied sync event
func (m *SyncMetrics) RecordSyncEvent(store, action string) {
	if m == nil {
		return
	}
	m.SyncEvents.WithLabelValues(store, action).Inc()
}

// RecordDecodeFailure counts an undecodable channel frame
func (m *SyncMetrics) RecordDecodeFailure(channel string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(channel).Inc()
}

// SetEntities updates the entity gauge for a group
func (m *SyncMetrics) SetEntities(store string, n int) {
	if m == nil {
		return
	}
	m.Entities.WithLabelValues(store).Set(float64(n))
}

// RecordCommit observes commit latency
func (m *SyncMetrics) RecordCommit(store string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.WithLabelValues(store).Observe(d.Seconds())
}

// RecordBootstrap counts a bootstrap service call
func (m *SyncMetrics) RecordBootstrap(store string) {
	if m == nil {
		return
	}
	m.Bootstraps.WithLabelValues(store).Inc()
}

// RecordReconnect counts a transport reconnection
func (m *SyncMetrics) RecordReconnect(transport string) {
	if m == nil {
		return
	}
	m.TransportReconns.WithLabelValues(transport).Inc()
}

// SetTransportUp records whether a transport connection is usable
func (m *SyncMetrics) SetTransportUp(transport string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.TransportUp.WithLabelValues(transport).Set(v)
}
