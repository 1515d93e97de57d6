// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rovd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/originproto/rov/rovd/control"
)

// These are the metrics exposed by the daemon.
var (
	VRPsCurrentMeta = MetricMeta{
		Name:   "rovd_vrps_current",
		Help:   "Number of VRPs in the published snapshot.",
		Labels: []string{},
	}
	SnapshotsPublishedTotalMeta = MetricMeta{
		Name:   "rovd_snapshots_published_total",
		Help:   "Total number of snapshots published to the store.",
		Labels: []string{},
	}
	LastPublishTimestampMeta = MetricMeta{
		Name:   "rovd_last_publish_timestamp_seconds",
		Help:   "Unix time of the last snapshot publication.",
		Labels: []string{},
	}
	SessionStateMeta = MetricMeta{
		Name:   "rovd_session_state",
		Help:   "State of the cache session (0 disconnected through 6 error).",
		Labels: []string{"cache"},
	}
	SessionConnectsTotalMeta = MetricMeta{
		Name:   "rovd_session_connects_total",
		Help:   "Total number of transport connects per cache session.",
		Labels: []string{"cache"},
	}
	SessionErrorsTotalMeta = MetricMeta{
		Name:   "rovd_session_errors_total",
		Help:   "Total number of failed synchronization attempts per cache session.",
		Labels: []string{"cache"},
	}
	SessionCommitsTotalMeta = MetricMeta{
		Name:   "rovd_session_commits_total",
		Help:   "Total number of snapshots committed per cache session.",
		Labels: []string{"cache"},
	}
	SessionLastSyncTimestampMeta = MetricMeta{
		Name:   "rovd_session_last_sync_timestamp_seconds",
		Help:   "Unix time of the last successful synchronization per cache session.",
		Labels: []string{"cache"},
	}
	ValidationRequestsTotalMeta = MetricMeta{
		Name:   "rovd_validation_requests_total",
		Help:   "Total number of origin validation requests by verdict.",
		Labels: []string{"verdict"},
	}
)

// MetricMeta is the metadata of a metric.
type MetricMeta struct {
	Name   string
	Help   string
	Labels []string
}

func (mm *MetricMeta) NewCounterVec() *prometheus.CounterVec {
	return promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: mm.Name,
			Help: mm.Help,
		},
		mm.Labels,
	)
}

func (mm *MetricMeta) NewGaugeVec() *prometheus.GaugeVec {
	return promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mm.Name,
			Help: mm.Help,
		},
		mm.Labels,
	)
}

// Metrics groups the daemon metrics for wiring into the engine and
// validator.
type Metrics struct {
	VRPsCurrent             prometheus.Gauge
	SnapshotsPublishedTotal prometheus.Counter
	LastPublishTimestamp    prometheus.Gauge

	SessionState             *prometheus.GaugeVec
	SessionConnectsTotal     *prometheus.CounterVec
	SessionErrorsTotal       *prometheus.CounterVec
	SessionCommitsTotal      *prometheus.CounterVec
	SessionLastSyncTimestamp *prometheus.GaugeVec

	ValidationRequestsTotal *prometheus.CounterVec
}

// NewMetrics registers the daemon metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		VRPsCurrent: VRPsCurrentMeta.
			NewGaugeVec().WithLabelValues(),
		SnapshotsPublishedTotal: SnapshotsPublishedTotalMeta.
			NewCounterVec().WithLabelValues(),
		LastPublishTimestamp: LastPublishTimestampMeta.
			NewGaugeVec().WithLabelValues(),
		SessionState: SessionStateMeta.
			NewGaugeVec(),
		SessionConnectsTotal: SessionConnectsTotalMeta.
			NewCounterVec(),
		SessionErrorsTotal: SessionErrorsTotalMeta.
			NewCounterVec(),
		SessionCommitsTotal: SessionCommitsTotalMeta.
			NewCounterVec(),
		SessionLastSyncTimestamp: SessionLastSyncTimestampMeta.
			NewGaugeVec(),
		ValidationRequestsTotal: ValidationRequestsTotalMeta.
			NewCounterVec(),
	}
}

// EngineMetrics adapts the daemon metrics to the engine's view.
func (m *Metrics) EngineMetrics() control.EngineMetrics {
	return control.EngineMetrics{
		VRPsCurrent:        m.VRPsCurrent,
		SnapshotsPublished: m.SnapshotsPublishedTotal,
		LastPublish:        m.LastPublishTimestamp,
	}
}

// SessionMetrics returns the metric set for one cache session.
func (m *Metrics) SessionMetrics(name string) control.SessionMetrics {
	return control.SessionMetrics{
		Connects: m.SessionConnectsTotal.WithLabelValues(name),
		Errors:   m.SessionErrorsTotal.WithLabelValues(name),
		Commits:  m.SessionCommitsTotal.WithLabelValues(name),
		State:    m.SessionState.WithLabelValues(name),
		LastSync: m.SessionLastSyncTimestamp.WithLabelValues(name),
	}
}
