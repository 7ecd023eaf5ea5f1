// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package common

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DropReasonStale sample not newer than the session watermark
	DropReasonStale = "stale"
	// DropReasonSlowSubscriber sample evicted from a full subscriber queue
	DropReasonSlowSubscriber = "slow_subscriber"
)

// TrackingMetrics prometheus metrics of the tracking service
type TrackingMetrics struct {
	// SamplesAccepted count of samples given a sequence number
	SamplesAccepted prometheus.Counter
	// SamplesDropped count of samples dropped, by reason
	SamplesDropped *prometheus.CounterVec
	// UnauthorizedAttempts count of rejected unauthorized submissions
	UnauthorizedAttempts prometheus.Counter
	// BatchesWritten count of route batches written to storage
	BatchesWritten prometheus.Counter
	// BatchesLost count of route batches dropped after exhausting retries
	BatchesLost prometheus.Counter
	// ActiveConnections gauge of open client connections, by role
	ActiveConnections *prometheus.GaugeVec
}

// NewTrackingMetrics define the tracking metrics and register them with the registerer.
// A nil registerer leaves the metrics unregistered.
func NewTrackingMetrics(reg prometheus.Registerer) (*TrackingMetrics, error) {
	m := &TrackingMetrics{
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walktrack_samples_accepted_total",
			Help: "Location samples accepted and sequenced",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walktrack_samples_dropped_total",
			Help: "Location samples dropped",
		}, []string{"reason"}),
		UnauthorizedAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walktrack_unauthorized_attempts_total",
			Help: "Location submissions rejected as unauthorized",
		}),
		BatchesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walktrack_persistence_batches_written_total",
			Help: "Route batches written to storage",
		}),
		BatchesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walktrack_persistence_batches_lost_total",
			Help: "Route batches lost after exhausting write retries",
		}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walktrack_active_connections",
			Help: "Open client connections",
		}, []string{"role"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.SamplesAccepted,
		m.SamplesDropped,
		m.UnauthorizedAttempts,
		m.BatchesWritten,
		m.BatchesLost,
		m.ActiveConnections,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
