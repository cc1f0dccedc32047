// Copyright 2024 The Armored LCM authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package update

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's prometheus metrics.
type Metrics struct {
	cycles          prometheus.Counter
	stateEntries    *prometheus.CounterVec
	keyRotations    prometheus.Counter
	fallbacks       prometheus.Counter
	appliedUpdates  prometheus.Counter
	operatorCutouts prometheus.Counter
	holdoff         prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lcm_update_cycles_total",
			Help: "Number of update loop iterations started.",
		}),
		stateEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lcm_state_entries_total",
			Help: "Number of times each orchestrator state was entered.",
		}, []string{"state"}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lcm_key_rotations_total",
			Help: "Number of trusted key promotions.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lcm_fallbacks_total",
			Help: "Number of runs ending in a fallback to boot slot 0.",
		}),
		appliedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lcm_applied_updates_total",
			Help: "Number of user application updates applied.",
		}),
		operatorCutouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lcm_operator_cutouts_total",
			Help: "Number of runs stopped to await an operator published signature.",
		}),
		holdoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lcm_holdoff_seconds",
			Help: "Most recent wait between update cycles.",
		}),
	}
	r.MustRegister(m.cycles, m.stateEntries, m.keyRotations, m.fallbacks, m.appliedUpdates, m.operatorCutouts, m.holdoff)
	return m
}

func (m *Metrics) enter(s State) {
	m.stateEntries.WithLabelValues(s.String()).Inc()
	switch s {
	case BackoffWait:
		m.cycles.Inc()
	case Fallback:
		m.fallbacks.Inc()
	case AwaitingOperator:
		m.operatorCutouts.Inc()
	}
}
