// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the analytics cache.
type Metrics struct {
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// NewMetrics registers the analytics collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synergize",
			Subsystem: "analytics",
			Name:      "cache_hits_total",
			Help:      "Analytics cache hits by operation.",
		}, []string{"op"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synergize",
			Subsystem: "analytics",
			Name:      "cache_misses_total",
			Help:      "Analytics cache misses by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses)
	}
	return m
}
