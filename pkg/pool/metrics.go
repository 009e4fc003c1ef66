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

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the pool.
type Metrics struct {
	inUse   *prometheus.GaugeVec
	waiters *prometheus.GaugeVec
}

// NewMetrics creates and registers pool metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "synergize",
			Subsystem: "pool",
			Name:      "contexts_in_use",
			Help:      "Inference contexts currently leased, per model.",
		}, []string{"model"}),
		waiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "synergize",
			Subsystem: "pool",
			Name:      "acquire_waiters",
			Help:      "Callers queued for an inference context, per model.",
		}, []string{"model"}),
	}

	for _, c := range []prometheus.Collector{m.inUse, m.waiters} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
