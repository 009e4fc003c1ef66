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

package server

import (
	"fmt"
	"net/http"
	goruntime "runtime"
)

// memoryWarnBytes flags the memory subsystem when heap use crosses it.
const memoryWarnBytes = 4 << 30

// subsystemHealth is one entry of the health report.
type subsystemHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := map[string]subsystemHealth{}
	healthy := true

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	if mem.HeapAlloc > memoryWarnBytes {
		report["memory"] = subsystemHealth{
			Status:  "degraded",
			Message: fmt.Sprintf("heap usage %d MiB", mem.HeapAlloc>>20),
		}
	} else {
		report["memory"] = subsystemHealth{Status: "ok"}
	}

	if err := s.store.Ping(r.Context()); err != nil {
		healthy = false
		report["stateStore"] = subsystemHealth{Status: "down", Message: err.Error()}
	} else {
		report["stateStore"] = subsystemHealth{Status: "ok"}
	}

	if n := len(s.registry.List()); n == 0 {
		report["models"] = subsystemHealth{Status: "degraded", Message: "no models discovered"}
	} else {
		report["models"] = subsystemHealth{Status: "ok", Message: fmt.Sprintf("%d models", n)}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}
