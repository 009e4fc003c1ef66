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

package tokens

// Ring is a fixed-size circular buffer holding the most recently
// generated tokens of a stream. It counts the full generation while
// retaining only the tail, for token accounting and failure
// diagnostics.
type Ring struct {
	buf   []string
	head  int
	count int
	total int
}

// NewRing creates a ring holding at most size tokens. Size must be > 0.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]string, size)}
}

// Push appends a token, evicting the oldest when full.
func (r *Ring) Push(token string) {
	r.buf[r.head] = token
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++
}

// Len returns the number of tokens currently held.
func (r *Ring) Len() int {
	return r.count
}

// Total returns the number of tokens pushed over the ring's lifetime.
func (r *Ring) Total() int {
	return r.total
}

// Tokens returns the held tokens in push order, oldest first.
func (r *Ring) Tokens() []string {
	out := make([]string, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
