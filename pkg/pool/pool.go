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

// Package pool multiplexes a bounded number of inference contexts per
// model across concurrent sessions.
//
// Acquire hands out a Lease; at most maxSize leases per model are live
// at once. Contenders wait on a fair FIFO queue. A lease whose context
// failed is marked poisoned and its slot is rebuilt on the next acquire.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/synergize/pkg/runtime"
)

const (
	// DefaultAcquireTimeout bounds waiting for a free context.
	DefaultAcquireTimeout = 30 * time.Second

	// waitPollInterval is the granularity at which waiters re-check
	// their deadline.
	waitPollInterval = 100 * time.Millisecond
)

var (
	// ErrAcquireTimeout is returned when no context frees up in time.
	ErrAcquireTimeout = errors.New("timed out waiting for inference context")

	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("context pool is closed")

	// ErrUnknownModel is returned for models the pool was not
	// configured with.
	ErrUnknownModel = errors.New("unknown model")
)

// Lease grants exclusive use of one inference context slot. It must be
// released on every exit path, including cancellation.
type Lease struct {
	pool     *Pool
	modelID  string
	slot     *slot
	mu       sync.Mutex
	released bool
	poisoned bool
}

// Context returns the leased inference context.
func (l *Lease) Context() runtime.ModelContext {
	return l.slot.mc
}

// ModelID returns the model this lease belongs to.
func (l *Lease) ModelID() string {
	return l.modelID
}

// MarkPoisoned flags the underlying context as unrecoverable. The slot
// is disposed on release and rebuilt on a future acquire.
func (l *Lease) MarkPoisoned() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poisoned = true
}

// Release returns the context to the pool and wakes the next waiter.
// A second release is a no-op logged as a warning.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		slog.Warn("Double release of context lease ignored", "modelID", l.modelID)
		return
	}
	l.released = true
	poisoned := l.poisoned
	l.mu.Unlock()

	l.pool.release(l.modelID, l.slot, poisoned)
}

// slot wraps one inference context.
type slot struct {
	mc runtime.ModelContext
}

// waiter is one queued acquire call.
type waiter struct {
	ch chan *slot // receives a slot, or nil meaning "build your own"
}

// modelPool is the per-model bounded set of slots.
type modelPool struct {
	spec    runtime.ModelSpec
	maxSize int
	free    []*slot
	created int
	waiters []*waiter
}

// Pool manages the per-model context pools.
type Pool struct {
	mu      sync.Mutex
	rt      runtime.Runtime
	models  map[string]*modelPool
	closed  bool
	metrics *Metrics
}

// Config configures the pool.
type Config struct {
	// Runtime creates contexts on demand.
	Runtime runtime.Runtime
	// MaxPerModel bounds concurrent leases per model.
	MaxPerModel int
	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// New creates a pool for the given model specs.
func New(cfg Config, specs []runtime.ModelSpec) (*Pool, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if cfg.MaxPerModel <= 0 {
		return nil, errors.New("max contexts per model must be positive")
	}

	models := make(map[string]*modelPool, len(specs))
	for _, spec := range specs {
		models[spec.ID] = &modelPool{
			spec:    spec,
			maxSize: cfg.MaxPerModel,
		}
	}

	return &Pool{
		rt:      cfg.Runtime,
		models:  models,
		metrics: cfg.Metrics,
	}, nil
}

// Acquire obtains a lease for modelID, waiting up to timeout for a slot.
// A timeout of 0 tries once and fails with ErrAcquireTimeout when no
// context is free; a negative timeout selects DefaultAcquireTimeout.
// The caller's ctx also bounds the wait.
func (p *Pool) Acquire(ctx context.Context, modelID string, timeout time.Duration) (*Lease, error) {
	if timeout < 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	mp, ok := p.models[modelID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrUnknownModel
	}

	// Fast path: a free slot or headroom to build one.
	if s := p.takeLocked(mp); s != nil || mp.created < mp.maxSize {
		if s == nil {
			mp.created++
		}
		p.mu.Unlock()
		return p.finishAcquire(ctx, modelID, mp, s)
	}

	// Timeout 0 never queues.
	if timeout == 0 {
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	}

	// Slow path: join the FIFO queue.
	w := &waiter{ch: make(chan *slot, 1)}
	mp.waiters = append(mp.waiters, w)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.waiters.WithLabelValues(modelID).Inc()
		defer p.metrics.waiters.WithLabelValues(modelID).Dec()
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case s, open := <-w.ch:
			if !open {
				return nil, ErrPoolClosed
			}
			return p.finishAcquire(ctx, modelID, mp, s)
		case <-ctx.Done():
			p.removeWaiter(mp, w)
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				p.removeWaiter(mp, w)
				return nil, ErrAcquireTimeout
			}
		}
	}
}

// finishAcquire builds a context if the slot is empty and wraps it in a
// lease. On build failure the capacity is returned to the pool.
func (p *Pool) finishAcquire(ctx context.Context, modelID string, mp *modelPool, s *slot) (*Lease, error) {
	if s == nil {
		mc, err := p.rt.CreateContext(ctx, mp.spec)
		if err != nil {
			p.mu.Lock()
			mp.created--
			p.wakeLocked(mp)
			p.mu.Unlock()
			return nil, err
		}
		s = &slot{mc: mc}
	}

	if p.metrics != nil {
		p.metrics.inUse.WithLabelValues(modelID).Inc()
	}
	return &Lease{pool: p, modelID: modelID, slot: s}, nil
}

// takeLocked pops a free slot. Caller holds p.mu.
func (p *Pool) takeLocked(mp *modelPool) *slot {
	if len(mp.free) == 0 {
		return nil
	}
	s := mp.free[0]
	mp.free = mp.free[1:]
	return s
}

// wakeLocked hands capacity to the first waiter. Caller holds p.mu.
// The waiter receives either a concrete free slot or nil, which tells
// it to construct a fresh context against the reserved capacity.
func (p *Pool) wakeLocked(mp *modelPool) {
	if len(mp.waiters) == 0 {
		return
	}
	w := mp.waiters[0]
	mp.waiters = mp.waiters[1:]

	s := p.takeLocked(mp)
	if s == nil {
		mp.created++
	}
	w.ch <- s
}

func (p *Pool) removeWaiter(mp *modelPool, w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range mp.waiters {
		if cand == w {
			mp.waiters = append(mp.waiters[:i], mp.waiters[i+1:]...)
			return
		}
	}
	// Already woken; pass the slot on so capacity is not leaked.
	select {
	case s := <-w.ch:
		if s != nil {
			mp.free = append(mp.free, s)
		} else {
			mp.created--
		}
		if !p.closed {
			p.wakeLocked(mp)
		}
	default:
	}
}

func (p *Pool) release(modelID string, s *slot, poisoned bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mp, ok := p.models[modelID]
	if !ok {
		return
	}

	if p.metrics != nil {
		p.metrics.inUse.WithLabelValues(modelID).Dec()
	}

	if p.closed {
		_ = s.mc.Close()
		mp.created--
		return
	}

	if poisoned {
		slog.Warn("Disposing poisoned inference context", "modelID", modelID)
		_ = s.mc.Close()
		mp.created--
		// The next waiter rebuilds against the freed capacity.
		p.wakeLocked(mp)
		return
	}

	if len(mp.waiters) > 0 {
		w := mp.waiters[0]
		mp.waiters = mp.waiters[1:]
		w.ch <- s
		return
	}

	mp.free = append(mp.free, s)
}

// InUse returns the number of live leases for a model.
func (p *Pool) InUse(modelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	mp, ok := p.models[modelID]
	if !ok {
		return 0
	}
	return mp.created - len(mp.free)
}

// Shutdown fails all waiters and disposes all idle contexts. Live
// leases are disposed as they are released.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, mp := range p.models {
		for _, w := range mp.waiters {
			close(w.ch)
		}
		mp.waiters = nil
		for _, s := range mp.free {
			_ = s.mc.Close()
			mp.created--
		}
		mp.free = nil
	}
}
