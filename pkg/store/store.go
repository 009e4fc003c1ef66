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

// Package store wraps the external key-value store.
//
// The store is the source of truth for all session-scoped data; in-memory
// state elsewhere is a cache. Keys are namespaced and carry TTLs:
//
//	conversation:state:<id>   24h   full ConversationState record
//	session:data:<id>          2h   initiation record
//	query:cache:<hash>         1h   query expansion cache
//	temp:lock:<id>            30s   session write lock
//	llm-analytics:<sha256>     1h   analytics result cache
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Key namespaces and their TTLs.
const (
	ConversationStateTTL = 24 * time.Hour
	SessionDataTTL       = 2 * time.Hour
	QueryCacheTTL        = 1 * time.Hour
	LockTTL              = 30 * time.Second
	AnalyticsCacheTTL    = 1 * time.Hour
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ConversationStateKey returns the key for a session's conversation state.
func ConversationStateKey(sessionID string) string {
	return "conversation:state:" + sessionID
}

// SessionDataKey returns the key for a session's initiation record.
func SessionDataKey(sessionID string) string {
	return "session:data:" + sessionID
}

// QueryCacheKey returns the key for a cached query expansion.
func QueryCacheKey(hash string) string {
	return "query:cache:" + hash
}

// LockKey returns the key for a session's write lock.
func LockKey(sessionID string) string {
	return "temp:lock:" + sessionID
}

// AnalyticsCacheKey returns the key for a cached analytics result.
func AnalyticsCacheKey(digest string) string {
	return "llm-analytics:" + digest
}

// Store is the typed boundary to the key-value store. Implementations
// must be safe for concurrent use and linearizable per key.
type Store interface {
	// GetJSON unmarshals the value at key into dst. Returns
	// ErrNotFound if the key does not exist.
	GetJSON(ctx context.Context, key string, dst any) error

	// SetJSON marshals v and stores it at key with the given TTL.
	// The write replaces the whole record atomically.
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SetNX stores v at key only if the key is absent. Returns true
	// if the value was stored.
	SetNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error)

	// Ping checks store liveness.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// lockRefreshInterval is how often a held lock's TTL is extended.
const lockRefreshInterval = LockTTL / 3

// AcquireLock takes the session write lock, retrying briefly. The lock
// TTL is refreshed in the background until release, so holders outlive
// LockTTL. It returns a release function, or an error when the lock
// stays contended.
func AcquireLock(ctx context.Context, s Store, sessionID string) (func(), error) {
	key := LockKey(sessionID)
	deadline := time.Now().Add(5 * time.Second)

	for {
		ok, err := s.SetNX(ctx, key, "1", LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to take session lock: %w", err)
		}
		if ok {
			stop := make(chan struct{})
			go refreshLock(s, key, lockRefreshInterval, stop)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					// Best effort; the TTL reclaims an orphaned lock.
					releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = s.Delete(releaseCtx, key)
				})
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("session %s is locked", sessionID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// refreshLock extends the lock's TTL every interval until stop closes.
// Refresh failures are swallowed; the next tick tries again, and the
// TTL leaves a bounded window either way.
func refreshLock(s Store, key string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.Expire(ctx, key, LockTTL)
			cancel()
		}
	}
}
