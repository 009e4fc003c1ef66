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

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// retryBackoffs are the waits between transient-failure retries.
var retryBackoffs = []time.Duration{
	100 * time.Millisecond,
	400 * time.Millisecond,
	1600 * time.Millisecond,
}

// WithRetry wraps a Store so transient failures are retried up to three
// times with exponential backoff. Missing keys and context cancellation
// are never retried.
func WithRetry(inner Store) Store {
	return &retryingStore{inner: inner}
}

type retryingStore struct {
	inner Store
}

// transient reports whether an error is worth retrying.
func transient(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func retry(ctx context.Context, name string, op func() error) error {
	var err error
	if err = op(); err == nil || !transient(err) {
		return err
	}

	for attempt, backoff := range retryBackoffs {
		slog.Warn("Retrying state store operation",
			"op", name, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err = op(); err == nil || !transient(err) {
			return err
		}
	}
	return err
}

func (s *retryingStore) GetJSON(ctx context.Context, key string, dst any) error {
	return retry(ctx, "get", func() error { return s.inner.GetJSON(ctx, key, dst) })
}

func (s *retryingStore) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	return retry(ctx, "set", func() error { return s.inner.SetJSON(ctx, key, v, ttl) })
}

func (s *retryingStore) Delete(ctx context.Context, key string) error {
	return retry(ctx, "del", func() error { return s.inner.Delete(ctx, key) })
}

func (s *retryingStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return retry(ctx, "expire", func() error { return s.inner.Expire(ctx, key, ttl) })
}

func (s *retryingStore) SetNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	var ok bool
	err := retry(ctx, "setnx", func() error {
		var err error
		ok, err = s.inner.SetNX(ctx, key, v, ttl)
		return err
	})
	return ok, err
}

func (s *retryingStore) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *retryingStore) Close() error { return s.inner.Close() }

var _ Store = (*retryingStore)(nil)
