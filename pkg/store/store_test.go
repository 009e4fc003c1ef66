package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetJSON(ctx, "k", record{Name: "a", Count: 2}, 0))

	var got record
	require.NoError(t, s.GetJSON(ctx, "k", &got))
	assert.Equal(t, record{Name: "a", Count: 2}, got)

	require.NoError(t, s.Delete(ctx, "k"))
	assert.ErrorIs(t, s.GetJSON(ctx, "k", &got), ErrNotFound)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetJSON(ctx, "k", record{}, 30*time.Millisecond))

	var got record
	require.NoError(t, s.GetJSON(ctx, "k", &got))

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, s.GetJSON(ctx, "k", &got), ErrNotFound)
}

func TestMemoryStore_SetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", "2", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithRetry_TransientWriteRecovers(t *testing.T) {
	inner := NewMemoryStore()
	inner.FailSets = 2 // first two attempts fail, third succeeds

	s := WithRetry(inner)
	ctx := context.Background()

	err := s.SetJSON(ctx, "k", record{Name: "flap"}, 0)
	require.NoError(t, err)

	var got record
	require.NoError(t, s.GetJSON(ctx, "k", &got))
	assert.Equal(t, "flap", got.Name)
}

func TestWithRetry_NotFoundIsNotRetried(t *testing.T) {
	s := WithRetry(NewMemoryStore())

	start := time.Now()
	err := s.GetJSON(context.Background(), "missing", &record{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), 50*time.Millisecond,
		"missing keys must fail fast without backoff")
}

func TestAcquireLock_Exclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	release, err := AcquireLock(ctx, s, "s1")
	require.NoError(t, err)

	// A second holder must not get the lock while it is held.
	ctx2, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = AcquireLock(ctx2, s, "s1")
	assert.Error(t, err)

	release()

	release2, err := AcquireLock(ctx, s, "s1")
	require.NoError(t, err)
	release2()
}

// expireRecorder counts TTL refreshes passing through to the store.
type expireRecorder struct {
	Store
	expires atomic.Int64
}

func (r *expireRecorder) Expire(ctx context.Context, key string, ttl time.Duration) error {
	r.expires.Add(1)
	return r.Store.Expire(ctx, key, ttl)
}

func TestRefreshLock_ExtendsTTLUntilStopped(t *testing.T) {
	rec := &expireRecorder{Store: NewMemoryStore()}
	stop := make(chan struct{})
	go refreshLock(rec, LockKey("s1"), 5*time.Millisecond, stop)

	assert.Eventually(t, func() bool { return rec.expires.Load() >= 3 },
		time.Second, time.Millisecond,
		"a held lock must keep extending its TTL")

	close(stop)
	settled := rec.expires.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, rec.expires.Load(), settled+1,
		"releasing must stop the refresher")
}

func TestKeyNamespaces(t *testing.T) {
	assert.Equal(t, "conversation:state:s1", ConversationStateKey("s1"))
	assert.Equal(t, "session:data:s1", SessionDataKey("s1"))
	assert.Equal(t, "query:cache:abc", QueryCacheKey("abc"))
	assert.Equal(t, "temp:lock:s1", LockKey("s1"))
	assert.Equal(t, "llm-analytics:deadbeef", AnalyticsCacheKey("deadbeef"))
}
