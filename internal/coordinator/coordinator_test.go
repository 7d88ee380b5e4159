package coordinator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/calkeeper/internal/loggy"
)

// fakeKV is an in-memory KV with the same atomicity guarantees the
// coordinator relies on.
type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	failed bool // when true, every call errors
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

var errStoreDown = errors.New("store unreachable")

func (f *fakeKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return false, errStoreDown
	}
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeKV) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return 0, errStoreDown
	}
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return "", errStoreDown
	}
	return f.data[key], nil
}

func (f *fakeKV) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return false, errStoreDown
	}
	if f.data[key] != value {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func (f *fakeKV) ExpireIfEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return false, errStoreDown
	}
	return f.data[key] == value, nil
}

// drop simulates TTL expiry reclaiming a key.
func (f *fakeKV) drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
}

func (f *fakeKV) value(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key]
}

func newTestCoordinator(kv KV) *Coordinator {
	return New(kv, time.Minute, loggy.NewNoopLogger())
}

func TestStartSyncMutualExclusion(t *testing.T) {
	kv := newFakeKV()
	c := newTestCoordinator(kv)
	ctx := context.Background()

	const attempts = 2
	results := make([]*Context, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := c.StartSync(ctx, "usr-1")
			require.NoError(t, err)
			results[i] = sc
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, sc := range results {
		if sc.Acquired {
			acquired++
		}
	}
	assert.Equal(t, 1, acquired, "exactly one concurrent start must win")
}

func TestGenerationAdvancesPerAcquiredStart(t *testing.T) {
	kv := newFakeKV()
	c := newTestCoordinator(kv)
	ctx := context.Background()

	first, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, first.Acquired)
	assert.Equal(t, int64(1), first.Generation)

	require.NoError(t, c.EndSync(ctx, first))

	second, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, second.Acquired)
	assert.Equal(t, first.Generation+1, second.Generation)
}

func TestIsSyncCurrentDetectsStaleness(t *testing.T) {
	kv := newFakeKV()
	c := newTestCoordinator(kv)
	ctx := context.Background()

	first, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	assert.True(t, c.IsSyncCurrent(ctx, first))

	require.NoError(t, c.EndSync(ctx, first))

	// A newer sync supersedes the captured generation.
	second, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, second.Acquired)

	assert.False(t, c.IsSyncCurrent(ctx, first), "superseded context must not be current")
	assert.True(t, c.IsSyncCurrent(ctx, second))
}

func TestIsSyncCurrentNeverTrueForUnacquired(t *testing.T) {
	kv := newFakeKV()
	c := newTestCoordinator(kv)
	ctx := context.Background()

	_, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)

	contended, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.False(t, contended.Acquired)

	assert.False(t, c.IsSyncCurrent(ctx, contended))
}

func TestStartSyncFailsClosedWhenStoreDown(t *testing.T) {
	kv := newFakeKV()
	kv.failed = true
	c := newTestCoordinator(kv)

	sc, err := c.StartSync(context.Background(), "usr-1")
	assert.Error(t, err, "store unavailability is an operational error")
	assert.False(t, sc.Acquired, "must fail closed, never risk a double sync")
}

func TestEndSyncIdempotent(t *testing.T) {
	kv := newFakeKV()
	c := newTestCoordinator(kv)
	ctx := context.Background()

	sc, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)

	require.NoError(t, c.EndSync(ctx, sc))
	require.NoError(t, c.EndSync(ctx, sc), "double release must be a no-op")

	// Unacquired contexts never delete the holder's lock.
	holder, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, holder.Acquired)

	contended, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.NoError(t, c.EndSync(ctx, contended))

	stillLocked, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	assert.False(t, stillLocked.Acquired, "loser's EndSync must not release the winner's lock")
}

func TestEndSyncAfterExpiryLeavesNewHolderLock(t *testing.T) {
	kv := newFakeKV()
	c := newTestCoordinator(kv)
	ctx := context.Background()

	first, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	// TTL expiry reclaims the key while the first holder is still running.
	kv.drop(lockKey("usr-1"))

	second, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, second.Acquired)

	// The expired holder's deferred release must not touch the new lock.
	require.NoError(t, c.EndSync(ctx, first))

	third, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	assert.False(t, third.Acquired, "second holder's lock must survive the expired holder's release")

	require.NoError(t, c.EndSync(ctx, second))

	fourth, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	assert.True(t, fourth.Acquired, "lock is free once the real holder releases")
}

func TestRefreshLockOnlyExtendsOwnLock(t *testing.T) {
	kv := newFakeKV()
	c := newTestCoordinator(kv)
	ctx := context.Background()

	first, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	kv.drop(lockKey("usr-1"))

	second, err := c.StartSync(ctx, "usr-1")
	require.NoError(t, err)
	require.True(t, second.Acquired)

	require.NoError(t, c.RefreshLock(ctx, first), "refreshing a lost lock is not an error")
	assert.Equal(t, second.token, kv.value(lockKey("usr-1")), "new holder's lock value stays intact")
}

func TestRefreshLockNoopForUnacquired(t *testing.T) {
	kv := newFakeKV()
	kv.failed = true
	c := newTestCoordinator(kv)

	sc := &Context{UserID: "usr-1"}
	assert.NoError(t, c.RefreshLock(context.Background(), sc))
}
