package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drishti-ai/navigator/runtime/order"
	"github.com/drishti-ai/navigator/runtime/order/inmem"
)

type fakeResource struct {
	name string

	mu       sync.Mutex
	released int
	err      error
	// block, when set, makes Release hang until the context expires.
	block bool
}

func (r *fakeResource) Name() string { return r.name }

func (r *fakeResource) Release(ctx context.Context) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	return r.err
}

func (r *fakeResource) releaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// fakeClient adds the optional capabilities on top of fakeResource.
type fakeClient struct {
	fakeResource
	manual        bool
	width, height int
}

func (c *fakeClient) GenerateLiveViewURL(_ context.Context, ttl time.Duration) (string, error) {
	return "https://live.example.com/view?ttl=" + ttl.String(), nil
}

func (c *fakeClient) SetViewport(_ context.Context, width, height int) error {
	c.width, c.height = width, height
	return nil
}

func (c *fakeClient) TakeControl(context.Context) error    { c.manual = true; return nil }
func (c *fakeClient) ReleaseControl(context.Context) error { c.manual = false; return nil }

func newTestRegistry(t *testing.T, orders OrderLookup, opts ...RegistryOption) *Registry {
	t.Helper()
	return NewRegistry(orders, nil, nil, opts...)
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	client := &fakeClient{fakeResource: fakeResource{name: "browser"}}

	require.NoError(t, r.Register(ctx, "order-1", Session{Client: client, ReplayBucket: "replays", ReplayPrefix: "order-1/"}))

	snap, ok := r.Get("order-1")
	require.True(t, ok)
	assert.Equal(t, "order-1", snap.OrderID)
	assert.Equal(t, "replays", snap.ReplayBucket)
	assert.False(t, snap.ManualControl)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterReplacesExistingSession(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	old := &fakeClient{fakeResource: fakeResource{name: "old"}}
	replacement := &fakeClient{fakeResource: fakeResource{name: "new"}}

	require.NoError(t, r.Register(ctx, "order-1", Session{Client: old}))
	require.NoError(t, r.Register(ctx, "order-1", Session{Client: replacement}))
	assert.Equal(t, 1, r.Len())

	// The displaced session's resources are released in the background.
	require.Eventually(t, func() bool { return old.releaseCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, replacement.releaseCount())
}

func TestRegisterRequiresClient(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	require.Error(t, r.Register(context.Background(), "order-1", Session{}))
}

func TestCleanupReleasesResources(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	client := &fakeClient{fakeResource: fakeResource{name: "browser"}}
	extra := &fakeResource{name: "cdp"}

	require.NoError(t, r.Register(ctx, "order-1", Session{Client: client, Extras: []Resource{extra}}))
	require.NoError(t, r.Cleanup(ctx, "order-1", false))

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, client.releaseCount())
	assert.Equal(t, 1, extra.releaseCount())

	// Second cleanup finds nothing.
	require.ErrorIs(t, r.Cleanup(ctx, "order-1", false), ErrSessionNotFound)
}

func TestCleanupProtectsHumanReview(t *testing.T) {
	t.Parallel()
	store := inmem.New()
	ctx := context.Background()
	id, err := store.CreateOrder(ctx, order.Spec{
		Retailer:    "amazon",
		Method:      order.MethodNovaAct,
		ProductName: "shoes",
		ProductURL:  "https://example.com/shoes",
	})
	require.NoError(t, err)
	_, err = store.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, id, order.StatusRequiresHuman, order.Update{}))

	r := newTestRegistry(t, store)
	client := &fakeClient{fakeResource: fakeResource{name: "browser"}}
	require.NoError(t, r.Register(ctx, id, Session{Client: client}))

	// Non-forced cleanup is a no-op while the order awaits review.
	require.NoError(t, r.Cleanup(ctx, id, false))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, client.releaseCount())

	// Forced cleanup ignores the protection.
	require.NoError(t, r.Cleanup(ctx, id, true))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, client.releaseCount())
}

func TestCleanupAbandonsHangingRelease(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil,
		WithResourceTimeout(20*time.Millisecond),
		WithCleanupTimeout(50*time.Millisecond))
	ctx := context.Background()
	client := &fakeClient{fakeResource: fakeResource{name: "browser", block: true}}

	require.NoError(t, r.Register(ctx, "order-1", Session{Client: client}))

	start := time.Now()
	require.NoError(t, r.Cleanup(ctx, "order-1", true))
	assert.Less(t, time.Since(start), time.Second)
	// The entry is gone even though the release never finished.
	assert.Equal(t, 0, r.Len())
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	r := newTestRegistry(t, nil,
		WithIdleExpiry(30*time.Minute),
		WithRegistryClock(func() time.Time { return clock }))
	ctx := context.Background()

	stale := &fakeClient{fakeResource: fakeResource{name: "stale"}}
	require.NoError(t, r.Register(ctx, "stale", Session{Client: stale}))

	clock = clock.Add(29 * time.Minute)
	fresh := &fakeClient{fakeResource: fakeResource{name: "fresh"}}
	require.NoError(t, r.Register(ctx, "fresh", Session{Client: fresh}))

	clock = clock.Add(2 * time.Minute)
	cleaned := r.CleanupExpired(ctx)
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, 1, stale.releaseCount())
	assert.Equal(t, 0, fresh.releaseCount())
}

func TestLiveViewTouchesIdleClock(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	r := newTestRegistry(t, nil,
		WithIdleExpiry(30*time.Minute),
		WithRegistryClock(func() time.Time { return clock }))
	ctx := context.Background()
	client := &fakeClient{fakeResource: fakeResource{name: "browser"}}
	require.NoError(t, r.Register(ctx, "order-1", Session{Client: client}))

	clock = clock.Add(25 * time.Minute)
	_, err := r.LiveViewURL(ctx, "order-1", time.Minute)
	require.NoError(t, err)

	// 25 minutes later the original registration would be expired, but the
	// live view access reset the clock.
	clock = clock.Add(25 * time.Minute)
	assert.Equal(t, 0, r.CleanupExpired(ctx))
	assert.Equal(t, 1, r.Len())
}

func TestCleanupAll(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	clients := make([]*fakeClient, 3)
	for i, id := range []string{"a", "b", "c"} {
		clients[i] = &fakeClient{fakeResource: fakeResource{name: id}}
		require.NoError(t, r.Register(ctx, id, Session{Client: clients[i]}))
	}

	r.CleanupAll(ctx)
	assert.Equal(t, 0, r.Len())
	for _, c := range clients {
		assert.Equal(t, 1, c.releaseCount())
	}
}

func TestSetResolutionBounds(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	client := &fakeClient{fakeResource: fakeResource{name: "browser"}}
	require.NoError(t, r.Register(ctx, "order-1", Session{Client: client}))

	require.NoError(t, r.SetResolution(ctx, "order-1", 1920, 1080))
	assert.Equal(t, 1920, client.width)
	assert.Equal(t, 1080, client.height)

	require.ErrorIs(t, r.SetResolution(ctx, "order-1", 639, 1080), ErrInvalidResolution)
	require.ErrorIs(t, r.SetResolution(ctx, "order-1", 1920, 2161), ErrInvalidResolution)
	require.ErrorIs(t, r.SetResolution(ctx, "missing", 1920, 1080), ErrSessionNotFound)
}

func TestManualControl(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	client := &fakeClient{fakeResource: fakeResource{name: "browser"}}
	require.NoError(t, r.Register(ctx, "order-1", Session{Client: client}))

	require.NoError(t, r.EnableManualControl(ctx, "order-1"))
	assert.True(t, client.manual)
	snap, _ := r.Get("order-1")
	assert.True(t, snap.ManualControl)

	require.NoError(t, r.DisableManualControl(ctx, "order-1"))
	assert.False(t, client.manual)
	snap, _ = r.Get("order-1")
	assert.False(t, snap.ManualControl)
}

func TestCapabilityNotSupported(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	// Bare resource: no live view, viewport or control capabilities.
	require.NoError(t, r.Register(ctx, "order-1", Session{Client: &fakeResource{name: "plain"}}))

	_, err := r.LiveViewURL(ctx, "order-1", time.Minute)
	require.ErrorIs(t, err, ErrNotSupported)
	require.ErrorIs(t, r.SetResolution(ctx, "order-1", 1920, 1080), ErrNotSupported)
	require.ErrorIs(t, r.EnableManualControl(ctx, "order-1"), ErrNotSupported)
}

func TestCleanupReportsReleaseErrors(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	client := &fakeClient{fakeResource: fakeResource{name: "browser", err: errors.New("gone")}}
	require.NoError(t, r.Register(ctx, "order-1", Session{Client: client}))

	// Release errors are logged, not propagated; the entry is still removed.
	require.NoError(t, r.Cleanup(ctx, "order-1", false))
	assert.Equal(t, 0, r.Len())
}
