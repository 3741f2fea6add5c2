// Package browser tracks live remote browser sessions and owns their
// teardown.
//
// Contract:
//   - A session is registered under the order ID it serves; re-registering
//     replaces and releases the previous session. Each session is removed
//     exactly once, by whichever cleanup path reaches it first.
//   - Cleanup removes the session from the registry before releasing its
//     resources, so a release that hangs never wedges the registry.
//   - Non-forced cleanup is a no-op while the owning order awaits human
//     review; forced cleanup ignores order state entirely.
//   - All map access is guarded by one mutex; resource releases happen
//     outside the lock.
package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drishti-ai/navigator/runtime/order"
	"github.com/drishti-ai/navigator/telemetry"
)

var (
	// ErrSessionNotFound is returned when the session ID is not registered.
	ErrSessionNotFound = errors.New("browser: session not found")
	// ErrNotSupported is returned when the session's client lacks the
	// requested capability (live view, viewport, manual control).
	ErrNotSupported = errors.New("browser: operation not supported by session client")
	// ErrInvalidResolution is returned for viewport dimensions outside the
	// supported bounds.
	ErrInvalidResolution = errors.New("browser: resolution out of bounds")
)

// Viewport bounds accepted by SetResolution.
const (
	MinWidth  = 640
	MaxWidth  = 3840
	MinHeight = 480
	MaxHeight = 2160
)

const (
	defaultIdleExpiry      = 30 * time.Minute
	defaultCleanupTimeout  = 10 * time.Second
	defaultResourceTimeout = 5 * time.Second
)

type (
	// OrderLookup is the slice of the order store the registry needs to honor
	// the review-protection rule during non-forced cleanup.
	OrderLookup interface {
		GetOrder(ctx context.Context, id string) (order.Order, error)
	}

	// Snapshot is a read-only view of a registered session.
	Snapshot struct {
		OrderID       string
		StartedAt     time.Time
		LastAccessed  time.Time
		ManualControl bool
		ReplayBucket  string
		ReplayPrefix  string
	}

	handle struct {
		session       Session
		startedAt     time.Time
		lastAccessed  time.Time
		manualControl bool
		terminated    bool
	}

	// Registry owns the map of live sessions keyed by order ID.
	Registry struct {
		mu       sync.Mutex
		sessions map[string]*handle

		orders          OrderLookup
		logger          telemetry.Logger
		metrics         telemetry.Metrics
		clock           func() time.Time
		idleExpiry      time.Duration
		cleanupTimeout  time.Duration
		resourceTimeout time.Duration
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

// WithIdleExpiry sets how long a session may go untouched before the idle
// sweep reclaims it.
func WithIdleExpiry(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleExpiry = d
		}
	}
}

// WithCleanupTimeout bounds one session's whole teardown.
func WithCleanupTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.cleanupTimeout = d
		}
	}
}

// WithResourceTimeout bounds each individual resource release.
func WithResourceTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.resourceTimeout = d
		}
	}
}

// WithRegistryClock overrides the time source. Tests only.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = now }
}

// NewRegistry creates a session registry. orders may be nil, in which case
// the review-protection rule is disabled and non-forced cleanup always
// proceeds.
func NewRegistry(orders OrderLookup, logger telemetry.Logger, metrics telemetry.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:        make(map[string]*handle),
		orders:          orders,
		logger:          logger,
		metrics:         metrics,
		clock:           time.Now,
		idleExpiry:      defaultIdleExpiry,
		cleanupTimeout:  defaultCleanupTimeout,
		resourceTimeout: defaultResourceTimeout,
	}
	if r.logger == nil {
		r.logger = telemetry.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = telemetry.NoopMetrics{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a live session under the order it serves. Re-registering
// an order ID replaces the previous session; the displaced resources are
// released in the background.
func (r *Registry) Register(ctx context.Context, orderID string, s Session) error {
	if s.Client == nil {
		return errors.New("browser: session has no client")
	}
	r.mu.Lock()
	prev, replaced := r.sessions[orderID]
	now := r.clock()
	r.sessions[orderID] = &handle{session: s, startedAt: now, lastAccessed: now}
	r.metrics.RecordGauge("browser.sessions.active", float64(len(r.sessions)))
	r.mu.Unlock()

	if replaced && !prev.terminated {
		r.logger.Warn(ctx, "browser session replaced", "order_id", orderID)
		go r.release(ctx, orderID, prev.session)
	}
	r.logger.Info(ctx, "browser session registered", "order_id", orderID)
	return nil
}

// Get returns a snapshot of the session for orderID.
func (r *Registry) Get(orderID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[orderID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(orderID, h), true
}

// List returns snapshots of every live session.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for id, h := range r.sessions {
		out = append(out, snapshot(id, h))
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LiveViewURL mints a time-limited URL for watching the session's browser.
// Touches the session's idle clock.
func (r *Registry) LiveViewURL(ctx context.Context, orderID string, ttl time.Duration) (string, error) {
	r.mu.Lock()
	h, ok := r.sessions[orderID]
	if !ok {
		r.mu.Unlock()
		return "", ErrSessionNotFound
	}
	h.lastAccessed = r.clock()
	client := h.session.Client
	r.mu.Unlock()

	viewer, ok := client.(LiveViewer)
	if !ok {
		return "", ErrNotSupported
	}
	return viewer.GenerateLiveViewURL(ctx, ttl)
}

// SetResolution resizes the session's remote viewport.
func (r *Registry) SetResolution(ctx context.Context, orderID string, width, height int) error {
	if width < MinWidth || width > MaxWidth || height < MinHeight || height > MaxHeight {
		return ErrInvalidResolution
	}
	r.mu.Lock()
	h, ok := r.sessions[orderID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	h.lastAccessed = r.clock()
	client := h.session.Client
	r.mu.Unlock()

	setter, ok := client.(ViewportSetter)
	if !ok {
		return ErrNotSupported
	}
	return setter.SetViewport(ctx, width, height)
}

// EnableManualControl hands browser input to a human operator.
func (r *Registry) EnableManualControl(ctx context.Context, orderID string) error {
	return r.setControl(ctx, orderID, true)
}

// DisableManualControl returns browser input to the automation.
func (r *Registry) DisableManualControl(ctx context.Context, orderID string) error {
	return r.setControl(ctx, orderID, false)
}

func (r *Registry) setControl(ctx context.Context, orderID string, take bool) error {
	r.mu.Lock()
	h, ok := r.sessions[orderID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	h.lastAccessed = r.clock()
	client := h.session.Client
	r.mu.Unlock()

	ctl, ok := client.(Controller)
	if !ok {
		return ErrNotSupported
	}
	var err error
	if take {
		err = ctl.TakeControl(ctx)
	} else {
		err = ctl.ReleaseControl(ctx)
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	if h, ok := r.sessions[orderID]; ok {
		h.manualControl = take
	}
	r.mu.Unlock()
	return nil
}

// Cleanup tears down the session for orderID. Unless force is set, a session
// whose order awaits human review is left alone so a reviewer can still reach
// the live browser. The session is removed from the registry before any
// resource is released; hung releases are abandoned after their budget.
func (r *Registry) Cleanup(ctx context.Context, orderID string, force bool) error {
	if !force && r.orders != nil {
		o, err := r.orders.GetOrder(ctx, orderID)
		if err == nil && o.Status == order.StatusRequiresHuman {
			r.logger.Info(ctx, "browser session kept for human review", "order_id", orderID)
			return nil
		}
	}

	r.mu.Lock()
	h, ok := r.sessions[orderID]
	if !ok || h.terminated {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	h.terminated = true
	delete(r.sessions, orderID)
	r.metrics.RecordGauge("browser.sessions.active", float64(len(r.sessions)))
	r.mu.Unlock()

	start := r.clock()
	r.release(ctx, orderID, h.session)
	r.metrics.RecordTimer("browser.cleanup.duration", r.clock().Sub(start), "forced", boolTag(force))
	r.logger.Info(ctx, "browser session cleaned up", "order_id", orderID, "forced", force)
	return nil
}

// CleanupExpired reclaims sessions idle longer than the registry's expiry.
// Returns the number of sessions torn down.
func (r *Registry) CleanupExpired(ctx context.Context) int {
	cutoff := r.clock().Add(-r.idleExpiry)
	r.mu.Lock()
	var expired []string
	for id, h := range r.sessions {
		if h.lastAccessed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	var cleaned int
	for _, id := range expired {
		if err := r.Cleanup(ctx, id, false); err == nil {
			cleaned++
		}
	}
	if cleaned > 0 {
		r.logger.Info(ctx, "idle browser sessions reclaimed", "count", cleaned)
	}
	return cleaned
}

// CleanupAll force-tears-down every live session. Used at shutdown.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Cleanup(ctx, id, true); err != nil && !errors.Is(err, ErrSessionNotFound) {
				r.logger.Warn(ctx, "session cleanup failed during sweep", "order_id", id, "err", err)
			}
		}(id)
	}
	wg.Wait()
}

// release frees the session's resources, each under its own deadline, with an
// aggregate budget for the whole session. Releases are detached from the
// caller's cancellation so shutdown still attempts them.
func (r *Registry) release(ctx context.Context, orderID string, s Session) {
	base := context.WithoutCancel(ctx)
	outer, cancel := context.WithTimeout(base, r.cleanupTimeout)
	defer cancel()

	resources := append([]Resource{s.Client}, s.Extras...)
	for _, res := range resources {
		if res == nil {
			continue
		}
		if err := r.releaseOne(outer, res); err != nil {
			r.logger.Warn(ctx, "resource release failed", "order_id", orderID, "resource", res.Name(), "err", err)
			r.metrics.IncCounter("browser.release.errors", 1, "resource", res.Name())
		}
		if outer.Err() != nil {
			r.logger.Warn(ctx, "session teardown budget exhausted", "order_id", orderID)
			return
		}
	}
}

// releaseOne runs a single release in its own goroutine so a hung resource
// cannot block past its deadline; the goroutine is abandoned on timeout.
func (r *Registry) releaseOne(ctx context.Context, res Resource) error {
	rctx, cancel := context.WithTimeout(ctx, r.resourceTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- res.Release(rctx) }()
	select {
	case err := <-done:
		return err
	case <-rctx.Done():
		return rctx.Err()
	}
}

func snapshot(id string, h *handle) Snapshot {
	return Snapshot{
		OrderID:       id,
		StartedAt:     h.startedAt,
		LastAccessed:  h.lastAccessed,
		ManualControl: h.manualControl,
		ReplayBucket:  h.session.ReplayBucket,
		ReplayPrefix:  h.session.ReplayPrefix,
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
