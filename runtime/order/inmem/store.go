// Package inmem provides an in-memory implementation of order.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/order/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drishti-ai/navigator/runtime/order"
)

// defaultOutlierCeiling excludes pathologically long completed-order durations
// from the processing-time average.
const defaultOutlierCeiling = 2 * time.Hour

type (
	// Store is an in-memory implementation of order.Store. It is safe for
	// concurrent use; the claim operation is atomic under the store mutex.
	Store struct {
		mu     sync.Mutex
		orders map[string]*order.Order
		logs   map[string][]order.LogEntry

		outlierCeiling time.Duration
		now            func() time.Time
	}

	// Option customizes the store.
	Option func(*Store)
)

// WithOutlierCeiling overrides the completed-duration ceiling used by Stats.
func WithOutlierCeiling(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.outlierCeiling = d
		}
	}
}

// WithClock overrides the time source. Tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		orders:         make(map[string]*order.Order),
		logs:           make(map[string][]order.LogEntry),
		outlierCeiling: defaultOutlierCeiling,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder implements order.Store.
func (s *Store) CreateOrder(_ context.Context, spec order.Spec) (string, error) {
	if spec.Retailer == "" {
		return "", errors.New("retailer is required")
	}
	if !spec.Method.Valid() {
		return "", errors.New("automation method is unrecognized")
	}
	if spec.ProductName == "" || spec.ProductURL == "" {
		return "", errors.New("product name and url are required")
	}
	priority := spec.Priority
	if priority == 0 {
		priority = order.PriorityNormal
	}
	if !priority.Valid() {
		return "", errors.New("priority is out of range")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	o := &order.Order{
		ID:              uuid.NewString(),
		Retailer:        spec.Retailer,
		Status:          order.StatusPending,
		Priority:        priority,
		Method:          spec.Method,
		AIModel:         spec.AIModel,
		ProductName:     spec.ProductName,
		ProductURL:      spec.ProductURL,
		ProductSize:     spec.ProductSize,
		ProductColor:    spec.ProductColor,
		ProductPrice:    spec.ProductPrice,
		CustomerName:    spec.CustomerName,
		CustomerEmail:   spec.CustomerEmail,
		ShippingAddress: cloneMap(spec.ShippingAddress),
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        cloneMap(spec.Metadata),
	}
	s.orders[o.ID] = o
	return o.ID, nil
}

// GetOrder implements order.Store.
func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	if id == "" {
		return order.Order{}, errors.New("order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

// ClaimNextPending implements order.Store. Selection and the transition to
// processing happen under one lock acquisition so concurrent claims never
// return the same order.
func (s *Store) ClaimNextPending(_ context.Context) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *order.Order
	for _, o := range s.orders {
		if o.Status != order.StatusPending {
			continue
		}
		if next == nil || o.Priority > next.Priority ||
			(o.Priority == next.Priority && o.CreatedAt.Before(next.CreatedAt)) {
			next = o
		}
	}
	if next == nil {
		return order.Order{}, order.ErrNoPending
	}

	now := s.now()
	next.Status = order.StatusProcessing
	next.UpdatedAt = now
	if next.StartedAt == nil {
		at := now
		next.StartedAt = &at
	}
	return cloneOrder(next), nil
}

// UpdateStatus implements order.Store.
func (s *Store) UpdateStatus(_ context.Context, id string, status order.Status, upd order.Update) error {
	if id == "" {
		return errors.New("order id is required")
	}
	if !status.Valid() {
		return errors.New("status is unrecognized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if !order.CanTransition(o.Status, status) {
		return order.ErrInvalidTransition
	}

	now := s.now()
	o.Status = status
	o.UpdatedAt = now

	if upd.Progress != nil && *upd.Progress > o.Progress {
		o.Progress = *upd.Progress
	}
	if upd.CurrentStep != nil {
		o.CurrentStep = *upd.CurrentStep
	}
	if upd.ErrorMessage != nil {
		o.ErrorMessage = *upd.ErrorMessage
	}
	if upd.RequiresHumanReview != nil {
		o.RequiresHumanReview = *upd.RequiresHumanReview
	}
	if upd.SessionID != nil {
		o.SessionID = *upd.SessionID
	}
	if upd.ConfirmationNumber != nil {
		o.ConfirmationNumber = *upd.ConfirmationNumber
	}
	if upd.TrackingNumber != nil {
		o.TrackingNumber = *upd.TrackingNumber
	}
	if upd.EstimatedDelivery != nil {
		at := *upd.EstimatedDelivery
		o.EstimatedDelivery = &at
	}

	if status == order.StatusProcessing && o.StartedAt == nil {
		at := now
		o.StartedAt = &at
	}
	if status.Terminal() && o.CompletedAt == nil {
		at := now
		o.CompletedAt = &at
	}
	return nil
}

// CancelOrder implements order.Store. Only pending orders can be cancelled at
// the store level; in-flight orders are cancelled through their task.
func (s *Store) CancelOrder(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != order.StatusPending {
		return false, nil
	}
	now := s.now()
	o.Status = order.StatusCancelled
	o.UpdatedAt = now
	at := now
	o.CompletedAt = &at
	return true, nil
}

// DeleteOrder implements order.Store.
func (s *Store) DeleteOrder(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return false, nil
	}
	delete(s.orders, id)
	delete(s.logs, id)
	return true, nil
}

// ListOrders implements order.Store. Results are ordered newest first.
func (s *Store) ListOrders(_ context.Context, f order.Filter) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.Order
	for _, o := range s.orders {
		if f.Retailer != "" && o.Retailer != f.Retailer {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(o.Status, f.Statuses) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AppendLog implements order.Store.
func (s *Store) AppendLog(_ context.Context, id string, entry order.LogEntry) error {
	if id == "" {
		return errors.New("order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return order.ErrNotFound
	}
	if entry.At.IsZero() {
		entry.At = s.now()
	}
	s.logs[id] = append(s.logs[id], entry)
	return nil
}

// Logs returns the execution log entries recorded for the order.
func (s *Store) Logs(id string) []order.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.LogEntry, len(s.logs[id]))
	copy(out, s.logs[id])
	return out
}

// Stats implements order.Store.
func (s *Store) Stats(_ context.Context) (order.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := order.Stats{
		ByStatus:   make(map[order.Status]int),
		ByRetailer: make(map[string]int),
		ByMethod:   make(map[string]int),
	}
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var totalSeconds float64
	var timedOrders int
	for _, o := range s.orders {
		stats.ByStatus[o.Status]++
		stats.ByRetailer[o.Retailer]++
		stats.ByMethod[string(o.Method)]++
		stats.Total++
		if o.RequiresHumanReview {
			stats.ReviewQueue++
		}
		if !o.CreatedAt.Before(today) {
			stats.OrdersToday++
		}
		if o.Status == order.StatusCompleted && o.StartedAt != nil && o.CompletedAt != nil {
			d := o.CompletedAt.Sub(*o.StartedAt)
			if d > 0 && d <= s.outlierCeiling {
				totalSeconds += d.Seconds()
				timedOrders++
			}
		}
	}
	if timedOrders > 0 {
		stats.AvgProcessingSeconds = totalSeconds / float64(timedOrders)
	}
	finished := stats.ByStatus[order.StatusCompleted] + stats.ByStatus[order.StatusFailed]
	if finished > 0 {
		stats.SuccessRate = float64(stats.ByStatus[order.StatusCompleted]) / float64(finished) * 100
	}
	return stats, nil
}

// Close implements order.Store.
func (s *Store) Close(context.Context) error {
	return nil
}

func statusIn(status order.Status, statuses []order.Status) bool {
	for _, st := range statuses {
		if st == status {
			return true
		}
	}
	return false
}

func cloneOrder(o *order.Order) order.Order {
	out := *o
	out.ShippingAddress = cloneMap(o.ShippingAddress)
	out.Metadata = cloneMap(o.Metadata)
	if o.StartedAt != nil {
		at := *o.StartedAt
		out.StartedAt = &at
	}
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		out.CompletedAt = &at
	}
	if o.EstimatedDelivery != nil {
		at := *o.EstimatedDelivery
		out.EstimatedDelivery = &at
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
