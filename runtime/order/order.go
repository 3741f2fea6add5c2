// Package order defines the order entity, its status state machine and the
// durable Store contract the scheduler runs against.
//
// Contract:
//   - The Store is the single source of truth for order status. In-memory
//     scheduler and registry maps are process-local caches rebuilt from
//     nothing on restart.
//   - Status moves only along the edges accepted by CanTransition; terminal
//     statuses are absorbing.
//   - StartedAt and CompletedAt are each set at most once, by the Store, on
//     the first transition into StatusProcessing and into a terminal status
//     respectively.
package order

import (
	"context"
	"errors"
	"time"
)

type (
	// Status is the lifecycle state of an order.
	Status string

	// Priority orders pending work: higher values are claimed first, ties
	// break FIFO on creation time.
	Priority int

	// Method selects the automation agent implementation driving the order.
	// Immutable after creation.
	Method string

	// Order is the unit of automation work: a target retailer, a product and
	// the customer details needed to purchase it.
	Order struct {
		// ID is the durable identifier of the order.
		ID string
		// Retailer names the target site, as configured in the retailer directory.
		Retailer string
		// Status is the current lifecycle state.
		Status Status
		// Priority controls claim order among pending orders.
		Priority Priority
		// Method selects the automation agent implementation.
		Method Method
		// AIModel optionally pins the model identifier used by the agent.
		AIModel string

		// Product details.
		ProductName  string
		ProductURL   string
		ProductSize  string
		ProductColor string
		ProductPrice float64

		// Customer and shipping details.
		CustomerName    string
		CustomerEmail   string
		ShippingAddress map[string]any

		// CreatedAt records when the order was accepted.
		CreatedAt time.Time
		// UpdatedAt records the last status or field update.
		UpdatedAt time.Time
		// StartedAt is set once, on the first transition into StatusProcessing.
		StartedAt *time.Time
		// CompletedAt is set once, on the transition into a terminal status.
		CompletedAt *time.Time

		// Progress is 0-100 and never decreases while the order is processing.
		Progress int
		// CurrentStep describes what the agent is doing right now.
		CurrentStep string

		// Results reported by the agent on completion.
		ConfirmationNumber string
		TrackingNumber     string
		EstimatedDelivery  *time.Time

		// ErrorMessage carries the human-readable failure or blocking reason.
		ErrorMessage string
		// RequiresHumanReview marks orders the agent could not finish without
		// operator help (e.g. a CAPTCHA). Sessions of such orders are protected
		// from non-forced cleanup.
		RequiresHumanReview bool

		// SessionID is a weak back-reference to the active browser session, if
		// any. The session registry owns the session; this field is lookup only.
		SessionID string

		// Metadata stores caller-provided extras such as special instructions.
		Metadata map[string]any
	}

	// Spec is the caller-facing input to CreateOrder.
	Spec struct {
		Retailer        string
		Method          Method
		AIModel         string
		ProductName     string
		ProductURL      string
		ProductSize     string
		ProductColor    string
		ProductPrice    float64
		CustomerName    string
		CustomerEmail   string
		ShippingAddress map[string]any
		Priority        Priority
		Metadata        map[string]any
	}

	// Update carries the optional fields of an UpdateStatus call. Nil fields
	// are left untouched.
	Update struct {
		Progress            *int
		CurrentStep         *string
		ErrorMessage        *string
		RequiresHumanReview *bool
		SessionID           *string
		ConfirmationNumber  *string
		TrackingNumber      *string
		EstimatedDelivery   *time.Time
	}

	// Filter narrows ListOrders results.
	Filter struct {
		Statuses []Status
		Retailer string
	}

	// LogEntry is one execution log line attached to an order.
	LogEntry struct {
		Level   string
		Message string
		Step    string
		At      time.Time
	}

	// Stats aggregates order counts and queue health numbers.
	Stats struct {
		// ByStatus counts orders per lifecycle state.
		ByStatus map[Status]int
		// Total is the count across all statuses.
		Total int
		// ReviewQueue counts orders flagged RequiresHumanReview.
		ReviewQueue int
		// OrdersToday counts orders created since local midnight.
		OrdersToday int
		// AvgProcessingSeconds averages completed-order durations, excluding
		// non-positive durations and outliers beyond the store's ceiling.
		AvgProcessingSeconds float64
		// SuccessRate is completed / (completed + failed), in percent.
		SuccessRate float64
		// ByRetailer and ByMethod break total counts down per dimension.
		ByRetailer map[string]int
		ByMethod   map[string]int
	}

	// Store persists orders.
	//
	// Contract:
	//   - ClaimNextPending atomically selects the highest-priority oldest
	//     pending order and marks it processing in one operation; two
	//     concurrent claims never return the same order.
	//   - UpdateStatus rejects transitions CanTransition does not allow and
	//     never lowers Progress while the order is processing.
	//   - CancelOrder succeeds only while the order is still pending.
	Store interface {
		// CreateOrder persists a new pending order and returns its ID.
		CreateOrder(ctx context.Context, spec Spec) (string, error)
		// GetOrder loads an order. Returns ErrNotFound when missing.
		GetOrder(ctx context.Context, id string) (Order, error)
		// ClaimNextPending atomically claims the next pending order, ordered by
		// (priority desc, created_at asc), marking it processing. Returns
		// ErrNoPending when the queue is empty.
		ClaimNextPending(ctx context.Context) (Order, error)
		// UpdateStatus transitions the order and applies the partial update.
		UpdateStatus(ctx context.Context, id string, status Status, upd Update) error
		// CancelOrder cancels the order if it is still pending. Reports whether
		// the cancel took effect.
		CancelOrder(ctx context.Context, id string) (bool, error)
		// DeleteOrder removes the order. Reports whether it existed.
		DeleteOrder(ctx context.Context, id string) (bool, error)
		// ListOrders returns orders matching the filter, newest first.
		ListOrders(ctx context.Context, f Filter) ([]Order, error)
		// AppendLog attaches an execution log entry to the order.
		AppendLog(ctx context.Context, id string, entry LogEntry) error
		// Stats returns aggregate queue statistics.
		Stats(ctx context.Context) (Stats, error)
		// Close releases store resources.
		Close(ctx context.Context) error
	}
)

const (
	// StatusPending marks orders waiting to be claimed.
	StatusPending Status = "pending"
	// StatusProcessing marks orders with an active automation task.
	StatusProcessing Status = "processing"
	// StatusCompleted is terminal: the purchase went through.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: automation gave up.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal: the order was cancelled before or during
	// processing.
	StatusCancelled Status = "cancelled"
	// StatusRequiresHuman is semi-terminal: the agent hit a blocking
	// condition and an operator must resume or resolve the order. The browser
	// session stays alive.
	StatusRequiresHuman Status = "requires_human"
	// StatusManualControl is semi-terminal: an operator is driving the
	// browser directly.
	StatusManualControl Status = "manual_control"
)

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

const (
	// MethodNovaAct drives the Nova Act browser automation runtime.
	MethodNovaAct Method = "nova_act"
	// MethodStrands drives the model-planned Strands automation loop.
	MethodStrands Method = "strands"
)

var (
	// ErrNotFound indicates the order does not exist in the store.
	ErrNotFound = errors.New("order not found")
	// ErrNoPending indicates no pending order is available to claim.
	ErrNoPending = errors.New("no pending orders")
	// ErrInvalidTransition indicates a status change the state machine rejects.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions enumerates the accepted status edges.
var transitions = map[Status][]Status{
	StatusPending:       {StatusProcessing, StatusCancelled},
	StatusProcessing:    {StatusCompleted, StatusFailed, StatusCancelled, StatusRequiresHuman},
	StatusRequiresHuman: {StatusProcessing, StatusManualControl, StatusCancelled},
	StatusManualControl: {StatusProcessing, StatusCancelled},
}

// Terminal reports whether the status is absorbing: no further transitions
// are accepted out of it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusRequiresHuman, StatusManualControl:
		return true
	}
	return false
}

// Valid reports whether m is a known automation method.
func (m Method) Valid() bool {
	return m == MethodNovaAct || m == MethodStrands
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// CanTransition reports whether moving from one status to another is an
// accepted state-machine edge. Same-status updates are allowed so stores can
// apply partial field updates without a status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
