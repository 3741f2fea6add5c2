// Package agent specifies the boundary protocol every automation backend must
// implement to process orders for the scheduler.
//
// Contract:
//   - StartSession is idempotent and reports expected failures through the
//     returned SessionInfo rather than an error.
//   - ProcessOrder admits at most one concurrent call per instance; a second
//     concurrent call fails fast with ErrAlreadyProcessing in the Result.
//   - Cleanup is best-effort and never returns an error; callers bound it
//     with a context deadline and abandon it on expiry.
//   - LiveViewURL is an optional capability: absence is signaled with
//     ErrLiveViewUnavailable, never a panic.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drishti-ai/navigator/runtime/order"
)

type (
	// SessionStatus is the outcome of a StartSession call.
	SessionStatus string

	// SessionInfo describes the remote browser session backing an agent.
	SessionInfo struct {
		// SessionID identifies the session; by convention it equals the order ID.
		SessionID string
		// Status is active when the session is usable, failed otherwise.
		Status SessionStatus
		// Error carries the failure reason when Status is failed.
		Error string
	}

	// Outcome classifies a finished ProcessOrder call.
	Outcome string

	// Result is the terminal report of a ProcessOrder call.
	Result struct {
		// Success is true only when Outcome is OutcomeCompleted.
		Success bool
		// Outcome classifies how processing ended.
		Outcome Outcome
		// Error is the human-readable failure reason, if any.
		Error string
		// Message describes the blocking condition for OutcomeRequiresHuman.
		Message string
		// Progress is the last progress value reached, 0-100.
		Progress int
		// ConfirmationNumber, TrackingNumber and EstimatedDelivery are filled
		// on success when the retailer exposes them.
		ConfirmationNumber string
		TrackingNumber     string
		EstimatedDelivery  *time.Time
	}

	// ProgressUpdate is one structured progress event emitted while an order
	// is being processed. Backends emit these natively; the scheduler persists
	// them and forwards them to the configured progress sink.
	ProgressUpdate struct {
		OrderID   string
		Status    order.Status
		Progress  int
		Step      string
		SessionID string
	}

	// ProgressFunc receives progress updates during ProcessOrder.
	ProgressFunc func(ctx context.Context, update ProgressUpdate)

	// Agent drives a remote browser to complete one order.
	Agent interface {
		// StartSession creates (or reuses) the remote browser session for the
		// order. Expected failure modes are reported through SessionInfo.
		StartSession(ctx context.Context, sessionID string) (SessionInfo, error)
		// ProcessOrder drives the order to completion, emitting progress
		// through the callback. At most one concurrent call per instance.
		ProcessOrder(ctx context.Context, o order.Order, progress ProgressFunc) Result
		// Cleanup releases the agent's remote resources. Best-effort: it logs
		// failures internally, respects ctx deadlines and never panics. When
		// force is false the session registry's protection rule applies.
		Cleanup(ctx context.Context, force bool)
		// LiveViewURL returns a time-limited URL granting visual access to the
		// session, or ErrLiveViewUnavailable when the backend has none.
		LiveViewURL(ctx context.Context, ttl time.Duration) (string, error)
	}

	// Credentials hold a retailer login resolved from an external secret
	// store. They live in memory only and are never persisted with the order.
	Credentials struct {
		Username string
		Password string
	}

	// CredentialCarrier is an optional capability: agents that log in to the
	// retailer implement it and receive credentials before ProcessOrder.
	CredentialCarrier interface {
		SetCredentials(creds Credentials)
	}

	// Factory builds an agent for one claimed order.
	Factory func(ctx context.Context, o order.Order) (Agent, error)

	// Selector picks the Factory registered for the order's automation method.
	Selector struct {
		factories map[order.Method]Factory
	}
)

const (
	// SessionActive indicates the remote session is usable.
	SessionActive SessionStatus = "active"
	// SessionFailed indicates the session could not be established.
	SessionFailed SessionStatus = "failed"

	// OutcomeCompleted indicates the purchase went through.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed indicates automation gave up.
	OutcomeFailed Outcome = "failed"
	// OutcomeRequiresHuman indicates a blocking condition (e.g. CAPTCHA)
	// needing operator intervention; the session must stay alive.
	OutcomeRequiresHuman Outcome = "requires_human"
)

var (
	// ErrAlreadyProcessing indicates a second concurrent ProcessOrder call on
	// the same agent instance.
	ErrAlreadyProcessing = errors.New("agent is already processing an order")
	// ErrLiveViewUnavailable indicates the backend exposes no live view.
	ErrLiveViewUnavailable = errors.New("live view is not available")
	// ErrUnknownMethod indicates no factory is registered for the method.
	ErrUnknownMethod = errors.New("unknown automation method")
)

// NewSelector builds a Selector over the given method-to-factory table.
func NewSelector(factories map[order.Method]Factory) (*Selector, error) {
	if len(factories) == 0 {
		return nil, errors.New("at least one agent factory is required")
	}
	table := make(map[order.Method]Factory, len(factories))
	for method, factory := range factories {
		if !method.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
		}
		if factory == nil {
			return nil, fmt.Errorf("factory for method %q is nil", method)
		}
		table[method] = factory
	}
	return &Selector{factories: table}, nil
}

// Supports reports whether a factory is registered for the method.
func (s *Selector) Supports(method order.Method) bool {
	_, ok := s.factories[method]
	return ok
}

// New builds the agent for the order's automation method.
func (s *Selector) New(ctx context.Context, o order.Order) (Agent, error) {
	factory, ok := s.factories[o.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, o.Method)
	}
	return factory(ctx, o)
}

// Failure builds a failed Result from an error.
func Failure(err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{Outcome: OutcomeFailed, Error: msg, Progress: 100}
}
