// Package strands implements the automation agent protocol as a
// model-planned loop: observe the page, ask the planner for the next action,
// execute it, repeat until the planner declares the purchase done or hands
// off to a human.
package strands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/drishti-ai/navigator/features/model"
	"github.com/drishti-ai/navigator/runtime/agent"
	"github.com/drishti-ai/navigator/runtime/browser"
	"github.com/drishti-ai/navigator/runtime/order"
	"github.com/drishti-ai/navigator/telemetry"
)

// Driver executes planner actions against the remote browser and reports
// what the page currently shows. The session client returned by the Strands
// provisioner implements it.
type Driver interface {
	Execute(ctx context.Context, action string) error
	Observe(ctx context.Context) (string, error)
}

const (
	defaultMaxSteps    = 30
	throttleRetries    = 3
	throttleBackoff    = 2 * time.Second
	progressFloor      = 10
	progressCeil       = 95
)

type (
	// Options configures the Strands agent.
	Options struct {
		// MaxSteps caps the planning loop. Defaults to 30.
		MaxSteps int
	}

	// Agent drives one order through the planning loop.
	Agent struct {
		order       order.Order
		planner     model.Planner
		provisioner browser.Provisioner
		registry    *browser.Registry
		logger      telemetry.Logger
		maxSteps    int

		driver     Driver
		sessionID  string
		processing atomic.Bool
	}
)

// New builds a Strands agent for one order.
func New(o order.Order, planner model.Planner, provisioner browser.Provisioner, registry *browser.Registry, logger telemetry.Logger, opts Options) (*Agent, error) {
	if planner == nil {
		return nil, errors.New("strands: planner is required")
	}
	if provisioner == nil {
		return nil, errors.New("strands: provisioner is required")
	}
	if registry == nil {
		return nil, errors.New("strands: registry is required")
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Agent{
		order:       o,
		planner:     planner,
		provisioner: provisioner,
		registry:    registry,
		logger:      logger,
		maxSteps:    maxSteps,
	}, nil
}

// Factory adapts New to the agent.Factory signature. planners maps providers
// to their planner; the order's model identifier picks the provider.
func Factory(planners map[model.Provider]model.Planner, provisioner browser.Provisioner, registry *browser.Registry, logger telemetry.Logger, opts Options) agent.Factory {
	return func(_ context.Context, o order.Order) (agent.Agent, error) {
		provider := model.Infer(o.AIModel)
		planner, ok := planners[provider]
		if !ok {
			return nil, fmt.Errorf("strands: no planner configured for provider %q (model %q)", provider, o.AIModel)
		}
		return New(o, planner, provisioner, registry, logger, opts)
	}
}

// StartSession provisions the remote browser session and registers it under
// the order ID. Idempotent.
func (a *Agent) StartSession(ctx context.Context, sessionID string) (agent.SessionInfo, error) {
	if a.driver != nil {
		return agent.SessionInfo{SessionID: a.sessionID, Status: agent.SessionActive}, nil
	}
	sess, err := a.provisioner.Provision(ctx, sessionID)
	if err != nil {
		return agent.SessionInfo{SessionID: sessionID, Status: agent.SessionFailed, Error: err.Error()}, nil
	}
	driver, ok := sess.Client.(Driver)
	if !ok {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = sess.Client.Release(rctx)
		return agent.SessionInfo{}, errors.New("strands: session client does not support the driver protocol")
	}
	if err := a.registry.Register(ctx, sessionID, sess); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = sess.Client.Release(rctx)
		return agent.SessionInfo{}, fmt.Errorf("strands: register session: %w", err)
	}
	a.driver = driver
	a.sessionID = sessionID
	return agent.SessionInfo{SessionID: sessionID, Status: agent.SessionActive}, nil
}

// ProcessOrder runs the observe-plan-execute loop until the planner declares
// the purchase done, hands off to a human, or the step budget runs out.
func (a *Agent) ProcessOrder(ctx context.Context, o order.Order, progress agent.ProgressFunc) agent.Result {
	if !a.processing.CompareAndSwap(false, true) {
		return agent.Result{Outcome: agent.OutcomeFailed, Error: agent.ErrAlreadyProcessing.Error()}
	}
	defer a.processing.Store(false)
	if a.driver == nil {
		return agent.Failure(errors.New("strands: session not started"))
	}

	goal := goalFor(o)
	history := make([]string, 0, a.maxSteps)
	for stepNum := 1; stepNum <= a.maxSteps; stepNum++ {
		if ctx.Err() != nil {
			return agent.Failure(ctx.Err())
		}
		page, err := a.driver.Observe(ctx)
		if err != nil {
			return agent.Failure(fmt.Errorf("observe page: %w", err))
		}
		decision, err := a.plan(ctx, model.StepRequest{
			Model:       o.AIModel,
			Goal:        goal,
			PageSummary: page,
			History:     history,
		})
		if err != nil {
			return agent.Failure(err)
		}
		pct := progressAt(stepNum, a.maxSteps)
		switch {
		case decision.RequiresHuman:
			a.logger.Info(ctx, "planner handed off", "order_id", o.ID, "reason", decision.Reason)
			return agent.Result{Outcome: agent.OutcomeRequiresHuman, Message: decision.Reason, Progress: pct}
		case decision.Done:
			a.emit(ctx, progress, o.ID, 100, "done")
			return agent.Result{
				Success:            true,
				Outcome:            agent.OutcomeCompleted,
				Progress:           100,
				ConfirmationNumber: extractConfirmation(page),
			}
		}
		a.emit(ctx, progress, o.ID, pct, decision.Action)
		if err := a.driver.Execute(ctx, decision.Action); err != nil {
			if ctx.Err() != nil {
				return agent.Failure(ctx.Err())
			}
			return agent.Result{Outcome: agent.OutcomeFailed, Error: fmt.Sprintf("execute %q: %v", decision.Action, err), Progress: pct}
		}
		history = append(history, decision.Action)
	}
	return agent.Result{
		Outcome:  agent.OutcomeFailed,
		Error:    fmt.Sprintf("step budget of %d exhausted before completion", a.maxSteps),
		Progress: progressCeil,
	}
}

// Cleanup tears down the registered session through the registry.
func (a *Agent) Cleanup(ctx context.Context, force bool) {
	if a.sessionID == "" {
		return
	}
	if err := a.registry.Cleanup(ctx, a.sessionID, force); err != nil && !errors.Is(err, browser.ErrSessionNotFound) {
		a.logger.Warn(ctx, "session cleanup failed", "session_id", a.sessionID, "err", err)
	}
}

// LiveViewURL delegates to the session registry.
func (a *Agent) LiveViewURL(ctx context.Context, ttl time.Duration) (string, error) {
	if a.sessionID == "" {
		return "", agent.ErrLiveViewUnavailable
	}
	url, err := a.registry.LiveViewURL(ctx, a.sessionID, ttl)
	if errors.Is(err, browser.ErrNotSupported) || errors.Is(err, browser.ErrSessionNotFound) {
		return "", agent.ErrLiveViewUnavailable
	}
	return url, err
}

// plan calls the planner, retrying briefly on provider throttling.
func (a *Agent) plan(ctx context.Context, req model.StepRequest) (model.Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= throttleRetries; attempt++ {
		decision, err := a.planner.NextStep(ctx, req)
		if err == nil {
			return decision, nil
		}
		if !errors.Is(err, model.ErrRateLimited) {
			return model.Decision{}, err
		}
		lastErr = err
		backoff := throttleBackoff * time.Duration(attempt+1)
		a.logger.Warn(ctx, "planner throttled, backing off", "attempt", attempt+1, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return model.Decision{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return model.Decision{}, lastErr
}

func (a *Agent) emit(ctx context.Context, progress agent.ProgressFunc, orderID string, pct int, stepName string) {
	if progress == nil {
		return
	}
	progress(ctx, agent.ProgressUpdate{
		OrderID:   orderID,
		Status:    order.StatusProcessing,
		Progress:  pct,
		Step:      stepName,
		SessionID: a.sessionID,
	})
}

func goalFor(o order.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Purchase %q from %s", o.ProductName, o.Retailer)
	if o.ProductSize != "" {
		fmt.Fprintf(&b, ", size %s", o.ProductSize)
	}
	if o.ProductColor != "" {
		fmt.Fprintf(&b, ", color %s", o.ProductColor)
	}
	if o.ProductURL != "" {
		fmt.Fprintf(&b, ". Product page: %s", o.ProductURL)
	}
	fmt.Fprintf(&b, ". Ship to %s.", o.CustomerName)
	return b.String()
}

// progressAt maps the step number onto a bounded progress percentage so the
// final confirmation keeps headroom.
func progressAt(step, maxSteps int) int {
	pct := progressFloor + step*(progressCeil-progressFloor)/maxSteps
	if pct > progressCeil {
		return progressCeil
	}
	return pct
}

func extractConfirmation(page string) string {
	// Same loose pattern the Nova Act script uses for its final response.
	for _, line := range strings.Split(page, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "confirmation") || strings.Contains(lower, "order number") {
			fields := strings.Fields(line)
			for i := len(fields) - 1; i >= 0; i-- {
				f := strings.Trim(fields[i], ".,:#")
				if len(f) >= 5 && strings.IndexFunc(f, isDigit) >= 0 {
					return f
				}
			}
		}
	}
	return ""
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
