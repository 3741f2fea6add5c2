// Package novaact implements the automation agent protocol on top of the
// Nova Act browser runtime: a fixed checkout script of natural language
// instructions executed against the remote browser session.
package novaact

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/drishti-ai/navigator/runtime/agent"
	"github.com/drishti-ai/navigator/runtime/browser"
	"github.com/drishti-ai/navigator/runtime/order"
	"github.com/drishti-ai/navigator/telemetry"
)

// Actor executes one natural language instruction against the remote browser
// and returns the runtime's textual response. The session client returned by
// the Nova Act provisioner implements it.
type Actor interface {
	Act(ctx context.Context, instruction string) (string, error)
}

type (
	// Agent drives one order through the Nova Act checkout script.
	Agent struct {
		order       order.Order
		provisioner browser.Provisioner
		registry    *browser.Registry
		logger      telemetry.Logger

		actor      Actor
		sessionID  string
		creds      agent.Credentials
		processing atomic.Bool
	}

	step struct {
		name     string
		progress int
		build    func(o order.Order) string
	}
)

// The keyword part is case-insensitive but the captured number is not, so
// ordinary lowercase words after "order" are never mistaken for one.
var confirmationPattern = regexp.MustCompile(`(?i:(?:confirmation|order)\s*(?:number|#|id)?[:\s]+)([A-Z0-9][A-Z0-9-]{4,})`)

// blockers are response fragments that mean automation must stop and hand the
// session to a human.
var blockers = []string{"captcha", "verify you are human", "two-factor", "2fa", "login required", "sign in to continue", "payment verification"}

// script is the ordered checkout sequence. Progress values leave headroom for
// the final confirmation step.
var script = []step{
	{"navigate", 10, func(o order.Order) string {
		if o.ProductURL != "" {
			return fmt.Sprintf("Go to %s", o.ProductURL)
		}
		return fmt.Sprintf("Go to the %s website and search for %q", o.Retailer, o.ProductName)
	}},
	{"select product", 25, func(o order.Order) string {
		return fmt.Sprintf("Open the product page for %q", o.ProductName)
	}},
	{"choose options", 40, func(o order.Order) string {
		var opts []string
		if o.ProductSize != "" {
			opts = append(opts, "size "+o.ProductSize)
		}
		if o.ProductColor != "" {
			opts = append(opts, "color "+o.ProductColor)
		}
		if len(opts) == 0 {
			return "Keep the default product options"
		}
		return "Select " + strings.Join(opts, " and ")
	}},
	{"add to cart", 55, func(order.Order) string {
		return "Add the product to the cart and proceed to checkout"
	}},
	{"shipping", 70, func(o order.Order) string {
		return fmt.Sprintf("Fill in the shipping details: %s, %s", o.CustomerName, formatAddress(o.ShippingAddress))
	}},
	{"payment", 85, func(order.Order) string {
		return "Use the saved payment method and continue"
	}},
	{"confirm", 95, func(order.Order) string {
		return "Place the order and report the confirmation number shown"
	}},
}

// New builds a Nova Act agent for one order. It satisfies agent.Factory when
// partially applied with the provisioner, registry and logger.
func New(o order.Order, provisioner browser.Provisioner, registry *browser.Registry, logger telemetry.Logger) (*Agent, error) {
	if provisioner == nil {
		return nil, errors.New("novaact: provisioner is required")
	}
	if registry == nil {
		return nil, errors.New("novaact: registry is required")
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Agent{order: o, provisioner: provisioner, registry: registry, logger: logger}, nil
}

// Factory adapts New to the agent.Factory signature.
func Factory(provisioner browser.Provisioner, registry *browser.Registry, logger telemetry.Logger) agent.Factory {
	return func(_ context.Context, o order.Order) (agent.Agent, error) {
		return New(o, provisioner, registry, logger)
	}
}

// SetCredentials stores the retailer login used by the sign-in step. Called
// by the scheduler before ProcessOrder when a credential vault is configured.
func (a *Agent) SetCredentials(creds agent.Credentials) {
	a.creds = creds
}

// StartSession provisions the remote browser session and registers it under
// the order ID. Idempotent: a second call returns the live session.
func (a *Agent) StartSession(ctx context.Context, sessionID string) (agent.SessionInfo, error) {
	if a.actor != nil {
		return agent.SessionInfo{SessionID: a.sessionID, Status: agent.SessionActive}, nil
	}
	sess, err := a.provisioner.Provision(ctx, sessionID)
	if err != nil {
		return agent.SessionInfo{SessionID: sessionID, Status: agent.SessionFailed, Error: err.Error()}, nil
	}
	actor, ok := sess.Client.(Actor)
	if !ok {
		releaseQuietly(ctx, sess)
		return agent.SessionInfo{}, errors.New("novaact: session client does not support act instructions")
	}
	if err := a.registry.Register(ctx, sessionID, sess); err != nil {
		releaseQuietly(ctx, sess)
		return agent.SessionInfo{}, fmt.Errorf("novaact: register session: %w", err)
	}
	a.actor = actor
	a.sessionID = sessionID
	return agent.SessionInfo{SessionID: sessionID, Status: agent.SessionActive}, nil
}

// ProcessOrder walks the checkout script, emitting progress per step. A
// blocking response stops the script with OutcomeRequiresHuman so the session
// survives for an operator.
func (a *Agent) ProcessOrder(ctx context.Context, o order.Order, progress agent.ProgressFunc) agent.Result {
	if !a.processing.CompareAndSwap(false, true) {
		return agent.Result{Outcome: agent.OutcomeFailed, Error: agent.ErrAlreadyProcessing.Error()}
	}
	defer a.processing.Store(false)
	if a.actor == nil {
		return agent.Failure(errors.New("novaact: session not started"))
	}

	steps := script
	if a.creds.Username != "" {
		creds := a.creds
		steps = append([]step{{"sign in", 5, func(order.Order) string {
			return fmt.Sprintf("Sign in with username %s and password %s", creds.Username, creds.Password)
		}}}, steps...)
	}

	var lastResponse string
	for _, st := range steps {
		if ctx.Err() != nil {
			return agent.Failure(ctx.Err())
		}
		emit(ctx, progress, o.ID, a.sessionID, st.progress, st.name)
		resp, err := a.actor.Act(ctx, st.build(o))
		if err != nil {
			if ctx.Err() != nil {
				return agent.Failure(ctx.Err())
			}
			return agent.Result{Outcome: agent.OutcomeFailed, Error: fmt.Sprintf("%s: %v", st.name, err), Progress: st.progress}
		}
		if reason, blocked := blocked(resp); blocked {
			a.logger.Info(ctx, "checkout blocked, handing off", "order_id", o.ID, "step", st.name, "reason", reason)
			return agent.Result{
				Outcome:  agent.OutcomeRequiresHuman,
				Message:  fmt.Sprintf("blocked at %s: %s", st.name, reason),
				Progress: st.progress,
			}
		}
		lastResponse = resp
	}

	emit(ctx, progress, o.ID, a.sessionID, 100, "done")
	return agent.Result{
		Success:            true,
		Outcome:            agent.OutcomeCompleted,
		Progress:           100,
		ConfirmationNumber: extractConfirmation(lastResponse),
	}
}

// Cleanup tears down the registered session through the registry, which
// applies the review-protection rule unless force is set.
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

func emit(ctx context.Context, progress agent.ProgressFunc, orderID, sessionID string, pct int, stepName string) {
	if progress == nil {
		return
	}
	progress(ctx, agent.ProgressUpdate{
		OrderID:   orderID,
		Status:    order.StatusProcessing,
		Progress:  pct,
		Step:      stepName,
		SessionID: sessionID,
	})
}

func blocked(response string) (string, bool) {
	lower := strings.ToLower(response)
	for _, b := range blockers {
		if strings.Contains(lower, b) {
			return b, true
		}
	}
	return "", false
}

func extractConfirmation(response string) string {
	m := confirmationPattern.FindStringSubmatch(response)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

func formatAddress(addr map[string]any) string {
	if len(addr) == 0 {
		return ""
	}
	parts := make([]string, 0, 4)
	for _, key := range []string{"street", "apartment", "city", "state", "zip_code", "country"} {
		if v, ok := addr[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

func releaseQuietly(ctx context.Context, sess browser.Session) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = sess.Client.Release(rctx)
	for _, extra := range sess.Extras {
		if extra != nil {
			_ = extra.Release(rctx)
		}
	}
}
