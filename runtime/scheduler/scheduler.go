// Package scheduler runs the order processing loop: claiming pending orders
// from the store, driving one automation agent per claimed order and keeping
// order status, browser sessions and progress consumers in sync.
//
// Contract:
//   - At most maxConcurrent orders process at once; pending orders are
//     claimed highest priority first, FIFO within a priority.
//   - Every claimed order reaches a semi-terminal or terminal status even
//     when its agent panics.
//   - Agents of orders that end in requires_human are retained together with
//     their browser session so an operator can watch, take control or resume.
//   - Stop cancels in-flight orders and waits for them under a bounded
//     timeout; orders still running after the timeout are abandoned.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drishti-ai/navigator/runtime/agent"
	"github.com/drishti-ai/navigator/runtime/browser"
	"github.com/drishti-ai/navigator/runtime/order"
)

var (
	// ErrQueueFull indicates the pending queue reached its configured cap.
	ErrQueueFull = errors.New("scheduler: pending queue is full")
	// ErrNotCancellable indicates the order already reached a terminal status.
	ErrNotCancellable = errors.New("scheduler: order is not cancellable")
	// ErrNotResumable indicates the order is not awaiting human intervention.
	ErrNotResumable = errors.New("scheduler: order is not resumable")
	// ErrStopped indicates the scheduler is shutting down.
	ErrStopped = errors.New("scheduler: stopped")
)

type (
	// ProgressSink receives progress events as they happen, in addition to
	// the updates persisted on the order itself.
	ProgressSink interface {
		Publish(ctx context.Context, u agent.ProgressUpdate) error
		Close(ctx context.Context) error
	}

	// RuntimeStats extends store statistics with live scheduler state.
	RuntimeStats struct {
		order.Stats
		// ActiveTasks counts orders currently processing.
		ActiveTasks int
		// RetainedAgents counts agents kept alive for human review.
		RetainedAgents int
		// LiveSessions counts registered browser sessions.
		LiveSessions int
	}

	task struct {
		cancel context.CancelFunc
		done   chan struct{}
	}

	// Scheduler owns the dispatch loop and the lifecycle of processing tasks.
	Scheduler struct {
		store    order.Store
		agents   *agent.Selector
		registry *browser.Registry
		val      *validator
		opts     options

		mu       sync.Mutex
		tasks    map[string]*task
		retained map[string]agent.Agent
		started  bool
		paused   bool
		stopping bool

		wg       sync.WaitGroup
		loops    sync.WaitGroup
		stopCh   chan struct{}
		stopOnce sync.Once
	}
)

// New builds a scheduler over the given store, agent selector, session
// registry and retailer directory.
func New(store order.Store, agents *agent.Selector, registry *browser.Registry, retailers Directory, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if agents == nil {
		return nil, errors.New("scheduler: agent selector is required")
	}
	if registry == nil {
		return nil, errors.New("scheduler: session registry is required")
	}
	if len(retailers) == 0 {
		return nil, errors.New("scheduler: at least one retailer is required")
	}
	val, err := newValidator(retailers)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{
		store:    store,
		agents:   agents,
		registry: registry,
		val:      val,
		opts:     o,
		tasks:    make(map[string]*task),
		retained: make(map[string]agent.Agent),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the dispatch and idle-sweep loops. It returns immediately;
// the loops run until ctx is cancelled or Stop is called. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.loops.Add(2)
	go s.dispatchLoop(ctx)
	go s.sweepLoop(ctx)
	s.opts.logger.Info(ctx, "scheduler started",
		"max_concurrent", s.opts.maxConcurrent,
		"poll_interval", s.opts.pollInterval.String(),
		"sweep_interval", s.opts.sweepInterval.String())
	return nil
}

// AddOrder validates the spec and enqueues a new pending order, returning its
// ID. The dispatch loop picks it up by priority.
func (s *Scheduler) AddOrder(ctx context.Context, spec order.Spec) (string, error) {
	if s.isStopping() {
		return "", ErrStopped
	}
	if spec.Priority == 0 {
		spec.Priority = order.PriorityNormal
	}
	if err := s.val.validate(spec, s.agents.Supports); err != nil {
		return "", err
	}
	pending, err := s.store.ListOrders(ctx, order.Filter{Statuses: []order.Status{order.StatusPending}})
	if err != nil {
		return "", fmt.Errorf("count pending orders: %w", err)
	}
	if len(pending) >= s.opts.maxQueueSize {
		return "", ErrQueueFull
	}
	id, err := s.store.CreateOrder(ctx, spec)
	if err != nil {
		return "", err
	}
	s.opts.metrics.IncCounter("orders.accepted", 1, "retailer", spec.Retailer, "method", string(spec.Method))
	s.opts.logger.Info(ctx, "order accepted", "order_id", id, "retailer", spec.Retailer, "priority", int(spec.Priority))
	return id, nil
}

// CancelOrder cancels a pending order outright, or interrupts its processing
// task and waits for it under the stop timeout. Terminal orders are not
// cancellable.
func (s *Scheduler) CancelOrder(ctx context.Context, id string) error {
	cancelled, err := s.store.CancelOrder(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		s.opts.logger.Info(ctx, "pending order cancelled", "order_id", id)
		return nil
	}
	s.mu.Lock()
	t, running := s.tasks[id]
	s.mu.Unlock()
	if running {
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(s.opts.stopTimeout):
			s.opts.logger.Warn(ctx, "task still running after cancel", "order_id", id)
		case <-ctx.Done():
			return ctx.Err()
		}
		s.opts.logger.Info(ctx, "processing order interrupted", "order_id", id)
		return nil
	}
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == order.StatusRequiresHuman || o.Status == order.StatusManualControl {
		// Transition first: if the store rejects the cancel, the retained
		// agent and session must stay usable.
		if err := s.store.UpdateStatus(ctx, id, order.StatusCancelled, order.Update{}); err != nil {
			return err
		}
		s.dropRetained(id)
		s.forceCleanupSession(ctx, id)
		return nil
	}
	return fmt.Errorf("%w: order %s is %s", ErrNotCancellable, id, o.Status)
}

// ResumeOrder puts an order awaiting human intervention back into automated
// processing, reusing the retained agent and its live session when available.
func (s *Scheduler) ResumeOrder(ctx context.Context, id string) error {
	if s.isStopping() {
		return ErrStopped
	}
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	switch o.Status {
	case order.StatusRequiresHuman:
	case order.StatusManualControl:
		if err := s.registry.DisableManualControl(ctx, id); err != nil && !errors.Is(err, browser.ErrSessionNotFound) {
			s.opts.logger.Warn(ctx, "release manual control failed", "order_id", id, "err", err)
		}
	default:
		return fmt.Errorf("%w: order %s is %s", ErrNotResumable, id, o.Status)
	}

	s.mu.Lock()
	ag := s.retained[id]
	delete(s.retained, id)
	s.mu.Unlock()

	if err := s.store.UpdateStatus(ctx, id, order.StatusProcessing, order.Update{}); err != nil {
		return err
	}
	o.Status = order.StatusProcessing
	s.launch(ctx, o, ag)
	s.opts.logger.Info(ctx, "order resumed", "order_id", id, "retained_agent", ag != nil)
	return nil
}

// DeleteOrder removes an order and forces its session and agent, if any, to
// be torn down. Running tasks are interrupted first.
func (s *Scheduler) DeleteOrder(ctx context.Context, id string) error {
	s.mu.Lock()
	t, running := s.tasks[id]
	s.mu.Unlock()
	if running {
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(s.opts.stopTimeout):
			s.opts.logger.Warn(ctx, "task did not stop before delete", "order_id", id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.dropRetained(id)
	s.forceCleanupSession(ctx, id)
	existed, err := s.store.DeleteOrder(ctx, id)
	if err != nil {
		return err
	}
	if !existed {
		return order.ErrNotFound
	}
	s.opts.logger.Info(ctx, "order deleted", "order_id", id)
	return nil
}

// EnableManualControl hands the order's browser to a human operator. Only
// orders awaiting human review can be taken over.
func (s *Scheduler) EnableManualControl(ctx context.Context, id string) error {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != order.StatusRequiresHuman {
		return fmt.Errorf("%w: order %s is %s", ErrNotResumable, id, o.Status)
	}
	if err := s.registry.EnableManualControl(ctx, id); err != nil {
		return err
	}
	return s.store.UpdateStatus(ctx, id, order.StatusManualControl, order.Update{})
}

// DisableManualControl returns the browser to the automation and resumes
// processing.
func (s *Scheduler) DisableManualControl(ctx context.Context, id string) error {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != order.StatusManualControl {
		return fmt.Errorf("%w: order %s is %s", ErrNotResumable, id, o.Status)
	}
	return s.ResumeOrder(ctx, id)
}

// LiveViewURL mints a time-limited URL for watching the order's browser
// session.
func (s *Scheduler) LiveViewURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	return s.registry.LiveViewURL(ctx, id, ttl)
}

// SetResolution resizes the order's remote browser viewport.
func (s *Scheduler) SetResolution(ctx context.Context, id string, width, height int) error {
	return s.registry.SetResolution(ctx, id, width, height)
}

// Pause suspends claiming of new pending orders. In-flight tasks keep
// running; AddOrder still accepts orders into the queue.
func (s *Scheduler) Pause(ctx context.Context) {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.opts.logger.Info(ctx, "dispatch paused")
}

// Resume lifts a Pause so the dispatch loop claims pending orders again.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.opts.logger.Info(ctx, "dispatch resumed")
}

// GetActiveAgent returns the agent retained for an order awaiting human
// intervention, or false when none is held.
func (s *Scheduler) GetActiveAgent(id string) (agent.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ag, ok := s.retained[id]
	return ag, ok
}

// Stats returns store statistics augmented with live scheduler state.
func (s *Scheduler) Stats(ctx context.Context) (RuntimeStats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return RuntimeStats{}, err
	}
	s.mu.Lock()
	active := len(s.tasks)
	retained := len(s.retained)
	s.mu.Unlock()
	return RuntimeStats{
		Stats:          st,
		ActiveTasks:    active,
		RetainedAgents: retained,
		LiveSessions:   s.registry.Len(),
	}, nil
}

// Stop interrupts the loops, cancels in-flight tasks and waits for them under
// the stop timeout, then force-tears-down every remaining browser session.
// Safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	var timedOut bool
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		cancels := make([]context.CancelFunc, 0, len(s.tasks))
		for _, t := range s.tasks {
			cancels = append(cancels, t.cancel)
		}
		s.mu.Unlock()

		close(s.stopCh)
		for _, cancel := range cancels {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.opts.stopTimeout):
			timedOut = true
			s.opts.logger.Warn(ctx, "tasks still running at stop timeout, abandoning")
		case <-ctx.Done():
			timedOut = true
		}

		s.registry.CleanupAll(ctx)
		if s.opts.sink != nil {
			if err := s.opts.sink.Close(ctx); err != nil {
				s.opts.logger.Warn(ctx, "progress sink close failed", "err", err)
			}
		}
		s.loops.Wait()
		s.opts.logger.Info(ctx, "scheduler stopped", "forced", timedOut)
	})
	if timedOut {
		return errors.New("scheduler: stop timed out with tasks still running")
	}
	return nil
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch claims pending orders into free slots, pacing claims with the
// configured limiter.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		free := s.opts.maxConcurrent - len(s.tasks)
		idle := s.stopping || s.paused
		s.mu.Unlock()
		if free <= 0 || idle {
			return
		}
		if !s.opts.claimLimiter.Allow() {
			return
		}
		o, err := s.store.ClaimNextPending(ctx)
		if err != nil {
			if !errors.Is(err, order.ErrNoPending) {
				s.opts.logger.Error(ctx, "claim failed", "err", err)
			}
			return
		}
		s.launch(ctx, o, nil)
	}
}

// launch starts the processing task for a claimed order. ag is non-nil only
// on resume, when a retained agent with a live session is reused.
func (s *Scheduler) launch(ctx context.Context, o order.Order, ag agent.Agent) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.processTimeout)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.tasks[o.ID] = t
	active := len(s.tasks)
	s.mu.Unlock()
	s.opts.metrics.RecordGauge("scheduler.tasks.active", float64(active))

	s.wg.Add(1)
	go s.runOrder(taskCtx, t, o, ag)
}

// runOrder drives one order from claim to a terminal or semi-terminal status.
// A panicking agent marks the order failed and forces session teardown rather
// than taking the scheduler down.
func (s *Scheduler) runOrder(ctx context.Context, t *task, o order.Order, ag agent.Agent) {
	start := s.opts.clock()
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error(ctx, "agent panicked", "order_id", o.ID, "panic", fmt.Sprint(r))
			s.markFailed(o.ID, fmt.Sprintf("internal error: %v", r))
			s.forceCleanupSession(ctx, o.ID)
		}
		s.mu.Lock()
		delete(s.tasks, o.ID)
		active := len(s.tasks)
		s.mu.Unlock()
		s.opts.metrics.RecordGauge("scheduler.tasks.active", float64(active))
		s.opts.metrics.RecordTimer("order.processing.duration", s.opts.clock().Sub(start), "method", string(o.Method))
		t.cancel()
		close(t.done)
		s.wg.Done()
	}()

	if ag == nil {
		var err error
		ag, err = s.agents.New(ctx, o)
		if err != nil {
			s.markFailed(o.ID, fmt.Sprintf("create agent: %v", err))
			return
		}
		if carrier, ok := ag.(agent.CredentialCarrier); ok && s.opts.vault != nil {
			creds, err := s.opts.vault.Credentials(ctx, o.Retailer)
			if err != nil {
				// Missing credentials are a hard failure, not retryable.
				s.markFailed(o.ID, fmt.Sprintf("resolve credentials for %s: %v", o.Retailer, err))
				return
			}
			carrier.SetCredentials(creds)
		}
		info, err := ag.StartSession(ctx, o.ID)
		if err != nil {
			s.markFailed(o.ID, fmt.Sprintf("start session: %v", err))
			s.cleanupAgent(ag, true)
			return
		}
		if info.Status != agent.SessionActive {
			s.markFailed(o.ID, fmt.Sprintf("session failed: %s", info.Error))
			s.cleanupAgent(ag, true)
			return
		}
		sid := info.SessionID
		o.SessionID = sid
		if err := s.store.UpdateStatus(ctx, o.ID, order.StatusProcessing, order.Update{SessionID: &sid}); err != nil {
			s.opts.logger.Warn(ctx, "record session id failed", "order_id", o.ID, "err", err)
		}
	}

	res := ag.ProcessOrder(ctx, o, s.progressFunc(o.ID, o.SessionID))

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.markFailed(o.ID, "processing timed out")
		} else {
			s.markStatus(o.ID, order.StatusCancelled, order.Update{})
			s.opts.metrics.IncCounter("orders.finished", 1, "outcome", "cancelled")
		}
		s.cleanupAgent(ag, true)
		return
	}

	switch res.Outcome {
	case agent.OutcomeCompleted:
		upd := order.Update{
			Progress:           intPtr(100),
			ConfirmationNumber: strPtr(res.ConfirmationNumber),
			TrackingNumber:     strPtr(res.TrackingNumber),
			EstimatedDelivery:  res.EstimatedDelivery,
		}
		s.markStatus(o.ID, order.StatusCompleted, upd)
		s.cleanupAgent(ag, false)
		s.opts.metrics.IncCounter("orders.finished", 1, "outcome", "completed")
	case agent.OutcomeRequiresHuman:
		review := true
		upd := order.Update{
			Progress:            intPtr(res.Progress),
			ErrorMessage:        strPtr(res.Message),
			RequiresHumanReview: &review,
		}
		s.markStatus(o.ID, order.StatusRequiresHuman, upd)
		s.mu.Lock()
		s.retained[o.ID] = ag
		s.mu.Unlock()
		s.opts.logger.Info(context.WithoutCancel(ctx), "order needs human review", "order_id", o.ID, "reason", res.Message)
		s.opts.metrics.IncCounter("orders.finished", 1, "outcome", "requires_human")
	default:
		s.markFailed(o.ID, res.Error)
		s.cleanupAgent(ag, false)
	}
}

// progressFunc persists agent progress on the order and forwards it to the
// configured sink. Sink errors are logged, never propagated to the agent.
func (s *Scheduler) progressFunc(orderID, sessionID string) agent.ProgressFunc {
	return func(ctx context.Context, u agent.ProgressUpdate) {
		if u.OrderID == "" {
			u.OrderID = orderID
		}
		if u.SessionID == "" {
			u.SessionID = sessionID
		}
		status := u.Status
		if status == "" {
			status = order.StatusProcessing
			u.Status = status
		}
		upd := order.Update{Progress: &u.Progress, CurrentStep: &u.Step}
		if err := s.store.UpdateStatus(ctx, u.OrderID, status, upd); err != nil {
			s.opts.logger.Warn(ctx, "persist progress failed", "order_id", u.OrderID, "err", err)
		}
		if err := s.store.AppendLog(ctx, u.OrderID, order.LogEntry{
			Level:   "info",
			Message: u.Step,
			Step:    u.Step,
			At:      s.opts.clock(),
		}); err != nil {
			s.opts.logger.Warn(ctx, "append log failed", "order_id", u.OrderID, "err", err)
		}
		if s.opts.sink != nil {
			if err := s.opts.sink.Publish(ctx, u); err != nil {
				s.opts.logger.Warn(ctx, "publish progress failed", "order_id", u.OrderID, "err", err)
			}
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.registry.CleanupExpired(ctx)
		}
	}
}

func (s *Scheduler) markFailed(id, reason string) {
	s.markStatus(id, order.StatusFailed, order.Update{ErrorMessage: &reason})
	s.opts.metrics.IncCounter("orders.finished", 1, "outcome", "failed")
}

// markStatus persists a terminal or semi-terminal status with its own short
// deadline so a dying task context cannot lose the final update.
func (s *Scheduler) markStatus(id string, status order.Status, upd order.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateStatus(ctx, id, status, upd); err != nil {
		s.opts.logger.Error(ctx, "persist final status failed", "order_id", id, "status", string(status), "err", err)
	}
	if s.opts.sink != nil {
		u := agent.ProgressUpdate{OrderID: id, Status: status, Progress: progressFor(status, upd)}
		if err := s.opts.sink.Publish(ctx, u); err != nil {
			s.opts.logger.Warn(ctx, "publish final status failed", "order_id", id, "err", err)
		}
	}
}

// cleanupAgent releases the agent's remote resources under a fresh deadline,
// detached from the task context which may already be cancelled.
func (s *Scheduler) cleanupAgent(ag agent.Agent, force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ag.Cleanup(ctx, force)
}

func (s *Scheduler) forceCleanupSession(ctx context.Context, id string) {
	if err := s.registry.Cleanup(ctx, id, true); err != nil && !errors.Is(err, browser.ErrSessionNotFound) {
		s.opts.logger.Warn(ctx, "force session cleanup failed", "order_id", id, "err", err)
	}
}

func (s *Scheduler) dropRetained(id string) {
	s.mu.Lock()
	ag := s.retained[id]
	delete(s.retained, id)
	s.mu.Unlock()
	if ag != nil {
		s.cleanupAgent(ag, true)
	}
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func progressFor(status order.Status, upd order.Update) int {
	if upd.Progress != nil {
		return *upd.Progress
	}
	if status == order.StatusCompleted {
		return 100
	}
	return 0
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
