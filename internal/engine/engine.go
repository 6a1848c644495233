package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/store"
)

// DefaultMaxSteps is the default number of completions one flow may
// process before it is cut off.
const DefaultMaxSteps = 1000

// ErrStopped is returned when work is submitted after Stop.
var ErrStopped = errors.New("engine stopped")

// Engine is the single-writer rule engine.
//
// Thread-safety model:
//   - Start, Invoke, Enqueue, NewFlow: safe from any goroutine
//   - Run or Drain: exactly one goroutine at a time
//   - RegisterRules: before Run
//
// Rule order never changes after registration. Matching and refinement
// of a completion run concurrently across rules; dispatch happens on the
// engine goroutine in registration order.
type Engine struct {
	store    *store.Store
	registry *concept.Registry
	clock    *Clock
	rules    []Rule
	queue    *eventQueue
	flowGen  FlowTokenGenerator
	cycles   *CycleDetector
	metrics  *Metrics

	maxSteps    int
	parallelism int
	observer    PhaseObserver

	// quotas is touched only by the engine goroutine.
	quotas map[string]*QuotaEnforcer

	waitMu  sync.Mutex
	waiters map[string]chan ir.Completion
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSteps sets the per-flow step quota.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithClock replaces the logical clock, for example to resume from a
// known seq.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithParallelism bounds how many rules are matched and refined at once
// for one completion. Zero means unbounded.
func WithParallelism(n int) Option {
	return func(e *Engine) { e.parallelism = n }
}

// WithPhaseObserver installs a hook called on every rule phase change.
func WithPhaseObserver(fn PhaseObserver) Option {
	return func(e *Engine) { e.observer = fn }
}

// New creates an engine over the action log s and the concepts in reg.
// Register rules with RegisterRules before calling Run.
func New(s *store.Store, reg *concept.Registry, flowGen FlowTokenGenerator, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: reg,
		clock:    NewClock(),
		queue:    newEventQueue(),
		flowGen:  flowGen,
		cycles:   NewCycleDetector(),
		metrics:  NewMetrics(),
		maxSteps: DefaultMaxSteps,
		quotas:   make(map[string]*QuotaEnforcer),
		waiters:  make(map[string]chan ir.Completion),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterRules validates rules against the registry and installs them in
// the given order, replacing any earlier registration. Nothing is
// installed if any rule is invalid.
func (e *Engine) RegisterRules(rules ...Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(e.registry); err != nil {
			return err
		}
	}
	e.rules = append([]Rule(nil), rules...)
	slog.Debug("rules registered", "count", len(e.rules))
	return nil
}

// Rules returns the registered rules in order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Registry returns the concept registry.
func (e *Engine) Registry() *concept.Registry {
	return e.registry
}

// Store returns the action log.
func (e *Engine) Store() *store.Store {
	return e.store
}

// NewFlow generates a flow token for a new external request.
func (e *Engine) NewFlow() string {
	return e.flowGen.Generate()
}

// Enqueue submits a raw event. It returns false after Stop.
func (e *Engine) Enqueue(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// Start submits an external invocation of ref in flowToken and returns it
// without waiting for it to run.
func (e *Engine) Start(flowToken string, ref ir.ActionRef, args ir.IRObject) (ir.Invocation, error) {
	inv, _, err := e.start(flowToken, ref, args, false)
	return inv, err
}

// Invoke submits an external invocation and waits until the engine has
// executed it. Rules triggered by the completion may still be running
// when Invoke returns. A running Run loop is required.
func (e *Engine) Invoke(ctx context.Context, flowToken string, ref ir.ActionRef, args ir.IRObject) (ir.Completion, error) {
	inv, done, err := e.start(flowToken, ref, args, true)
	if err != nil {
		return ir.Completion{}, err
	}
	select {
	case comp := <-done:
		return comp, nil
	case <-ctx.Done():
		e.waitMu.Lock()
		delete(e.waiters, inv.ID)
		e.waitMu.Unlock()
		return ir.Completion{}, ctx.Err()
	}
}

func (e *Engine) start(flowToken string, ref ir.ActionRef, args ir.IRObject, wait bool) (ir.Invocation, chan ir.Completion, error) {
	if flowToken == "" {
		return ir.Invocation{}, nil, fmt.Errorf("flow token is required")
	}
	if !e.registry.Has(ref) {
		return ir.Invocation{}, nil, NewMissingActionError("", string(ref))
	}
	if args == nil {
		args = ir.IRObject{}
	}
	seq := e.clock.Next()
	id, err := ir.InvocationID(flowToken, ref, args, seq)
	if err != nil {
		return ir.Invocation{}, nil, fmt.Errorf("compute invocation ID: %w", err)
	}
	inv := ir.Invocation{
		ID:            id,
		FlowToken:     flowToken,
		ActionURI:     ref,
		Args:          args,
		Seq:           seq,
		EngineVersion: ir.EngineVersion,
		IRVersion:     ir.IRVersion,
	}

	var done chan ir.Completion
	if wait {
		done = make(chan ir.Completion, 1)
		e.waitMu.Lock()
		e.waiters[id] = done
		e.waitMu.Unlock()
	}
	if !e.queue.Enqueue(Event{Type: EventTypeInvocation, Invocation: &inv}) {
		if wait {
			e.waitMu.Lock()
			delete(e.waiters, id)
			e.waitMu.Unlock()
		}
		return ir.Invocation{}, nil, ErrStopped
	}
	return inv, done, nil
}

func (e *Engine) notify(comp ir.Completion) {
	e.waitMu.Lock()
	done, ok := e.waiters[comp.InvocationID]
	delete(e.waiters, comp.InvocationID)
	e.waitMu.Unlock()
	if ok {
		done <- comp
	}
}

// Recover prepares the engine after a restart: the clock resumes past the
// highest seq in the log and invocations that never completed are queued
// again.
func (e *Engine) Recover(ctx context.Context) error {
	last, err := e.store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	e.clock.advanceTo(last)

	pending, err := e.store.PendingInvocations(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for i := range pending {
		inv := pending[i]
		e.queue.Enqueue(Event{Type: EventTypeInvocation, Invocation: &inv})
	}
	slog.Info("engine recovered", "last_seq", last, "pending", len(pending))
	return nil
}

// Run processes events until ctx is cancelled or Stop is called.
//
// A failed event is logged with its full context and processing
// continues; retrying would make the log non-deterministic.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "rules", len(e.rules), "max_steps", e.maxSteps)

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.metrics.QueueDepth.Set(float64(e.queue.Len()))
			e.handle(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain processes queued events, including the ones they cause, until the
// queue is empty. It is the synchronous alternative to Run for one-shot
// callers and must not be used while Run is active.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return nil
		}
		e.handle(ctx, ev)
	}
}

// handle processes one dequeued event and forgets its flow's quota and
// cycle state once the flow has nothing left in flight.
func (e *Engine) handle(ctx context.Context, ev Event) {
	if err := e.processEvent(ctx, ev); err != nil {
		logEventError(ev, err)
	}
	if e.queue.Done(ev) {
		flow := ev.flow()
		delete(e.quotas, flow)
		e.cycles.Clear(flow)
	}
}

// Stop closes the queue. Run returns once queued events are processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) processEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventTypeInvocation:
		if ev.Invocation == nil {
			return fmt.Errorf("invocation event missing invocation data")
		}
		return e.processInvocation(ctx, ev.Invocation)
	case EventTypeCompletion:
		if ev.Completion == nil || ev.Invocation == nil {
			return fmt.Errorf("completion event missing record data")
		}
		return e.processCompletion(ctx, ev.Invocation, ev.Completion)
	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

// processInvocation records inv, executes it on its concept, records the
// completion and queues it for rule evaluation.
func (e *Engine) processInvocation(ctx context.Context, inv *ir.Invocation) error {
	if err := e.store.WriteInvocation(ctx, *inv); err != nil {
		return fmt.Errorf("write invocation %s: %w", inv.ID, err)
	}

	// A recovered invocation may have completed before the crash.
	if prev, done, err := e.store.ReadCompletionFor(ctx, inv.ID); err != nil {
		return fmt.Errorf("read completion for %s: %w", inv.ID, err)
	} else if done {
		slog.Debug("invocation already completed", "invocation_id", inv.ID)
		e.notify(prev)
		return nil
	}

	outcome, result, err := e.registry.Invoke(ctx, inv.ActionURI, inv.Args)
	if err != nil {
		slog.Error("action failed",
			"error", err,
			"invocation_id", inv.ID,
			"action", inv.ActionURI,
			"flow_token", inv.FlowToken,
		)
	}
	e.metrics.InvocationsTotal.WithLabelValues(string(inv.ActionURI)).Inc()

	seq := e.clock.Next()
	id, err := ir.CompletionID(inv.ID, outcome, result, seq)
	if err != nil {
		return fmt.Errorf("compute completion ID: %w", err)
	}
	comp := ir.Completion{
		ID:           id,
		InvocationID: inv.ID,
		OutputCase:   outcome,
		Result:       result,
		Seq:          seq,
	}
	if err := e.store.WriteCompletion(ctx, comp); err != nil {
		return fmt.Errorf("write completion %s: %w", comp.ID, err)
	}
	e.metrics.CompletionsTotal.WithLabelValues(string(inv.ActionURI), outcome).Inc()

	slog.Debug("action completed",
		"invocation_id", inv.ID,
		"action", inv.ActionURI,
		"output_case", outcome,
		"flow_token", inv.FlowToken,
		"seq", seq,
	)

	e.notify(comp)
	if !e.queue.Enqueue(Event{Type: EventTypeCompletion, Invocation: inv, Completion: &comp}) {
		slog.Warn("engine stopped before rules ran", "completion_id", comp.ID)
	}
	return nil
}

// processCompletion counts the step against the flow quota, evaluates
// every rule and dispatches the survivors in registration order.
func (e *Engine) processCompletion(ctx context.Context, inv *ir.Invocation, comp *ir.Completion) error {
	flowToken := inv.FlowToken

	quota, ok := e.quotas[flowToken]
	if !ok {
		quota = NewQuotaEnforcer(e.maxSteps)
		e.quotas[flowToken] = quota
	}
	if err := quota.Check(flowToken); err != nil {
		e.metrics.QuotaExceeded.Inc()
		slog.Error("max steps quota exceeded",
			"flow_token", flowToken,
			"completion_id", comp.ID,
			"steps", quota.Current(),
			"limit", e.maxSteps,
			"code", ErrCodeQuotaExceeded,
		)
		return fmt.Errorf("quota enforcement failed: %w", err)
	}

	if len(e.rules) == 0 {
		return nil
	}

	history, err := e.store.ReadFlowRecords(ctx, flowToken)
	if err != nil {
		return fmt.Errorf("read flow %s: %w", flowToken, err)
	}
	trigger := ir.ActionRecord{Invocation: *inv, Completion: *comp}

	evals, err := e.evaluate(ctx, trigger, history)
	if err != nil {
		return fmt.Errorf("evaluate rules for completion %s: %w", comp.ID, err)
	}
	for _, ev := range evals {
		e.dispatch(ctx, ev, trigger)
	}
	return nil
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// QueueLen returns the number of queued events.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// MaxSteps returns the per-flow step quota.
func (e *Engine) MaxSteps() int {
	return e.maxSteps
}

// TrackedFlows returns the number of flows holding quota state. Not safe
// while Run is active.
func (e *Engine) TrackedFlows() int {
	return len(e.quotas)
}

// logEventError logs an event processing failure with enough context to
// find the records involved.
func logEventError(ev Event, err error) {
	attrs := []any{"error", err, "event_type", ev.Type.String()}
	if ev.Invocation != nil {
		attrs = append(attrs,
			"invocation_id", ev.Invocation.ID,
			"flow_token", ev.Invocation.FlowToken,
			"action", ev.Invocation.ActionURI,
			"seq", ev.Invocation.Seq,
		)
	}
	if ev.Completion != nil {
		attrs = append(attrs,
			"completion_id", ev.Completion.ID,
			"output_case", ev.Completion.OutputCase,
		)
	}
	if IsQuotaError(err) {
		slog.Warn("event processing stopped", attrs...)
		return
	}
	slog.Error("event processing failed", attrs...)
}
