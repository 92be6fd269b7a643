package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/durable/internal/clock"
	"github.com/davidroman0O/durable/internal/entity"
	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/logs"
	"github.com/davidroman0O/durable/internal/session"
	"github.com/davidroman0O/durable/internal/storage"
	"github.com/davidroman0O/durable/internal/termination"
	"github.com/davidroman0O/durable/internal/transport"
	"github.com/davidroman0O/durable/internal/types"
)

var ErrEngine = errors.New("engine error")

type (
	orchestrationItem = session.WorkItem[*history.TaskMessage, *history.RuntimeState]
	entityItem        = session.WorkItem[entity.Message, *entity.SchedulerState]
	activityItem      = session.WorkItem[*activityTask, struct{}]
)

// envelope carries one message between dispatchers. Exactly one target is
// set.
type envelope struct {
	Orchestration *history.TaskMessage
	Entity        *entityMessage
	Activity      *activityTask
	VisibleAt     time.Time
}

type entityMessage struct {
	Target  types.EntityID
	Message entity.Message
}

// Engine runs orchestrations, entities and activities on top of a Store.
type Engine struct {
	ctx      context.Context
	cfg      Config
	logger   Logger
	clock    Clock
	registry *Registry

	store         storage.Store
	ownsStore     bool
	orchestrated  *storage.Orchestrations
	entityRecords *storage.Entities

	orchestrations *session.Dispatcher[*history.TaskMessage, *history.RuntimeState]
	entities       *session.Dispatcher[entity.Message, *entity.SchedulerState]
	activities     *session.Dispatcher[*activityTask, struct{}]
	transport      *transport.Local[envelope]
	executor       *entity.Executor

	termination *termination.Handler
	group       *errgroup.Group
	undoProcs   func()

	waitersMu deadlock.Mutex
	waiters   map[string]chan struct{}
}

// New starts an engine. A nil store runs on a fresh in-memory store that is
// closed with the engine. Work left unfinished in the store by a previous
// engine is picked up again.
func New(ctx context.Context, store Store, opts ...Option) (*Engine, error) {
	o := &options{cfg: DefaultConfig(), registry: NewRegistry()}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.errs) > 0 {
		return nil, errors.Join(append([]error{ErrEngine}, o.errs...)...)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logs.NewDefaultLogger(logs.ParseLevel(o.cfg.Log.Level), logs.Format(o.cfg.Log.Format))
	}
	if o.clock == nil {
		o.clock = clock.System()
	}

	e := &Engine{
		ctx:      ctx,
		cfg:      o.cfg,
		logger:   o.logger,
		clock:    o.clock,
		registry: o.registry,
		store:    store,
		waiters:  map[string]chan struct{}{},
	}

	if e.store == nil {
		memory, err := storage.NewMemory()
		if err != nil {
			return nil, errors.Join(ErrEngine, err)
		}
		e.store = memory
		e.ownsStore = true
	}

	if e.cfg.DeadlockDetection {
		deadlock.Opts.DeadlockTimeout = e.cfg.DeadlockTimeout
	}
	if e.cfg.AutoMaxProcs {
		undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
			e.logger.Debug(ctx, fmt.Sprintf(format, args...))
		}))
		if err != nil {
			e.logger.Warn(ctx, "adjusting GOMAXPROCS failed", "error", err.Error())
		}
		e.undoProcs = undo
	}

	e.termination = termination.New(ctx, "engine",
		termination.WithLogger(e.logger),
		termination.WithShutdown(e.shutdown))

	locking := session.LockingMode(e.cfg.Locking)
	e.orchestrated = storage.NewOrchestrations(e.store, e.clock)
	e.entityRecords = storage.NewEntities(e.store, e.clock)

	e.orchestrations = session.New[*history.TaskMessage, *history.RuntimeState](e.orchestrated, session.Config{
		Name:          "orchestrations",
		LeaseDuration: e.cfg.LeaseDuration,
		Locking:       locking,
		Shards:        e.cfg.Shards,
		Clock:         e.clock,
		Logger:        e.logger,
	})
	e.entities = session.New[entity.Message, *entity.SchedulerState](e.entityRecords, session.Config{
		Name:          "entities",
		LeaseDuration: e.cfg.LeaseDuration,
		Locking:       locking,
		Shards:        e.cfg.Shards,
		Clock:         e.clock,
		Logger:        e.logger,
	})
	e.activities = session.New[*activityTask, struct{}](nil, session.Config{
		Name:          "activities",
		LeaseDuration: e.cfg.LeaseDuration,
		Locking:       locking,
		Shards:        e.cfg.Shards,
		Clock:         e.clock,
		Logger:        e.logger,
	})

	e.executor = entity.NewExecutor(entity.ExecutorConfig{
		Lookup:                e.registry.Entity,
		MaxOperationsPerBatch: e.cfg.MaxOperationsPerBatch,
		ReorderWindow:         e.cfg.ReorderWindow,
		Clock:                 e.clock,
		Logger:                e.logger,
	})

	e.transport = transport.NewLocal[envelope](e.termination.Context(), e.deliver,
		transport.WithWorkers(e.cfg.TransportWorkers),
		transport.WithLogger(e.logger))

	var gctx context.Context
	e.group, gctx = errgroup.WithContext(e.termination.Context())
	for i := 0; i < e.cfg.OrchestrationWorkers; i++ {
		id := i
		e.group.Go(func() error {
			return acceptLoop(gctx, e, "orchestrations", id, e.orchestrations, e.processOrchestration)
		})
	}
	for i := 0; i < e.cfg.EntityWorkers; i++ {
		id := i
		e.group.Go(func() error {
			return acceptLoop(gctx, e, "entities", id, e.entities, e.processEntity)
		})
	}
	for i := 0; i < e.cfg.ActivityWorkers; i++ {
		id := i
		e.group.Go(func() error {
			return acceptLoop(gctx, e, "activities", id, e.activities, e.processActivity)
		})
	}

	if err := e.resume(ctx); err != nil {
		e.logger.Error(ctx, "resuming stored work failed", "error", err.Error())
		return nil, errors.Join(ErrEngine, err, e.Close())
	}

	e.logger.Info(ctx, "engine started",
		"workers.orchestrations", e.cfg.OrchestrationWorkers,
		"workers.entities", e.cfg.EntityWorkers,
		"workers.activities", e.cfg.ActivityWorkers,
		"locking", e.cfg.Locking)
	return e, nil
}

func (e *Engine) shutdown(ctx context.Context) error {
	return e.transport.Close()
}

// Close stops the workers and waits for them. Work in flight is abandoned
// and picked up again from the store by the next engine.
func (e *Engine) Close() error {
	e.termination.TerminateNormally(e.ctx)
	err := e.group.Wait()
	if !e.termination.WaitForTermination(5 * time.Second) {
		e.logger.Warn(e.ctx, "engine shutdown did not finish in time")
	}
	if e.undoProcs != nil {
		e.undoProcs()
	}
	if e.ownsStore {
		if closeErr := e.store.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	if e.termination.Outcome() == termination.TerminatedWithError {
		err = errors.Join(err, e.termination.Cause())
	}
	if err != nil {
		return errors.Join(ErrEngine, err)
	}
	return nil
}

// Done is closed once the engine stopped, normally or after a fatal error.
func (e *Engine) Done() <-chan struct{} { return e.termination.Context().Done() }

// Err reports why the engine stopped, nil while it runs or after Close.
func (e *Engine) Err() error {
	if e.termination.Outcome() != termination.TerminatedWithError {
		return nil
	}
	return e.termination.Cause()
}

// acceptLoop leases sessions until ctx ends.
func acceptLoop[M, S any](ctx context.Context, e *Engine, name string, worker int, d *session.Dispatcher[M, S], process func(context.Context, *session.WorkItem[M, S])) error {
	e.logger.Debug(ctx, "worker started", "worker", name, "worker.id", worker)
	defer e.logger.Debug(ctx, "worker stopped", "worker", name, "worker.id", worker)
	for {
		item, err := d.AcceptSession(ctx, e.cfg.PollInterval)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			if faults.IsFatal(err) {
				e.termination.HandleError(ctx, name, "accepting a session failed", err, true, false)
				return nil
			}
			e.logger.Warn(ctx, "accepting a session failed", "worker", name, "worker.id", worker, "error", err.Error())
			continue
		case item == nil:
			continue
		}
		process(ctx, item)
	}
}

// settle completes a leased item, retrying transient failures. Conflicts
// and lost leases are never retried here: the session is handed back and
// processed again from fresh state.
func settle[M, S any](ctx context.Context, e *Engine, where string, d *session.Dispatcher[M, S], item *session.WorkItem[M, S], state S, outgoing []session.Outgoing[M], continuation ...M) error {
	policy := retry.WithMaxRetries(e.cfg.CompletionRetries, retry.NewConstant(e.cfg.CompletionRetryDelay))
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		err := d.CompleteSession(ctx, item, state, outgoing, continuation...)
		switch {
		case err == nil:
			return nil
		case faults.Is(err, faults.CodeLeaseLost), faults.IsConflict(err), faults.IsFatal(err):
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		handBack(ctx, e, where, d, item, err)
	}
	return err
}

// handBack abandons item after a failure, with a delay chosen by the kind
// of failure.
func handBack[M, S any](ctx context.Context, e *Engine, where string, d *session.Dispatcher[M, S], item *session.WorkItem[M, S], cause error) {
	switch {
	case faults.Is(cause, faults.CodeLeaseLost):
		e.termination.HandleError(ctx, where, "session lease lost", cause, false, true)
		return
	case faults.IsFatal(cause):
		e.termination.HandleError(ctx, where, "processing failed", cause, true, false)
		return
	}

	backoff := e.cfg.NonTransientBackoff
	if faults.IsTransient(cause) || errors.Is(cause, storage.ErrStorage) {
		backoff = e.cfg.TransientBackoff
	}
	delay := delayFor(backoff, item.DeliveryCount)
	e.termination.HandleError(ctx, where, fmt.Sprintf("abandoning session %s for %s", item.Key, delay), cause, false, true)

	if err := d.AbandonSession(ctx, item, delay); err != nil && !faults.Is(err, faults.CodeLeaseLost) {
		e.logger.Warn(ctx, "abandoning session failed", "worker", where, "session", item.Key, "error", err.Error())
	}
}

// delayFor is the exponential backoff for the given attempt, starting at 1.
func delayFor(b Backoff, attempt int) time.Duration {
	policy := retry.WithCappedDuration(b.Max, retry.NewExponential(b.Base))
	delay := b.Base
	for i := 0; i < attempt; i++ {
		next, stop := policy.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

// deliver is the transport sink: it hands envelopes to their dispatcher.
func (e *Engine) deliver(ctx context.Context, batch []envelope) error {
	if e.termination.IsTerminated() {
		return nil
	}
	for _, env := range batch {
		switch {
		case env.Orchestration != nil:
			e.orchestrations.EnqueueAt(env.Orchestration.Instance.InstanceID, env.VisibleAt, env.Orchestration)
		case env.Entity != nil:
			e.entities.EnqueueAt(env.Entity.Target.String(), env.VisibleAt, env.Entity.Message)
		case env.Activity != nil:
			e.activities.EnqueueAt(env.Activity.key(), env.VisibleAt, env.Activity)
		}
	}
	return nil
}

// send ships envelopes to other dispatchers. It only fails once the engine
// is shutting down.
func (e *Engine) send(ctx context.Context, batch []envelope) error {
	if len(batch) == 0 {
		return nil
	}
	if err := e.transport.Send(ctx, batch); err != nil {
		return errors.Join(ErrEngine, faults.New(faults.ErrTerminated, "engine is shutting down", err, map[string]any{
			"messages": len(batch),
		}))
	}
	return nil
}

// waiter returns a channel closed at the next commit of instanceID.
func (e *Engine) waiter(instanceID string) <-chan struct{} {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	ch, ok := e.waiters[instanceID]
	if !ok {
		ch = make(chan struct{})
		e.waiters[instanceID] = ch
	}
	return ch
}

func (e *Engine) notify(instanceID string) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	if ch, ok := e.waiters[instanceID]; ok {
		close(ch)
		delete(e.waiters, instanceID)
	}
}
