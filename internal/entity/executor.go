package entity

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/davidroman0O/durable/internal/clock"
	"github.com/davidroman0O/durable/internal/logs"
	"github.com/davidroman0O/durable/internal/types"
)

const DefaultMaxOperationsPerBatch = 100

// Message is one unit of entity input.
type Message struct {
	Request  *types.RequestMessage `json:"request,omitempty"`
	Release  *types.ReleaseMessage `json:"release,omitempty"`
	Continue bool                  `json:"continue,omitempty"`
}

// Response goes back to an orchestration instance.
type Response struct {
	InstanceID  string
	ExecutionID string
	Message     types.ResponseMessage
}

// Forward goes to another entity: lock requests travelling their lock set,
// and signals sent from entity code.
type Forward struct {
	Target  types.EntityID
	Message Message
}

type Result struct {
	// State is nil when the entity record should be deleted.
	State        *SchedulerState
	Responses    []Response
	Forwards     []Forward
	Continuation []Message
	Operations   int
}

type Lookup func(name string) (Entity, bool)

type ExecutorConfig struct {
	Lookup                Lookup
	MaxOperationsPerBatch int
	ReorderWindow         time.Duration
	Clock                 clock.Clock
	Logger                logs.Logger
}

type Executor struct {
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxOperationsPerBatch <= 0 {
		cfg.MaxOperationsPerBatch = DefaultMaxOperationsPerBatch
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = logs.NewNoop()
	}
	return &Executor{cfg: cfg}
}

// ProcessBatch applies a batch of messages to an entity and runs as many
// operations as the lock and the batch limit allow. current may be nil for
// an entity that has no record yet.
func (x *Executor) ProcessBatch(ctx context.Context, id types.EntityID, current *SchedulerState, batch []Message) (*Result, error) {
	if current == nil {
		current = &SchedulerState{}
	}

	next := &SchedulerState{
		EntityState:   current.EntityState,
		LockedBy:      current.LockedBy,
		Suspended:     current.Suspended,
		MessageSorter: current.MessageSorter,
	}
	result := &Result{}

	for _, msg := range batch {
		switch {
		case msg.Continue:
			next.Suspended = false
		case msg.Release != nil:
			if !next.Release(msg.Release) {
				x.cfg.Logger.Debug(ctx, "ignoring unmatched release",
					"entity.id", id.String(),
					"entity.lockedBy", next.LockedBy,
					"release.instance", msg.Release.ParentInstanceID)
			}
		case msg.Request != nil:
			for _, ready := range next.MessageSorter.ReceiveInOrder(msg.Request, x.cfg.ReorderWindow) {
				next.Enqueue(ready)
			}
		}
	}

	next.PutBack(current.Queue)

	for {
		next.PromoteHolder()
		if next.Suspended || !next.MayDequeue() {
			break
		}
		if result.Operations >= x.cfg.MaxOperationsPerBatch {
			next.Suspended = true
			result.Continuation = append(result.Continuation, Message{Continue: true})
			x.cfg.Logger.Debug(ctx, "entity batch limit reached",
				"entity.id", id.String(),
				"entity.queued", len(next.Queue))
			break
		}
		req := next.Dequeue()
		result.Operations++

		if req.IsLockRequest {
			x.lock(id, next, req, result)
			continue
		}
		x.operate(ctx, id, next, req, result)
	}

	if next.Disposable() {
		result.State = nil
	} else {
		result.State = next
	}
	return result, nil
}

func (x *Executor) lock(id types.EntityID, state *SchedulerState, req *types.RequestMessage, result *Result) {
	state.LockedBy = req.ParentInstanceID
	if req.Position+1 < len(req.LockSet) {
		forwarded := *req
		forwarded.Position = req.Position + 1
		result.Forwards = append(result.Forwards, Forward{
			Target:  req.LockSet[forwarded.Position],
			Message: Message{Request: &forwarded},
		})
		return
	}
	result.Responses = append(result.Responses, Response{
		InstanceID:  req.ParentInstanceID,
		ExecutionID: req.ParentExecutionID,
		Message:     types.ResponseMessage{RequestID: req.ID, LockAcquired: true},
	})
}

func (x *Executor) operate(ctx context.Context, id types.EntityID, state *SchedulerState, req *types.RequestMessage, result *Result) {
	opCtx := &Context{
		ctx:       ctx,
		id:        id,
		operation: req.Operation,
		input:     req.Input,
		state:     state.EntityState,
	}

	err := x.run(opCtx)
	if err != nil {
		x.cfg.Logger.Warn(ctx, "entity operation failed",
			"entity.id", id.String(),
			"entity.operation", req.Operation,
			"request.id", req.ID,
			"error", err)
	} else {
		state.EntityState = opCtx.state
		for _, sig := range opCtx.signals {
			out := &types.RequestMessage{
				ID:               fmt.Sprintf("%s:%s:%d", id.String(), req.ID, len(result.Forwards)),
				ParentInstanceID: id.String(),
				Operation:        sig.operation,
				Input:            sig.input,
				IsSignal:         true,
			}
			state.MessageSorter.LabelOutgoingMessage(out, sig.target.String(), x.cfg.Clock.Now(), x.cfg.ReorderWindow)
			result.Forwards = append(result.Forwards, Forward{Target: sig.target, Message: Message{Request: out}})
		}
	}

	if req.IsSignal || req.ParentInstanceID == "" {
		return
	}
	response := types.ResponseMessage{RequestID: req.ID}
	if err != nil {
		response.ErrorMessage = err.Error()
	} else {
		response.Result = opCtx.result
	}
	result.Responses = append(result.Responses, Response{
		InstanceID:  req.ParentInstanceID,
		ExecutionID: req.ParentExecutionID,
		Message:     response,
	})
}

func (x *Executor) run(opCtx *Context) (err error) {
	fn, ok := x.cfg.Lookup(opCtx.id.Name)
	if !ok {
		return fmt.Errorf("entity %q is not registered", opCtx.id.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entity %s panicked: %v\n%s", opCtx.id, r, debug.Stack())
		}
	}()
	return fn(opCtx)
}
