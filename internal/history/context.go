package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/sorter"
	"github.com/davidroman0O/durable/internal/types"
)

// ErrBlocked is returned by Await when the result is not in history yet.
// Orchestrator code must return it unchanged.
var ErrBlocked = errors.New("orchestration is waiting for a result")

const (
	EntityRequest = "request"
	EntityRelease = "release"
)

// Orchestrator is user code. It is re-run from the start on every turn and
// must be deterministic.
type Orchestrator func(ctx *OrchestrationContext) (any, error)

type taskKind int

const (
	kindActivity taskKind = iota
	kindSubOrchestration
	kindTimer
	kindEvent
	kindEntityCall
	kindLock
)

// Task is a handle on something the orchestration waits for.
type Task struct {
	c           *OrchestrationContext
	kind        taskKind
	scheduledID int64
	eventName   string
	eventIndex  int
	requestID   string
	lockSet     []types.EntityID
	err         error
}

// OrchestrationContext is what orchestrator code sees during one replay.
type OrchestrationContext struct {
	ctx      context.Context
	opts     ReplayOptions
	instance types.OrchestrationInstance
	name     string
	input    []byte

	scheduled   []*Event
	completions map[int64]*Event
	raised      map[string][]*Event
	claimed     map[string]int
	turnAt      []time.Time

	cursor      int
	nextID      int64
	actions     []*Event
	currentTime time.Time
	latestTurn  time.Time

	blocked   bool
	failure   error
	continued *ContinuedAsNewEvent
	sorter    sorter.MessageSorter
	locks     []types.EntityID
	lockID    string
	requests  map[string]bool
}

func (c *OrchestrationContext) Context() context.Context { return c.ctx }

func (c *OrchestrationContext) InstanceID() string { return c.instance.InstanceID }

func (c *OrchestrationContext) ExecutionID() string { return c.instance.ExecutionID }

func (c *OrchestrationContext) Name() string { return c.name }

func (c *OrchestrationContext) GetInput(target interface{}) error {
	return types.Decode(c.input, target)
}

// CurrentTime is the time of the turn in which the latest observed result
// arrived. It is the same on every replay.
func (c *OrchestrationContext) CurrentTime() time.Time { return c.currentTime }

// IsReplaying is true while the code is re-issuing recorded actions.
func (c *OrchestrationContext) IsReplaying() bool { return c.cursor < len(c.scheduled) }

// schedule matches a proposed action against the next recorded one, or
// records it as new.
func (c *OrchestrationContext) schedule(proposed *Event, same func(recorded *Event) bool) (*Event, error) {
	if c.failure != nil {
		return nil, c.failure
	}
	if c.cursor < len(c.scheduled) {
		recorded := c.scheduled[c.cursor]
		c.cursor++
		if recorded.Type() != proposed.Type() || !same(recorded) {
			c.failure = faults.NonDeterminism(
				fmt.Sprintf("action %d is %s but history recorded %s", c.cursor-1, proposed.Type(), recorded.Type()),
				map[string]any{"instance": c.instance.String(), "eventId": recorded.EventID})
			return nil, c.failure
		}
		return recorded, nil
	}
	proposed.EventID = c.nextID
	proposed.Timestamp = c.latestTurn
	c.nextID++
	c.actions = append(c.actions, proposed)
	return proposed, nil
}

func (c *OrchestrationContext) CallActivity(name string, input interface{}) *Task {
	data, err := types.Encode(input)
	if err != nil {
		return &Task{c: c, err: err}
	}
	e, err := c.schedule(&Event{TaskScheduled: &TaskScheduledEvent{Name: name, Input: data}}, func(r *Event) bool {
		return r.TaskScheduled.Name == name
	})
	if err != nil {
		return &Task{c: c, err: err}
	}
	return &Task{c: c, kind: kindActivity, scheduledID: e.EventID}
}

// CallSubOrchestrator starts a child orchestration. An empty instanceID
// derives one from this instance.
func (c *OrchestrationContext) CallSubOrchestrator(name string, input interface{}, instanceID string) *Task {
	data, err := types.Encode(input)
	if err != nil {
		return &Task{c: c, err: err}
	}
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s:%04d", c.instance.InstanceID, c.nextID)
		if c.cursor < len(c.scheduled) {
			instanceID = fmt.Sprintf("%s:%04d", c.instance.InstanceID, c.scheduled[c.cursor].EventID)
		}
	}
	e, err := c.schedule(&Event{SubOrchestrationCreated: &SubOrchestrationCreatedEvent{Name: name, InstanceID: instanceID, Input: data}}, func(r *Event) bool {
		return r.SubOrchestrationCreated.Name == name
	})
	if err != nil {
		return &Task{c: c, err: err}
	}
	return &Task{c: c, kind: kindSubOrchestration, scheduledID: e.EventID}
}

func (c *OrchestrationContext) CreateTimer(delay time.Duration) *Task {
	e, err := c.schedule(&Event{TimerCreated: &TimerCreatedEvent{FireAt: c.currentTime.Add(delay)}}, func(*Event) bool {
		return true
	})
	if err != nil {
		return &Task{c: c, err: err}
	}
	return &Task{c: c, kind: kindTimer, scheduledID: e.EventID}
}

// WaitForEvent resolves with the n-th event of that name raised to this
// execution, n being the number of earlier waits on the same name. Names
// are case-insensitive.
func (c *OrchestrationContext) WaitForEvent(name string) *Task {
	key := strings.ToLower(name)
	idx := c.claimed[key]
	c.claimed[key] = idx + 1
	return &Task{c: c, kind: kindEvent, eventName: key, eventIndex: idx}
}

// SendEvent raises an event on another orchestration instance.
func (c *OrchestrationContext) SendEvent(instanceID, name string, input interface{}) error {
	data, err := types.Encode(input)
	if err != nil {
		return err
	}
	_, err = c.schedule(&Event{EventSent: &EventSentEvent{Target: instanceID, Name: name, Input: data}}, func(r *Event) bool {
		return r.EventSent.Target == instanceID && r.EventSent.Name == name
	})
	return err
}

func (c *OrchestrationContext) sendEntityRequest(target types.EntityID, req *types.RequestMessage) (*Event, error) {
	key := target.String()
	proposed := &Event{EventSent: &EventSentEvent{Target: key, Name: EntityRequest}}
	proposedID := c.nextID
	if c.cursor < len(c.scheduled) {
		proposedID = c.scheduled[c.cursor].EventID
	}
	req.ID = fmt.Sprintf("%s:%s:%d", c.instance.InstanceID, c.instance.ExecutionID, proposedID)
	req.ParentInstanceID = c.instance.InstanceID
	req.ParentExecutionID = c.instance.ExecutionID

	replaying := c.cursor < len(c.scheduled)
	if !replaying {
		c.sorter.LabelOutgoingMessage(req, key, c.latestTurn, c.opts.ReorderWindow)
		data, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		proposed.EventSent.Input = data
	}
	e, err := c.schedule(proposed, func(r *Event) bool {
		return r.EventSent.Target == key && r.EventSent.Name == EntityRequest
	})
	if err != nil {
		return nil, err
	}
	c.requests[strings.ToLower(req.ID)] = true
	return e, nil
}

// CallEntity runs an operation on an entity and resolves with its result.
func (c *OrchestrationContext) CallEntity(target types.EntityID, operation string, input interface{}) *Task {
	data, err := types.Encode(input)
	if err != nil {
		return &Task{c: c, err: err}
	}
	req := &types.RequestMessage{Operation: operation, Input: data}
	if _, err := c.sendEntityRequest(target, req); err != nil {
		return &Task{c: c, err: err}
	}
	return &Task{c: c, kind: kindEntityCall, requestID: req.ID}
}

// SignalEntity sends a one-way operation to an entity.
func (c *OrchestrationContext) SignalEntity(target types.EntityID, operation string, input interface{}) error {
	data, err := types.Encode(input)
	if err != nil {
		return err
	}
	_, err = c.sendEntityRequest(target, &types.RequestMessage{Operation: operation, Input: data, IsSignal: true})
	return err
}

// LockEntities acquires exclusive locks on all entities. Locks are taken in
// a fixed order and held until ReleaseLocks or the end of the execution.
func (c *OrchestrationContext) LockEntities(entities ...types.EntityID) *Task {
	if len(c.locks) > 0 {
		return &Task{c: c, err: fmt.Errorf("orchestration %s already holds entity locks", c.instance.InstanceID)}
	}
	if len(entities) == 0 {
		return &Task{c: c, err: errors.New("no entity to lock")}
	}
	lockSet := SortedLockSet(entities)
	req := &types.RequestMessage{IsLockRequest: true, LockSet: lockSet}
	if _, err := c.sendEntityRequest(lockSet[0], req); err != nil {
		return &Task{c: c, err: err}
	}
	return &Task{c: c, kind: kindLock, requestID: req.ID, lockSet: lockSet}
}

// ReleaseLocks ends the critical section opened by LockEntities.
func (c *OrchestrationContext) ReleaseLocks() error {
	locks, lockID := c.locks, c.lockID
	c.locks, c.lockID = nil, ""
	for _, target := range locks {
		data, err := json.Marshal(types.ReleaseMessage{ParentInstanceID: c.instance.InstanceID, ID: lockID})
		if err != nil {
			return err
		}
		key := target.String()
		if _, err := c.schedule(&Event{EventSent: &EventSentEvent{Target: key, Name: EntityRelease, Input: data}}, func(r *Event) bool {
			return r.EventSent.Target == key && r.EventSent.Name == EntityRelease
		}); err != nil {
			return err
		}
	}
	return nil
}

// ContinueAsNew ends this execution once the orchestrator returns and
// starts a fresh one with input.
func (c *OrchestrationContext) ContinueAsNew(input interface{}, opts ...ContinueAsNewOption) error {
	data, err := types.Encode(input)
	if err != nil {
		return err
	}
	cfg := continueAsNewConfig{carryOver: c.opts.CarryOver}
	for _, opt := range opts {
		opt(&cfg)
	}
	c.continued = &ContinuedAsNewEvent{Input: data, CarryOver: cfg.carryOver}
	return nil
}

type continueAsNewConfig struct {
	carryOver CarryOverPolicy
}

type ContinueAsNewOption func(*continueAsNewConfig)

func WithCarryOver(policy CarryOverPolicy) ContinueAsNewOption {
	return func(cfg *continueAsNewConfig) {
		cfg.carryOver = policy
	}
}

// SortedLockSet orders and deduplicates entity ids so that every
// orchestration acquires locks in the same order.
func SortedLockSet(entities []types.EntityID) []types.EntityID {
	seen := map[string]bool{}
	out := make([]types.EntityID, 0, len(entities))
	for _, e := range entities {
		if seen[e.String()] {
			continue
		}
		seen[e.String()] = true
		out = append(out, e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].String() < out[j-1].String(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (c *OrchestrationContext) observe(e *Event) {
	if idx := int(e.EventID); idx >= 0 && idx < len(c.turnAt) && c.turnAt[idx].After(c.currentTime) {
		c.currentTime = c.turnAt[idx]
	}
}

// IsComplete reports whether Await would return without blocking.
func (t *Task) IsComplete() bool {
	if t.err != nil {
		return true
	}
	_, ok := t.lookup()
	return ok
}

func (t *Task) lookup() (*Event, bool) {
	switch t.kind {
	case kindEvent:
		events := t.c.raised[t.eventName]
		if t.eventIndex < len(events) {
			return events[t.eventIndex], true
		}
		return nil, false
	case kindEntityCall, kindLock:
		events := t.c.raised[strings.ToLower(t.requestID)]
		if len(events) > 0 {
			return events[0], true
		}
		return nil, false
	default:
		e, ok := t.c.completions[t.scheduledID]
		return e, ok
	}
}

// Await decodes the result into target, which may be nil. It returns
// ErrBlocked while the result is not available, and a *FailureDetails when
// the work failed.
func (t *Task) Await(target interface{}) error {
	if t.err != nil {
		return t.err
	}
	e, ok := t.lookup()
	if !ok {
		t.c.blocked = true
		return ErrBlocked
	}
	t.c.observe(e)

	switch {
	case e.TaskCompleted != nil:
		return types.Decode(e.TaskCompleted.Result, target)
	case e.TaskFailed != nil:
		return e.TaskFailed.Failure
	case e.SubOrchestrationCompleted != nil:
		return types.Decode(e.SubOrchestrationCompleted.Result, target)
	case e.SubOrchestrationFailed != nil:
		return e.SubOrchestrationFailed.Failure
	case e.TimerFired != nil:
		return nil
	case e.EventRaised != nil && t.kind == kindEvent:
		return types.Decode(e.EventRaised.Input, target)
	case e.EventRaised != nil:
		var response types.ResponseMessage
		if err := json.Unmarshal(e.EventRaised.Input, &response); err != nil {
			return fmt.Errorf("entity response %s: %w", t.requestID, err)
		}
		if response.IsError() {
			return &FailureDetails{ErrorType: "EntityOperationFailed", Message: response.ErrorMessage}
		}
		if t.kind == kindLock {
			t.c.locks = t.lockSet
			t.c.lockID = t.requestID
			return nil
		}
		return types.Decode(response.Result, target)
	}
	return fmt.Errorf("unexpected %s resolving task", e.Type())
}
