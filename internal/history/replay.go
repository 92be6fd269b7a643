package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/logs"
	"github.com/davidroman0O/durable/internal/types"
)

type ReplayOptions struct {
	ReorderWindow time.Duration
	CarryOver     CarryOverPolicy
	Logger        logs.Logger
}

// Turn is the outcome of one replay: the events to append, in order. When
// Done is set the last action ends the execution.
type Turn struct {
	Actions []*Event
	Done    bool
}

// Replay re-runs fn against the whole event log of state (committed and
// pending) and returns the actions it issued beyond what history records.
// It never panics: user panics and determinism violations fail the
// execution instead.
func Replay(ctx context.Context, state *RuntimeState, fn Orchestrator, opts ReplayOptions) *Turn {
	if opts.Logger == nil {
		opts.Logger = logs.NewNoop()
	}
	if opts.CarryOver == "" {
		opts.CarryOver = CarryOverKeep
	}
	c := newOrchestrationContext(ctx, state, opts)

	result, err := c.run(fn)
	turn := &Turn{}

	switch {
	case c.failure != nil:
		opts.Logger.Error(ctx, c.failure.Error(), "instance", c.instance.String())
		turn.Actions = []*Event{c.complete(types.StatusFailed, nil, &FailureDetails{
			ErrorType: faults.CodeNonDeterminism,
			Message:   c.failure.Error(),
		})}
		turn.Done = true
		return turn

	case c.blocked || errors.Is(err, ErrBlocked):
		if c.cursor < len(c.scheduled) {
			opts.Logger.Warn(ctx, "orchestration blocked before re-issuing all recorded actions",
				"instance", c.instance.String(),
				"replayed", c.cursor,
				"recorded", len(c.scheduled))
		}
		turn.Actions = c.actions
		return turn
	}

	if c.cursor < len(c.scheduled) {
		msg := fmt.Sprintf("orchestration finished after %d of %d recorded actions", c.cursor, len(c.scheduled))
		opts.Logger.Error(ctx, msg, "instance", c.instance.String())
		turn.Actions = []*Event{c.complete(types.StatusFailed, nil, &FailureDetails{ErrorType: faults.CodeNonDeterminism, Message: msg})}
		turn.Done = true
		return turn
	}

	if len(c.locks) > 0 {
		if releaseErr := c.ReleaseLocks(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}

	switch {
	case err != nil:
		c.actions = append(c.actions, c.complete(types.StatusFailed, nil, failureOf(err)))
	case c.continued != nil:
		if c.continued.CarryOver == CarryOverKeep {
			c.continued.Carried = c.unconsumed()
		}
		c.actions = append(c.actions, &Event{EventID: c.nextID, Timestamp: c.latestTurn, ContinuedAsNew: c.continued})
		c.nextID++
	default:
		data, encErr := types.Encode(result)
		if encErr != nil {
			c.actions = append(c.actions, c.complete(types.StatusFailed, nil, failureOf(encErr)))
		} else {
			c.actions = append(c.actions, c.complete(types.StatusCompleted, data, nil))
		}
	}
	turn.Actions = c.actions
	turn.Done = true
	return turn
}

func failureOf(err error) *FailureDetails {
	var fd *FailureDetails
	if errors.As(err, &fd) {
		return fd
	}
	return &FailureDetails{ErrorType: fmt.Sprintf("%T", err), Message: err.Error()}
}

func newOrchestrationContext(ctx context.Context, state *RuntimeState, opts ReplayOptions) *OrchestrationContext {
	events := state.Events()
	c := &OrchestrationContext{
		ctx:         ctx,
		opts:        opts,
		instance:    state.Instance(),
		name:        state.Name(),
		input:       state.Input(),
		completions: map[int64]*Event{},
		raised:      map[string][]*Event{},
		claimed:     map[string]int{},
		requests:    map[string]bool{},
		turnAt:      make([]time.Time, len(events)),
		nextID:      int64(len(events)),
	}

	scheduledByID := map[int64]*Event{}
	var turn time.Time
	for i, e := range events {
		if e.OrchestratorStarted != nil {
			turn = e.Timestamp
		}
		if turn.IsZero() {
			c.turnAt[i] = e.Timestamp
		} else {
			c.turnAt[i] = turn
		}

		switch {
		case e.ExecutionStarted != nil:
			c.currentTime = c.turnAt[i]
		case e.IsScheduling():
			c.scheduled = append(c.scheduled, e)
			scheduledByID[e.EventID] = e
			c.rememberEntitySend(e)
		case e.EventRaised != nil:
			key := strings.ToLower(e.EventRaised.Name)
			c.raised[key] = append(c.raised[key], e)
		default:
			id, ok := e.ScheduledID()
			if !ok {
				continue
			}
			target, found := scheduledByID[id]
			if !found || !completes(target, e) {
				opts.Logger.Warn(ctx, "skipping completion for unknown scheduled event",
					"instance", c.instance.String(),
					"event", string(e.Type()),
					"scheduledId", id)
				continue
			}
			if _, dup := c.completions[id]; dup {
				opts.Logger.Warn(ctx, "skipping duplicate completion",
					"instance", c.instance.String(),
					"scheduledId", id)
				continue
			}
			c.completions[id] = e
		}
	}
	c.latestTurn = turn
	if c.latestTurn.IsZero() && len(events) > 0 {
		c.latestTurn = events[len(events)-1].Timestamp
	}
	if c.currentTime.IsZero() {
		c.currentTime = c.latestTurn
	}
	return c
}

func completes(scheduled, completion *Event) bool {
	switch completion.Type() {
	case EventTaskCompleted, EventTaskFailed:
		return scheduled.TaskScheduled != nil
	case EventSubOrchestrationCompleted, EventSubOrchestrationFailed:
		return scheduled.SubOrchestrationCreated != nil
	case EventTimerFired:
		return scheduled.TimerCreated != nil
	}
	return false
}

// rememberEntitySend rebuilds the sender side of the sorter from recorded
// requests, so new requests link to them.
func (c *OrchestrationContext) rememberEntitySend(e *Event) {
	if e.EventSent == nil || e.EventSent.Name != EntityRequest || !types.IsEntityKey(e.EventSent.Target) {
		return
	}
	var req types.RequestMessage
	if err := json.Unmarshal(e.EventSent.Input, &req); err != nil {
		return
	}
	c.requests[strings.ToLower(req.ID)] = true
	if req.Timestamp.IsZero() {
		return
	}
	if c.sorter.LastSentToInstance == nil {
		c.sorter.LastSentToInstance = map[string]time.Time{}
	}
	if last, ok := c.sorter.LastSentToInstance[e.EventSent.Target]; !ok || req.Timestamp.After(last) {
		c.sorter.LastSentToInstance[e.EventSent.Target] = req.Timestamp
	}
}

func (c *OrchestrationContext) run(fn Orchestrator) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestration %s panicked: %v\n%s", c.instance.InstanceID, r, debug.Stack())
		}
	}()
	return fn(c)
}

func (c *OrchestrationContext) complete(status types.OrchestrationStatus, result []byte, failure *FailureDetails) *Event {
	e := &Event{
		EventID:            c.nextID,
		Timestamp:          c.latestTurn,
		ExecutionCompleted: &ExecutionCompletedEvent{Status: status, Result: result, Failure: failure},
	}
	c.nextID++
	return e
}

// unconsumed lists raised events no WaitForEvent claimed, entity responses
// excluded, in arrival order.
func (c *OrchestrationContext) unconsumed() []*Event {
	var out []*Event
	for name, events := range c.raised {
		if c.requests[name] {
			continue
		}
		if claimed := c.claimed[name]; claimed < len(events) {
			out = append(out, events[claimed:]...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}
