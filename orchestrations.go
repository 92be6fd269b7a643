package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/durable/internal/entity"
	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/session"
	"github.com/davidroman0O/durable/internal/types"
)

type orchestrationOutgoing = session.Outgoing[*history.TaskMessage]

// turnResult collects what one orchestration turn sends out.
type turnResult struct {
	outgoing     []orchestrationOutgoing
	cross        []envelope
	continuation []*history.TaskMessage
}

func (e *Engine) processOrchestration(ctx context.Context, item *orchestrationItem) {
	now := e.clock.Now()
	out := &turnResult{}
	runtime, incoming := e.intake(ctx, item, out, now)

	if runtime == nil || (len(incoming) == 0 && runtime.Status() != types.StatusPending) {
		if err := settle(ctx, e, "orchestrations", e.orchestrations, item, nil, out.outgoing); err != nil {
			return
		}
		e.sendOrWarn(ctx, out.cross)
		return
	}

	runtime.AppendEvent(history.NewOrchestratorStartedEvent(now))
	for _, ev := range incoming {
		runtime.AppendEvent(ev)
	}
	if !terminates(incoming) && !isSuspended(runtime) {
		for _, action := range e.replay(ctx, runtime, now) {
			runtime.AppendEvent(action)
		}
	}
	runtime.AppendEvent(history.NewOrchestratorCompletedEvent(now))

	pending := runtime.Pending()
	successor := runtime.Commit()
	instance := runtime.Instance()

	for _, ev := range pending {
		e.route(ctx, runtime, ev, out, now)
	}

	status := runtime.Status()
	if status.IsTerminal() {
		if lockID, held := runtime.HeldLocks(); len(held) > 0 {
			out.cross = append(out.cross, releases(instance.InstanceID, lockID, held)...)
		}
		if parent := runtime.Parent(); parent != nil && status != types.StatusContinuedAsNew {
			out.outgoing = append(out.outgoing, notifyParent(runtime, parent, now))
		}
	}
	if successor != nil {
		for _, ev := range successor.Pending() {
			out.continuation = append(out.continuation, &history.TaskMessage{Instance: successor.Instance(), Event: ev})
		}
	}

	if err := settle(ctx, e, "orchestrations", e.orchestrations, item, runtime, out.outgoing, out.continuation...); err != nil {
		return
	}
	e.logger.Debug(ctx, "orchestration turn committed",
		"instance", instance.String(),
		"status", string(status),
		"events", len(pending))
	e.sendOrWarn(ctx, out.cross)
	e.notify(instance.InstanceID)
}

// intake sorts the leased messages into the events for this turn. It picks
// the execution they apply to and drops duplicates and stale messages.
func (e *Engine) intake(ctx context.Context, item *orchestrationItem, out *turnResult, now time.Time) (*history.RuntimeState, []*history.Event) {
	runtime := item.State
	var incoming []*history.Event

	for _, msg := range item.Messages {
		ev := msg.Event
		if ev == nil {
			continue
		}

		if ev.ExecutionStarted != nil {
			switch {
			case runtime == nil,
				len(incoming) == 0 && runtime.Status().IsTerminal() && runtime.Instance().ExecutionID != msg.Instance.ExecutionID:
				runtime = history.NewRuntimeState(msg.Instance)
				incoming = []*history.Event{ev}
			case runtime.Instance().ExecutionID == msg.Instance.ExecutionID:
				// redelivered start
			default:
				e.logger.Warn(ctx, "dropping start of an instance that is still running",
					"instance", msg.Instance.String(),
					"running", runtime.Instance().String())
				if parent := ev.ExecutionStarted.Parent; parent != nil {
					out.outgoing = append(out.outgoing, orchestrationOutgoing{
						Key: parent.Instance.InstanceID,
						Message: &history.TaskMessage{
							Instance: parent.Instance,
							Event: history.NewSubOrchestrationFailedEvent(parent.TaskScheduledID, &history.FailureDetails{
								ErrorType: faults.CodeAlreadyExists,
								Message:   fmt.Sprintf("instance %s is already running", msg.Instance.InstanceID),
							}, now),
						},
					})
				}
			}
			continue
		}

		switch {
		case runtime == nil:
			e.logger.Warn(ctx, "dropping message for an instance that was never started",
				"instance", msg.Instance.InstanceID,
				"event", string(ev.Type()))
			continue
		case msg.Instance.ExecutionID != "" && msg.Instance.ExecutionID != runtime.Instance().ExecutionID,
			runtime.Status().IsTerminal():
			e.logger.Debug(ctx, "dropping message for a finished execution",
				"instance", msg.Instance.String(),
				"current", runtime.Instance().String(),
				"event", string(ev.Type()))
			out.cross = append(out.cross, e.releaseOrphanedGrant(ctx, runtime, msg)...)
			continue
		case runtime.HasEvent(ev), history.NewRuntimeStateFromHistory(runtime.Instance(), incoming).HasEvent(ev):
			continue
		}
		incoming = append(incoming, ev)
	}
	return runtime, incoming
}

// releaseOrphanedGrant unlocks entities granted to an execution that can no
// longer use them.
func (e *Engine) releaseOrphanedGrant(ctx context.Context, runtime *history.RuntimeState, msg *history.TaskMessage) []envelope {
	lockID, ok := history.IsLockGrant(msg.Event)
	if !ok {
		return nil
	}
	owner := runtime
	if msg.Instance.ExecutionID != "" && msg.Instance.ExecutionID != runtime.Instance().ExecutionID {
		previous, err := e.orchestrated.LoadExecution(ctx, msg.Instance.InstanceID, msg.Instance.ExecutionID)
		if err != nil || previous == nil {
			e.logger.Warn(ctx, "cannot find the lock set of a dropped grant",
				"instance", msg.Instance.String(),
				"lock", lockID)
			return nil
		}
		owner = previous
	}
	return releases(msg.Instance.InstanceID, lockID, owner.LockSet(lockID))
}

func releases(instanceID, lockID string, held []types.EntityID) []envelope {
	batch := make([]envelope, 0, len(held))
	for _, target := range held {
		batch = append(batch, envelope{Entity: &entityMessage{
			Target:  target,
			Message: entity.Message{Release: &types.ReleaseMessage{ParentInstanceID: instanceID, ID: lockID}},
		}})
	}
	return batch
}

func terminates(events []*history.Event) bool {
	for _, ev := range events {
		if ev.ExecutionTerminated != nil {
			return true
		}
	}
	return false
}

// isSuspended looks at pending events too, unlike Status.
func isSuspended(runtime *history.RuntimeState) bool {
	suspended := false
	for _, ev := range runtime.Events() {
		switch {
		case ev.ExecutionSuspended != nil:
			suspended = true
		case ev.ExecutionResumed != nil:
			suspended = false
		}
	}
	return suspended
}

func (e *Engine) replay(ctx context.Context, runtime *history.RuntimeState, now time.Time) []*history.Event {
	fn, ok := e.registry.Orchestrator(runtime.Name(), runtime.Version())
	if !ok {
		e.logger.Error(ctx, "orchestrator is not registered",
			"instance", runtime.Instance().String(),
			"orchestrator", runtime.Name(),
			"version", runtime.Version())
		return []*history.Event{{
			Timestamp: now,
			ExecutionCompleted: &history.ExecutionCompletedEvent{
				Status: types.StatusFailed,
				Failure: &history.FailureDetails{
					ErrorType: faults.CodeNotFound,
					Message:   fmt.Sprintf("orchestrator %q is not registered", runtime.Name()),
				},
			},
		}}
	}
	turn := history.Replay(ctx, runtime, fn, history.ReplayOptions{
		ReorderWindow: e.cfg.ReorderWindow,
		CarryOver:     history.CarryOverPolicy(e.cfg.CarryOver),
		Logger:        e.logger,
	})
	return turn.Actions
}

// route turns a scheduling event into the message that carries it out.
func (e *Engine) route(ctx context.Context, runtime *history.RuntimeState, ev *history.Event, out *turnResult, now time.Time) {
	instance := runtime.Instance()
	switch {
	case ev.TaskScheduled != nil:
		out.cross = append(out.cross, envelope{Activity: &activityTask{
			Instance:    instance,
			ScheduledID: ev.EventID,
			Name:        ev.TaskScheduled.Name,
			Input:       ev.TaskScheduled.Input,
		}})

	case ev.SubOrchestrationCreated != nil:
		created := ev.SubOrchestrationCreated
		child := types.OrchestrationInstance{InstanceID: created.InstanceID, ExecutionID: uuid.NewString()}
		parent := &history.ParentInstance{Name: runtime.Name(), Instance: instance, TaskScheduledID: ev.EventID}
		out.outgoing = append(out.outgoing, orchestrationOutgoing{
			Key: child.InstanceID,
			Message: &history.TaskMessage{
				Instance: child,
				Event:    history.NewExecutionStartedEvent(created.Name, "", created.Input, parent, now),
			},
		})

	case ev.TimerCreated != nil:
		fireAt := ev.TimerCreated.FireAt
		out.outgoing = append(out.outgoing, orchestrationOutgoing{
			Key:       instance.InstanceID,
			Message:   &history.TaskMessage{Instance: instance, Event: history.NewTimerFiredEvent(ev.EventID, fireAt, fireAt)},
			VisibleAt: fireAt,
		})

	case ev.EventSent != nil:
		e.routeSent(ctx, instance, ev.EventSent, out, now)
	}
}

func (e *Engine) routeSent(ctx context.Context, instance types.OrchestrationInstance, sent *history.EventSentEvent, out *turnResult, now time.Time) {
	if !types.IsEntityKey(sent.Target) {
		out.outgoing = append(out.outgoing, orchestrationOutgoing{
			Key: sent.Target,
			Message: &history.TaskMessage{
				Instance: types.OrchestrationInstance{InstanceID: sent.Target},
				Event:    history.NewEventRaisedEvent(sent.Name, sent.Input, now),
			},
		})
		return
	}

	target, err := types.ParseEntityID(sent.Target)
	if err != nil {
		e.logger.Warn(ctx, "dropping message to an invalid entity id", "instance", instance.String(), "target", sent.Target, "error", err.Error())
		return
	}
	var msg entity.Message
	switch sent.Name {
	case history.EntityRequest:
		msg.Request = &types.RequestMessage{}
		err = json.Unmarshal(sent.Input, msg.Request)
	case history.EntityRelease:
		msg.Release = &types.ReleaseMessage{}
		err = json.Unmarshal(sent.Input, msg.Release)
	default:
		err = fmt.Errorf("unknown entity message %q", sent.Name)
	}
	if err != nil {
		e.logger.Warn(ctx, "dropping malformed entity message", "instance", instance.String(), "target", sent.Target, "error", err.Error())
		return
	}
	out.cross = append(out.cross, envelope{Entity: &entityMessage{Target: target, Message: msg}})
}

func notifyParent(runtime *history.RuntimeState, parent *history.ParentInstance, now time.Time) orchestrationOutgoing {
	var ev *history.Event
	if runtime.Status() == types.StatusCompleted {
		ev = history.NewSubOrchestrationCompletedEvent(parent.TaskScheduledID, runtime.Output(), now)
	} else {
		failure := runtime.Failure()
		if failure == nil {
			failure = &history.FailureDetails{Message: fmt.Sprintf("sub-orchestration %s ended as %s", runtime.Instance().InstanceID, runtime.Status())}
		}
		ev = history.NewSubOrchestrationFailedEvent(parent.TaskScheduledID, failure, now)
	}
	return orchestrationOutgoing{
		Key:     parent.Instance.InstanceID,
		Message: &history.TaskMessage{Instance: parent.Instance, Event: ev},
	}
}

func (e *Engine) sendOrWarn(ctx context.Context, batch []envelope) {
	if err := e.send(ctx, batch); err != nil {
		e.logger.Warn(ctx, "messages were not sent", "messages", len(batch), "error", err.Error())
	}
}
