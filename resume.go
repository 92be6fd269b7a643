package durable

import (
	"context"
	"time"

	"github.com/davidroman0O/durable/internal/entity"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/types"
)

// resume rebuilds in-flight work from the store. Dispatchers keep pending
// messages in memory only, so after a restart every unfinished instance gets
// its outstanding activities, timers, sub-orchestrations and entity requests
// sent again, and entities with queued requests are woken up. Receivers
// drop what they already processed.
func (e *Engine) resume(ctx context.Context) error {
	runtimes, err := e.orchestrated.Unfinished(ctx)
	if err != nil {
		return err
	}
	now := e.clock.Now()

	var batch []envelope
	for _, runtime := range runtimes {
		out := &turnResult{}
		e.outstanding(ctx, runtime, out, now)
		for _, o := range out.outgoing {
			batch = append(batch, envelope{Orchestration: o.Message, VisibleAt: o.VisibleAt})
		}
		batch = append(batch, out.cross...)
	}

	keys, err := e.entityRecords.Unfinished(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		id, err := types.ParseEntityID(key)
		if err != nil {
			e.logger.Warn(ctx, "skipping stored entity with an invalid key", "key", key, "error", err.Error())
			continue
		}
		batch = append(batch, envelope{Entity: &entityMessage{Target: id, Message: entity.Message{Continue: true}}})
	}

	if len(runtimes) > 0 || len(keys) > 0 {
		e.logger.Info(ctx, "resuming stored work",
			"instances", len(runtimes),
			"entities", len(keys),
			"messages", len(batch))
	}
	return e.send(ctx, batch)
}

// outstanding collects the messages an unfinished execution still waits on.
func (e *Engine) outstanding(ctx context.Context, runtime *history.RuntimeState, out *turnResult, now time.Time) {
	instance := runtime.Instance()
	switch runtime.Status() {
	case types.StatusPending:
		if committed := runtime.Committed(); len(committed) > 0 && committed[0].ExecutionStarted != nil {
			out.outgoing = append(out.outgoing, orchestrationOutgoing{
				Key:     instance.InstanceID,
				Message: &history.TaskMessage{Instance: instance, Event: committed[0]},
			})
		}
		return
	case types.StatusContinuedAsNew:
		successor := runtime.Successor()
		if successor == nil {
			return
		}
		for _, ev := range successor.Pending() {
			out.outgoing = append(out.outgoing, orchestrationOutgoing{
				Key:     instance.InstanceID,
				Message: &history.TaskMessage{Instance: successor.Instance(), Event: ev},
			})
		}
		return
	}

	for _, ev := range runtime.Outstanding() {
		if ev.SubOrchestrationCreated != nil && e.childStarted(ctx, runtime, ev, out, now) {
			continue
		}
		e.route(ctx, runtime, ev, out, now)
	}
}

// childStarted reports whether the sub-orchestration scheduled by ev already
// exists. A child that already ended is asked to notify its parent again.
func (e *Engine) childStarted(ctx context.Context, runtime *history.RuntimeState, ev *history.Event, out *turnResult, now time.Time) bool {
	child, _, err := e.orchestrated.Load(ctx, ev.SubOrchestrationCreated.InstanceID)
	if err != nil {
		e.logger.Warn(ctx, "cannot check sub-orchestration, not restarting it",
			"instance", runtime.Instance().String(),
			"child", ev.SubOrchestrationCreated.InstanceID,
			"error", err.Error())
		return true
	}
	if child == nil {
		return false
	}
	parent := child.Parent()
	if parent == nil || parent.Instance != runtime.Instance() || parent.TaskScheduledID != ev.EventID {
		return false
	}
	if status := child.Status(); status.IsTerminal() && status != types.StatusContinuedAsNew {
		out.outgoing = append(out.outgoing, notifyParent(child, parent, now))
	}
	return true
}
