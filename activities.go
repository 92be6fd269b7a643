package durable

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/types"
)

func (e *Engine) processActivity(ctx context.Context, item *activityItem) {
	if len(item.Messages) == 0 {
		settle(ctx, e, "activities", e.activities, item, struct{}{}, nil)
		return
	}
	task := item.Messages[0]

	var ev *history.Event
	fn, ok := e.registry.Activity(task.Name)
	if !ok {
		e.logger.Error(ctx, "activity is not registered", "activity", task.Name, "instance", task.Instance.String())
		ev = history.NewTaskFailedEvent(task.ScheduledID, &history.FailureDetails{
			ErrorType: faults.CodeNotFound,
			Message:   fmt.Sprintf("activity %q is not registered", task.Name),
		}, e.clock.Now())
	} else {
		stop := e.keepAlive(ctx, item)
		result, err := runActivity(fn, &ActivityContext{
			ctx:      ctx,
			name:     task.Name,
			instance: task.Instance,
			input:    task.Input,
			attempt:  item.DeliveryCount,
		})
		stop()

		if ctx.Err() != nil {
			// shutting down, the next engine runs the activity again
			e.logger.Debug(ctx, "activity interrupted", "activity", task.Name, "instance", task.Instance.String())
			return
		}
		if err != nil && faults.IsTransient(err) && item.DeliveryCount < e.cfg.ActivityAttempts {
			handBack(ctx, e, "activities", e.activities, item, err)
			return
		}
		ev = activityOutcome(task.ScheduledID, result, err, e.clock.Now())
	}

	if err := settle(ctx, e, "activities", e.activities, item, struct{}{}, nil); err != nil {
		return
	}
	e.sendOrWarn(ctx, []envelope{{Orchestration: &history.TaskMessage{Instance: task.Instance, Event: ev}}})
}

func activityOutcome(scheduledID int64, result any, err error, now time.Time) *history.Event {
	if err == nil {
		data, encodeErr := types.Encode(result)
		if encodeErr == nil {
			return history.NewTaskCompletedEvent(scheduledID, data, now)
		}
		err = encodeErr
	}
	return history.NewTaskFailedEvent(scheduledID, &history.FailureDetails{
		ErrorType: faults.Code(err),
		Message:   err.Error(),
	}, now)
}

func runActivity(fn Activity, actx *ActivityContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity %s panicked: %v\n%s", actx.name, r, debug.Stack())
		}
	}()
	return fn(actx)
}

// keepAlive renews the lease of a long running activity until the returned
// function is called.
func (e *Engine) keepAlive(ctx context.Context, item *activityItem) func() {
	interval := e.cfg.LeaseDuration / 2
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.activities.RenewLock(ctx, item); err != nil {
					e.logger.Warn(ctx, "renewing activity lease failed", "session", item.Key, "error", err.Error())
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
