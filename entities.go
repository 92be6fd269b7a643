package durable

import (
	"context"
	"encoding/json"

	"github.com/davidroman0O/durable/internal/entity"
	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/session"
	"github.com/davidroman0O/durable/internal/types"
)

func (e *Engine) processEntity(ctx context.Context, item *entityItem) {
	id, err := types.ParseEntityID(item.Key)
	if err != nil {
		e.termination.HandleError(ctx, "entities", "dropping messages for an invalid entity key",
			faults.Validation(err.Error(), map[string]any{"key": item.Key}), false, true)
		settle(ctx, e, "entities", e.entities, item, item.State, nil)
		return
	}

	result, err := e.executor.ProcessBatch(ctx, id, item.State, item.Messages)
	if err != nil {
		handBack(ctx, e, "entities", e.entities, item, err)
		return
	}

	outgoing := make([]session.Outgoing[entity.Message], 0, len(result.Forwards))
	for _, fwd := range result.Forwards {
		outgoing = append(outgoing, session.Outgoing[entity.Message]{Key: fwd.Target.String(), Message: fwd.Message})
	}

	now := e.clock.Now()
	cross := make([]envelope, 0, len(result.Responses))
	for _, resp := range result.Responses {
		data, err := json.Marshal(resp.Message)
		if err != nil {
			e.logger.Error(ctx, "encoding entity response failed", "entity.id", id.String(), "request", resp.Message.RequestID, "error", err.Error())
			continue
		}
		cross = append(cross, envelope{Orchestration: &history.TaskMessage{
			Instance: types.OrchestrationInstance{InstanceID: resp.InstanceID, ExecutionID: resp.ExecutionID},
			Event:    history.NewEventRaisedEvent(resp.Message.RequestID, data, now),
		}})
	}

	if err := settle(ctx, e, "entities", e.entities, item, result.State, outgoing, result.Continuation...); err != nil {
		return
	}
	e.logger.Debug(ctx, "entity batch committed",
		"entity.id", id.String(),
		"operations", result.Operations,
		"responses", len(result.Responses),
		"forwards", len(result.Forwards))
	e.sendOrWarn(ctx, cross)
}
