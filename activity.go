package durable

import (
	"context"
	"fmt"

	"github.com/davidroman0O/durable/internal/types"
)

// Activity is ordinary, non-deterministic code scheduled by orchestrators.
// It runs at least once per scheduling.
type Activity func(ctx *ActivityContext) (any, error)

type ActivityContext struct {
	ctx      context.Context
	name     string
	instance types.OrchestrationInstance
	input    []byte
	attempt  int
}

func (c *ActivityContext) Context() context.Context { return c.ctx }

func (c *ActivityContext) Name() string { return c.name }

// Instance is the orchestration that scheduled the activity.
func (c *ActivityContext) Instance() OrchestrationInstance { return c.instance }

// Attempt starts at 1 and grows with each redelivery.
func (c *ActivityContext) Attempt() int { return c.attempt }

func (c *ActivityContext) GetInput(target interface{}) error {
	return types.Decode(c.input, target)
}

type activityTask struct {
	Instance    types.OrchestrationInstance `json:"instance"`
	ScheduledID int64                       `json:"scheduledId"`
	Name        string                      `json:"name"`
	Input       []byte                      `json:"input,omitempty"`
}

func (t *activityTask) key() string {
	return fmt.Sprintf("%s:%s:%d", t.Instance.InstanceID, t.Instance.ExecutionID, t.ScheduledID)
}
