package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durable/internal/clock"
	"github.com/davidroman0O/durable/internal/types"
)

func counter(ctx *Context) error {
	var value int64
	if err := ctx.GetState(&value); err != nil {
		return err
	}
	switch ctx.Operation() {
	case "add":
		var delta int64
		if err := ctx.GetInput(&delta); err != nil {
			return err
		}
		value += delta
		if value > 100 {
			return errors.New("counter overflow")
		}
	case "get":
	case "reset":
		ctx.DeleteState()
		return nil
	case "forward":
		if err := ctx.SignalEntity(types.NewEntityID("counter", "mirror"), "add", value); err != nil {
			return err
		}
	default:
		return errors.New("unknown operation " + ctx.Operation())
	}
	if err := ctx.SetState(value); err != nil {
		return err
	}
	return ctx.Return(value)
}

func newExecutor(maxOps int, window time.Duration) *Executor {
	return NewExecutor(ExecutorConfig{
		Lookup: func(name string) (Entity, bool) {
			if name == "counter" {
				return counter, true
			}
			return nil, false
		},
		MaxOperationsPerBatch: maxOps,
		ReorderWindow:         window,
		Clock:                 clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func call(id, parent, op string, input interface{}) Message {
	data, _ := types.Encode(input)
	return Message{Request: &types.RequestMessage{ID: id, ParentInstanceID: parent, ParentExecutionID: "e1", Operation: op, Input: data}}
}

func decodeInt(t *testing.T, data []byte) int64 {
	var v int64
	require.NoError(t, types.Decode(data, &v))
	return v
}

func TestExecutorRunsOperations(t *testing.T) {
	x := newExecutor(0, 0)
	id := types.NewEntityID("counter", "a")

	res, err := x.ProcessBatch(context.Background(), id, nil, []Message{
		call("r1", "orch-1", "add", int64(5)),
		call("r2", "orch-2", "add", int64(7)),
	})
	require.NoError(t, err)
	require.NotNil(t, res.State)
	require.Len(t, res.Responses, 2, pp.Sprint(res))

	assert.Equal(t, "orch-1", res.Responses[0].InstanceID)
	assert.Equal(t, int64(5), decodeInt(t, res.Responses[0].Message.Result))
	assert.Equal(t, int64(12), decodeInt(t, res.Responses[1].Message.Result))
	assert.Equal(t, int64(12), decodeInt(t, res.State.EntityState))
}

func TestExecutorRollsBackFailedOperation(t *testing.T) {
	x := newExecutor(0, 0)
	id := types.NewEntityID("counter", "a")

	res, err := x.ProcessBatch(context.Background(), id, nil, []Message{
		call("r1", "orch-1", "add", int64(90)),
		call("r2", "orch-1", "add", int64(20)),
	})
	require.NoError(t, err)
	require.Len(t, res.Responses, 2)
	assert.True(t, res.Responses[1].Message.IsError())
	assert.Contains(t, res.Responses[1].Message.ErrorMessage, "overflow")
	assert.Equal(t, int64(90), decodeInt(t, res.State.EntityState))
}

func TestExecutorSignalsDoNotRespond(t *testing.T) {
	x := newExecutor(0, 0)
	msg := call("r1", "orch-1", "add", int64(1))
	msg.Request.IsSignal = true

	res, err := x.ProcessBatch(context.Background(), types.NewEntityID("counter", "a"), nil, []Message{msg})
	require.NoError(t, err)
	assert.Empty(t, res.Responses)
	assert.Equal(t, 1, res.Operations)
}

func TestExecutorDeletesEmptyEntity(t *testing.T) {
	x := newExecutor(0, 0)
	id := types.NewEntityID("counter", "a")
	initial, err := types.Encode(int64(3))
	require.NoError(t, err)
	res, err := x.ProcessBatch(context.Background(), id, &SchedulerState{EntityState: initial}, []Message{
		call("r1", "orch-1", "reset", nil),
	})
	require.NoError(t, err)
	assert.Nil(t, res.State)
}

func TestExecutorUnknownEntity(t *testing.T) {
	x := newExecutor(0, 0)
	res, err := x.ProcessBatch(context.Background(), types.NewEntityID("ghost", "a"), nil, []Message{
		call("r1", "orch-1", "add", int64(1)),
	})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	assert.Contains(t, res.Responses[0].Message.ErrorMessage, "not registered")
}

func TestExecutorLockChain(t *testing.T) {
	x := newExecutor(0, 0)
	a := types.NewEntityID("counter", "a")
	b := types.NewEntityID("counter", "b")

	lock := &types.RequestMessage{ID: "lock-1", ParentInstanceID: "orch-1", ParentExecutionID: "e1", IsLockRequest: true, LockSet: []types.EntityID{a, b}}

	res, err := x.ProcessBatch(context.Background(), a, nil, []Message{{Request: lock}})
	require.NoError(t, err)
	assert.Equal(t, "orch-1", res.State.LockedBy)
	require.Len(t, res.Forwards, 1)
	assert.Equal(t, b, res.Forwards[0].Target)
	assert.Equal(t, 1, res.Forwards[0].Message.Request.Position)
	assert.Empty(t, res.Responses)

	res, err = x.ProcessBatch(context.Background(), b, nil, []Message{res.Forwards[0].Message})
	require.NoError(t, err)
	assert.Equal(t, "orch-1", res.State.LockedBy)
	require.Len(t, res.Responses, 1)
	assert.True(t, res.Responses[0].Message.LockAcquired)
	assert.Equal(t, "lock-1", res.Responses[0].Message.RequestID)
}

func TestExecutorLockedEntityQueuesOthers(t *testing.T) {
	x := newExecutor(0, 0)
	id := types.NewEntityID("counter", "a")
	state := &SchedulerState{LockedBy: "orch-1"}

	res, err := x.ProcessBatch(context.Background(), id, state, []Message{
		call("r1", "orch-2", "add", int64(1)),
		call("r2", "orch-1", "add", int64(2)),
	})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1, "the lock holder passes the waiting caller")
	assert.Equal(t, "orch-1", res.Responses[0].InstanceID)
	assert.Equal(t, int64(2), decodeInt(t, res.Responses[0].Message.Result))
	require.Len(t, res.State.Queue, 1)
	assert.Equal(t, "r1", res.State.Queue[0].ID)

	res, err = x.ProcessBatch(context.Background(), id, res.State, []Message{
		{Release: &types.ReleaseMessage{ParentInstanceID: "orch-1", ID: "lock-1"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, "orch-2", res.Responses[0].InstanceID)
	assert.Equal(t, int64(3), decodeInt(t, res.State.EntityState))
	assert.Nil(t, res.State.Queue)
}

func TestExecutorBatchLimitContinues(t *testing.T) {
	x := newExecutor(2, 0)
	id := types.NewEntityID("counter", "a")

	res, err := x.ProcessBatch(context.Background(), id, nil, []Message{
		call("r1", "o", "add", int64(1)),
		call("r2", "o", "add", int64(1)),
		call("r3", "o", "add", int64(1)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Operations)
	assert.True(t, res.State.Suspended)
	require.Len(t, res.Continuation, 1)

	// new work arriving behind the continuation keeps its place
	res, err = x.ProcessBatch(context.Background(), id, res.State, append(res.Continuation, call("r4", "o", "add", int64(1))))
	require.NoError(t, err)
	require.Len(t, res.Responses, 2)
	assert.Equal(t, "r3", res.Responses[0].Message.RequestID)
	assert.Equal(t, "r4", res.Responses[1].Message.RequestID)
	assert.False(t, res.State.Suspended)
}

func TestExecutorSortsRequests(t *testing.T) {
	x := newExecutor(0, time.Minute)
	id := types.NewEntityID("counter", "a")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := call("r1", "orch-1", "add", int64(1))
	first.Request.Timestamp = base
	second := call("r2", "orch-1", "add", int64(2))
	second.Request.Timestamp = base.Add(time.Second)
	second.Request.Predecessor = base

	res, err := x.ProcessBatch(context.Background(), id, nil, []Message{second})
	require.NoError(t, err)
	assert.Empty(t, res.Responses)

	res, err = x.ProcessBatch(context.Background(), id, res.State, []Message{first, second})
	require.NoError(t, err)
	require.Len(t, res.Responses, 2)
	assert.Equal(t, "r1", res.Responses[0].Message.RequestID)
	assert.Equal(t, "r2", res.Responses[1].Message.RequestID)
}

func TestExecutorEntitySignals(t *testing.T) {
	x := newExecutor(0, time.Minute)
	id := types.NewEntityID("counter", "a")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	add := call("r1", "orch-1", "add", int64(4))
	add.Request.Timestamp = base
	forward := call("r2", "orch-1", "forward", nil)
	forward.Request.Timestamp = base.Add(time.Second)
	forward.Request.Predecessor = base

	res, err := x.ProcessBatch(context.Background(), id, &SchedulerState{}, []Message{add, forward})
	require.NoError(t, err)
	require.Len(t, res.Forwards, 1)
	fwd := res.Forwards[0]
	assert.Equal(t, types.NewEntityID("counter", "mirror"), fwd.Target)
	assert.True(t, fwd.Message.Request.IsSignal)
	assert.Equal(t, id.String(), fwd.Message.Request.ParentInstanceID)
	assert.False(t, fwd.Message.Request.Timestamp.IsZero())
	assert.Equal(t, int64(4), decodeInt(t, fwd.Message.Request.Input))
}
