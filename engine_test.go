package durable

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/durable/internal/logs"
)

const waitTimeout = 10 * time.Second

func newTestEngine(t *testing.T, store Store, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(logs.NewNoop()),
		WithWorkers(2, 2, 2),
		WithPollInterval(20 * time.Millisecond),
		WithLeaseDuration(5 * time.Second),
		WithBackoff(
			Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
			Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond},
		),
	}
	e, err := New(context.Background(), store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
	})
	return e
}

func waitDone(t *testing.T, e *Engine, instanceID string) *OrchestrationState {
	t.Helper()
	state, err := e.WaitForOrchestration(context.Background(), instanceID, "", waitTimeout)
	require.NoError(t, err)
	require.NotNil(t, state)
	return state
}

func greet(ctx *OrchestrationContext) (any, error) {
	var name string
	if err := ctx.GetInput(&name); err != nil {
		return nil, err
	}
	var hello string
	if err := ctx.CallActivity("hello", name).Await(&hello); err != nil {
		return nil, err
	}
	return hello, nil
}

func hello(ctx *ActivityContext) (any, error) {
	var name string
	if err := ctx.GetInput(&name); err != nil {
		return nil, err
	}
	return "hello " + name, nil
}

func counter(ctx *EntityContext) error {
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
	case "get":
	default:
		return fmt.Errorf("unknown operation %q", ctx.Operation())
	}
	if err := ctx.SetState(value); err != nil {
		return err
	}
	return ctx.Return(value)
}

func TestEngineRunsActivities(t *testing.T) {
	e := newTestEngine(t, nil,
		WithOrchestrator("greet", greet),
		WithActivity("hello", hello))

	instance, err := e.CreateOrchestration(context.Background(), "greet-1", "greet", "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "greet-1", instance.InstanceID)
	assert.NotEmpty(t, instance.ExecutionID)

	state := waitDone(t, e, instance.InstanceID)
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	assert.Equal(t, instance, state.Instance)
	assert.Equal(t, "greet", state.Name)

	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "hello alice", out)
	assert.False(t, state.CreatedAt.IsZero())
	assert.False(t, state.LastUpdatedAt.Before(state.CreatedAt))
}

func TestEngineRetriesTransientActivities(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx *ActivityContext) (any, error) {
		n := calls.Add(1)
		if ctx.Attempt() < 3 {
			return nil, Transient(fmt.Sprintf("attempt %d", n), errors.New("unavailable"))
		}
		return int64(ctx.Attempt()), nil
	}
	run := func(ctx *OrchestrationContext) (any, error) {
		var attempt int64
		if err := ctx.CallActivity("flaky", nil).Await(&attempt); err != nil {
			return nil, err
		}
		return attempt, nil
	}

	e := newTestEngine(t, nil,
		WithOrchestrator("run", run),
		WithActivity("flaky", flaky),
		WithActivityAttempts(3))

	_, err := e.CreateOrchestration(context.Background(), "flaky-1", "run", "", nil)
	require.NoError(t, err)

	state := waitDone(t, e, "flaky-1")
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var attempt int64
	require.NoError(t, state.GetOutput(&attempt))
	assert.Equal(t, int64(3), attempt)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEngineActivityFailures(t *testing.T) {
	failing := func(ctx *ActivityContext) (any, error) {
		return nil, errors.New("card declined")
	}
	panicking := func(ctx *ActivityContext) (any, error) {
		panic("boom")
	}
	run := func(name string) Orchestrator {
		return func(ctx *OrchestrationContext) (any, error) {
			return nil, ctx.CallActivity(name, nil).Await(nil)
		}
	}

	e := newTestEngine(t, nil,
		WithOrchestrator("charge", run("charge")),
		WithOrchestrator("explode", run("explode")),
		WithOrchestrator("missing", run("missing")),
		WithActivity("charge", failing),
		WithActivity("explode", panicking))

	tests := []struct {
		orchestrator string
		errorType    string
		message      string
	}{
		{"charge", "", "card declined"},
		{"explode", "", "boom"},
		{"missing", CodeNotFound, `activity "missing" is not registered`},
	}
	for _, tt := range tests {
		t.Run(tt.orchestrator, func(t *testing.T) {
			instance, err := e.CreateOrchestration(context.Background(), "", tt.orchestrator, "", nil)
			require.NoError(t, err)

			state := waitDone(t, e, instance.InstanceID)
			require.Equal(t, StatusFailed, state.Status, pp.Sprint(state))
			require.NotNil(t, state.Failure)
			assert.Contains(t, state.Failure.Message, tt.message)
			if tt.errorType != "" {
				assert.Equal(t, tt.errorType, state.Failure.ErrorType)
			}
		})
	}
}

func TestEngineTimersAndEvents(t *testing.T) {
	approval := func(ctx *OrchestrationContext) (any, error) {
		if err := ctx.CreateTimer(30 * time.Millisecond).Await(nil); err != nil {
			return nil, err
		}
		var who string
		if err := ctx.WaitForEvent("Approve").Await(&who); err != nil {
			return nil, err
		}
		return "approved by " + who, nil
	}

	e := newTestEngine(t, nil, WithOrchestrator("approval", approval))
	ctx := context.Background()

	_, err := e.CreateOrchestration(ctx, "approval-1", "approval", "", nil)
	require.NoError(t, err)
	require.NoError(t, e.RaiseEvent(ctx, "approval-1", "approve", "bob"))

	state := waitDone(t, e, "approval-1")
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "approved by bob", out)
}

func TestEngineSubOrchestrations(t *testing.T) {
	parent := func(ctx *OrchestrationContext) (any, error) {
		var first, second string
		if err := ctx.CallSubOrchestrator("greet", "ann", "").Await(&first); err != nil {
			return nil, err
		}
		if err := ctx.CallSubOrchestrator("greet", "ben", "child-ben").Await(&second); err != nil {
			return nil, err
		}
		return first + ", " + second, nil
	}

	e := newTestEngine(t, nil,
		WithOrchestrator("parent", parent),
		WithOrchestrator("greet", greet),
		WithActivity("hello", hello))

	_, err := e.CreateOrchestration(context.Background(), "family", "parent", "", nil)
	require.NoError(t, err)

	state := waitDone(t, e, "family")
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "hello ann, hello ben", out)

	child, err := e.GetState(context.Background(), "child-ben", "")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, StatusCompleted, child.Status)
}

func TestEngineEntities(t *testing.T) {
	read := func(ctx *OrchestrationContext) (any, error) {
		var value int64
		if err := ctx.CallEntity(NewEntityID("counter", "shared"), "get", nil).Await(&value); err != nil {
			return nil, err
		}
		return value, nil
	}

	e := newTestEngine(t, nil,
		WithEntity("counter", counter),
		WithOrchestrator("read", read))
	ctx := context.Background()
	id := NewEntityID("Counter", "shared")

	var value int64
	found, err := e.GetEntityState(ctx, id, &value)
	require.NoError(t, err)
	assert.False(t, found)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.SignalEntity(ctx, id, "add", int64(5)))
	}
	require.Eventually(t, func() bool {
		found, err := e.GetEntityState(ctx, id, &value)
		return err == nil && found && value == 15
	}, waitTimeout, 10*time.Millisecond)

	_, err = e.CreateOrchestration(ctx, "reader", "read", "", nil)
	require.NoError(t, err)
	state := waitDone(t, e, "reader")
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var got int64
	require.NoError(t, state.GetOutput(&got))
	assert.Equal(t, int64(15), got)

	err = e.SignalEntity(ctx, EntityID{}, "add", 1)
	assert.True(t, HasCode(err, CodeValidation))
}

func TestEngineLocksSerializeCriticalSections(t *testing.T) {
	accounts := []EntityID{NewEntityID("counter", "b"), NewEntityID("counter", "a")}
	transfer := func(ctx *OrchestrationContext) (any, error) {
		if err := ctx.LockEntities(accounts...).Await(nil); err != nil {
			return nil, err
		}
		for _, account := range accounts {
			if err := ctx.CallEntity(account, "add", int64(1)).Await(nil); err != nil {
				return nil, err
			}
		}
		return nil, ctx.ReleaseLocks()
	}

	e := newTestEngine(t, nil,
		WithEntity("counter", counter),
		WithOrchestrator("transfer", transfer))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.CreateOrchestration(ctx, fmt.Sprintf("transfer-%d", i), "transfer", "", nil)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		state := waitDone(t, e, fmt.Sprintf("transfer-%d", i))
		require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	}

	for _, account := range accounts {
		var value int64
		require.Eventually(t, func() bool {
			found, err := e.GetEntityState(ctx, account, &value)
			return err == nil && found && value == 3
		}, waitTimeout, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			state, _, err := e.entityRecords.Load(ctx, account.String())
			return err == nil && state != nil && state.LockedBy == ""
		}, waitTimeout, 10*time.Millisecond, "lock on %s released", account)
	}
}

func TestEngineReleasesLocksOfTerminatedInstances(t *testing.T) {
	account := NewEntityID("counter", "held")
	hold := func(ctx *OrchestrationContext) (any, error) {
		if err := ctx.LockEntities(account).Await(nil); err != nil {
			return nil, err
		}
		return nil, ctx.WaitForEvent("never").Await(nil)
	}

	e := newTestEngine(t, nil,
		WithEntity("counter", counter),
		WithOrchestrator("hold", hold))
	ctx := context.Background()

	_, err := e.CreateOrchestration(ctx, "holder", "hold", "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, _, err := e.entityRecords.Load(ctx, account.String())
		return err == nil && state != nil && state.LockedBy == "holder"
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, e.SignalEntity(ctx, account, "add", int64(1)))
	require.NoError(t, e.TerminateOrchestration(ctx, "holder", "operator"))
	state := waitDone(t, e, "holder")
	assert.Equal(t, StatusTerminated, state.Status)

	var value int64
	require.Eventually(t, func() bool {
		found, err := e.GetEntityState(ctx, account, &value)
		return err == nil && found && value == 1
	}, waitTimeout, 10*time.Millisecond, "the queued signal runs once the lock is gone")
}

func TestEngineContinueAsNew(t *testing.T) {
	loop := func(ctx *OrchestrationContext) (any, error) {
		var n int64
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		if n < 3 {
			return nil, ctx.ContinueAsNew(n + 1)
		}
		return n, nil
	}

	e := newTestEngine(t, nil, WithOrchestrator("loop", loop))
	ctx := context.Background()

	first, err := e.CreateOrchestration(ctx, "loop-1", "loop", "", int64(0))
	require.NoError(t, err)

	state := waitDone(t, e, "loop-1")
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	assert.NotEqual(t, first.ExecutionID, state.Instance.ExecutionID)
	var n int64
	require.NoError(t, state.GetOutput(&n))
	assert.Equal(t, int64(3), n)

	previous, err := e.GetState(ctx, "loop-1", first.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, StatusContinuedAsNew, previous.Status)
}

func TestEngineCreateConflicts(t *testing.T) {
	wait := func(ctx *OrchestrationContext) (any, error) {
		return nil, ctx.WaitForEvent("never").Await(nil)
	}
	e := newTestEngine(t, nil, WithOrchestrator("wait", wait))
	ctx := context.Background()

	first, err := e.CreateOrchestration(ctx, "dup", "wait", "", nil)
	require.NoError(t, err)

	_, err = e.CreateOrchestration(ctx, "dup", "wait", "", nil)
	var exists *AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, first.ExecutionID, exists.ExecutionID)
	assert.True(t, HasCode(err, CodeAlreadyExists))

	state, err := e.WaitForOrchestration(ctx, "dup", "", 50*time.Millisecond)
	assert.True(t, HasCode(err, CodeTimeout), "got %v", err)
	require.NotNil(t, state)
	assert.False(t, state.Status.IsTerminal())

	require.NoError(t, e.TerminateOrchestration(ctx, "dup", "done waiting"))
	state = waitDone(t, e, "dup")
	assert.Equal(t, StatusTerminated, state.Status)

	_, err = e.CreateOrchestration(ctx, "dup", "wait", "", nil, StatusTerminated)
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, StatusTerminated, exists.Status)

	second, err := e.CreateOrchestration(ctx, "dup", "wait", "", nil, StatusCompleted)
	require.NoError(t, err)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)

	_, err = e.CreateOrchestration(ctx, "x", "unknown", "", nil)
	assert.True(t, HasCode(err, CodeValidation))
}

func TestEngineCreateRejectsRunningDuplicate(t *testing.T) {
	wait := func(ctx *OrchestrationContext) (any, error) {
		return nil, ctx.WaitForEvent("never").Await(nil)
	}
	e := newTestEngine(t, nil, WithOrchestrator("wait", wait))
	ctx := context.Background()

	first, err := e.CreateOrchestration(ctx, "running-dup", "wait", "", nil, StatusRunning)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, err := e.GetState(ctx, "running-dup", "")
		return err == nil && state != nil && state.Status == StatusRunning
	}, waitTimeout, 10*time.Millisecond)

	_, err = e.CreateOrchestration(ctx, "running-dup", "wait", "", nil, StatusRunning)
	var exists *AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, StatusRunning, exists.Status)
	assert.Equal(t, first.ExecutionID, exists.ExecutionID)
	assert.True(t, HasCode(err, CodeAlreadyExists))
}

func TestEngineCreateKeepsOrchestratorVersion(t *testing.T) {
	v1 := func(ctx *OrchestrationContext) (any, error) { return "v1", nil }
	v2 := func(ctx *OrchestrationContext) (any, error) { return "v2", nil }
	e := newTestEngine(t, nil,
		WithOrchestrator("versioned", v1),
		WithOrchestratorVersion("versioned", "v2", v2))
	ctx := context.Background()

	instance, err := e.CreateOrchestration(ctx, "versioned-1", "versioned", "v2", nil)
	require.NoError(t, err)

	state, err := e.GetState(ctx, "versioned-1", instance.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "v2", state.Version)

	state = waitDone(t, e, "versioned-1")
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	assert.Equal(t, "v2", state.Version)
	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "v2", out)
}

func TestEngineSuspendResume(t *testing.T) {
	gate := func(ctx *OrchestrationContext) (any, error) {
		var v string
		if err := ctx.WaitForEvent("go").Await(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	e := newTestEngine(t, nil, WithOrchestrator("gate", gate))
	ctx := context.Background()

	_, err := e.CreateOrchestration(ctx, "gate-1", "gate", "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, err := e.GetState(ctx, "gate-1", "")
		return err == nil && state != nil && state.Status == StatusRunning
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, e.SuspendOrchestration(ctx, "gate-1", "maintenance"))
	require.Eventually(t, func() bool {
		state, err := e.GetState(ctx, "gate-1", "")
		return err == nil && state != nil && state.Status == StatusSuspended
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, e.RaiseEvent(ctx, "gate-1", "go", "now"))
	_, err = e.WaitForOrchestration(ctx, "gate-1", "", 100*time.Millisecond)
	require.True(t, HasCode(err, CodeTimeout), "suspended instances do not run")

	require.NoError(t, e.ResumeOrchestration(ctx, "gate-1", "maintenance over"))
	state := waitDone(t, e, "gate-1")
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "now", out)
}

func TestEngineSurvivesRestartOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "durable.db"), false, nil)
	require.NoError(t, err)
	defer store.Close()

	gate := func(ctx *OrchestrationContext) (any, error) {
		var who string
		if err := ctx.WaitForEvent("approve").Await(&who); err != nil {
			return nil, err
		}
		var out string
		if err := ctx.CallActivity("hello", who).Await(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	opts := []Option{
		WithLogger(logs.NewNoop()),
		WithPollInterval(20 * time.Millisecond),
		WithOrchestrator("gate", gate),
		WithActivity("hello", hello),
	}

	first, err := New(ctx, store, opts...)
	require.NoError(t, err)
	_, err = first.CreateOrchestration(ctx, "durable-1", "gate", "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, err := first.GetState(ctx, "durable-1", "")
		return err == nil && state != nil && state.Status == StatusRunning
	}, waitTimeout, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second, err := New(ctx, store, opts...)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.RaiseEvent(ctx, "durable-1", "approve", "carol"))
	state, err := second.WaitForOrchestration(ctx, "durable-1", "", waitTimeout)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "hello carol", out)
}

func TestEngineResumesInFlightActivityAfterRestart(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "durable.db"), false, nil)
	require.NoError(t, err)
	defer store.Close()

	var calls atomic.Int32
	started := make(chan struct{})
	slow := func(actx *ActivityContext) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-actx.Context().Done()
			return nil, actx.Context().Err()
		}
		return "finished", nil
	}
	flow := func(ctx *OrchestrationContext) (any, error) {
		var out string
		if err := ctx.CallActivity("slow", nil).Await(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	opts := []Option{
		WithLogger(logs.NewNoop()),
		WithPollInterval(20 * time.Millisecond),
		WithOrchestrator("flow", flow),
		WithActivity("slow", slow),
	}

	first, err := New(ctx, store, opts...)
	require.NoError(t, err)
	_, err = first.CreateOrchestration(ctx, "resume-1", "flow", "", nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("activity never started")
	}
	require.NoError(t, first.Close())

	state, err := first.GetState(ctx, "resume-1", "")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, state.Status, "an interrupted activity is not reported")

	second, err := New(ctx, store, opts...)
	require.NoError(t, err)
	defer second.Close()

	state, err = second.WaitForOrchestration(ctx, "resume-1", "", waitTimeout)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "finished", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngineResumesTimersAfterRestart(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	sleeper := func(ctx *OrchestrationContext) (any, error) {
		if err := ctx.CreateTimer(300 * time.Millisecond).Await(nil); err != nil {
			return nil, err
		}
		return "awake", nil
	}
	opts := []Option{
		WithLogger(logs.NewNoop()),
		WithPollInterval(20 * time.Millisecond),
		WithOrchestrator("sleeper", sleeper),
	}

	first, err := New(ctx, store, opts...)
	require.NoError(t, err)
	_, err = first.CreateOrchestration(ctx, "sleeper-1", "sleeper", "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, err := first.GetState(ctx, "sleeper-1", "")
		return err == nil && state != nil && state.Status == StatusRunning
	}, waitTimeout, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second, err := New(ctx, store, opts...)
	require.NoError(t, err)
	defer second.Close()

	state, err := second.WaitForOrchestration(ctx, "sleeper-1", "", waitTimeout)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status, pp.Sprint(state))
	var out string
	require.NoError(t, state.GetOutput(&out))
	assert.Equal(t, "awake", out)
}

func TestEngineClose(t *testing.T) {
	e, err := New(context.Background(), nil, WithLogger(logs.NewNoop()), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	select {
	case <-e.Done():
	default:
		t.Fatal("engine should be done after Close")
	}
	assert.NoError(t, e.Err())
	assert.True(t, HasCode(e.RaiseEvent(context.Background(), "any", "evt", nil), CodeTerminated))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(context.Background(), nil, WithLogger(logs.NewNoop()), WithWorkers(0, 1, 1))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(context.Background(), nil, WithLogger(logs.NewNoop()),
		WithActivity("a", hello),
		WithActivity("A", hello))
	assert.ErrorIs(t, err, ErrEngine)
	assert.True(t, HasCode(err, CodeValidation))
}

func TestDelayFor(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, delayFor(b, tt.attempt), "attempt %d", tt.attempt)
	}
}
