package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/davidroman0O/durable/internal/clock"
	"github.com/davidroman0O/durable/internal/entity"
	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/types"
)

// Orchestrations persists the runtime state of orchestration sessions,
// keyed by instance id.
type Orchestrations struct {
	store Store
	clock clock.Clock
}

func NewOrchestrations(store Store, clk clock.Clock) *Orchestrations {
	if clk == nil {
		clk = clock.System()
	}
	return &Orchestrations{store: store, clock: clk}
}

func (o *Orchestrations) Load(ctx context.Context, key string) (*history.RuntimeState, int64, error) {
	rec, err := o.store.LoadInstance(ctx, key)
	if err != nil || rec == nil {
		return nil, 0, err
	}
	state := &history.RuntimeState{}
	if err := json.Unmarshal(rec.State, state); err != nil {
		return nil, 0, faults.Fatal(fmt.Sprintf("decoding runtime state of %s", key), err)
	}
	return state, rec.Version, nil
}

// LoadExecution reads one execution of an instance, including executions
// superseded by continue-as-new. It returns nil when there is none.
func (o *Orchestrations) LoadExecution(ctx context.Context, instanceID, executionID string) (*history.RuntimeState, error) {
	rec, err := o.store.LoadExecution(ctx, instanceID, executionID)
	if err != nil || rec == nil {
		return nil, err
	}
	state := &history.RuntimeState{}
	if err := json.Unmarshal(rec.State, state); err != nil {
		return nil, faults.Fatal(fmt.Sprintf("decoding execution %s of %s", executionID, instanceID), err)
	}
	return state, nil
}

// Unfinished loads every instance whose latest execution may still have work:
// pending, running and suspended executions, and continue-as-new executions
// whose successor was never stored.
func (o *Orchestrations) Unfinished(ctx context.Context) ([]*history.RuntimeState, error) {
	records, err := o.store.ListInstances(ctx,
		types.StatusPending,
		types.StatusRunning,
		types.StatusSuspended,
		types.StatusContinuedAsNew)
	if err != nil {
		return nil, err
	}
	states := make([]*history.RuntimeState, 0, len(records))
	for _, rec := range records {
		state := &history.RuntimeState{}
		if err := json.Unmarshal(rec.State, state); err != nil {
			return nil, faults.Fatal(fmt.Sprintf("decoding runtime state of %s", rec.InstanceID), err)
		}
		states = append(states, state)
	}
	return states, nil
}

// Save keeps the stored state when state is nil.
func (o *Orchestrations) Save(ctx context.Context, key string, state *history.RuntimeState, expectedVersion int64) (int64, error) {
	if state == nil {
		return expectedVersion, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return 0, faults.Fatal(fmt.Sprintf("encoding runtime state of %s", key), err)
	}
	instance := state.Instance()
	return o.store.SaveInstance(ctx, &InstanceRecord{
		InstanceID:  key,
		ExecutionID: instance.ExecutionID,
		Name:        state.Name(),
		Status:      state.Status(),
		State:       data,
		CreatedAt:   state.CreatedAt(),
		UpdatedAt:   o.clock.Now(),
	}, expectedVersion)
}

// Entities persists scheduler states keyed by entity id. A nil state
// leaves a tombstone that keeps the version.
type Entities struct {
	store Store
	clock clock.Clock
}

func NewEntities(store Store, clk clock.Clock) *Entities {
	if clk == nil {
		clk = clock.System()
	}
	return &Entities{store: store, clock: clk}
}

func (e *Entities) Load(ctx context.Context, key string) (*entity.SchedulerState, int64, error) {
	rec, err := e.store.LoadEntity(ctx, key)
	if err != nil || rec == nil {
		return nil, 0, err
	}
	if rec.State == nil {
		return nil, rec.Version, nil
	}
	state := &entity.SchedulerState{}
	if err := json.Unmarshal(rec.State, state); err != nil {
		return nil, 0, faults.Fatal(fmt.Sprintf("decoding scheduler state of %s", key), err)
	}
	return state, rec.Version, nil
}

// Unfinished returns the keys of entities with queued requests or a batch
// that was cut short.
func (e *Entities) Unfinished(ctx context.Context) ([]string, error) {
	records, err := e.store.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, rec := range records {
		state := &entity.SchedulerState{}
		if err := json.Unmarshal(rec.State, state); err != nil {
			return nil, faults.Fatal(fmt.Sprintf("decoding scheduler state of %s", rec.ID), err)
		}
		if len(state.Queue) > 0 || state.Suspended {
			keys = append(keys, rec.ID)
		}
	}
	return keys, nil
}

func (e *Entities) Save(ctx context.Context, key string, state *entity.SchedulerState, expectedVersion int64) (int64, error) {
	rec := &EntityRecord{ID: key, UpdatedAt: e.clock.Now()}
	if state != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return 0, faults.Fatal(fmt.Sprintf("encoding scheduler state of %s", key), err)
		}
		rec.State = data
	}
	return e.store.SaveEntity(ctx, rec, expectedVersion)
}
