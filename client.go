package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/davidroman0O/durable/internal/entity"
	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/types"
)

// AlreadyExistsError is returned when creating an instance whose current
// execution is still running, or ended with a status the caller asked to
// deduplicate on.
type AlreadyExistsError struct {
	InstanceID  string
	ExecutionID string
	Status      OrchestrationStatus
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("orchestration instance %s already exists (execution %s is %s)", e.InstanceID, e.ExecutionID, e.Status)
}

func (e *AlreadyExistsError) Unwrap() error { return faults.ErrAlreadyExists }

// OrchestrationState is a snapshot of one execution.
type OrchestrationState struct {
	Instance      OrchestrationInstance
	Name          string
	Version       string
	Status        OrchestrationStatus
	Input         []byte
	Output        []byte
	Failure       *FailureDetails
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

func (s *OrchestrationState) GetOutput(target interface{}) error {
	return types.Decode(s.Output, target)
}

func (s *OrchestrationState) GetInput(target interface{}) error {
	return types.Decode(s.Input, target)
}

func stateOf(runtime *history.RuntimeState) *OrchestrationState {
	return &OrchestrationState{
		Instance:      runtime.Instance(),
		Name:          runtime.Name(),
		Version:       runtime.Version(),
		Status:        runtime.Status(),
		Input:         runtime.Input(),
		Output:        runtime.Output(),
		Failure:       runtime.Failure(),
		CreatedAt:     runtime.CreatedAt(),
		LastUpdatedAt: runtime.LastUpdatedAt(),
	}
}

const createAttempts = 3

// CreateOrchestration starts a new execution of name. An empty instanceID
// gets a random one. The initial state is stored before returning, so two
// concurrent creations of the same instance cannot both succeed.
func (e *Engine) CreateOrchestration(ctx context.Context, instanceID, name, version string, input interface{}, dedupe ...OrchestrationStatus) (OrchestrationInstance, error) {
	if name == "" {
		return OrchestrationInstance{}, faults.Validation("orchestration name is required", nil)
	}
	if _, ok := e.registry.Orchestrator(name, version); !ok {
		return OrchestrationInstance{}, faults.Validation(fmt.Sprintf("orchestrator %q is not registered", name), map[string]any{
			"orchestrator": name,
			"version":      version,
		})
	}
	data, err := types.Encode(input)
	if err != nil {
		return OrchestrationInstance{}, faults.Validation(fmt.Sprintf("encoding input: %v", err), nil)
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	instance := OrchestrationInstance{InstanceID: instanceID, ExecutionID: uuid.NewString()}

	var started *history.Event
	policy := retry.WithMaxRetries(createAttempts, retry.NewConstant(e.cfg.CompletionRetryDelay))
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		current, stored, err := e.orchestrated.Load(ctx, instanceID)
		if err != nil {
			return err
		}
		if current != nil {
			status := current.Status()
			if !status.IsTerminal() || types.ContainsStatus(dedupe, status) {
				return &AlreadyExistsError{InstanceID: instanceID, ExecutionID: current.Instance().ExecutionID, Status: status}
			}
		}

		runtime := history.NewRuntimeState(instance)
		started = history.NewExecutionStartedEvent(name, version, data, nil, e.clock.Now())
		runtime.AppendEvent(started)
		runtime.Commit()

		if _, err := e.orchestrated.Save(ctx, instanceID, runtime, stored); err != nil {
			if faults.IsConflict(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		e.logger.Debug(ctx, "creating orchestration failed", "instance", instance.String(), "orchestrator", name, "error", err.Error())
		return OrchestrationInstance{}, err
	}

	if err := e.send(ctx, []envelope{{Orchestration: &history.TaskMessage{Instance: instance, Event: started}}}); err != nil {
		return instance, err
	}
	e.logger.Info(ctx, "orchestration created", "instance", instance.String(), "orchestrator", name)
	return instance, nil
}

// SendMessage delivers a raw task message to its orchestration instance.
func (e *Engine) SendMessage(ctx context.Context, msg *TaskMessage) error {
	if msg == nil || msg.Event == nil || msg.Instance.InstanceID == "" {
		return faults.Validation("message needs an instance id and an event", nil)
	}
	return e.send(ctx, []envelope{{Orchestration: msg}})
}

// RaiseEvent resolves WaitForEvent(name) in the current execution.
func (e *Engine) RaiseEvent(ctx context.Context, instanceID, name string, payload interface{}) error {
	if name == "" {
		return faults.Validation("event name is required", map[string]any{"instance": instanceID})
	}
	data, err := types.Encode(payload)
	if err != nil {
		return faults.Validation(fmt.Sprintf("encoding event payload: %v", err), nil)
	}
	return e.SendMessage(ctx, &TaskMessage{
		Instance: OrchestrationInstance{InstanceID: instanceID},
		Event:    history.NewEventRaisedEvent(name, data, e.clock.Now()),
	})
}

func (e *Engine) TerminateOrchestration(ctx context.Context, instanceID, reason string) error {
	return e.SendMessage(ctx, &TaskMessage{
		Instance: OrchestrationInstance{InstanceID: instanceID},
		Event:    history.NewExecutionTerminatedEvent(reason, e.clock.Now()),
	})
}

// SuspendOrchestration stops running the orchestrator; events keep being
// recorded and are acted on after ResumeOrchestration.
func (e *Engine) SuspendOrchestration(ctx context.Context, instanceID, reason string) error {
	return e.SendMessage(ctx, &TaskMessage{
		Instance: OrchestrationInstance{InstanceID: instanceID},
		Event:    history.NewExecutionSuspendedEvent(reason, e.clock.Now()),
	})
}

func (e *Engine) ResumeOrchestration(ctx context.Context, instanceID, reason string) error {
	return e.SendMessage(ctx, &TaskMessage{
		Instance: OrchestrationInstance{InstanceID: instanceID},
		Event:    history.NewExecutionResumedEvent(reason, e.clock.Now()),
	})
}

// SignalEntity sends a one-way operation from outside any orchestration.
func (e *Engine) SignalEntity(ctx context.Context, target EntityID, operation string, input interface{}) error {
	if target.Name == "" {
		return faults.Validation("entity name is required", map[string]any{"entity": target.String()})
	}
	if operation == "" {
		return faults.Validation("operation is required", map[string]any{"entity": target.String()})
	}
	data, err := types.Encode(input)
	if err != nil {
		return faults.Validation(fmt.Sprintf("encoding signal input: %v", err), nil)
	}
	req := &types.RequestMessage{
		ID:        uuid.NewString(),
		Operation: operation,
		Input:     data,
		IsSignal:  true,
		Timestamp: e.clock.Now(),
	}
	return e.send(ctx, []envelope{{Entity: &entityMessage{Target: target, Message: entity.Message{Request: req}}}})
}

// GetEntityState decodes the user state of an entity into target. It
// reports false when the entity has no state.
func (e *Engine) GetEntityState(ctx context.Context, id EntityID, target interface{}) (bool, error) {
	state, _, err := e.entityRecords.Load(ctx, id.String())
	if err != nil {
		return false, err
	}
	if state == nil || state.EntityState == nil {
		return false, nil
	}
	if err := types.Decode(state.EntityState, target); err != nil {
		return true, err
	}
	return true, nil
}

// GetState returns the current execution when executionID is empty, or the
// given one. It returns nil when there is none.
func (e *Engine) GetState(ctx context.Context, instanceID, executionID string) (*OrchestrationState, error) {
	current, _, err := e.orchestrated.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if current != nil && (executionID == "" || current.Instance().ExecutionID == executionID) {
		return stateOf(current), nil
	}
	if executionID == "" {
		return nil, nil
	}
	previous, err := e.orchestrated.LoadExecution(ctx, instanceID, executionID)
	if err != nil || previous == nil {
		return nil, err
	}
	return stateOf(previous), nil
}

// WaitForOrchestration blocks until the execution ends. With an empty
// executionID it follows continue-as-new to the final execution.
func (e *Engine) WaitForOrchestration(ctx context.Context, instanceID, executionID string, timeout time.Duration) (*OrchestrationState, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		changed := e.waiter(instanceID)
		state, err := e.GetState(ctx, instanceID, executionID)
		if err != nil {
			return nil, err
		}
		if state != nil && state.Status.IsTerminal() && (executionID != "" || state.Status != StatusContinuedAsNew) {
			return state, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		case <-e.Done():
			return state, faults.New(faults.ErrTerminated, "engine stopped while waiting", e.Err(), map[string]any{"instance": instanceID})
		case <-deadline.C:
			return state, faults.Timeout(fmt.Sprintf("orchestration %s did not finish within %s", instanceID, timeout), map[string]any{
				"instance":  instanceID,
				"execution": executionID,
			})
		}
	}
}
