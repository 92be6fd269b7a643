package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/durable/internal/types"
)

// RuntimeState is the event log of one execution: committed history plus
// the batch being built by the current turn.
type RuntimeState struct {
	instance  types.OrchestrationInstance
	committed []*Event
	pending   []*Event
}

func NewRuntimeState(instance types.OrchestrationInstance) *RuntimeState {
	return &RuntimeState{instance: instance}
}

// NewRuntimeStateFromHistory rebuilds a state from already committed
// events.
func NewRuntimeStateFromHistory(instance types.OrchestrationInstance, committed []*Event) *RuntimeState {
	return &RuntimeState{instance: instance, committed: committed}
}

func (s *RuntimeState) Instance() types.OrchestrationInstance { return s.instance }

func (s *RuntimeState) Committed() []*Event { return s.committed }

func (s *RuntimeState) Pending() []*Event { return s.pending }

// Events returns committed then pending events.
func (s *RuntimeState) Events() []*Event {
	all := make([]*Event, 0, len(s.committed)+len(s.pending))
	all = append(all, s.committed...)
	return append(all, s.pending...)
}

func (s *RuntimeState) IsEmpty() bool {
	return len(s.committed) == 0 && len(s.pending) == 0
}

// AppendEvent adds e to the pending batch. The event id is its position in
// the execution log.
func (s *RuntimeState) AppendEvent(e *Event) {
	e.EventID = int64(len(s.committed) + len(s.pending))
	s.pending = append(s.pending, e)
}

// Commit moves the pending batch into history. When the batch continues the
// orchestration as new, the returned state is the successor execution: same
// instance id, new execution id, and a pending batch holding its
// ExecutionStarted and any carried raised events. Otherwise it returns nil.
func (s *RuntimeState) Commit() *RuntimeState {
	var continued *Event
	for _, e := range s.pending {
		if e.ContinuedAsNew != nil {
			continued = e
		}
	}
	s.committed = append(s.committed, s.pending...)
	s.pending = nil

	if continued == nil {
		return nil
	}
	return s.successorOf(continued)
}

// Successor rebuilds the execution that replaces a committed continue-as-new,
// under a fresh execution id. It returns nil for any other execution.
func (s *RuntimeState) Successor() *RuntimeState {
	var continued *Event
	for _, e := range s.committed {
		if e.ContinuedAsNew != nil {
			continued = e
		}
	}
	if continued == nil {
		return nil
	}
	return s.successorOf(continued)
}

func (s *RuntimeState) successorOf(continued *Event) *RuntimeState {
	started := s.startedEvent()
	successor := NewRuntimeState(types.OrchestrationInstance{
		InstanceID:  s.instance.InstanceID,
		ExecutionID: uuid.NewString(),
	})

	attrs := &ExecutionStartedEvent{Input: continued.ContinuedAsNew.Input, ContinuedFrom: s.instance.ExecutionID}
	if started != nil {
		attrs.Name = started.Name
		attrs.Version = started.Version
		attrs.Parent = started.Parent
	}
	successor.AppendEvent(&Event{Timestamp: continued.Timestamp, ExecutionStarted: attrs})

	if continued.ContinuedAsNew.CarryOver == CarryOverKeep {
		for _, carried := range continued.ContinuedAsNew.Carried {
			if carried.EventRaised == nil {
				continue
			}
			successor.AppendEvent(&Event{
				Timestamp:   carried.Timestamp,
				EventRaised: &EventRaisedEvent{Name: carried.EventRaised.Name, Input: carried.EventRaised.Input},
			})
		}
	}
	return successor
}

// Status derives the execution status from committed history.
func (s *RuntimeState) Status() types.OrchestrationStatus {
	started := false
	suspended := false
	for _, e := range s.committed {
		switch e.Type() {
		case EventExecutionCompleted:
			return e.ExecutionCompleted.Status
		case EventExecutionTerminated:
			return types.StatusTerminated
		case EventContinuedAsNew:
			return types.StatusContinuedAsNew
		case EventOrchestratorStarted:
			started = true
		case EventExecutionSuspended:
			suspended = true
		case EventExecutionResumed:
			suspended = false
		}
	}
	if suspended {
		return types.StatusSuspended
	}
	if !started {
		return types.StatusPending
	}
	return types.StatusRunning
}

func (s *RuntimeState) startedEvent() *ExecutionStartedEvent {
	for _, e := range s.Events() {
		if e.ExecutionStarted != nil {
			return e.ExecutionStarted
		}
	}
	return nil
}

func (s *RuntimeState) Name() string {
	if started := s.startedEvent(); started != nil {
		return started.Name
	}
	return ""
}

func (s *RuntimeState) Version() string {
	if started := s.startedEvent(); started != nil {
		return started.Version
	}
	return ""
}

func (s *RuntimeState) Input() []byte {
	if started := s.startedEvent(); started != nil {
		return started.Input
	}
	return nil
}

func (s *RuntimeState) Parent() *ParentInstance {
	if started := s.startedEvent(); started != nil {
		return started.Parent
	}
	return nil
}

func (s *RuntimeState) completion() *Event {
	for _, e := range s.committed {
		if e.ExecutionCompleted != nil || e.ExecutionTerminated != nil || e.ContinuedAsNew != nil {
			return e
		}
	}
	return nil
}

func (s *RuntimeState) Output() []byte {
	if e := s.completion(); e != nil && e.ExecutionCompleted != nil {
		return e.ExecutionCompleted.Result
	}
	return nil
}

func (s *RuntimeState) Failure() *FailureDetails {
	e := s.completion()
	switch {
	case e == nil:
		return nil
	case e.ExecutionCompleted != nil:
		return e.ExecutionCompleted.Failure
	case e.ExecutionTerminated != nil:
		return &FailureDetails{ErrorType: "Terminated", Message: e.ExecutionTerminated.Reason}
	}
	return nil
}

func (s *RuntimeState) CreatedAt() time.Time {
	if len(s.committed) == 0 {
		return time.Time{}
	}
	return s.committed[0].Timestamp
}

func (s *RuntimeState) LastUpdatedAt() time.Time {
	if len(s.committed) == 0 {
		return time.Time{}
	}
	return s.committed[len(s.committed)-1].Timestamp
}

// HasEvent reports whether an equivalent completion or start was already
// recorded, which makes redelivered messages harmless.
func (s *RuntimeState) HasEvent(e *Event) bool {
	if id, ok := e.ScheduledID(); ok {
		for _, existing := range s.Events() {
			if other, ok := existing.ScheduledID(); ok && other == id && existing.Type() == e.Type() {
				return true
			}
		}
		return false
	}
	if e.ExecutionStarted != nil {
		return s.startedEvent() != nil
	}
	return false
}

func (s *RuntimeState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", s.instance, s.Status())
	for _, e := range s.committed {
		fmt.Fprintf(&b, "\n  %d %s", e.EventID, e.Type())
	}
	return b.String()
}

type runtimeStateJSON struct {
	Instance types.OrchestrationInstance `json:"instance"`
	Events   []*Event                    `json:"events"`
	Pending  []*Event                    `json:"pending,omitempty"`
}

func (s *RuntimeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(runtimeStateJSON{Instance: s.instance, Events: s.committed, Pending: s.pending})
}

func (s *RuntimeState) UnmarshalJSON(data []byte) error {
	var raw runtimeStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.instance = raw.Instance
	s.committed = raw.Events
	s.pending = raw.Pending
	return nil
}
