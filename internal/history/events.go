package history

import (
	"time"

	"github.com/davidroman0O/durable/internal/types"
)

type EventType string

const (
	EventExecutionStarted          EventType = "ExecutionStarted"
	EventExecutionCompleted        EventType = "ExecutionCompleted"
	EventExecutionTerminated       EventType = "ExecutionTerminated"
	EventExecutionSuspended        EventType = "ExecutionSuspended"
	EventExecutionResumed          EventType = "ExecutionResumed"
	EventContinuedAsNew            EventType = "ContinuedAsNew"
	EventOrchestratorStarted       EventType = "OrchestratorStarted"
	EventOrchestratorCompleted     EventType = "OrchestratorCompleted"
	EventTaskScheduled             EventType = "TaskScheduled"
	EventTaskCompleted             EventType = "TaskCompleted"
	EventTaskFailed                EventType = "TaskFailed"
	EventSubOrchestrationCreated   EventType = "SubOrchestrationCreated"
	EventSubOrchestrationCompleted EventType = "SubOrchestrationCompleted"
	EventSubOrchestrationFailed    EventType = "SubOrchestrationFailed"
	EventTimerCreated              EventType = "TimerCreated"
	EventTimerFired                EventType = "TimerFired"
	EventEventRaised               EventType = "EventRaised"
	EventEventSent                 EventType = "EventSent"
	EventUnknown                   EventType = "Unknown"
)

// CarryOverPolicy decides what happens to raised events nobody waited for
// when an orchestration continues as new.
type CarryOverPolicy string

const (
	CarryOverKeep    CarryOverPolicy = "keep"
	CarryOverDiscard CarryOverPolicy = "discard"
)

type FailureDetails struct {
	ErrorType string `json:"errorType,omitempty"`
	Message   string `json:"message"`
}

func (f *FailureDetails) Error() string { return f.Message }

// ParentInstance is set on sub-orchestrations.
type ParentInstance struct {
	Name            string                      `json:"name"`
	Instance        types.OrchestrationInstance `json:"instance"`
	TaskScheduledID int64                       `json:"taskScheduledId"`
}

type ExecutionStartedEvent struct {
	Name    string          `json:"name"`
	Version string          `json:"version,omitempty"`
	Input   []byte          `json:"input,omitempty"`
	Parent  *ParentInstance `json:"parent,omitempty"`
	// ContinuedFrom holds the previous execution when continued as new.
	ContinuedFrom string `json:"continuedFrom,omitempty"`
}

type ExecutionCompletedEvent struct {
	Status  types.OrchestrationStatus `json:"status"`
	Result  []byte                    `json:"result,omitempty"`
	Failure *FailureDetails           `json:"failure,omitempty"`
}

type ExecutionTerminatedEvent struct {
	Reason string `json:"reason,omitempty"`
}

type ExecutionSuspendedEvent struct {
	Reason string `json:"reason,omitempty"`
}

type ExecutionResumedEvent struct {
	Reason string `json:"reason,omitempty"`
}

type ContinuedAsNewEvent struct {
	Input     []byte          `json:"input,omitempty"`
	CarryOver CarryOverPolicy `json:"carryOver"`
	// Carried are the raised events nobody consumed, kept for the next
	// execution when CarryOver is CarryOverKeep.
	Carried []*Event `json:"carried,omitempty"`
}

type OrchestratorStartedEvent struct{}

type OrchestratorCompletedEvent struct{}

type TaskScheduledEvent struct {
	Name  string `json:"name"`
	Input []byte `json:"input,omitempty"`
}

type TaskCompletedEvent struct {
	TaskScheduledID int64  `json:"taskScheduledId"`
	Result          []byte `json:"result,omitempty"`
}

type TaskFailedEvent struct {
	TaskScheduledID int64           `json:"taskScheduledId"`
	Failure         *FailureDetails `json:"failure"`
}

type SubOrchestrationCreatedEvent struct {
	Name       string `json:"name"`
	InstanceID string `json:"instanceId"`
	Input      []byte `json:"input,omitempty"`
}

type SubOrchestrationCompletedEvent struct {
	TaskScheduledID int64  `json:"taskScheduledId"`
	Result          []byte `json:"result,omitempty"`
}

type SubOrchestrationFailedEvent struct {
	TaskScheduledID int64           `json:"taskScheduledId"`
	Failure         *FailureDetails `json:"failure"`
}

type TimerCreatedEvent struct {
	FireAt time.Time `json:"fireAt"`
}

type TimerFiredEvent struct {
	TimerID int64     `json:"timerId"`
	FireAt  time.Time `json:"fireAt"`
}

type EventRaisedEvent struct {
	Name  string `json:"name"`
	Input []byte `json:"input,omitempty"`
}

// EventSentEvent records an outgoing message: a raised event for another
// instance, or a request/release for an entity (Target is then an entity
// key and Input the JSON encoded message).
type EventSentEvent struct {
	Target string `json:"target"`
	Name   string `json:"name"`
	Input  []byte `json:"input,omitempty"`
}

// Event is a tagged variant: exactly one attribute pointer is set.
type Event struct {
	EventID   int64     `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`

	ExecutionStarted          *ExecutionStartedEvent          `json:"executionStarted,omitempty"`
	ExecutionCompleted        *ExecutionCompletedEvent        `json:"executionCompleted,omitempty"`
	ExecutionTerminated       *ExecutionTerminatedEvent       `json:"executionTerminated,omitempty"`
	ExecutionSuspended        *ExecutionSuspendedEvent        `json:"executionSuspended,omitempty"`
	ExecutionResumed          *ExecutionResumedEvent          `json:"executionResumed,omitempty"`
	ContinuedAsNew            *ContinuedAsNewEvent            `json:"continuedAsNew,omitempty"`
	OrchestratorStarted       *OrchestratorStartedEvent       `json:"orchestratorStarted,omitempty"`
	OrchestratorCompleted     *OrchestratorCompletedEvent     `json:"orchestratorCompleted,omitempty"`
	TaskScheduled             *TaskScheduledEvent             `json:"taskScheduled,omitempty"`
	TaskCompleted             *TaskCompletedEvent             `json:"taskCompleted,omitempty"`
	TaskFailed                *TaskFailedEvent                `json:"taskFailed,omitempty"`
	SubOrchestrationCreated   *SubOrchestrationCreatedEvent   `json:"subOrchestrationCreated,omitempty"`
	SubOrchestrationCompleted *SubOrchestrationCompletedEvent `json:"subOrchestrationCompleted,omitempty"`
	SubOrchestrationFailed    *SubOrchestrationFailedEvent    `json:"subOrchestrationFailed,omitempty"`
	TimerCreated              *TimerCreatedEvent              `json:"timerCreated,omitempty"`
	TimerFired                *TimerFiredEvent                `json:"timerFired,omitempty"`
	EventRaised               *EventRaisedEvent               `json:"eventRaised,omitempty"`
	EventSent                 *EventSentEvent                 `json:"eventSent,omitempty"`
}

func (e *Event) Type() EventType {
	switch {
	case e.ExecutionStarted != nil:
		return EventExecutionStarted
	case e.ExecutionCompleted != nil:
		return EventExecutionCompleted
	case e.ExecutionTerminated != nil:
		return EventExecutionTerminated
	case e.ExecutionSuspended != nil:
		return EventExecutionSuspended
	case e.ExecutionResumed != nil:
		return EventExecutionResumed
	case e.ContinuedAsNew != nil:
		return EventContinuedAsNew
	case e.OrchestratorStarted != nil:
		return EventOrchestratorStarted
	case e.OrchestratorCompleted != nil:
		return EventOrchestratorCompleted
	case e.TaskScheduled != nil:
		return EventTaskScheduled
	case e.TaskCompleted != nil:
		return EventTaskCompleted
	case e.TaskFailed != nil:
		return EventTaskFailed
	case e.SubOrchestrationCreated != nil:
		return EventSubOrchestrationCreated
	case e.SubOrchestrationCompleted != nil:
		return EventSubOrchestrationCompleted
	case e.SubOrchestrationFailed != nil:
		return EventSubOrchestrationFailed
	case e.TimerCreated != nil:
		return EventTimerCreated
	case e.TimerFired != nil:
		return EventTimerFired
	case e.EventRaised != nil:
		return EventEventRaised
	case e.EventSent != nil:
		return EventEventSent
	}
	return EventUnknown
}

// IsScheduling is true for the events produced by orchestrator code, which
// replay matches positionally.
func (e *Event) IsScheduling() bool {
	switch e.Type() {
	case EventTaskScheduled, EventSubOrchestrationCreated, EventTimerCreated, EventEventSent:
		return true
	}
	return false
}

// ScheduledID returns the id of the scheduling event a completion refers
// to.
func (e *Event) ScheduledID() (int64, bool) {
	switch {
	case e.TaskCompleted != nil:
		return e.TaskCompleted.TaskScheduledID, true
	case e.TaskFailed != nil:
		return e.TaskFailed.TaskScheduledID, true
	case e.SubOrchestrationCompleted != nil:
		return e.SubOrchestrationCompleted.TaskScheduledID, true
	case e.SubOrchestrationFailed != nil:
		return e.SubOrchestrationFailed.TaskScheduledID, true
	case e.TimerFired != nil:
		return e.TimerFired.TimerID, true
	}
	return 0, false
}

func NewExecutionStartedEvent(name, version string, input []byte, parent *ParentInstance, ts time.Time) *Event {
	return &Event{Timestamp: ts, ExecutionStarted: &ExecutionStartedEvent{Name: name, Version: version, Input: input, Parent: parent}}
}

func NewOrchestratorStartedEvent(ts time.Time) *Event {
	return &Event{Timestamp: ts, OrchestratorStarted: &OrchestratorStartedEvent{}}
}

func NewOrchestratorCompletedEvent(ts time.Time) *Event {
	return &Event{Timestamp: ts, OrchestratorCompleted: &OrchestratorCompletedEvent{}}
}

func NewEventRaisedEvent(name string, input []byte, ts time.Time) *Event {
	return &Event{Timestamp: ts, EventRaised: &EventRaisedEvent{Name: name, Input: input}}
}

func NewTaskCompletedEvent(scheduledID int64, result []byte, ts time.Time) *Event {
	return &Event{Timestamp: ts, TaskCompleted: &TaskCompletedEvent{TaskScheduledID: scheduledID, Result: result}}
}

func NewTaskFailedEvent(scheduledID int64, failure *FailureDetails, ts time.Time) *Event {
	return &Event{Timestamp: ts, TaskFailed: &TaskFailedEvent{TaskScheduledID: scheduledID, Failure: failure}}
}

func NewSubOrchestrationCompletedEvent(scheduledID int64, result []byte, ts time.Time) *Event {
	return &Event{Timestamp: ts, SubOrchestrationCompleted: &SubOrchestrationCompletedEvent{TaskScheduledID: scheduledID, Result: result}}
}

func NewSubOrchestrationFailedEvent(scheduledID int64, failure *FailureDetails, ts time.Time) *Event {
	return &Event{Timestamp: ts, SubOrchestrationFailed: &SubOrchestrationFailedEvent{TaskScheduledID: scheduledID, Failure: failure}}
}

func NewTimerFiredEvent(timerID int64, fireAt time.Time, ts time.Time) *Event {
	return &Event{Timestamp: ts, TimerFired: &TimerFiredEvent{TimerID: timerID, FireAt: fireAt}}
}

func NewExecutionTerminatedEvent(reason string, ts time.Time) *Event {
	return &Event{Timestamp: ts, ExecutionTerminated: &ExecutionTerminatedEvent{Reason: reason}}
}

func NewExecutionSuspendedEvent(reason string, ts time.Time) *Event {
	return &Event{Timestamp: ts, ExecutionSuspended: &ExecutionSuspendedEvent{Reason: reason}}
}

func NewExecutionResumedEvent(reason string, ts time.Time) *Event {
	return &Event{Timestamp: ts, ExecutionResumed: &ExecutionResumedEvent{Reason: reason}}
}

// TaskMessage routes one event to an orchestration instance. An empty
// ExecutionID targets whatever execution is current.
type TaskMessage struct {
	Instance types.OrchestrationInstance `json:"instance"`
	Event    *Event                      `json:"event"`
}
