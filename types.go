package durable

import (
	"github.com/davidroman0O/durable/internal/clock"
	"github.com/davidroman0O/durable/internal/entity"
	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/logs"
	"github.com/davidroman0O/durable/internal/session"
	"github.com/davidroman0O/durable/internal/types"
)

type (
	Orchestrator          = history.Orchestrator
	OrchestrationContext  = history.OrchestrationContext
	Task                  = history.Task
	FailureDetails        = history.FailureDetails
	Event                 = history.Event
	TaskMessage           = history.TaskMessage
	CarryOverPolicy       = history.CarryOverPolicy
	Entity                = entity.Entity
	EntityContext         = entity.Context
	EntityID              = types.EntityID
	OrchestrationInstance = types.OrchestrationInstance
	OrchestrationStatus   = types.OrchestrationStatus
)

const (
	StatusPending        = types.StatusPending
	StatusRunning        = types.StatusRunning
	StatusCompleted      = types.StatusCompleted
	StatusFailed         = types.StatusFailed
	StatusContinuedAsNew = types.StatusContinuedAsNew
	StatusTerminated     = types.StatusTerminated
	StatusSuspended      = types.StatusSuspended

	CarryOverKeep    = history.CarryOverKeep
	CarryOverDiscard = history.CarryOverDiscard
)

// ErrBlocked must be returned unchanged by orchestrators when Await blocks.
var ErrBlocked = history.ErrBlocked

func NewEntityID(name, key string) EntityID { return types.NewEntityID(name, key) }

func WithCarryOver(policy CarryOverPolicy) history.ContinueAsNewOption {
	return history.WithCarryOver(policy)
}

type (
	Logger      = logs.Logger
	Clock       = clock.Clock
	LockingMode = session.LockingMode
)

const (
	LockingCoarse  = session.LockingCoarse
	LockingSharded = session.LockingSharded
)

// NewDefaultLogger builds the stdout logger from a level ("debug", "info",
// "warn", "error") and a format ("text" or "json").
func NewDefaultLogger(level, format string) Logger {
	return logs.NewDefaultLogger(logs.ParseLevel(level), logs.Format(format))
}

// Error codes carried by engine errors and FailureDetails.ErrorType.
const (
	CodeValidation     = faults.CodeValidation
	CodeAlreadyExists  = faults.CodeAlreadyExists
	CodeConflict       = faults.CodeConflict
	CodeTransient      = faults.CodeTransient
	CodeNonDeterminism = faults.CodeNonDeterminism
	CodeTimeout        = faults.CodeTimeout
	CodeNotFound       = faults.CodeNotFound
	CodeTerminated     = faults.CodeTerminated
)

// ErrorCode returns the code of the first coded error in the chain of err.
func ErrorCode(err error) string { return faults.Code(err) }

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code string) bool { return faults.Is(err, code) }

// Transient marks an activity error as retryable. The activity is delivered
// again until ActivityAttempts is reached.
func Transient(message string, cause error) error { return faults.Transient(message, cause) }
