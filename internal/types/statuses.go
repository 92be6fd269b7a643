package types

import "fmt"

type OrchestrationStatus string

const (
	StatusPending        OrchestrationStatus = "Pending"
	StatusRunning        OrchestrationStatus = "Running"
	StatusCompleted      OrchestrationStatus = "Completed"
	StatusFailed         OrchestrationStatus = "Failed"
	StatusContinuedAsNew OrchestrationStatus = "ContinuedAsNew"
	StatusTerminated     OrchestrationStatus = "Terminated"
	StatusSuspended      OrchestrationStatus = "Suspended"
)

func OrchestrationStatusValues() []OrchestrationStatus {
	return []OrchestrationStatus{
		StatusPending,
		StatusRunning,
		StatusCompleted,
		StatusFailed,
		StatusContinuedAsNew,
		StatusTerminated,
		StatusSuspended,
	}
}

// IsTerminal is true once the execution will never process another event.
func (s OrchestrationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusContinuedAsNew, StatusTerminated:
		return true
	}
	return false
}

func ParseOrchestrationStatus(s string) (OrchestrationStatus, error) {
	for _, v := range OrchestrationStatusValues() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown orchestration status %q", s)
}

// ContainsStatus is used for dedupe filters.
func ContainsStatus(list []OrchestrationStatus, s OrchestrationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
