package types

import "time"

// RequestMessage is an operation, signal or lock request addressed to an
// entity.
type RequestMessage struct {
	ID                string `json:"id"`
	ParentInstanceID  string `json:"parentInstanceId,omitempty"`
	ParentExecutionID string `json:"parentExecutionId,omitempty"`
	Operation         string `json:"operation,omitempty"`
	Input             []byte `json:"input,omitempty"`
	IsSignal          bool   `json:"isSignal,omitempty"`
	IsLockRequest     bool   `json:"isLockRequest,omitempty"`
	// LockSet is sorted and deduplicated; the request travels it in order.
	LockSet []EntityID `json:"lockSet,omitempty"`
	// Position > 0 marks a forwarded lock request, which is never sorted.
	Position int `json:"position,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	// Predecessor is the timestamp of the previous message from the same
	// sender to the same destination. Zero means none.
	Predecessor time.Time `json:"predecessor"`
}

// ReleaseMessage unlocks an entity held by ParentInstanceID.
type ReleaseMessage struct {
	ParentInstanceID string `json:"parentInstanceId"`
	ID               string `json:"id"`
}

// ResponseMessage is what an entity sends back to a calling orchestration,
// carried as a raised event named after the request ID.
type ResponseMessage struct {
	RequestID    string `json:"requestId"`
	Result       []byte `json:"result,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// LockAcquired marks the grant of a lock request.
	LockAcquired bool `json:"lockAcquired,omitempty"`
}

func (r *ResponseMessage) IsError() bool { return r.ErrorMessage != "" }
