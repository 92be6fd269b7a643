package history

import (
	"encoding/json"
	"strings"

	"github.com/davidroman0O/durable/internal/types"
)

// LockSet returns the entities named by the lock request requestID, or nil
// when the execution never sent it.
func (s *RuntimeState) LockSet(requestID string) []types.EntityID {
	for _, e := range s.Events() {
		if req := lockRequestOf(e); req != nil && strings.EqualFold(req.ID, requestID) {
			return req.LockSet
		}
	}
	return nil
}

// HeldLocks returns the lock request id and the entities of the critical
// section that was granted and never released.
func (s *RuntimeState) HeldLocks() (string, []types.EntityID) {
	requests := map[string][]types.EntityID{}
	var (
		heldID string
		held   []types.EntityID
	)
	for _, e := range s.Events() {
		if req := lockRequestOf(e); req != nil {
			requests[strings.ToLower(req.ID)] = req.LockSet
			continue
		}
		if e.EventSent != nil && e.EventSent.Name == EntityRelease {
			heldID, held = "", nil
			continue
		}
		if e.EventRaised == nil {
			continue
		}
		set, ok := requests[strings.ToLower(e.EventRaised.Name)]
		if !ok {
			continue
		}
		var response types.ResponseMessage
		if err := json.Unmarshal(e.EventRaised.Input, &response); err == nil && response.LockAcquired {
			heldID, held = response.RequestID, set
		}
	}
	return heldID, held
}

func lockRequestOf(e *Event) *types.RequestMessage {
	if req := entityRequestOf(e); req != nil && req.IsLockRequest {
		return req
	}
	return nil
}

func entityRequestOf(e *Event) *types.RequestMessage {
	if e.EventSent == nil || e.EventSent.Name != EntityRequest {
		return nil
	}
	var req types.RequestMessage
	if err := json.Unmarshal(e.EventSent.Input, &req); err != nil {
		return nil
	}
	return &req
}

// Outstanding returns the committed scheduling events still waiting for a
// result: activities, sub-orchestrations, timers, and entity calls and lock
// requests without a response. Signals, releases and events sent to other
// instances expect nothing back and are never outstanding.
func (s *RuntimeState) Outstanding() []*Event {
	completed := map[int64]bool{}
	answered := map[string]bool{}
	for _, e := range s.committed {
		if id, ok := e.ScheduledID(); ok {
			completed[id] = true
		}
		if e.EventRaised != nil {
			answered[strings.ToLower(e.EventRaised.Name)] = true
		}
	}

	var outstanding []*Event
	for _, e := range s.committed {
		switch {
		case e.TaskScheduled != nil, e.SubOrchestrationCreated != nil, e.TimerCreated != nil:
			if !completed[e.EventID] {
				outstanding = append(outstanding, e)
			}
		case e.EventSent != nil:
			if req := entityRequestOf(e); req != nil && !req.IsSignal && !answered[strings.ToLower(req.ID)] {
				outstanding = append(outstanding, e)
			}
		}
	}
	return outstanding
}

// IsLockGrant reports whether e is the response granting a lock.
func IsLockGrant(e *Event) (string, bool) {
	if e.EventRaised == nil {
		return "", false
	}
	var response types.ResponseMessage
	if err := json.Unmarshal(e.EventRaised.Input, &response); err != nil || !response.LockAcquired {
		return "", false
	}
	return response.RequestID, true
}
