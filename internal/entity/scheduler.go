package entity

import (
	"github.com/davidroman0O/durable/internal/sorter"
	"github.com/davidroman0O/durable/internal/types"
)

// SchedulerState is everything persisted for one entity.
type SchedulerState struct {
	// EntityState is nil when the entity does not exist.
	EntityState []byte `json:"state"`
	// Queue is nil, never empty, when nothing is waiting.
	Queue         []*types.RequestMessage `json:"queue,omitempty"`
	LockedBy      string                  `json:"lockedBy,omitempty"`
	Suspended     bool                    `json:"suspended,omitempty"`
	MessageSorter sorter.MessageSorter    `json:"sorter"`
}

// IsEmpty is true when there is no state, nothing queued and no lock.
func (s *SchedulerState) IsEmpty() bool {
	return s.EntityState == nil && s.Queue == nil && s.LockedBy == ""
}

// Disposable additionally requires the sorter to hold nothing, so that
// deleting the record loses no ordering information.
func (s *SchedulerState) Disposable() bool {
	return s.IsEmpty() && !s.Suspended && s.MessageSorter.IsEmpty()
}

func (s *SchedulerState) Enqueue(msg *types.RequestMessage) {
	s.Queue = append(s.Queue, msg)
}

// PutBack puts the requests still queued in a superseded state in front of
// the ones already queued here.
func (s *SchedulerState) PutBack(superseded []*types.RequestMessage) {
	if len(superseded) == 0 {
		return
	}
	merged := make([]*types.RequestMessage, 0, len(superseded)+len(s.Queue))
	merged = append(merged, superseded...)
	merged = append(merged, s.Queue...)
	s.Queue = merged
}

// MayDequeue lets the lock holder's requests through, in their own order,
// and blocks everyone else while the lock is held.
func (s *SchedulerState) MayDequeue() bool {
	if len(s.Queue) == 0 {
		return false
	}
	return s.LockedBy == "" || s.LockedBy == s.Queue[0].ParentInstanceID
}

// PromoteHolder moves the lock holder's requests ahead of the other
// waiters, keeping the relative order on both sides.
func (s *SchedulerState) PromoteHolder() {
	if s.LockedBy == "" || len(s.Queue) < 2 {
		return
	}
	holder := make([]*types.RequestMessage, 0, len(s.Queue))
	var others []*types.RequestMessage
	for _, msg := range s.Queue {
		if msg.ParentInstanceID == s.LockedBy {
			holder = append(holder, msg)
		} else {
			others = append(others, msg)
		}
	}
	s.Queue = append(holder, others...)
}

func (s *SchedulerState) Dequeue() *types.RequestMessage {
	if len(s.Queue) == 0 {
		return nil
	}
	head := s.Queue[0]
	s.Queue[0] = nil
	s.Queue = s.Queue[1:]
	if len(s.Queue) == 0 {
		s.Queue = nil
	}
	return head
}

// Release clears the lock if it is held by instanceID. It returns false for
// unmatched and duplicate releases, which are ignored.
func (s *SchedulerState) Release(msg *types.ReleaseMessage) bool {
	if s.LockedBy == "" || s.LockedBy != msg.ParentInstanceID {
		return false
	}
	s.LockedBy = ""
	return true
}
