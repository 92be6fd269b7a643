// Package sorter restores causal order between one sender and one
// destination on top of a transport that only promises at-least-once
// delivery. Ordering is only guaranteed inside a sliding reorder window.
package sorter

import (
	"sort"
	"time"

	"github.com/davidroman0O/durable/internal/types"
)

// MinCollectionInterval bounds how often horizons are advanced and stale
// bookkeeping is dropped.
const MinCollectionInterval = 10 * time.Second

// tick is the smallest timestamp increment.
const tick = time.Nanosecond

type MessageSorter struct {
	LastSentToInstance   map[string]time.Time      `json:"lastSentToInstance,omitempty"`
	ReceivedFromInstance map[string]*ReceiveBuffer `json:"receivedFromInstance,omitempty"`
	ReceiveHorizon       time.Time                 `json:"receiveHorizon"`
	SendHorizon          time.Time                 `json:"sendHorizon"`
}

// ReceiveBuffer tracks one sender. A zero Last means the next message is
// treated as the first one.
type ReceiveBuffer struct {
	Last        time.Time `json:"last"`
	ExecutionID string    `json:"executionId,omitempty"`
	// Buffered is ordered by Timestamp, timestamps are unique.
	Buffered []*types.RequestMessage `json:"buffered,omitempty"`
}

func (b *ReceiveBuffer) isEmpty() bool {
	return b.Last.IsZero() && len(b.Buffered) == 0
}

// IsEmpty reports whether the sorter holds no state worth persisting.
func (s *MessageSorter) IsEmpty() bool {
	return len(s.LastSentToInstance) == 0 && len(s.ReceivedFromInstance) == 0
}

// LabelOutgoingMessage stamps msg with a timestamp strictly greater than any
// previous one sent to destination, and links it to that previous one.
func (s *MessageSorter) LabelOutgoingMessage(msg *types.RequestMessage, destination string, now time.Time, reorderWindow time.Duration) {
	if reorderWindow <= 0 {
		return
	}

	if s.SendHorizon.Add(reorderWindow + MinCollectionInterval).Before(now) {
		s.SendHorizon = now.Add(-reorderWindow)
		for dest, last := range s.LastSentToInstance {
			if last.Before(s.SendHorizon) {
				delete(s.LastSentToInstance, dest)
			}
		}
	}

	if s.LastSentToInstance == nil {
		s.LastSentToInstance = make(map[string]time.Time)
	}

	timestamp := now
	last, found := s.LastSentToInstance[destination]
	if found && !timestamp.After(last) {
		timestamp = last.Add(tick)
	}
	// a purged destination had its last timestamp below the horizon
	if timestamp.Before(s.SendHorizon) {
		timestamp = s.SendHorizon
	}

	msg.Timestamp = timestamp
	if found {
		msg.Predecessor = last
	} else {
		msg.Predecessor = time.Time{}
	}
	s.LastSentToInstance[destination] = timestamp
}

// ReceiveInOrder accepts one incoming message and returns every message,
// possibly including earlier buffered ones, that can now be delivered, in
// delivery order. Duplicates yield nothing.
func (s *MessageSorter) ReceiveInOrder(msg *types.RequestMessage, reorderWindow time.Duration) []*types.RequestMessage {
	if reorderWindow <= 0 || msg.ParentInstanceID == "" || msg.Position > 0 {
		return []*types.RequestMessage{msg}
	}

	var delivered []*types.RequestMessage

	// flush before classifying the incoming message
	if s.ReceiveHorizon.Add(reorderWindow + MinCollectionInterval).Before(msg.Timestamp) {
		s.ReceiveHorizon = msg.Timestamp.Add(-reorderWindow)

		senders := make([]string, 0, len(s.ReceivedFromInstance))
		for sender := range s.ReceivedFromInstance {
			senders = append(senders, sender)
		}
		sort.Strings(senders)

		for _, sender := range senders {
			buffer := s.ReceivedFromInstance[sender]
			if buffer.Last.Before(s.ReceiveHorizon) {
				buffer.Last = time.Time{}
			}
			delivered = s.drain(buffer, delivered)
			if buffer.isEmpty() {
				delete(s.ReceivedFromInstance, sender)
			}
		}
		if len(s.ReceivedFromInstance) == 0 {
			s.ReceivedFromInstance = nil
		}
	}

	if msg.Timestamp.Before(s.ReceiveHorizon) {
		return append(delivered, msg)
	}

	if s.ReceivedFromInstance == nil {
		s.ReceivedFromInstance = make(map[string]*ReceiveBuffer)
	}
	buffer, ok := s.ReceivedFromInstance[msg.ParentInstanceID]
	if !ok {
		buffer = &ReceiveBuffer{ExecutionID: msg.ParentExecutionID}
		s.ReceivedFromInstance[msg.ParentInstanceID] = buffer
	}

	if buffer.ExecutionID != msg.ParentExecutionID {
		// the sender was replaced, its ordering promises are void
		delivered = append(delivered, buffer.Buffered...)
		buffer.Buffered = nil
		buffer.Last = time.Time{}
		buffer.ExecutionID = msg.ParentExecutionID
	}

	if !msg.Timestamp.After(buffer.Last) {
		s.release(msg.ParentInstanceID, buffer)
		return delivered
	}

	if !s.satisfied(buffer, msg.Predecessor) {
		buffer.insert(msg)
		return delivered
	}

	delivered = append(delivered, msg)
	s.advance(buffer, msg.Timestamp)
	delivered = s.drain(buffer, delivered)
	s.release(msg.ParentInstanceID, buffer)

	return delivered
}

// satisfied is true when the predecessor was delivered already or fell out
// of the window. A predecessor exactly on the horizon counts as satisfied.
func (s *MessageSorter) satisfied(buffer *ReceiveBuffer, predecessor time.Time) bool {
	return !predecessor.After(buffer.Last) || !predecessor.After(s.ReceiveHorizon)
}

func (s *MessageSorter) advance(buffer *ReceiveBuffer, delivered time.Time) {
	if delivered.Before(s.ReceiveHorizon) {
		buffer.Last = time.Time{}
		return
	}
	buffer.Last = delivered
}

func (s *MessageSorter) drain(buffer *ReceiveBuffer, out []*types.RequestMessage) []*types.RequestMessage {
	for len(buffer.Buffered) > 0 {
		next := buffer.Buffered[0]
		if !s.satisfied(buffer, next.Predecessor) {
			break
		}
		buffer.Buffered[0] = nil
		buffer.Buffered = buffer.Buffered[1:]
		out = append(out, next)
		s.advance(buffer, next.Timestamp)
	}
	if len(buffer.Buffered) == 0 {
		buffer.Buffered = nil
	}
	return out
}

func (s *MessageSorter) release(sender string, buffer *ReceiveBuffer) {
	if !buffer.isEmpty() {
		return
	}
	delete(s.ReceivedFromInstance, sender)
	if len(s.ReceivedFromInstance) == 0 {
		s.ReceivedFromInstance = nil
	}
}

// insert keeps Buffered ordered; a second copy of a buffered timestamp is
// a duplicate and is dropped.
func (b *ReceiveBuffer) insert(msg *types.RequestMessage) {
	idx := sort.Search(len(b.Buffered), func(i int) bool {
		return !b.Buffered[i].Timestamp.Before(msg.Timestamp)
	})
	if idx < len(b.Buffered) && b.Buffered[idx].Timestamp.Equal(msg.Timestamp) {
		return
	}
	b.Buffered = append(b.Buffered, nil)
	copy(b.Buffered[idx+1:], b.Buffered[idx:])
	b.Buffered[idx] = msg
}
