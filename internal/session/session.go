package session

import (
	"time"

	"github.com/qmuntal/stateless"
)

const (
	stateIdle   = "idle"
	stateReady  = "ready"
	stateLeased = "leased"

	triggerEnqueue      = "enqueue"
	triggerLease        = "lease"
	triggerReleaseReady = "release-ready"
	triggerReleaseIdle  = "release-idle"
	triggerExpire       = "expire"
)

type envelope[M any] struct {
	msg       M
	visibleAt time.Time
}

// session is the in-memory side of one key: its undelivered messages and
// the lease over the batch in flight.
type session[M any] struct {
	key      string
	fsm      *stateless.StateMachine
	pending  []envelope[M]
	inflight []envelope[M]
	queued   bool

	token         uint64
	lockedUntil   time.Time
	deliveryCount int
	notBefore     time.Time
}

func newSession[M any](key string) *session[M] {
	s := &session[M]{key: key}

	fsm := stateless.NewStateMachine(stateIdle)
	fsm.Configure(stateIdle).
		Permit(triggerEnqueue, stateReady)
	fsm.Configure(stateReady).
		Ignore(triggerEnqueue).
		Permit(triggerLease, stateLeased)
	fsm.Configure(stateLeased).
		Ignore(triggerEnqueue).
		Permit(triggerReleaseReady, stateReady).
		Permit(triggerReleaseIdle, stateIdle).
		Permit(triggerExpire, stateReady)
	s.fsm = fsm
	return s
}

func (s *session[M]) state() string {
	return s.fsm.MustState().(string)
}

func (s *session[M]) leased() bool { return s.state() == stateLeased }

func (s *session[M]) fire(trigger string) error {
	return s.fsm.Fire(trigger)
}

// available is true when some message is visible and no retry delay
// applies.
func (s *session[M]) available(now time.Time) bool {
	if now.Before(s.notBefore) {
		return false
	}
	for _, env := range s.pending {
		if !now.Before(env.visibleAt) {
			return true
		}
	}
	return false
}

// wakeAt is the next instant at which the session changes on its own.
func (s *session[M]) wakeAt() time.Time {
	if s.leased() {
		return s.lockedUntil
	}
	var at time.Time
	for _, env := range s.pending {
		if at.IsZero() || env.visibleAt.Before(at) {
			at = env.visibleAt
		}
	}
	if s.notBefore.After(at) {
		at = s.notBefore
	}
	return at
}

func (s *session[M]) push(visibleAt time.Time, msgs []M) {
	for _, m := range msgs {
		s.pending = append(s.pending, envelope[M]{msg: m, visibleAt: visibleAt})
	}
	_ = s.fire(triggerEnqueue)
}

// take moves every visible message in flight, keeping invisible ones.
func (s *session[M]) take(now time.Time) []M {
	var batch []M
	var rest []envelope[M]
	for _, env := range s.pending {
		if now.Before(env.visibleAt) {
			rest = append(rest, env)
			continue
		}
		s.inflight = append(s.inflight, env)
		batch = append(batch, env.msg)
	}
	s.pending = rest
	return batch
}

// restore puts the in-flight batch back in front.
func (s *session[M]) restore() {
	if len(s.inflight) == 0 {
		return
	}
	s.pending = append(s.inflight, s.pending...)
	s.inflight = nil
}

func (s *session[M]) release() {
	s.token = 0
	s.lockedUntil = time.Time{}
	if len(s.pending) > 0 {
		_ = s.fire(triggerReleaseReady)
		return
	}
	_ = s.fire(triggerReleaseIdle)
}

func (s *session[M]) expire() {
	s.restore()
	s.token = 0
	s.lockedUntil = time.Time{}
	_ = s.fire(triggerExpire)
}
