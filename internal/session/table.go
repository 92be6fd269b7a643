package session

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sasha-s/go-deadlock"
)

type LockingMode string

const (
	// LockingCoarse guards every session with one mutex.
	LockingCoarse LockingMode = "coarse"
	// LockingSharded spreads sessions over independently locked shards.
	LockingSharded LockingMode = "sharded"
)

const DefaultShards = 32

// shard owns a set of sessions. Every session is in exactly one place:
// the ready FIFO, the waiting set (leased, or nothing visible yet), or
// gone.
type shard[M any] struct {
	mu       deadlock.Mutex
	sessions map[string]*session[M]
	ready    []string
	waiting  map[string]struct{}
}

func newShard[M any]() *shard[M] {
	return &shard[M]{
		sessions: map[string]*session[M]{},
		waiting:  map[string]struct{}{},
	}
}

// place files a session according to its state, dropping it when it has
// nothing left.
func (s *shard[M]) place(sess *session[M], now time.Time) {
	delete(s.waiting, sess.key)
	switch {
	case sess.leased():
		s.waiting[sess.key] = struct{}{}
	case len(sess.pending) == 0:
		if !sess.queued {
			delete(s.sessions, sess.key)
		}
	case sess.available(now):
		if !sess.queued {
			sess.queued = true
			s.ready = append(s.ready, sess.key)
		}
	default:
		s.waiting[sess.key] = struct{}{}
	}
}

// acquire leases the first available session, promoting expired leases
// and newly visible work first. It also reports the earliest time at which
// something in the shard may become available.
func (s *shard[M]) acquire(now time.Time, lease func(*session[M])) (*session[M], time.Time) {
	var next time.Time
	for key := range s.waiting {
		sess := s.sessions[key]
		if sess == nil {
			delete(s.waiting, key)
			continue
		}
		if sess.leased() && !now.Before(sess.lockedUntil) {
			sess.expire()
		}
		if !sess.leased() && sess.available(now) {
			s.place(sess, now)
			continue
		}
		if at := sess.wakeAt(); !at.IsZero() && (next.IsZero() || at.Before(next)) {
			next = at
		}
	}

	for len(s.ready) > 0 {
		key := s.ready[0]
		s.ready = s.ready[1:]
		sess := s.sessions[key]
		if sess == nil {
			continue
		}
		sess.queued = false
		if sess.leased() || !sess.available(now) {
			s.place(sess, now)
			if at := sess.wakeAt(); !at.IsZero() && (next.IsZero() || at.Before(next)) {
				next = at
			}
			continue
		}
		lease(sess)
		s.place(sess, now)
		return sess, next
	}
	return nil, next
}

// table hides the locking granularity from the dispatcher.
type table[M any] interface {
	// shardFor returns the shard owning key.
	shardFor(key string) *shard[M]
	// shards lists every shard, starting at a rotating offset so that no
	// shard starves the others.
	shards() []*shard[M]
}

type coarseTable[M any] struct {
	only *shard[M]
}

func newCoarseTable[M any]() *coarseTable[M] {
	return &coarseTable[M]{only: newShard[M]()}
}

func (t *coarseTable[M]) shardFor(string) *shard[M] { return t.only }

func (t *coarseTable[M]) shards() []*shard[M] { return []*shard[M]{t.only} }

type shardedTable[M any] struct {
	all    []*shard[M]
	mu     deadlock.Mutex
	offset int
}

func newShardedTable[M any](count int) *shardedTable[M] {
	if count <= 0 {
		count = DefaultShards
	}
	t := &shardedTable[M]{all: make([]*shard[M], count)}
	for i := range t.all {
		t.all[i] = newShard[M]()
	}
	return t
}

func (t *shardedTable[M]) shardFor(key string) *shard[M] {
	return t.all[xxhash.Sum64String(key)%uint64(len(t.all))]
}

func (t *shardedTable[M]) shards() []*shard[M] {
	t.mu.Lock()
	start := t.offset
	t.offset = (t.offset + 1) % len(t.all)
	t.mu.Unlock()

	out := make([]*shard[M], 0, len(t.all))
	out = append(out, t.all[start:]...)
	return append(out, t.all[:start]...)
}
