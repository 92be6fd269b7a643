// Package session hands out exclusive, time-bounded leases over the pending
// work of a key (an orchestration instance or an entity). A lease that is
// not completed, abandoned or renewed before LockedUntil expires and the
// batch is delivered again to the next acceptor.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/durable/internal/clock"
	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/logs"
)

var ErrDispatcher = errors.New("session dispatcher error")

const DefaultLeaseDuration = 30 * time.Second

// Store persists the state attached to a session with optimistic
// concurrency. Load returns version 0 for a key that never had state.
type Store[S any] interface {
	Load(ctx context.Context, key string) (S, int64, error)
	Save(ctx context.Context, key string, state S, expectedVersion int64) (int64, error)
}

type Config struct {
	Name          string
	LeaseDuration time.Duration
	Locking       LockingMode
	Shards        int
	Clock         clock.Clock
	Logger        logs.Logger
}

// WorkItem is a leased batch. It must be handed back through
// CompleteSession or AbandonSession, or renewed before LockedUntil.
type WorkItem[M, S any] struct {
	Key           string
	Messages      []M
	State         S
	Version       int64
	LockedUntil   time.Time
	DeliveryCount int

	token uint64
}

// Outgoing is a message for another session of the same dispatcher.
type Outgoing[M any] struct {
	Key       string
	Message   M
	VisibleAt time.Time
}

type Dispatcher[M, S any] struct {
	cfg    Config
	store  Store[S]
	table  table[M]
	tokens atomic.Uint64

	notifyMu deadlock.Mutex
	notify   chan struct{}
}

// New builds a dispatcher. store may be nil for sessions without state.
func New[M, S any](store Store[S], cfg Config) *Dispatcher[M, S] {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = logs.NewNoop()
	}
	if cfg.Name == "" {
		cfg.Name = "sessions"
	}
	d := &Dispatcher[M, S]{
		cfg:    cfg,
		store:  store,
		notify: make(chan struct{}),
	}
	switch cfg.Locking {
	case LockingSharded:
		d.table = newShardedTable[M](cfg.Shards)
	default:
		d.table = newCoarseTable[M]()
	}
	return d
}

func (d *Dispatcher[M, S]) changed() {
	d.notifyMu.Lock()
	close(d.notify)
	d.notify = make(chan struct{})
	d.notifyMu.Unlock()
}

func (d *Dispatcher[M, S]) changes() <-chan struct{} {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	return d.notify
}

// Wake makes blocked acceptors look again, for instance after a manual
// clock moved.
func (d *Dispatcher[M, S]) Wake() { d.changed() }

func (d *Dispatcher[M, S]) Enqueue(key string, msgs ...M) {
	d.EnqueueAt(key, time.Time{}, msgs...)
}

// EnqueueAt adds messages that stay invisible until visibleAt.
func (d *Dispatcher[M, S]) EnqueueAt(key string, visibleAt time.Time, msgs ...M) {
	if len(msgs) == 0 {
		return
	}
	sh := d.table.shardFor(key)
	now := d.cfg.Clock.Now()

	sh.mu.Lock()
	sess, ok := sh.sessions[key]
	if !ok {
		sess = newSession[M](key)
		sh.sessions[key] = sess
	}
	sess.push(visibleAt, msgs)
	if !sess.leased() {
		sh.place(sess, now)
	}
	sh.mu.Unlock()

	d.changed()
}

// AcceptSession waits until a session has visible, unleased work and
// leases it. It returns nil, nil when timeout elapses and the context error
// when ctx is done.
func (d *Dispatcher[M, S]) AcceptSession(ctx context.Context, timeout time.Duration) (*WorkItem[M, S], error) {
	expired := time.NewTimer(timeout)
	defer expired.Stop()

	for {
		changes := d.changes()

		item, next := d.tryAcquire()
		if item != nil {
			if err := d.load(ctx, item); err != nil {
				return nil, err
			}
			return item, nil
		}

		var wake <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			wait := next.Sub(d.cfg.Clock.Now())
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			timer = time.NewTimer(wait)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-expired.C:
			stopTimer(timer)
			return nil, nil
		case <-changes:
		case <-wake:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (d *Dispatcher[M, S]) tryAcquire() (*WorkItem[M, S], time.Time) {
	now := d.cfg.Clock.Now()
	var next time.Time

	for _, sh := range d.table.shards() {
		var item *WorkItem[M, S]
		sh.mu.Lock()
		_, wakeAt := sh.acquire(now, func(sess *session[M]) {
			batch := sess.take(now)
			sess.token = d.tokens.Add(1)
			sess.lockedUntil = now.Add(d.cfg.LeaseDuration)
			sess.deliveryCount++
			_ = sess.fire(triggerLease)
			item = &WorkItem[M, S]{
				Key:           sess.key,
				Messages:      batch,
				LockedUntil:   sess.lockedUntil,
				DeliveryCount: sess.deliveryCount,
				token:         sess.token,
			}
		})
		sh.mu.Unlock()

		if item != nil {
			return item, time.Time{}
		}
		if !wakeAt.IsZero() && (next.IsZero() || wakeAt.Before(next)) {
			next = wakeAt
		}
	}
	return nil, next
}

func (d *Dispatcher[M, S]) load(ctx context.Context, item *WorkItem[M, S]) error {
	if d.store == nil {
		return nil
	}
	state, version, err := d.store.Load(ctx, item.Key)
	if err != nil {
		err = errors.Join(ErrDispatcher, faults.Transient(fmt.Sprintf("loading session %s", item.Key), err))
		d.cfg.Logger.Error(ctx, err.Error(), "dispatcher", d.cfg.Name, "dispatcher.key", item.Key)
		if abandonErr := d.AbandonSession(ctx, item, 0); abandonErr != nil {
			err = errors.Join(err, abandonErr)
		}
		return err
	}
	item.State = state
	item.Version = version
	return nil
}

// withLease runs fn under the shard lock when item still holds a live
// lease.
func (d *Dispatcher[M, S]) withLease(item *WorkItem[M, S], fn func(sh *shard[M], sess *session[M], now time.Time)) error {
	sh := d.table.shardFor(item.Key)
	now := d.cfg.Clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[item.Key]
	if !ok || !sess.leased() || sess.token != item.token {
		return faults.LeaseLost(fmt.Sprintf("session %s is no longer leased by this worker", item.Key),
			map[string]any{"dispatcher": d.cfg.Name, "key": item.Key})
	}
	if !now.Before(sess.lockedUntil) {
		return faults.LeaseLost(fmt.Sprintf("lease on session %s expired at %s", item.Key, sess.lockedUntil.Format(time.RFC3339Nano)),
			map[string]any{"dispatcher": d.cfg.Name, "key": item.Key})
	}
	fn(sh, sess, now)
	return nil
}

// RenewLock pushes LockedUntil one lease duration into the future.
func (d *Dispatcher[M, S]) RenewLock(ctx context.Context, item *WorkItem[M, S]) error {
	err := d.withLease(item, func(_ *shard[M], sess *session[M], now time.Time) {
		sess.lockedUntil = now.Add(d.cfg.LeaseDuration)
		item.LockedUntil = sess.lockedUntil
	})
	if err != nil {
		d.cfg.Logger.Warn(ctx, err.Error(), "dispatcher", d.cfg.Name, "dispatcher.key", item.Key)
	}
	return err
}

// CompleteSession saves newState, enqueues outgoing messages, puts the
// continuation messages at the front of the session's pending work and
// releases the lease.
func (d *Dispatcher[M, S]) CompleteSession(ctx context.Context, item *WorkItem[M, S], newState S, outgoing []Outgoing[M], continuation ...M) error {
	if err := d.withLease(item, func(*shard[M], *session[M], time.Time) {}); err != nil {
		d.cfg.Logger.Warn(ctx, err.Error(), "dispatcher", d.cfg.Name, "dispatcher.key", item.Key)
		return err
	}

	if d.store != nil {
		version, err := d.store.Save(ctx, item.Key, newState, item.Version)
		if err != nil {
			err = errors.Join(ErrDispatcher, fmt.Errorf("saving session %s at version %d: %w", item.Key, item.Version, err))
			d.cfg.Logger.Error(ctx, err.Error(), "dispatcher", d.cfg.Name, "dispatcher.key", item.Key)
			return err
		}
		item.Version = version
	}

	err := d.withLease(item, func(sh *shard[M], sess *session[M], now time.Time) {
		sess.inflight = nil
		if len(continuation) > 0 {
			front := make([]envelope[M], 0, len(continuation)+len(sess.pending))
			for _, m := range continuation {
				front = append(front, envelope[M]{msg: m})
			}
			sess.pending = append(front, sess.pending...)
		}
		sess.deliveryCount = 0
		sess.notBefore = time.Time{}
		sess.release()
		sh.place(sess, now)
	})
	if err != nil {
		// the state is saved, a later acceptor replays the batch against it
		d.cfg.Logger.Warn(ctx, err.Error(), "dispatcher", d.cfg.Name, "dispatcher.key", item.Key)
		return err
	}

	for _, out := range outgoing {
		d.EnqueueAt(out.Key, out.VisibleAt, out.Message)
	}
	d.changed()
	return nil
}

// AbandonSession releases the lease without saving. The batch becomes
// available again after retryAfter.
func (d *Dispatcher[M, S]) AbandonSession(ctx context.Context, item *WorkItem[M, S], retryAfter time.Duration) error {
	err := d.withLease(item, func(sh *shard[M], sess *session[M], now time.Time) {
		sess.restore()
		if retryAfter > 0 {
			sess.notBefore = now.Add(retryAfter)
		}
		sess.release()
		sh.place(sess, now)
	})
	if err != nil {
		d.cfg.Logger.Warn(ctx, err.Error(), "dispatcher", d.cfg.Name, "dispatcher.key", item.Key)
		return err
	}
	d.changed()
	return nil
}

// Pending counts undelivered and in-flight messages of key.
func (d *Dispatcher[M, S]) Pending(key string) int {
	sh := d.table.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[key]
	if !ok {
		return 0
	}
	return len(sess.pending) + len(sess.inflight)
}

// Sessions counts the keys the dispatcher currently tracks.
func (d *Dispatcher[M, S]) Sessions() int {
	total := 0
	for _, sh := range d.table.shards() {
		sh.mu.Lock()
		total += len(sh.sessions)
		sh.mu.Unlock()
	}
	return total
}
