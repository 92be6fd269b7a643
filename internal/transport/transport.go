// Package transport moves batches of messages between the engine's
// components. Delivery is at least once and batches may overtake each
// other.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/retrypool"

	"github.com/davidroman0O/durable/internal/logs"
)

var ErrTransportClosed = errors.New("transport closed")

type Transport[T any] interface {
	Send(ctx context.Context, batch []T) error
	Close() error
}

// Sink receives delivered batches. An error makes the pool retry the batch.
type Sink[T any] func(ctx context.Context, batch []T) error

type delivery[T any] struct {
	batch []T
}

type deliveryWorker[T any] struct {
	ID     int
	sink   Sink[T]
	logger logs.Logger
}

func (w *deliveryWorker[T]) Run(ctx context.Context, d *delivery[T]) error {
	if err := w.sink(ctx, d.batch); err != nil {
		w.logger.Warn(ctx, "delivery failed", "transport.worker", w.ID, "transport.size", len(d.batch), "error", err.Error())
		return err
	}
	return nil
}

type localConfig struct {
	workers  int
	attempts int
	delay    time.Duration
	logger   logs.Logger
}

type LocalOption func(*localConfig)

func WithWorkers(n int) LocalOption {
	return func(c *localConfig) {
		c.workers = n
	}
}

// WithAttempts bounds how many times a batch is handed to the sink.
func WithAttempts(n int) LocalOption {
	return func(c *localConfig) {
		c.attempts = n
	}
}

func WithDelay(d time.Duration) LocalOption {
	return func(c *localConfig) {
		c.delay = d
	}
}

func WithLogger(logger logs.Logger) LocalOption {
	return func(c *localConfig) {
		c.logger = logger
	}
}

// Local delivers batches in process through a retrypool worker pool.
type Local[T any] struct {
	ctx    context.Context
	pool   *retrypool.Pool[*delivery[T]]
	logger logs.Logger
	closed atomic.Bool
	dead   atomic.Int64
}

var _ Transport[int] = (*Local[int])(nil)

func NewLocal[T any](ctx context.Context, sink Sink[T], opts ...LocalOption) *Local[T] {
	cfg := &localConfig{
		workers:  1,
		attempts: 5,
		delay:    10 * time.Millisecond,
		logger:   logs.NewNoop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}

	l := &Local[T]{ctx: ctx, logger: cfg.logger}

	workers := []retrypool.Worker[*delivery[T]]{}
	for i := 0; i < cfg.workers; i++ {
		workers = append(workers, &deliveryWorker[T]{sink: sink, logger: cfg.logger})
	}

	l.pool = retrypool.New(
		ctx,
		workers,
		retrypool.WithAttempts[*delivery[T]](cfg.attempts),
		retrypool.WithDelay[*delivery[T]](cfg.delay),
		retrypool.WithOnNewDeadTask[*delivery[T]](
			func(task *retrypool.DeadTask[*delivery[T]], idx int) {
				errs := errors.New("batch dropped")
				for _, e := range task.Errors {
					errs = errors.Join(errs, e)
				}
				l.dead.Add(1)
				l.logger.Error(ctx, errs.Error(), "transport.size", len(task.Data.batch))
				if _, err := l.pool.PullDeadTask(idx); err != nil {
					l.logger.Warn(ctx, "failed to pull dead task", "error", err.Error())
				}
			}),
	)
	return l
}

func (l *Local[T]) Send(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	if l.closed.Load() {
		return errors.Join(ErrTransportClosed, fmt.Errorf("sending %d messages", len(batch)))
	}
	if err := l.pool.Submit(&delivery[T]{batch: batch}); err != nil {
		err = errors.Join(ErrTransportClosed, fmt.Errorf("submitting %d messages: %w", len(batch), err))
		l.logger.Error(ctx, err.Error())
		return err
	}
	return nil
}

// Dropped counts batches that exhausted their attempts.
func (l *Local[T]) Dropped() int64 { return l.dead.Load() }

// Wait blocks until every submitted batch was delivered or dropped.
func (l *Local[T]) Wait() error {
	return l.pool.WaitWithCallback(l.ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 10*time.Millisecond)
}

func (l *Local[T]) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.pool.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(ErrTransportClosed, fmt.Errorf("closing delivery pool: %w", err))
	}
	return nil
}
