// Package termination is the cancellation authority of one shard. The
// first terminal transition wins; everything after it is a no-op.
package termination

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/logs"
)

type Outcome int32

const (
	NotTerminated Outcome = iota
	TerminatedWithError
	TerminatedNormally
)

func (o Outcome) String() string {
	switch o {
	case NotTerminated:
		return "NotTerminated"
	case TerminatedWithError:
		return "TerminatedWithError"
	case TerminatedNormally:
		return "TerminatedNormally"
	}
	return fmt.Sprintf("Outcome(%d)", int32(o))
}

var ErrShardTerminated = errors.New("shard terminated")

type Handler struct {
	name     string
	logger   logs.Logger
	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown func(ctx context.Context) error
	done     chan struct{}

	mu        deadlock.Mutex
	listeners []func(Outcome)
	cause     error
}

type Option func(*Handler)

func WithLogger(logger logs.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithShutdown registers the callback run once, on its own goroutine, after
// the shard terminated.
func WithShutdown(fn func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.shutdown = fn
	}
}

func New(parent context.Context, name string, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(parent)
	h := &Handler{
		name:   name,
		logger: logs.NewNoop(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Context is cancelled as soon as the shard terminates.
func (h *Handler) Context() context.Context { return h.ctx }

// Done is closed once the shutdown callback returned.
func (h *Handler) Done() <-chan struct{} { return h.done }

func (h *Handler) Outcome() Outcome { return Outcome(h.state.Load()) }

func (h *Handler) IsTerminated() bool { return h.Outcome() != NotTerminated }

// Cause is the error that terminated the shard, if any.
func (h *Handler) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// OnTerminate registers a listener. Registering after termination calls it
// right away.
func (h *Handler) OnTerminate(fn func(Outcome)) {
	h.mu.Lock()
	if !h.IsTerminated() {
		h.listeners = append(h.listeners, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn(h.Outcome())
}

// HandleError reports err raised while doing where. Warnings are logged at
// warn level; anything else at error level. Fatal errors always terminate
// the shard, other errors only when terminateShard is set. It returns
// whether this call terminated the shard.
func (h *Handler) HandleError(ctx context.Context, where, message string, err error, terminateShard, isWarning bool) bool {
	fatal := faults.IsFatal(err)
	if fatal {
		terminateShard = true
		isWarning = false
	}

	keysAndValues := []interface{}{
		"shard", h.name,
		"where", where,
		"terminate", terminateShard,
	}
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err.Error())
	}
	if isWarning {
		h.logger.Warn(ctx, message, keysAndValues...)
	} else {
		h.logger.Error(ctx, message, keysAndValues...)
	}

	if !terminateShard {
		return false
	}
	cause := err
	if cause == nil {
		cause = errors.New(message)
	}
	return h.terminate(ctx, TerminatedWithError, errors.Join(ErrShardTerminated, fmt.Errorf("%s: %s: %w", where, message, cause)))
}

// TerminateNormally records a graceful shutdown.
func (h *Handler) TerminateNormally(ctx context.Context) bool {
	return h.terminate(ctx, TerminatedNormally, nil)
}

func (h *Handler) terminate(ctx context.Context, outcome Outcome, cause error) bool {
	if !h.state.CompareAndSwap(int32(NotTerminated), int32(outcome)) {
		return false
	}

	h.mu.Lock()
	h.cause = cause
	listeners := h.listeners
	h.listeners = nil
	h.mu.Unlock()

	h.logger.Info(ctx, "shard terminating", "shard", h.name, "outcome", outcome.String())
	h.cancel()
	for _, fn := range listeners {
		fn(outcome)
	}

	go func() {
		defer close(h.done)
		if h.shutdown == nil {
			return
		}
		// the shard context is already cancelled, shutdown gets a fresh one
		if err := h.shutdown(context.Background()); err != nil {
			h.logger.Error(context.Background(), "shard shutdown failed", "shard", h.name, "error", err.Error())
		}
	}()
	return true
}

// WaitForTermination reports whether shutdown completed within timeout.
func (h *Handler) WaitForTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}
