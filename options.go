package durable

import (
	"time"
)

type options struct {
	cfg      Config
	logger   Logger
	clock    Clock
	registry *Registry
	errs     []error
}

type Option func(*options)

// WithConfig replaces the whole configuration. Options given after it still
// apply on top.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithClock(clk Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// If orchestrations call many entities, raise the entity workers accordingly
func WithWorkers(orchestrations, entities, activities int) Option {
	return func(o *options) {
		o.cfg.OrchestrationWorkers = orchestrations
		o.cfg.EntityWorkers = entities
		o.cfg.ActivityWorkers = activities
	}
}

func WithTransportWorkers(n int) Option {
	return func(o *options) {
		o.cfg.TransportWorkers = n
	}
}

func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) {
		o.cfg.LeaseDuration = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.cfg.PollInterval = d
	}
}

// WithReorderWindow sets how long entity messages are buffered to restore
// their sending order. Zero disables ordering.
func WithReorderWindow(d time.Duration) Option {
	return func(o *options) {
		o.cfg.ReorderWindow = d
	}
}

func WithLocking(mode LockingMode, shards int) Option {
	return func(o *options) {
		o.cfg.Locking = string(mode)
		if shards > 0 {
			o.cfg.Shards = shards
		}
	}
}

func WithBackoff(transient, nonTransient Backoff) Option {
	return func(o *options) {
		o.cfg.TransientBackoff = transient
		o.cfg.NonTransientBackoff = nonTransient
	}
}

func WithMaxOperationsPerBatch(n int) Option {
	return func(o *options) {
		o.cfg.MaxOperationsPerBatch = n
	}
}

func WithCarryOverPolicy(policy CarryOverPolicy) Option {
	return func(o *options) {
		o.cfg.CarryOver = string(policy)
	}
}

func WithActivityAttempts(n int) Option {
	return func(o *options) {
		o.cfg.ActivityAttempts = n
	}
}

// WithRegistry uses a prepared registry. It replaces the one filled by
// earlier WithOrchestrator, WithEntity and WithActivity options, so pass it
// first.
func WithRegistry(r *Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

func WithOrchestrator(name string, fn Orchestrator) Option {
	return func(o *options) {
		o.collect(o.registry.AddOrchestrator(name, fn))
	}
}

func WithOrchestratorVersion(name, version string, fn Orchestrator) Option {
	return func(o *options) {
		o.collect(o.registry.AddOrchestratorVersion(name, version, fn))
	}
}

func WithEntity(name string, fn Entity) Option {
	return func(o *options) {
		o.collect(o.registry.AddEntity(name, fn))
	}
}

func WithActivity(name string, fn Activity) Option {
	return func(o *options) {
		o.collect(o.registry.AddActivity(name, fn))
	}
}

func WithAutoMaxProcs() Option {
	return func(o *options) {
		o.cfg.AutoMaxProcs = true
	}
}

// WithDeadlockDetection makes every engine mutex report locks held longer
// than timeout.
func WithDeadlockDetection(timeout time.Duration) Option {
	return func(o *options) {
		o.cfg.DeadlockDetection = true
		o.cfg.DeadlockTimeout = timeout
	}
}

func (o *options) collect(err error) {
	if err != nil {
		o.errs = append(o.errs, err)
	}
}
