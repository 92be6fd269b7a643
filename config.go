package durable

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/history"
	"github.com/davidroman0O/durable/internal/session"
)

// Backoff grows exponentially from Base and is capped at Max.
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the file form of the engine settings. Options passed to New
// override it.
type Config struct {
	OrchestrationWorkers int `yaml:"orchestrationWorkers"`
	EntityWorkers        int `yaml:"entityWorkers"`
	ActivityWorkers      int `yaml:"activityWorkers"`
	TransportWorkers     int `yaml:"transportWorkers"`

	LeaseDuration time.Duration `yaml:"leaseDuration"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	Locking       string        `yaml:"locking"`
	Shards        int           `yaml:"shards"`

	ReorderWindow         time.Duration `yaml:"reorderWindow"`
	MaxOperationsPerBatch int           `yaml:"maxOperationsPerBatch"`
	CarryOver             string        `yaml:"carryOver"`

	TransientBackoff     Backoff       `yaml:"transientBackoff"`
	NonTransientBackoff  Backoff       `yaml:"nonTransientBackoff"`
	CompletionRetries    uint64        `yaml:"completionRetries"`
	CompletionRetryDelay time.Duration `yaml:"completionRetryDelay"`
	ActivityAttempts     int           `yaml:"activityAttempts"`

	AutoMaxProcs      bool          `yaml:"autoMaxProcs"`
	DeadlockDetection bool          `yaml:"deadlockDetection"`
	DeadlockTimeout   time.Duration `yaml:"deadlockTimeout"`

	Log LogConfig `yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		OrchestrationWorkers:  2,
		EntityWorkers:         2,
		ActivityWorkers:       4,
		TransportWorkers:      2,
		LeaseDuration:         session.DefaultLeaseDuration,
		PollInterval:          time.Second,
		Locking:               string(session.LockingCoarse),
		Shards:                session.DefaultShards,
		ReorderWindow:         30 * time.Second,
		MaxOperationsPerBatch: 100,
		CarryOver:             string(history.CarryOverKeep),
		TransientBackoff:      Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second},
		NonTransientBackoff:   Backoff{Base: time.Second, Max: time.Minute},
		CompletionRetries:     3,
		CompletionRetryDelay:  50 * time.Millisecond,
		ActivityAttempts:      3,
		DeadlockTimeout:       30 * time.Second,
		Log:                   LogConfig{Level: "info", Format: "text"},
	}
}

var ErrConfig = errors.New("invalid configuration")

// ParseConfig reads YAML on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Join(ErrConfig, faults.Validation(fmt.Sprintf("parsing configuration: %v", err), nil))
	}
	return cfg, cfg.Validate()
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Join(ErrConfig, fmt.Errorf("reading %s: %w", path, err))
	}
	return ParseConfig(data)
}

func (c Config) Validate() error {
	var problems []string
	if c.OrchestrationWorkers < 1 || c.EntityWorkers < 1 || c.ActivityWorkers < 1 || c.TransportWorkers < 1 {
		problems = append(problems, "every worker count must be at least 1")
	}
	if c.LeaseDuration <= 0 {
		problems = append(problems, "leaseDuration must be positive")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "pollInterval must be positive")
	}
	switch session.LockingMode(c.Locking) {
	case session.LockingCoarse, session.LockingSharded:
	default:
		problems = append(problems, fmt.Sprintf("locking must be %q or %q", session.LockingCoarse, session.LockingSharded))
	}
	if c.ReorderWindow < 0 {
		problems = append(problems, "reorderWindow cannot be negative")
	}
	switch history.CarryOverPolicy(c.CarryOver) {
	case history.CarryOverKeep, history.CarryOverDiscard:
	default:
		problems = append(problems, fmt.Sprintf("carryOver must be %q or %q", history.CarryOverKeep, history.CarryOverDiscard))
	}
	if b := c.TransientBackoff; b.Base <= 0 || b.Max < b.Base {
		problems = append(problems, "transientBackoff needs 0 < base <= max")
	}
	if b := c.NonTransientBackoff; b.Base <= 0 || b.Max < b.Base {
		problems = append(problems, "nonTransientBackoff needs 0 < base <= max")
	}
	if c.CompletionRetryDelay <= 0 {
		problems = append(problems, "completionRetryDelay must be positive")
	}
	if c.ActivityAttempts < 1 {
		problems = append(problems, "activityAttempts must be at least 1")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Join(ErrConfig, faults.Validation(fmt.Sprintf("%d problem(s): %v", len(problems), problems), map[string]any{"problems": problems}))
}
