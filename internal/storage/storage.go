// Package storage keeps the two durable blobs of the engine: the runtime
// state of each orchestration instance and the scheduler state of each
// entity. Every write is a compare-and-set on a per-key version.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/types"
)

var (
	ErrStorage         = errors.New("storage error")
	ErrVersionConflict = faults.New(faults.ErrConflict, "stored version does not match the expected version", nil, nil)
)

// InstanceRecord is the latest execution of an orchestration instance.
type InstanceRecord struct {
	InstanceID  string
	ExecutionID string
	Name        string
	Status      types.OrchestrationStatus
	Version     int64
	State       []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r *InstanceRecord) clone() *InstanceRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.State = copyBytes(r.State)
	return &c
}

type EntityRecord struct {
	ID        string
	Version   int64
	State     []byte
	UpdatedAt time.Time
}

func (r *EntityRecord) clone() *EntityRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.State = copyBytes(r.State)
	return &c
}

// Store is the authoritative storage of one engine. Load methods return nil
// without error when nothing is stored.
type Store interface {
	LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error)
	LoadExecution(ctx context.Context, instanceID, executionID string) (*InstanceRecord, error)
	// SaveInstance stores rec as the latest execution of its instance when
	// the stored version equals expectedVersion, and returns the new version.
	SaveInstance(ctx context.Context, rec *InstanceRecord, expectedVersion int64) (int64, error)
	// ListInstances returns the latest execution of every instance whose
	// status is one of statuses.
	ListInstances(ctx context.Context, statuses ...types.OrchestrationStatus) ([]*InstanceRecord, error)
	// LoadEntity returns a record with a nil State for a deleted entity.
	LoadEntity(ctx context.Context, id string) (*EntityRecord, error)
	// SaveEntity turns the record into a tombstone when rec.State is nil.
	// The version keeps growing across deletions, so a writer holding the
	// version it read before a delete cannot overwrite a later record.
	SaveEntity(ctx context.Context, rec *EntityRecord, expectedVersion int64) (int64, error)
	// ListEntities returns every entity that has state, tombstones excluded.
	ListEntities(ctx context.Context) ([]*EntityRecord, error)
	Close() error
}

func conflict(kind, key string, expected int64, stored int64) error {
	return faults.New(ErrVersionConflict, ErrVersionConflict.Message, nil, map[string]any{
		"kind":     kind,
		"key":      key,
		"expected": expected,
		"stored":   stored,
	})
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
