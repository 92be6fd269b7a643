package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/davidroman0O/durable/internal/types"
)

const (
	tableInstances  = "instances"
	tableExecutions = "executions"
	tableEntities   = "entities"
)

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInstances: {
				Name: tableInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "InstanceID"},
					},
					"status": {
						Name:         "status",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "InstanceID"},
								&memdb.StringFieldIndex{Field: "ExecutionID"},
							},
						},
					},
				},
			},
			tableEntities: {
				Name: tableEntities,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}

// Memory is a Store kept in a go-memdb database. Write transactions are
// serialized by memdb, which makes the version check and the write atomic.
type Memory struct {
	db *memdb.MemDB
}

var _ Store = (*Memory)(nil)

func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("creating memory database: %w", err))
	}
	return &Memory{db: db}, nil
}

func (m *Memory) LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableInstances, "id", instanceID)
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("loading instance %s: %w", instanceID, err))
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*InstanceRecord).clone(), nil
}

func (m *Memory) LoadExecution(ctx context.Context, instanceID, executionID string) (*InstanceRecord, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableExecutions, "id", instanceID, executionID)
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("loading execution %s:%s: %w", instanceID, executionID, err))
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*InstanceRecord).clone(), nil
}

func (m *Memory) SaveInstance(ctx context.Context, rec *InstanceRecord, expectedVersion int64) (int64, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", rec.InstanceID)
	if err != nil {
		return 0, errors.Join(ErrStorage, fmt.Errorf("loading instance %s: %w", rec.InstanceID, err))
	}
	var stored int64
	if raw != nil {
		stored = raw.(*InstanceRecord).Version
	}
	if stored != expectedVersion {
		return 0, conflict("instance", rec.InstanceID, expectedVersion, stored)
	}

	next := rec.clone()
	next.Version = stored + 1
	if err := txn.Insert(tableInstances, next); err != nil {
		return 0, errors.Join(ErrStorage, fmt.Errorf("saving instance %s: %w", rec.InstanceID, err))
	}
	if err := txn.Insert(tableExecutions, next.clone()); err != nil {
		return 0, errors.Join(ErrStorage, fmt.Errorf("saving execution %s:%s: %w", rec.InstanceID, rec.ExecutionID, err))
	}
	txn.Commit()
	return next.Version, nil
}

func (m *Memory) ListInstances(ctx context.Context, statuses ...types.OrchestrationStatus) ([]*InstanceRecord, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	var records []*InstanceRecord
	for _, status := range statuses {
		it, err := txn.Get(tableInstances, "status", string(status))
		if err != nil {
			return nil, errors.Join(ErrStorage, fmt.Errorf("listing %s instances: %w", status, err))
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			records = append(records, raw.(*InstanceRecord).clone())
		}
	}
	return records, nil
}

func (m *Memory) LoadEntity(ctx context.Context, id string) (*EntityRecord, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableEntities, "id", id)
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("loading entity %s: %w", id, err))
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*EntityRecord).clone(), nil
}

func (m *Memory) SaveEntity(ctx context.Context, rec *EntityRecord, expectedVersion int64) (int64, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableEntities, "id", rec.ID)
	if err != nil {
		return 0, errors.Join(ErrStorage, fmt.Errorf("loading entity %s: %w", rec.ID, err))
	}
	var stored int64
	if raw != nil {
		stored = raw.(*EntityRecord).Version
	}
	if stored != expectedVersion {
		return 0, conflict("entity", rec.ID, expectedVersion, stored)
	}

	if rec.State == nil && raw == nil {
		return 0, nil
	}

	next := rec.clone()
	next.Version = stored + 1
	if err := txn.Insert(tableEntities, next); err != nil {
		return 0, errors.Join(ErrStorage, fmt.Errorf("saving entity %s: %w", rec.ID, err))
	}
	txn.Commit()
	return next.Version, nil
}

func (m *Memory) ListEntities(ctx context.Context) ([]*EntityRecord, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEntities, "id")
	if err != nil {
		return nil, errors.Join(ErrStorage, fmt.Errorf("listing entities: %w", err))
	}
	var records []*EntityRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if rec := raw.(*EntityRecord); rec.State != nil {
			records = append(records, rec.clone())
		}
	}
	return records, nil
}

func (m *Memory) Close() error { return nil }
