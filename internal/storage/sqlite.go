package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidroman0O/comfylite3"

	"github.com/davidroman0O/durable/internal/logs"
	"github.com/davidroman0O/durable/internal/types"
)

type sqliteConfig struct {
	path        string
	destructive bool
	logger      logs.Logger
}

type SQLiteOption func(*sqliteConfig)

// WithPath stores the database in a file. Without it the database lives in
// memory.
func WithPath(path string) SQLiteOption {
	return func(c *sqliteConfig) {
		c.path = path
	}
}

// WithDestructive removes an existing database file before opening it.
func WithDestructive() SQLiteOption {
	return func(c *sqliteConfig) {
		c.destructive = true
	}
}

func WithLogger(logger logs.Logger) SQLiteOption {
	return func(c *sqliteConfig) {
		c.logger = logger
	}
}

// SQLite is a Store on top of comfylite3.
type SQLite struct {
	comfy  *comfylite3.ComfyDB
	db     *sql.DB
	logger logs.Logger
}

var _ Store = (*SQLite)(nil)

func NewSQLite(ctx context.Context, opts ...SQLiteOption) (*SQLite, error) {
	cfg := &sqliteConfig{logger: logs.NewNoop()}
	for _, opt := range opts {
		opt(cfg)
	}

	comfyOptions := []comfylite3.ComfyOption{}
	if cfg.path != "" {
		if cfg.destructive {
			cfg.logger.Debug(ctx, "Removing database file", "path", cfg.path)
			if err := os.Remove(cfg.path); err != nil && !os.IsNotExist(err) {
				err = errors.Join(ErrStorage, fmt.Errorf("removing %s: %w", cfg.path, err))
				cfg.logger.Error(ctx, err.Error(), "path", cfg.path)
				return nil, err
			}
		}
		if err := os.MkdirAll(filepath.Dir(cfg.path), 0755); err != nil {
			err = errors.Join(ErrStorage, fmt.Errorf("creating directory for %s: %w", cfg.path, err))
			cfg.logger.Error(ctx, err.Error(), "path", cfg.path)
			return nil, err
		}
		comfyOptions = append(comfyOptions, comfylite3.WithPath(cfg.path))
	} else {
		comfyOptions = append(comfyOptions, comfylite3.WithMemory())
	}

	comfy, err := comfylite3.New(comfyOptions...)
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("opening database: %w", err))
		cfg.logger.Error(ctx, err.Error(), "path", cfg.path)
		return nil, err
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	s := &SQLite{comfy: comfy, db: db, logger: cfg.logger}
	if err := s.ensureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			state BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS instances_status ON instances (status)`,
		`CREATE TABLE IF NOT EXISTS executions (
			instance_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			state BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, execution_id)
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			entity_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			state BLOB,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			err = errors.Join(ErrStorage, fmt.Errorf("creating schema: %w", err))
			s.logger.Error(ctx, err.Error())
			return err
		}
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLite) scanInstance(row *sql.Row) (*InstanceRecord, error) {
	var (
		rec       InstanceRecord
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rec.InstanceID, &rec.ExecutionID, &rec.Name, &status, &rec.Version, &rec.State, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = types.OrchestrationStatus(status)
	rec.CreatedAt = fromUnixNano(createdAt)
	rec.UpdatedAt = fromUnixNano(updatedAt)
	return &rec, nil
}

func (s *SQLite) LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT instance_id, execution_id, name, status, version, state, created_at, updated_at
		FROM instances WHERE instance_id = ?`, instanceID)
	rec, err := s.scanInstance(row)
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("loading instance %s: %w", instanceID, err))
		s.logger.Error(ctx, err.Error(), "storage.instance", instanceID)
		return nil, err
	}
	return rec, nil
}

func (s *SQLite) ListInstances(ctx context.Context, statuses ...types.OrchestrationStatus) ([]*InstanceRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, execution_id, name, status, version, state, created_at, updated_at
		FROM instances WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("listing instances: %w", err))
		s.logger.Error(ctx, err.Error())
		return nil, err
	}
	defer rows.Close()

	var records []*InstanceRecord
	for rows.Next() {
		var (
			rec       InstanceRecord
			status    string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&rec.InstanceID, &rec.ExecutionID, &rec.Name, &status, &rec.Version, &rec.State, &createdAt, &updatedAt); err != nil {
			err = errors.Join(ErrStorage, fmt.Errorf("listing instances: %w", err))
			s.logger.Error(ctx, err.Error())
			return nil, err
		}
		rec.Status = types.OrchestrationStatus(status)
		rec.CreatedAt = fromUnixNano(createdAt)
		rec.UpdatedAt = fromUnixNano(updatedAt)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("listing instances: %w", err))
		s.logger.Error(ctx, err.Error())
		return nil, err
	}
	return records, nil
}

func (s *SQLite) LoadExecution(ctx context.Context, instanceID, executionID string) (*InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT instance_id, execution_id, name, status, version, state, created_at, updated_at
		FROM executions WHERE instance_id = ? AND execution_id = ?`, instanceID, executionID)
	rec, err := s.scanInstance(row)
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("loading execution %s:%s: %w", instanceID, executionID, err))
		s.logger.Error(ctx, err.Error(), "storage.instance", instanceID, "storage.execution", executionID)
		return nil, err
	}
	return rec, nil
}

func (s *SQLite) storedVersion(ctx context.Context, query string, key string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func (s *SQLite) SaveInstance(ctx context.Context, rec *InstanceRecord, expectedVersion int64) (int64, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	var (
		result sql.Result
		err    error
	)
	newVersion := expectedVersion + 1
	if expectedVersion == 0 {
		result, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO instances
			(instance_id, execution_id, name, status, version, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
			rec.InstanceID, rec.ExecutionID, rec.Name, string(rec.Status), rec.State,
			unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt))
	} else {
		result, err = s.db.ExecContext(ctx, `UPDATE instances
			SET execution_id = ?, name = ?, status = ?, version = ?, state = ?, created_at = ?, updated_at = ?
			WHERE instance_id = ? AND version = ?`,
			rec.ExecutionID, rec.Name, string(rec.Status), newVersion, rec.State,
			unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt), rec.InstanceID, expectedVersion)
	}
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("saving instance %s: %w", rec.InstanceID, err))
		s.logger.Error(ctx, err.Error(), "storage.instance", rec.InstanceID)
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		stored, _ := s.storedVersion(ctx, `SELECT version FROM instances WHERE instance_id = ?`, rec.InstanceID)
		return 0, conflict("instance", rec.InstanceID, expectedVersion, stored)
	}

	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO executions
		(instance_id, execution_id, name, status, version, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.ExecutionID, rec.Name, string(rec.Status), newVersion, rec.State,
		unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt)); err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("saving execution %s:%s: %w", rec.InstanceID, rec.ExecutionID, err))
		s.logger.Error(ctx, err.Error(), "storage.instance", rec.InstanceID, "storage.execution", rec.ExecutionID)
		return 0, err
	}
	return newVersion, nil
}

func (s *SQLite) LoadEntity(ctx context.Context, id string) (*EntityRecord, error) {
	var (
		rec       EntityRecord
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT entity_id, version, state, updated_at FROM entities WHERE entity_id = ?`, id).
		Scan(&rec.ID, &rec.Version, &rec.State, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("loading entity %s: %w", id, err))
		s.logger.Error(ctx, err.Error(), "storage.entity", id)
		return nil, err
	}
	rec.UpdatedAt = fromUnixNano(updatedAt)
	return &rec, nil
}

func (s *SQLite) SaveEntity(ctx context.Context, rec *EntityRecord, expectedVersion int64) (int64, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	var (
		result sql.Result
		err    error
	)
	newVersion := expectedVersion + 1
	switch {
	case rec.State == nil && expectedVersion == 0:
		stored, err := s.storedVersion(ctx, `SELECT version FROM entities WHERE entity_id = ?`, rec.ID)
		if err != nil {
			err = errors.Join(ErrStorage, fmt.Errorf("saving entity %s: %w", rec.ID, err))
			s.logger.Error(ctx, err.Error(), "storage.entity", rec.ID)
			return 0, err
		}
		if stored != 0 {
			return 0, conflict("entity", rec.ID, expectedVersion, stored)
		}
		return 0, nil
	case rec.State == nil:
		result, err = s.db.ExecContext(ctx, `UPDATE entities SET version = ?, state = NULL, updated_at = ? WHERE entity_id = ? AND version = ?`,
			newVersion, unixNano(rec.UpdatedAt), rec.ID, expectedVersion)
	case expectedVersion == 0:
		result, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO entities (entity_id, version, state, updated_at) VALUES (?, 1, ?, ?)`,
			rec.ID, rec.State, unixNano(rec.UpdatedAt))
	default:
		result, err = s.db.ExecContext(ctx, `UPDATE entities SET version = ?, state = ?, updated_at = ? WHERE entity_id = ? AND version = ?`,
			newVersion, rec.State, unixNano(rec.UpdatedAt), rec.ID, expectedVersion)
	}
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("saving entity %s: %w", rec.ID, err))
		s.logger.Error(ctx, err.Error(), "storage.entity", rec.ID)
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		stored, _ := s.storedVersion(ctx, `SELECT version FROM entities WHERE entity_id = ?`, rec.ID)
		return 0, conflict("entity", rec.ID, expectedVersion, stored)
	}
	return newVersion, nil
}

func (s *SQLite) ListEntities(ctx context.Context) ([]*EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, version, state, updated_at FROM entities WHERE state IS NOT NULL ORDER BY entity_id`)
	if err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("listing entities: %w", err))
		s.logger.Error(ctx, err.Error())
		return nil, err
	}
	defer rows.Close()

	var records []*EntityRecord
	for rows.Next() {
		var (
			rec       EntityRecord
			updatedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.State, &updatedAt); err != nil {
			err = errors.Join(ErrStorage, fmt.Errorf("listing entities: %w", err))
			s.logger.Error(ctx, err.Error())
			return nil, err
		}
		rec.UpdatedAt = fromUnixNano(updatedAt)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		err = errors.Join(ErrStorage, fmt.Errorf("listing entities: %w", err))
		s.logger.Error(ctx, err.Error())
		return nil, err
	}
	return records, nil
}

func (s *SQLite) Close() error {
	err := s.db.Close()
	s.comfy.Close()
	return err
}
