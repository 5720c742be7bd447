package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opsflow/opsflow/workflow"
)

// checkpointRecord is the relational projection of a checkpoint. The full
// snapshot travels as a JSON payload; the indexed columns exist for lookup
// and retention queries only.
type checkpointRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	InstanceID   string `gorm:"size:64;not null;uniqueIndex:idx_instance_seq,priority:1;index"`
	DefinitionID string `gorm:"size:128;index"`
	Sequence     int    `gorm:"not null;uniqueIndex:idx_instance_seq,priority:2"`
	State        string `gorm:"size:32"`
	Reason       string `gorm:"size:64"`
	Payload      []byte `gorm:"not null"`
	CreatedAt    time.Time
}

func (checkpointRecord) TableName() string { return "workflow_checkpoints" }

// definitionRecord stores a registered workflow definition document, keyed by
// id and version.
type definitionRecord struct {
	DefinitionID string `gorm:"size:128;not null;uniqueIndex:idx_def_version,priority:1"`
	Version      int    `gorm:"not null;uniqueIndex:idx_def_version,priority:2"`
	Name         string `gorm:"size:256"`
	Source       []byte `gorm:"not null"`
	CreatedAt    time.Time
}

func (definitionRecord) TableName() string { return "workflow_definitions" }

// GormStore is the relational persistence layer: an append-only
// workflow.CheckpointStore plus a definition registry. It works against any
// GORM dialect; OpenSQLite and OpenPostgres cover the supported backends.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite database. Use ":memory:" for an
// ephemeral store in tests and single-node setups.
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// OpenPostgres connects to PostgreSQL with the given DSN.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&checkpointRecord{}, &definitionRecord{}); err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "schema migration failed").WithCause(err)
	}
	return &GormStore{db: db}, nil
}

// === workflow.CheckpointStore ===

// Save implements workflow.CheckpointStore. The unique (instance, sequence)
// index makes the chain append-only at the database level.
func (s *GormStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint encode failed").WithCause(err)
	}
	rec := checkpointRecord{
		ID:           cp.ID,
		InstanceID:   cp.InstanceID,
		DefinitionID: cp.DefinitionID,
		Sequence:     cp.Sequence,
		State:        string(cp.State),
		Reason:       cp.Reason,
		Payload:      payload,
		CreatedAt:    cp.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint insert failed").WithCause(err)
	}
	return nil
}

// Load implements workflow.CheckpointStore.
func (s *GormStore) Load(ctx context.Context, checkpointID string) (*workflow.Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", checkpointID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.NewError(workflow.ErrCodeStorage,
			fmt.Sprintf("checkpoint %s not found", checkpointID))
	}
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint query failed").WithCause(err)
	}
	return decodeCheckpoint(rec.Payload)
}

// LoadLatest implements workflow.CheckpointStore.
func (s *GormStore) LoadLatest(ctx context.Context, instanceID string) (*workflow.Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("sequence DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.NewError(workflow.ErrCodeStorage,
			fmt.Sprintf("no checkpoints for instance %s", instanceID))
	}
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint query failed").WithCause(err)
	}
	return decodeCheckpoint(rec.Payload)
}

// List implements workflow.CheckpointStore, ordered by sequence.
func (s *GormStore) List(ctx context.Context, instanceID string) ([]*workflow.Checkpoint, error) {
	var recs []checkpointRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("sequence ASC").
		Find(&recs).Error
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint query failed").WithCause(err)
	}
	out := make([]*workflow.Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := decodeCheckpoint(rec.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// LatestCheckpoints returns the highest-sequence checkpoint of every
// instance that has one. The serve startup uses it to find interrupted
// instances to recover.
func (s *GormStore) LatestCheckpoints(ctx context.Context) ([]*workflow.Checkpoint, error) {
	var recs []checkpointRecord
	err := s.db.WithContext(ctx).
		Order("instance_id ASC, sequence DESC").
		Find(&recs).Error
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint query failed").WithCause(err)
	}
	var out []*workflow.Checkpoint
	seen := make(map[string]struct{})
	for _, rec := range recs {
		if _, ok := seen[rec.InstanceID]; ok {
			continue
		}
		seen[rec.InstanceID] = struct{}{}
		cp, err := decodeCheckpoint(rec.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete implements workflow.CheckpointStore. Deleting a missing checkpoint
// is a no-op; only the retention sweep calls this.
func (s *GormStore) Delete(ctx context.Context, checkpointID string) error {
	err := s.db.WithContext(ctx).Delete(&checkpointRecord{}, "id = ?", checkpointID).Error
	if err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint delete failed").WithCause(err)
	}
	return nil
}

func decodeCheckpoint(payload []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint decode failed").WithCause(err)
	}
	return &cp, nil
}

// === definition registry ===

// SaveDefinition registers a validated definition document. A (id, version)
// pair is immutable once written.
func (s *GormStore) SaveDefinition(ctx context.Context, def *workflow.WorkflowDefinition, source []byte) error {
	rec := definitionRecord{
		DefinitionID: def.ID,
		Version:      def.Version,
		Name:         def.Name,
		Source:       source,
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return workflow.NewError(workflow.ErrCodeStorage,
			fmt.Sprintf("definition %s v%d insert failed", def.ID, def.Version)).WithCause(err)
	}
	return nil
}

// LoadDefinition returns the parsed definition. Version 0 selects the latest.
func (s *GormStore) LoadDefinition(ctx context.Context, definitionID string, version int) (*workflow.WorkflowDefinition, error) {
	q := s.db.WithContext(ctx).Where("definition_id = ?", definitionID)
	if version > 0 {
		q = q.Where("version = ?", version)
	}
	var rec definitionRecord
	err := q.Order("version DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.NewError(workflow.ErrCodeStorage,
			fmt.Sprintf("definition %s not found", definitionID))
	}
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "definition query failed").WithCause(err)
	}
	return workflow.ParseDefinition(rec.Source)
}

// ListDefinitions returns the latest version of every registered definition.
func (s *GormStore) ListDefinitions(ctx context.Context) ([]*workflow.WorkflowDefinition, error) {
	var recs []definitionRecord
	err := s.db.WithContext(ctx).Order("definition_id ASC, version DESC").Find(&recs).Error
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "definition query failed").WithCause(err)
	}
	var out []*workflow.WorkflowDefinition
	seen := make(map[string]struct{})
	for _, rec := range recs {
		if _, ok := seen[rec.DefinitionID]; ok {
			continue
		}
		seen[rec.DefinitionID] = struct{}{}
		def, err := workflow.ParseDefinition(rec.Source)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}
