// Package surrealdb implements Tidemark's storage contracts on SurrealDB.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
)

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	recordStore    *RecordStore
	watermarkStore *WatermarkStore
	batchStore     *BatchStore
	unitQueue      *UnitQueueStore
	entityStore    *EntityStore
}

// NewManager creates a new StorageManager connected to SurrealDB.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// Define tables to ensure they exist (SurrealDB v3 errors on querying non-existent tables)
	tables := []string{"series_record", "watermark", "batch", "unit_queue", "symbol_index"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}

	m.recordStore = NewRecordStore(db, logger)
	m.watermarkStore = NewWatermarkStore(db, logger)
	m.batchStore = NewBatchStore(db, logger)
	m.unitQueue = NewUnitQueueStore(db, logger)
	m.entityStore = NewEntityStore(db, logger)

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

func (m *Manager) RecordStore() interfaces.RecordStore {
	return m.recordStore
}

func (m *Manager) WatermarkStore() interfaces.WatermarkStore {
	return m.watermarkStore
}

func (m *Manager) BatchStore() interfaces.BatchStore {
	return m.batchStore
}

func (m *Manager) UnitQueue() interfaces.UnitQueueStore {
	return m.unitQueue
}

func (m *Manager) EntityStore() interfaces.EntityStore {
	return m.entityStore
}

func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close(context.Background())
	}
	return nil
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
