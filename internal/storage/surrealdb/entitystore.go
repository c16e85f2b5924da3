package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

// EntityStore implements interfaces.EntityStore using SurrealDB. The
// symbol_index table is the registry of everything the system ingests.
type EntityStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewEntityStore creates a new EntityStore.
func NewEntityStore(db *surrealdb.DB, logger *common.Logger) *EntityStore {
	return &EntityStore{db: db, logger: logger}
}

func (s *EntityStore) Upsert(ctx context.Context, entity *models.Entity) error {
	if entity.Symbol == "" {
		return fmt.Errorf("entity missing symbol")
	}
	now := time.Now()

	// added_at survives re-registration; everything else refreshes
	sql := `UPSERT $rid SET
		symbol = $symbol, code = $code, exchange = $exchange, name = $name,
		active = $active, last_seen_at = $now, added_at = added_at ?? $now`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("symbol_index", entity.Symbol),
		"symbol":   entity.Symbol,
		"code":     entity.Code,
		"exchange": entity.Exchange,
		"name":     entity.Name,
		"active":   entity.Active,
		"now":      now,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (s *EntityStore) Get(ctx context.Context, symbol string) (*models.Entity, error) {
	entity, err := surrealdb.Select[models.Entity](ctx, s.db, surrealmodels.NewRecordID("symbol_index", symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to select entity: %w", err)
	}
	if entity == nil || entity.Symbol == "" {
		return nil, fmt.Errorf("entity %s not found", symbol)
	}
	return entity, nil
}

func (s *EntityStore) List(ctx context.Context) ([]*models.Entity, error) {
	return s.query(ctx, "SELECT * FROM symbol_index ORDER BY symbol ASC", nil)
}

func (s *EntityStore) ListActive(ctx context.Context) ([]*models.Entity, error) {
	return s.query(ctx, "SELECT * FROM symbol_index WHERE active = true ORDER BY symbol ASC", nil)
}

func (s *EntityStore) query(ctx context.Context, sql string, vars map[string]any) ([]*models.Entity, error) {
	results, err := surrealdb.Query[[]models.Entity](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}

	var entities []*models.Entity
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			entities = append(entities, &(*results)[0].Result[i])
		}
	}
	return entities, nil
}

// Compile-time check
var _ interfaces.EntityStore = (*EntityStore)(nil)
