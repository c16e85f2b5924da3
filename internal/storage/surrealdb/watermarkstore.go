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

// WatermarkStore implements interfaces.WatermarkStore using SurrealDB.
type WatermarkStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewWatermarkStore creates a new WatermarkStore.
func NewWatermarkStore(db *surrealdb.DB, logger *common.Logger) *WatermarkStore {
	return &WatermarkStore{db: db, logger: logger}
}

func watermarkID(entityID, series, resolution string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID("watermark", fmt.Sprintf("%s|%s|%s", entityID, series, resolution))
}

// Get returns the watermark for the tuple, or nil when it has never been
// synced.
func (s *WatermarkStore) Get(ctx context.Context, entityID, series, resolution string) (*models.Watermark, error) {
	wm, err := surrealdb.Select[models.Watermark](ctx, s.db, watermarkID(entityID, series, resolution))
	if err != nil {
		return nil, fmt.Errorf("failed to select watermark: %w", err)
	}
	if wm == nil || wm.EntityID == "" {
		return nil, nil
	}
	return wm, nil
}

// Advance moves the watermark forward to at most `to`. The guard expression
// keeps advancement monotonic: an out-of-order sync completing late can
// never move the watermark backward.
func (s *WatermarkStore) Advance(ctx context.Context, entityID, series, resolution string, to time.Time) error {
	sql := `UPSERT $rid SET
		entity_id = $entity_id, series = $series, resolution = $resolution,
		high = IF high = NONE OR high < $to THEN $to ELSE high END,
		updated_at = $now`
	vars := map[string]any{
		"rid":        watermarkID(entityID, series, resolution),
		"entity_id":  entityID,
		"series":     series,
		"resolution": resolution,
		"to":         to,
		"now":        time.Now(),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	s.logger.Debug().
		Str("entity", entityID).
		Str("series", series).
		Str("to", to.Format("2006-01-02")).
		Msg("Watermark advanced")
	return nil
}

// Compile-time check
var _ interfaces.WatermarkStore = (*WatermarkStore)(nil)
