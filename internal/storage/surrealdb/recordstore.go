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

// RecordStore implements interfaces.RecordStore using SurrealDB.
// Rows live in series_record keyed by the record's composite natural key.
type RecordStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewRecordStore creates a new RecordStore.
func NewRecordStore(db *surrealdb.DB, logger *common.Logger) *RecordStore {
	return &RecordStore{db: db, logger: logger}
}

// Upsert validates and persists a page of records. Rows are keyed by their
// composite natural key: re-ingestion overwrites value columns, payload and
// updated_at only, never the key columns or created_at.
func (s *RecordStore) Upsert(ctx context.Context, records []*models.Record) (interfaces.UpsertResult, error) {
	valid, dropped := partitionValid(records)
	if dropped > 0 {
		s.logger.Warn().
			Int("dropped", dropped).
			Int("submitted", len(records)).
			Msg("Quarantined invalid records")
	}

	now := time.Now()
	sql := `UPSERT $rid SET
		entity_id = $entity_id, series = $series, resolution = $resolution,
		timestamp = $timestamp, period_key = $period_key,
		values = $values, payload = $payload,
		updated_at = $now, created_at = created_at ?? $now`

	accepted := 0
	for _, rec := range valid {
		vars := map[string]any{
			"rid":        surrealmodels.NewRecordID("series_record", rec.Key()),
			"entity_id":  rec.EntityID,
			"series":     rec.Series,
			"resolution": rec.Resolution,
			"timestamp":  rec.Timestamp,
			"period_key": rec.PeriodKey,
			"values":     rec.Values,
			"payload":    string(rec.Payload),
			"now":        now,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return interfaces.UpsertResult{Accepted: accepted, Dropped: dropped},
				fmt.Errorf("failed to upsert record %s: %w", rec.Key(), err)
		}
		accepted++
	}

	return interfaces.UpsertResult{Accepted: accepted, Dropped: dropped}, nil
}

// GetRange returns records for an entity+series+resolution within [from, to].
func (s *RecordStore) GetRange(ctx context.Context, entityID, series, resolution string, from, to time.Time) ([]*models.Record, error) {
	sql := `SELECT * FROM series_record
		WHERE entity_id = $entity_id AND series = $series AND resolution = $resolution
		AND timestamp >= $from AND timestamp <= $to
		ORDER BY timestamp ASC`
	vars := map[string]any{
		"entity_id":  entityID,
		"series":     series,
		"resolution": resolution,
		"from":       from,
		"to":         to,
	}

	results, err := surrealdb.Query[[]models.Record](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	var records []*models.Record
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			records = append(records, &(*results)[0].Result[i])
		}
	}
	return records, nil
}

// Count returns the number of stored rows for an entity+series.
func (s *RecordStore) Count(ctx context.Context, entityID, series string) (int, error) {
	sql := "SELECT count() AS cnt FROM series_record WHERE entity_id = $entity_id AND series = $series GROUP ALL"
	vars := map[string]any{"entity_id": entityID, "series": series}

	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.RecordStore = (*RecordStore)(nil)
