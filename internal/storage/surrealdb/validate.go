package surrealdb

import (
	"fmt"
	"math"

	"github.com/bobmcallan/tidemark/internal/models"
)

// Magnitude bands for record validation. Upstream occasionally delivers
// price fields off by orders of magnitude, so anything outside these bands
// is quarantined rather than persisted.
const (
	maxPriceValue = 1_000_000        // per-share prices above this are junk
	maxFieldValue = 1e15             // general magnitude cap (market caps etc.)
)

// priceFields are value keys subject to the strict price band.
var priceFields = map[string]bool{
	"open":           true,
	"high":           true,
	"low":            true,
	"close":          true,
	"adjusted_close": true,
	"adj_close":      true,
}

// validateRecord checks a fetched record before persistence. Invalid records
// are dropped and counted, never fatal to the page they arrived on.
func validateRecord(rec *models.Record) error {
	if rec.EntityID == "" {
		return fmt.Errorf("record missing entity id")
	}
	if rec.Timestamp.IsZero() && rec.PeriodKey == "" {
		return fmt.Errorf("record missing timestamp and period key")
	}

	for key, val := range rec.Values {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("field %q is not finite", key)
		}
		if math.Abs(val) > maxFieldValue {
			return fmt.Errorf("field %q magnitude %g exceeds sanity band", key, val)
		}
		if priceFields[key] {
			if val <= 0 {
				return fmt.Errorf("price field %q must be positive, got %g", key, val)
			}
			if val > maxPriceValue {
				return fmt.Errorf("price field %q value %g exceeds price band", key, val)
			}
		}
		if key == "volume" && val < 0 {
			return fmt.Errorf("volume must not be negative, got %g", val)
		}
	}

	return nil
}

// partitionValid splits records into persistable and quarantined sets.
func partitionValid(records []*models.Record) (valid []*models.Record, dropped int) {
	valid = make([]*models.Record, 0, len(records))
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			dropped++
			continue
		}
		valid = append(valid, rec)
	}
	return valid, dropped
}
