// Package models defines the data types shared across Tidemark components.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Series kinds ingestable from the upstream feed.
const (
	SeriesEOD          = "eod"
	SeriesIntraday     = "intraday"
	SeriesFundamentals = "fundamentals"
	SeriesNews         = "news"
	SeriesOverview     = "overview"
)

// Resolutions for bar series. Periodic series (fundamentals) use a period
// key instead of a resolution.
const (
	ResolutionDaily  = "d"
	ResolutionHourly = "1h"
)

// DefaultResolution returns the resolution used for a series kind when the
// caller does not specify one.
func DefaultResolution(series string) string {
	switch series {
	case SeriesIntraday:
		return ResolutionHourly
	default:
		return ResolutionDaily
	}
}

// Entity is an ingestable subject: a ticker symbol with a stable identifier.
// Symbol is the upstream format, e.g. "BHP.AU". Identity is immutable;
// attributes are refreshed by the overview sync.
type Entity struct {
	Symbol   string `json:"symbol"`
	Code     string `json:"code"`
	Exchange string `json:"exchange"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`

	AddedAt    time.Time `json:"added_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Record is one persisted time-series row. Bar series are keyed by
// (entity, resolution, timestamp); periodic series by (entity, period_key).
// Values holds the numeric columns; Payload keeps the raw upstream row.
type Record struct {
	EntityID   string             `json:"entity_id"`
	Series     string             `json:"series"`
	Resolution string             `json:"resolution"`
	Timestamp  time.Time          `json:"timestamp"`
	PeriodKey  string             `json:"period_key,omitempty"`
	Values     map[string]float64 `json:"values"`
	Payload    json.RawMessage    `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the composite natural key for the record. The same key always
// addresses the same logical row, which is what makes re-ingestion safe.
func (r *Record) Key() string {
	if r.PeriodKey != "" {
		return fmt.Sprintf("%s|%s|%s", r.EntityID, r.Series, r.PeriodKey)
	}
	return fmt.Sprintf("%s|%s|%s|%s", r.EntityID, r.Series, r.Resolution, r.Timestamp.UTC().Format(time.RFC3339))
}

// Watermark records the most recent timestamp known to be fully persisted
// for an entity+series+resolution. Written only by the store after a
// successful upsert; advancement is monotonic.
type Watermark struct {
	EntityID   string    `json:"entity_id"`
	Series     string    `json:"series"`
	Resolution string    `json:"resolution"`
	High       time.Time `json:"high"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key returns the composite key for the watermark row.
func (w *Watermark) Key() string {
	return fmt.Sprintf("%s|%s|%s", w.EntityID, w.Series, w.Resolution)
}

// FetchWindow describes one bounded request to the upstream API. Windows
// carry only plain data so they can cross a queue boundary; services are
// re-resolved at execution time.
type FetchWindow struct {
	EntityID   string    `json:"entity_id"`
	Series     string    `json:"series"`
	Resolution string    `json:"resolution"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}

// Days returns the inclusive day count covered by the window.
func (w FetchWindow) Days() int {
	return int(w.To.Sub(w.From).Hours()/24) + 1
}

// Valid reports whether the window bounds are ordered.
func (w FetchWindow) Valid() bool {
	return !w.From.IsZero() && !w.To.IsZero() && !w.From.After(w.To)
}
