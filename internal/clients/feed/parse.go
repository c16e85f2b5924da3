package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bobmcallan/tidemark/internal/models"
)

// flexFloat64 handles JSON values that may be either a number or a string.
type flexFloat64 float64

func (f *flexFloat64) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*f = flexFloat64(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" || s == "N/A" {
			*f = 0
			return nil
		}
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat64(num)
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into float64", string(data))
}

// timestampKeys are tried in order when extracting a row's timestamp.
var timestampKeys = []string{"datetime", "date", "timestamp"}

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05+00:00",
}

// parseRecord converts one upstream row into a Record. The raw row is kept
// as payload; numeric fields (including string-encoded numbers) land in
// Values. Periodic series use the row's period field as the key.
func parseRecord(window models.FetchWindow, raw json.RawMessage) (*models.Record, error) {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("malformed row: %w", err)
	}

	rec := &models.Record{
		EntityID:   window.EntityID,
		Series:     window.Series,
		Resolution: window.Resolution,
		Values:     make(map[string]float64),
		Payload:    raw,
	}

	if window.Series == models.SeriesFundamentals {
		if pk, ok := row["period"]; ok {
			var period string
			if err := json.Unmarshal(pk, &period); err == nil && period != "" {
				rec.PeriodKey = period
			}
		}
		if rec.PeriodKey == "" {
			return nil, fmt.Errorf("fundamentals row missing period")
		}
	}

	ts, ok := extractTimestamp(row)
	if !ok && rec.PeriodKey == "" {
		return nil, fmt.Errorf("row missing timestamp")
	}
	rec.Timestamp = ts

	for key, val := range row {
		if isTimestampKey(key) || key == "period" {
			continue
		}
		var num flexFloat64
		if err := json.Unmarshal(val, &num); err == nil {
			// Zero from an empty/N-A string is indistinguishable from a true
			// zero here; the store's validator decides what survives.
			rec.Values[key] = float64(num)
		}
	}

	return rec, nil
}

func isTimestampKey(key string) bool {
	for _, k := range timestampKeys {
		if key == k {
			return true
		}
	}
	return false
}

// extractTimestamp pulls the row timestamp from the first recognized field.
// Numeric values are treated as unix seconds.
func extractTimestamp(row map[string]json.RawMessage) (time.Time, bool) {
	for _, key := range timestampKeys {
		raw, ok := row[key]
		if !ok {
			continue
		}

		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			for _, layout := range timestampLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC(), true
				}
			}
			continue
		}

		var unix int64
		if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
			return time.Unix(unix, 0).UTC(), true
		}
	}
	return time.Time{}, false
}
