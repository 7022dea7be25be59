package unify

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// lookup returns the first present candidate key. The argument order is the
// fallback chain: WebSocket SIMPLE key first, REST long key after.
func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// decimalField resolves a numeric field to a decimal.
func decimalField(raw map[string]any, keys ...string) (decimal.Decimal, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return decimal.Zero, false
	}
	return coerceDecimal(v)
}

func coerceDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	}
	return decimal.Zero, false
}

// int64Field resolves an integer field.
func int64Field(raw map[string]any, keys ...string) (int64, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// stringField resolves a string field.
func stringField(raw map[string]any, keys ...string) (string, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// millisField resolves a millisecond timestamp, accepting either a numeric
// epoch or an ISO-8601 string (candle_date_time_utc style).
func millisField(raw map[string]any, keys ...string) (int64, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case string:
		// Upbit candle timestamps come as "2024-01-15T09:00:00".
		for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339} {
			if t, err := time.Parse(layout, n); err == nil {
				return t.UnixMilli(), true
			}
		}
		return 0, false
	default:
		return int64Field(raw, keys...)
	}
}
