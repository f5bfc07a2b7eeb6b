package pipedrive

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel folds a label for matching: NFD, combining marks removed,
// lowercased, whitespace trimmed and collapsed. "JOSÉ " and "jose" are equal.
func NormalizeLabel(s string) string {
	// transform.Chain keeps state, so it is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// finiteNumber coerces a custom field value to a finite float. Pipedrive returns
// numbers, numeric strings, or objects such as {"value": 10, "currency": "USD"}.
func finiteNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case map[string]any:
		if inner, ok := n["value"]; ok {
			return finiteNumber(inner)
		}
		if inner, ok := n["id"]; ok {
			return finiteNumber(inner)
		}
		return 0, false
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// matchesID reports whether a custom field value numerically equals id.
func matchesID(v any, id int) bool {
	f, ok := finiteNumber(v)
	return ok && f == float64(id)
}

// textValue extracts a string from a custom field value (plain or {"value": ...}).
func textValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case map[string]any:
		return textValue(s["value"])
	default:
		return ""
	}
}
