// parse.go - Response payload parsing, coercion helpers, and accuracy scoring

package ai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// stripCodeFences removes markdown code fences that models sometimes wrap
// around JSON output.
func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// parsePayload decodes a model response into header and line item sections.
// Both top-level keys must be present; a response missing either is rejected
// so the caller can retry.
func parsePayload(text string) (map[string]any, []map[string]any, error) {
	cleaned := stripCodeFences(text)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, nil, fmt.Errorf("malformed JSON response: %w", err)
	}

	headerRaw, hasHeader := raw["header"]
	itemsRaw, hasItems := raw["items"]
	if !hasHeader || !hasItems {
		return nil, nil, fmt.Errorf("invalid response structure: missing header or items")
	}

	var header map[string]any
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, nil, fmt.Errorf("malformed header section: %w", err)
	}
	var items []map[string]any
	if err := json.Unmarshal(itemsRaw, &items); err != nil {
		return nil, nil, fmt.Errorf("malformed items section: %w", err)
	}
	return header, items, nil
}

// SafeFloat coerces a decoded JSON value to float64, falling back to def for
// nil, unparseable strings, and unsupported types.
func SafeFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case nil:
		return def
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return def
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return def
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return def
	default:
		return def
	}
}

// SafeString coerces a decoded JSON value to a string, rendering numbers
// without a decimal point when they are whole.
func SafeString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// calculateAccuracy scores a set of extracted line items. Items that never
// report a confidence key score 100 so schema-less tenant prompts are not
// penalized; an empty item list scores 0.
func calculateAccuracy(items []map[string]any) float64 {
	if len(items) == 0 {
		return 0.0
	}

	hasConfidence := false
	for _, item := range items {
		if _, ok := item["confidence"]; ok {
			hasConfidence = true
			break
		}
	}
	if !hasConfidence {
		return 100.0
	}

	var sum float64
	for _, item := range items {
		sum += SafeFloat(item["confidence"], 0)
	}
	return sum / float64(len(items))
}

// headerConfidence reads a confidence field from the header section,
// defaulting to 100 when the model omits it.
func headerConfidence(header map[string]any, key string) float64 {
	if header == nil {
		return 100.0
	}
	return SafeFloat(header[key], 100.0)
}
