// Package parser decodes raw input payloads. It is pure: structural problems
// are logged at warn level and reported as a missing value, never as an error.
package parser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseValue extracts a text value from a raw payload.
//
// With an empty path the payload itself is the value: JSON scalars are
// stringified, JSON objects/arrays are re-serialized compact, and non-JSON
// text is returned trimmed. With a dotted path the payload must be a JSON
// object; the path is walked key by key. A missing key or a non-object in
// the middle of the chain yields no value.
func ParseValue(raw string, path string, log zerolog.Logger) (string, bool) {
	trimmed := strings.TrimSpace(raw)

	if path == "" {
		if trimmed == "" {
			return "", false
		}
		v, ok := decodeJSON(trimmed)
		if !ok {
			return trimmed, true
		}
		return stringify(v)
	}

	v, ok := decodeJSON(trimmed)
	if !ok {
		log.Warn().Str("path", path).Msg("payload is not JSON, cannot apply path")
		return "", false
	}

	for _, key := range strings.Split(path, ".") {
		obj, isObj := v.(map[string]any)
		if !isObj {
			log.Warn().Str("path", path).Str("key", key).Msg("non-object in payload path chain")
			return "", false
		}
		child, exists := obj[key]
		if !exists {
			return "", false
		}
		v = child
	}

	return stringify(v)
}

// ParseEventTimestamp resolves an event timestamp from a raw payload. It
// accepts ISO-8601 (with or without trailing Z), epoch seconds and epoch
// milliseconds; magnitudes above 1e12 are treated as milliseconds. Naive
// datetimes are assumed UTC. Any failure returns fallback normalized to UTC.
func ParseEventTimestamp(raw string, path string, fallback time.Time, log zerolog.Logger) time.Time {
	text, ok := ParseValue(raw, path, log)
	if !ok || text == "" {
		return fallback.UTC()
	}

	if ts, ok := parseTimestampText(text); ok {
		return ts
	}
	log.Warn().Str("value", text).Msg("unparseable event timestamp, using fallback")
	return fallback.UTC()
}

func parseTimestampText(text string) (time.Time, bool) {
	// Epoch seconds or milliseconds, integer or fractional.
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		if n > 1e12 {
			ms := int64(n)
			return time.UnixMilli(ms).UTC(), true
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), true
	}

	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999", // naive, assumed UTC
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// decodeJSON parses text as JSON with number fidelity preserved.
func decodeJSON(text string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Trailing garbage means the payload was not a single JSON document.
	if dec.More() {
		return nil, false
	}
	return v, true
}

// stringify renders a decoded JSON value as its canonical text form: scalars
// as plain strings, objects and arrays as compact JSON. JSON null has no value.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return "", false
		}
		return strings.TrimSuffix(buf.String(), "\n"), true
	}
}
