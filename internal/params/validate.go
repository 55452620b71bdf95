package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValidationResult is the outcome of a pure payload validation pass.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Normalized []byte   `json:"-"`
}

// Status maps the result onto the revision validation_status values.
func (r ValidationResult) Status() string {
	if r.Valid {
		return "valid"
	}
	return "invalid"
}

// IssuesJSON serializes errors and warnings for the revision issues column.
func (r ValidationResult) IssuesJSON() []byte {
	if len(r.Errors) == 0 && len(r.Warnings) == 0 {
		return nil
	}
	b, _ := json.Marshal(map[string][]string{"errors": r.Errors, "warnings": r.Warnings})
	return b
}

// Validate checks a profile payload against the field catalog without
// touching storage. Constraint violations on cataloged paths are errors;
// structural oddities that the optimizer tolerates are warnings. The
// normalized payload has stable key order via compact re-marshaling.
func Validate(payload []byte) ValidationResult {
	var res ValidationResult

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("payload is not valid JSON: %v", err))
		return res
	}
	tree, ok := root.(map[string]any)
	if !ok {
		res.Errors = append(res.Errors, "payload must be a JSON object")
		return res
	}

	for _, f := range catalog {
		v, found := lookupPath(tree, f.Path)
		if !found {
			continue
		}
		if msg := checkField(f, v); msg != "" {
			res.Errors = append(res.Errors, msg)
		}
	}

	for key := range tree {
		switch key {
		case "general", "devices", "prediction", "optimization", "measurement", "server", "ems", "logging", "cache", "utils":
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("unknown top-level section %q", key))
		}
	}

	res.Valid = len(res.Errors) == 0
	if res.Valid {
		normalized, err := json.Marshal(tree)
		if err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("normalize payload: %v", err))
			return res
		}
		res.Normalized = normalized
	}
	return res
}

func checkField(f Field, v any) string {
	switch f.ValueType {
	case "number":
		num, ok := toFloat(v)
		if !ok {
			return fmt.Sprintf("%s: expected number, got %T", f.Path, v)
		}
		if f.Min != nil && num < *f.Min {
			return fmt.Sprintf("%s: %v below minimum %v", f.Path, num, *f.Min)
		}
		if f.Max != nil && num > *f.Max {
			return fmt.Sprintf("%s: %v above maximum %v", f.Path, num, *f.Max)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("%s: expected boolean, got %T", f.Path, v)
		}
	case "string":
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("%s: expected string, got %T", f.Path, v)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fmt.Sprintf("%s: %q not one of %v", f.Path, s, f.Enum)
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// lookupPath walks a dotted path through nested objects.
func lookupPath(tree map[string]any, path string) (any, bool) {
	cur := any(tree)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a value at a dotted path, creating intermediate objects.
// It fails when an intermediate segment exists but is not an object.
func setPath(tree map[string]any, path string, value any) error {
	return setTreeValue(tree, path, nil, value)
}

// setTreeValue writes a value at a dotted path that may cross arrays. A
// segment of the form "name[]" addresses one element of the array "name":
// the element whose device_id equals selector when one is given, otherwise
// the first object element. Missing containers are created along the way,
// including a fresh array element. The path must not end in an array segment.
func setTreeValue(tree map[string]any, path string, selector *string, value any) error {
	parts := strings.Split(path, ".")
	cur := tree
	for i, part := range parts {
		last := i == len(parts)-1
		name, isArray := strings.CutSuffix(part, "[]")

		if !isArray {
			if last {
				cur[part] = value
				return nil
			}
			next, ok := cur[part]
			if !ok {
				child := map[string]any{}
				cur[part] = child
				cur = child
				continue
			}
			child, ok := next.(map[string]any)
			if !ok {
				return fmt.Errorf("path segment %q is not an object", part)
			}
			cur = child
			continue
		}

		if last {
			return fmt.Errorf("path must not end in array segment %q", part)
		}
		elem, err := arrayElement(cur, name, selector)
		if err != nil {
			return err
		}
		cur = elem
	}
	return nil
}

// arrayElement resolves the addressed element of the array cur[name],
// appending a new one when nothing matches.
func arrayElement(cur map[string]any, name string, selector *string) (map[string]any, error) {
	existing, ok := cur[name]
	if !ok {
		existing = []any{}
	}
	arr, ok := existing.([]any)
	if !ok {
		return nil, fmt.Errorf("path segment %q is not an array", name)
	}

	var first map[string]any
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if first == nil {
			first = obj
		}
		if selector != nil {
			if id, _ := obj["device_id"].(string); id == *selector {
				return obj, nil
			}
		}
	}
	if selector == nil && first != nil {
		return first, nil
	}

	elem := map[string]any{}
	if selector != nil {
		elem["device_id"] = *selector
	}
	cur[name] = append(arr, elem)
	return elem, nil
}
