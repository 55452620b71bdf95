package orchestrator

import (
	"encoding/json"
	"strconv"
)

// ExtractWarmStart pulls a start solution out of a prior solution artifact.
// The optimizer historically emitted the array either as numbers or as
// numeric strings; both are accepted. expectedLen > 0 enforces a length
// match, anything else yields nil and the run starts cold.
func ExtractWarmStart(solution []byte, expectedLen int) []float64 {
	if len(solution) == 0 {
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(solution, &envelope); err != nil {
		return nil
	}

	raw, ok := envelope["start_solution"]
	if !ok {
		raw, ok = envelope["ac_charge"]
	}
	if !ok {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	if expectedLen > 0 && len(items) != expectedLen {
		return nil
	}

	out := make([]float64, len(items))
	for i, item := range items {
		var num float64
		if err := json.Unmarshal(item, &num); err == nil {
			out[i] = num
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil
		}
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		out[i] = num
	}
	return out
}

// importProfileUsable decides whether a PV import profile carries enough
// signal to stand in for a failed forecast provider. A flat or nearly flat
// series would steer the optimizer into nonsense, so it needs at least
// minUniquePVValues distinct values.
const minUniquePVValues = 5

func importProfileUsable(series []byte) bool {
	if len(series) == 0 {
		return false
	}

	var values []json.Number
	if err := json.Unmarshal(series, &values); err != nil {
		// Accept the {ts: value} map shape as well.
		var byTs map[string]json.Number
		if err := json.Unmarshal(series, &byTs); err != nil {
			return false
		}
		for _, v := range byTs {
			values = append(values, v)
		}
	}

	unique := make(map[string]struct{}, len(values))
	for _, v := range values {
		unique[v.String()] = struct{}{}
		if len(unique) >= minUniquePVValues {
			return true
		}
	}
	return false
}
