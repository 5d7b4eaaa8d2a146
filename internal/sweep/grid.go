package sweep

import (
	"encoding/json"
	"sort"
	"strconv"
)

// FilterByCoordinates keeps the entries whose coordinates match every fixed value.
// Values are compared numerically, so "25" matches "25.0".
func FilterByCoordinates(entries []Entry, fixed map[string]json.Number) []Entry {
	var out []Entry
	for _, e := range entries {
		match := true
		for id, want := range fixed {
			got, ok := e.Coordinates[id]
			if !ok || !numEqual(got, want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, e)
		}
	}
	return out
}

// AxisValues returns the distinct values of one axis across entries, ascending.
func AxisValues(entries []Entry, axisID string) []json.Number {
	seen := make(map[float64]json.Number)
	for _, e := range entries {
		v, ok := e.Coordinates[axisID]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			continue
		}
		if _, dup := seen[f]; !dup {
			seen[f] = v
		}
	}

	keys := make([]float64, 0, len(seen))
	for f := range seen {
		keys = append(keys, f)
	}
	sort.Float64s(keys)

	out := make([]json.Number, len(keys))
	for i, f := range keys {
		out[i] = seen[f]
	}
	return out
}

func numEqual(a, b json.Number) bool {
	fa, errA := strconv.ParseFloat(a.String(), 64)
	fb, errB := strconv.ParseFloat(b.String(), 64)
	if errA != nil || errB != nil {
		return a == b
	}
	return fa == fb
}
