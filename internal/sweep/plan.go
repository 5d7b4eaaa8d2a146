// Package sweep expands a base parameter document and a set of sweep axes
// into the cartesian product of variant documents.
//
// Ordering is axis-major: the first axis is the outermost loop and the last
// axis varies fastest. Callers index variants positionally, so the order is
// part of the contract.
package sweep

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Axis is one sweep dimension: a dotted field path and the ordered values
// written at that path.
type Axis struct {
	ID     string        `json:"id,omitempty"`
	Path   string        `json:"path"`
	Values []json.Number `json:"values"`
	Label  string        `json:"label,omitempty"`
}

// Entry is one variant of the plan. Deltas are keyed by path, coordinates by axis id.
type Entry struct {
	Document    json.RawMessage        `json:"document"`
	Deltas      map[string]json.Number `json:"deltas"`
	Coordinates map[string]json.Number `json:"coordinates"`
}

type axisPlan struct {
	id   string
	path string
	segs []string
	vals []json.Number
}

// Count returns the number of variants the axes expand to, saturating at math.MaxInt.
func Count(axes []Axis) int {
	n := 1
	for _, a := range axes {
		k := len(a.Values)
		if k == 0 {
			return 0
		}
		if n > math.MaxInt/k {
			return math.MaxInt
		}
		n *= k
	}
	return n
}

// Generate expands base × axes without a variant limit.
func Generate(base json.RawMessage, axes []Axis) ([]Entry, error) {
	return GenerateLimit(base, axes, 0)
}

// GenerateLimit expands base × axes and rejects plans larger than limit.
// A limit of zero disables the check.
func GenerateLimit(base json.RawMessage, axes []Axis, limit int) ([]Entry, error) {
	root, err := decodeObject(base)
	if err != nil {
		return nil, err
	}

	plans, err := compileAxes(axes)
	if err != nil {
		return nil, err
	}

	total := Count(axes)
	if limit > 0 && total > limit {
		return nil, &PlanError{Axis: -1, Err: fmt.Errorf("%w: %d variants, limit %d", ErrTooManyVariants, total, limit)}
	}

	entries := make([]Entry, 0, total)
	if total == 0 {
		return entries, nil
	}

	// Odometer over value indexes; the last axis turns fastest.
	idx := make([]int, len(plans))
	for {
		entry, err := buildEntry(root, plans, idx)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)

		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(plans[i].vals) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return entries, nil
}

func buildEntry(root map[string]any, plans []axisPlan, idx []int) (Entry, error) {
	doc := deepCopy(root).(map[string]any)
	deltas := make(map[string]json.Number, len(plans))
	coords := make(map[string]json.Number, len(plans))

	for i, p := range plans {
		v := p.vals[idx[i]]
		if err := setPath(doc, p.segs, v); err != nil {
			return Entry{}, planErr(i, p.path, err)
		}
		deltas[p.path] = v
		coords[p.id] = v
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return Entry{}, fmt.Errorf("sweep: encode variant: %w", err)
	}
	return Entry{Document: raw, Deltas: deltas, Coordinates: coords}, nil
}

func compileAxes(axes []Axis) ([]axisPlan, error) {
	plans := make([]axisPlan, len(axes))
	seen := make(map[string]struct{}, len(axes))

	for i, a := range axes {
		segs, err := SplitPath(a.Path)
		if err != nil {
			return nil, planErr(i, a.Path, err)
		}

		id := a.ID
		if id == "" {
			id = "axis" + strconv.Itoa(i)
		}
		if _, dup := seen[id]; dup {
			return nil, planErr(i, a.Path, fmt.Errorf("%w: %q", ErrDuplicateAxis, id))
		}
		seen[id] = struct{}{}

		for _, v := range a.Values {
			if _, err := ParseNumber(v.String()); err != nil {
				return nil, planErr(i, a.Path, err)
			}
		}

		plans[i] = axisPlan{id: id, path: a.Path, segs: segs, vals: a.Values}
	}
	return plans, nil
}

// SplitPath validates a dotted field path and returns its segments.
func SplitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyPath
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, ErrInvalidPath
		}
	}
	return segs, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &PlanError{Axis: -1, Err: fmt.Errorf("%w: %v", ErrBaseNotObject, err)}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &PlanError{Axis: -1, Err: ErrBaseNotObject}
	}
	return obj, nil
}

// setPath writes v at segs, creating intermediate objects that are absent or null.
func setPath(root map[string]any, segs []string, v json.Number) error {
	var cur any = root
	for _, seg := range segs[:len(segs)-1] {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok || next == nil {
				next = map[string]any{}
				node[seg] = next
			}
			cur = next
		case []any:
			i, ok := arrayIndex(seg, len(node))
			if !ok {
				return ErrPathConflict
			}
			if node[i] == nil {
				node[i] = map[string]any{}
			}
			cur = node[i]
		default:
			return ErrPathConflict
		}
	}

	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]any:
		node[last] = v
	case []any:
		i, ok := arrayIndex(last, len(node))
		if !ok {
			return ErrPathConflict
		}
		node[i] = v
	default:
		return ErrPathConflict
	}
	return nil
}

func arrayIndex(seg string, n int) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return t
	}
}
