package sweep

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Distribution selects how ParseValues spaces a start-end range.
type Distribution string

const (
	Linear      Distribution = "linear"
	Logarithmic Distribution = "log"
	Exponential Distribution = "exp"
)

// MaxValues caps how many values a single range expression may generate.
const MaxValues = 10000

var (
	distPattern   = regexp.MustCompile(`^(log|exp|linear):([0-9.]+)-([0-9.]+):([0-9]+)(?::([0-9.]+))?$`)
	rangePattern  = regexp.MustCompile(`^([0-9.]+)-([0-9.]+):([0-9]+)$`)
	numberPattern = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)
)

// ParseNumber accepts a JSON number literal with a finite float64 value.
// NaN, Inf, hex floats and out-of-range exponents are rejected.
func ParseNumber(s string) (float64, error) {
	if !numberPattern.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrNonNumeric, s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q is out of range", ErrNonNumeric, s)
	}
	return f, nil
}

// ParseValues turns an axis value expression into an ordered value list.
//
//	"25,35,45"        explicit list
//	"1-10:5"          5 linearly spaced values from 1 to 10
//	"log:1-100:5[:b]" logarithmic spacing, base b (default 10)
//	"exp:1-10:5"      geometric growth from 1 to 10
//
// Generated values are rounded to 4 decimal places. Ranges may generate at
// most MaxValues values.
func ParseValues(input string) ([]json.Number, error) {
	return ParseValuesLimit(input, MaxValues)
}

// ParseValuesLimit is ParseValues with a custom cap on generated values.
// A limit of zero or less, or above MaxValues, means MaxValues.
func ParseValuesLimit(input string, limit int) ([]json.Number, error) {
	if limit <= 0 || limit > MaxValues {
		limit = MaxValues
	}
	input = strings.TrimSpace(input)

	if m := distPattern.FindStringSubmatch(input); m != nil {
		start, end, count, err := parseRange(m[2], m[3], m[4], limit)
		if err != nil {
			return nil, err
		}
		base := 0.0
		if m[5] != "" {
			if base, err = ParseNumber(m[5]); err != nil {
				return nil, fmt.Errorf("%w: base %q", ErrInvalidValues, m[5])
			}
		}
		vals, err := Distribute(Distribution(m[1]), start, end, count, base)
		if err != nil {
			return nil, err
		}
		return rounded(vals)
	}

	if m := rangePattern.FindStringSubmatch(input); m != nil {
		start, end, count, err := parseRange(m[1], m[2], m[3], limit)
		if err != nil {
			return nil, err
		}
		vals, err := Distribute(Linear, start, end, count, 0)
		if err != nil {
			return nil, err
		}
		return rounded(vals)
	}

	var out []json.Number
	for _, tok := range strings.Split(input, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, err := ParseNumber(tok); err != nil {
			return nil, err
		}
		out = append(out, json.Number(tok))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no values in %q", ErrInvalidValues, input)
	}
	return out, nil
}

// Distribute spaces count values from start to end. base is only used by
// Logarithmic (default 10). count may not exceed MaxValues.
func Distribute(kind Distribution, start, end float64, count int, base float64) ([]float64, error) {
	if count > MaxValues {
		return nil, fmt.Errorf("%w: count %d exceeds limit %d", ErrInvalidValues, count, MaxValues)
	}
	if count <= 1 {
		return []float64{start}, nil
	}

	out := make([]float64, count)
	switch kind {
	case Logarithmic:
		if start <= 0 || end <= 0 {
			return nil, fmt.Errorf("%w: logarithmic distribution requires positive bounds", ErrInvalidValues)
		}
		if base <= 0 {
			base = 10
		}
		if base == 1 {
			return nil, fmt.Errorf("%w: logarithm base 1", ErrInvalidValues)
		}
		lb := math.Log(base)
		lo, hi := math.Log(start)/lb, math.Log(end)/lb
		step := (hi - lo) / float64(count-1)
		for i := range out {
			out[i] = math.Pow(base, lo+step*float64(i))
		}
	case Exponential:
		if start == 0 {
			return nil, fmt.Errorf("%w: exponential distribution cannot start at zero", ErrInvalidValues)
		}
		growth := math.Pow(end/start, 1/float64(count-1))
		for i := range out {
			out[i] = start * math.Pow(growth, float64(i))
		}
	case Linear, "":
		step := (end - start) / float64(count-1)
		for i := range out {
			out[i] = start + step*float64(i)
		}
	default:
		return nil, fmt.Errorf("%w: unknown distribution %q", ErrInvalidValues, kind)
	}
	return out, nil
}

func parseRange(s, e, c string, limit int) (float64, float64, int, error) {
	start, err := ParseNumber(s)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: start %q", ErrInvalidValues, s)
	}
	end, err := ParseNumber(e)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: end %q", ErrInvalidValues, e)
	}
	count, err := strconv.Atoi(c)
	if err != nil || count < 1 {
		return 0, 0, 0, fmt.Errorf("%w: count %q", ErrInvalidValues, c)
	}
	if count > limit {
		return 0, 0, 0, fmt.Errorf("%w: count %d exceeds limit %d", ErrInvalidValues, count, limit)
	}
	return start, end, count, nil
}

func rounded(vals []float64) ([]json.Number, error) {
	out := make([]json.Number, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: range generates a non-finite value", ErrInvalidValues)
		}
		r := math.Round(v*1e4) / 1e4
		out[i] = json.Number(strconv.FormatFloat(r, 'f', -1, 64))
	}
	return out, nil
}
