package llm

import (
	"fmt"
	"math"
	"strconv"
)

// FlexFloat decodes from either a JSON number or a numeric string, and
// rejects NaN and infinities.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		return fmt.Errorf("value is null")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("value is not finite")
	}
	*f = FlexFloat(v)
	return nil
}

// Float coerces a decoded JSON value into a finite float64. Providers
// occasionally return numbers as strings; NaN and infinities are rejected.
func Float(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("value is null")
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value is not finite")
	}
	return f, nil
}

// Probability coerces v and clamps it to [0, 1].
func Probability(v any) (float64, error) {
	f, err := Float(v)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f, nil
}
