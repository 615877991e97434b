package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
)

// Values maps field names to readings. NaN marks a field unavailable this tick.
type Values map[string]float64

// Unavailable returns values with every field set to NaN.
func Unavailable(fields ...string) Values {
	v := make(Values, len(fields))
	for _, f := range fields {
		v[f] = math.NaN()
	}
	return v
}

func IsUnavailable(f float64) bool {
	return math.IsNaN(f)
}

func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, f := range v {
		out[k] = f
	}
	return out
}

// HasUnavailable reports whether any field is NaN.
func (v Values) HasUnavailable() bool {
	for _, f := range v {
		if math.IsNaN(f) {
			return true
		}
	}
	return false
}

// Fields returns the field names in sorted order.
func (v Values) Fields() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON writes NaN and infinities as null.
func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		f := v[k]
		if math.IsNaN(f) || math.IsInf(f, 0) {
			buf.WriteString("null")
			continue
		}
		num, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(num)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads null back as NaN.
func (v *Values) UnmarshalJSON(b []byte) error {
	var raw map[string]*float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	out := make(Values, len(raw))
	for k, f := range raw {
		if f == nil {
			out[k] = math.NaN()
			continue
		}
		out[k] = *f
	}
	*v = out
	return nil
}
