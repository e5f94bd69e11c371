package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Observation value types. The type is a semantic hint the policy engine
// uses when coercing operator arguments; values are stored as-is.
const (
	TypeText     = "text"
	TypeNumeric  = "numeric"
	TypePassFail = "pass_fail"
	TypeBoolean  = "boolean"
)

// Observation is a single typed fact discovered by an analyzer.
//
// Observations use a typed key-value pattern so the policy engine can
// match on them generically without knowing which analyzer produced
// them. The value is a tagged union: exactly one of the internal slots
// is meaningful, selected by Type.
type Observation struct {
	Key  string
	Type string

	text    string
	num     float64
	boolean bool
}

// Text builds a text observation.
func Text(key, value string) Observation {
	return Observation{Key: key, Type: TypeText, text: value}
}

// PassFail builds a pass_fail observation ("pass" or "fail").
func PassFail(key, value string) Observation {
	return Observation{Key: key, Type: TypePassFail, text: value}
}

// Numeric builds a numeric observation.
func Numeric(key string, value float64) Observation {
	return Observation{Key: key, Type: TypeNumeric, num: value}
}

// NumericInt builds a numeric observation from an integer count.
func NumericInt(key string, value int) Observation {
	return Observation{Key: key, Type: TypeNumeric, num: float64(value)}
}

// Bool builds a boolean observation.
func Bool(key string, value bool) Observation {
	return Observation{Key: key, Type: TypeBoolean, boolean: value}
}

// String returns the display form of the value: the raw string for text
// and pass_fail, "true"/"false" for booleans, and a minimal decimal
// rendering for numerics.
func (o Observation) String() string {
	switch o.Type {
	case TypeNumeric:
		return strconv.FormatFloat(o.num, 'f', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(o.boolean)
	default:
		return o.text
	}
}

// Float returns the numeric value. Text values that parse as numbers
// coerce; booleans coerce to 1/0. The second return is false when the
// value has no numeric form.
func (o Observation) Float() (float64, bool) {
	switch o.Type {
	case TypeNumeric:
		return o.num, true
	case TypeBoolean:
		if o.boolean {
			return 1, true
		}
		return 0, true
	default:
		f, err := strconv.ParseFloat(strings.TrimSpace(o.text), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

// Bool returns the boolean value and whether the observation is of
// boolean type.
func (o Observation) Bool() (bool, bool) {
	if o.Type == TypeBoolean {
		return o.boolean, true
	}
	return false, false
}

type observationJSON struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Type  string          `json:"type"`
}

// MarshalJSON emits {"key":…,"value":…,"type":…} with the value as the
// native JSON scalar for its type.
func (o Observation) MarshalJSON() ([]byte, error) {
	var value interface{}
	switch o.Type {
	case TypeNumeric:
		value = o.num
	case TypeBoolean:
		value = o.boolean
	default:
		value = o.text
	}
	return json.Marshal(struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
		Type  string      `json:"type"`
	}{o.Key, value, o.Type})
}

// UnmarshalJSON is tolerant about the scalar form of value: a numeric
// observation accepts a JSON number or a numeric string, a boolean
// accepts a JSON bool or "true"/"false", and everything else is kept as
// its string form.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var raw observationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		raw.Type = TypeText
	}
	o.Key = raw.Key
	o.Type = raw.Type
	o.text, o.num, o.boolean = "", 0, false

	if len(raw.Value) == 0 {
		return nil
	}

	switch raw.Type {
	case TypeNumeric:
		if err := json.Unmarshal(raw.Value, &o.num); err != nil {
			var s string
			if err := json.Unmarshal(raw.Value, &s); err != nil {
				return err
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return err
			}
			o.num = f
		}
	case TypeBoolean:
		if err := json.Unmarshal(raw.Value, &o.boolean); err != nil {
			var s string
			if err := json.Unmarshal(raw.Value, &s); err != nil {
				return err
			}
			o.boolean = strings.EqualFold(s, "true")
		}
	default:
		if err := json.Unmarshal(raw.Value, &o.text); err != nil {
			// Non-string scalar under a text type: keep its raw rendering.
			o.text = strings.Trim(string(raw.Value), `"`)
		}
	}
	return nil
}
