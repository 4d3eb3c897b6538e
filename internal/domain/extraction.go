package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind tags the concrete type held by a FieldValue.
type ValueKind string

const (
	ValueKindNull    ValueKind = "null"
	ValueKindString  ValueKind = "string"
	ValueKindInteger ValueKind = "integer"
)

// FieldValue is a nullable extracted value. The zero value is null.
type FieldValue struct {
	kind ValueKind
	str  string
	num  int64
}

func NullValue() FieldValue { return FieldValue{kind: ValueKindNull} }

func StringValue(s string) FieldValue { return FieldValue{kind: ValueKindString, str: s} }

func IntValue(n int64) FieldValue { return FieldValue{kind: ValueKindInteger, num: n} }

// Kind returns the value kind; the zero value reports null.
func (v FieldValue) Kind() ValueKind {
	if v.kind == "" {
		return ValueKindNull
	}
	return v.kind
}

func (v FieldValue) IsNull() bool { return v.Kind() == ValueKindNull }

// Str returns the string payload and whether the value is a string.
func (v FieldValue) Str() (string, bool) {
	return v.str, v.kind == ValueKindString
}

// Int returns the integer payload. Numeric strings are accepted because
// extractors often quote numbers.
func (v FieldValue) Int() (int64, bool) {
	switch v.kind {
	case ValueKindInteger:
		return v.num, true
	case ValueKindString:
		n, err := strconv.ParseInt(v.str, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// String renders the value the way a form control would display it.
func (v FieldValue) String() string {
	switch v.kind {
	case ValueKindString:
		return v.str
	case ValueKindInteger:
		return strconv.FormatInt(v.num, 10)
	default:
		return ""
	}
}

func (v FieldValue) Equal(other FieldValue) bool {
	return v.Kind() == other.Kind() && v.str == other.str && v.num == other.num
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueKindString:
		return json.Marshal(v.str)
	case ValueKindInteger:
		return json.Marshal(v.num)
	default:
		return []byte("null"), nil
	}
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = NullValue()
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = StringValue(strconv.FormatBool(b))
		return nil
	case '{', '[':
		return fmt.Errorf("unsupported field value %s", string(trimmed))
	}

	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	if n, err := number.Int64(); err == nil {
		*v = IntValue(n)
		return nil
	}
	f, err := number.Float64()
	if err != nil {
		return err
	}
	if f != math.Trunc(f) {
		*v = StringValue(number.String())
		return nil
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if math.Abs(f) >= math.MaxInt64 {
		return fmt.Errorf("integer %s is out of range", number.String())
	}
	*v = IntValue(int64(f))
	return nil
}

// ExtractionResult is a sparse record of extracted form fields. Fields
// missing from the map are treated exactly like null fields.
type ExtractionResult struct {
	SessionID   string                `json:"sessionId"`
	Fields      map[string]FieldValue `json:"fields"`
	ExtractedAt time.Time             `json:"extractedAt"`
}

// DecodeExtractionFields parses a flat JSON object of field name to nullable
// value.
func DecodeExtractionFields(data []byte) (map[string]FieldValue, error) {
	var fields map[string]FieldValue
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode extraction fields: %w", err)
	}
	if fields == nil {
		fields = map[string]FieldValue{}
	}
	return fields, nil
}
