package forms

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"carescribe/internal/domain"
)

// Snapshot is a copy of the editable form state. Selections mirror the
// select controls for enum fields and always equal the submitted value.
type Snapshot struct {
	Values     map[string]domain.FieldValue `json:"values"`
	Selections map[string]string            `json:"selections"`
}

// FormState holds the editable values of one record form.
type FormState struct {
	schema Schema

	mu         sync.Mutex
	values     map[string]domain.FieldValue
	selections map[string]string
}

// NewFormState creates form state seeded with initial values. Initial
// values that do not fit the schema are dropped.
func NewFormState(schema Schema, initial map[string]domain.FieldValue) *FormState {
	f := &FormState{
		schema:     schema,
		values:     make(map[string]domain.FieldValue, len(schema.Fields)),
		selections: make(map[string]string),
	}
	for name, value := range initial {
		field, ok := schema.Field(name)
		if !ok {
			continue
		}
		if normalized, ok := normalize(field, value); ok {
			f.setLocked(field, normalized)
		}
	}
	return f
}

// Schema returns the schema the form was built for.
func (f *FormState) Schema() Schema { return f.schema }

// Apply merges an extraction result into the form. Non-null values for
// known fields overwrite; null, absent and unknown fields leave the form
// untouched. It returns the names of fields whose value changed.
func (f *FormState) Apply(result domain.ExtractionResult) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var changed []string
	for _, field := range f.schema.Fields {
		value, present := result.Fields[field.Name]
		if !present || value.IsNull() {
			continue
		}
		normalized, ok := normalize(field, value)
		if !ok {
			continue
		}
		if current, has := f.values[field.Name]; has && current.Equal(normalized) {
			continue
		}
		f.setLocked(field, normalized)
		changed = append(changed, field.Name)
	}
	return changed
}

// Set applies a user edit with the same rules as Apply, including the
// paired selection update for enum fields. Setting null clears the field.
func (f *FormState) Set(name string, value domain.FieldValue) error {
	field, ok := f.schema.Field(name)
	if !ok {
		return fmt.Errorf("form %q has no field %q", f.schema.Name, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if value.IsNull() {
		delete(f.values, name)
		delete(f.selections, name)
		return nil
	}
	normalized, ok := normalize(field, value)
	if !ok {
		return fmt.Errorf("invalid value %q for %s field %q", value.String(), field.Kind, name)
	}
	f.setLocked(field, normalized)
	return nil
}

// Value returns the current value of a field.
func (f *FormState) Value(name string) domain.FieldValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[name]
}

// Snapshot copies the current state.
func (f *FormState) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		Values:     lo.Assign(f.values),
		Selections: lo.Assign(f.selections),
	}
}

func (f *FormState) setLocked(field Field, value domain.FieldValue) {
	f.values[field.Name] = value
	if field.Kind == FieldKindEnum {
		f.selections[field.Name] = value.String()
	}
}

func normalize(field Field, value domain.FieldValue) (domain.FieldValue, bool) {
	if value.IsNull() {
		return value, false
	}
	switch field.Kind {
	case FieldKindText:
		return domain.StringValue(value.String()), true
	case FieldKindInteger:
		n, ok := value.Int()
		if !ok {
			return value, false
		}
		if field.Min != nil && n < *field.Min {
			return value, false
		}
		if field.Max != nil && n > *field.Max {
			return value, false
		}
		return domain.IntValue(n), true
	case FieldKindEnum:
		s := value.String()
		if !lo.Contains(field.Options, s) {
			return value, false
		}
		return domain.StringValue(s), true
	default:
		return value, false
	}
}
