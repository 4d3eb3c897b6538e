package forms

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// FieldKind is the editable control type behind a form field.
type FieldKind string

const (
	FieldKindText    FieldKind = "text"
	FieldKindInteger FieldKind = "integer"
	FieldKindEnum    FieldKind = "enum"
)

// Field describes one editable form field.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Label       string    `yaml:"label" json:"label"`
	Kind        FieldKind `yaml:"kind" json:"kind"`
	Options     []string  `yaml:"options,omitempty" json:"options,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Min         *int64    `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *int64    `yaml:"max,omitempty" json:"max,omitempty"`
}

// Schema is the set of fields an extractor may populate for one record type.
type Schema struct {
	Name   string  `yaml:"name" json:"name"`
	Title  string  `yaml:"title" json:"title"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	return lo.Find(s.Fields, func(f Field) bool { return f.Name == name })
}

// EnumFields returns the names of select-style fields.
func (s Schema) EnumFields() []string {
	return lo.FilterMap(s.Fields, func(f Field, _ int) (string, bool) {
		return f.Name, f.Kind == FieldKindEnum
	})
}

// Validate checks that the schema is usable for merging.
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q has no fields", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("schema %q: field name is required", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema %q: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Kind {
		case FieldKindText, FieldKindInteger:
		case FieldKindEnum:
			if len(f.Options) == 0 {
				return fmt.Errorf("schema %q: enum field %q has no options", s.Name, f.Name)
			}
		default:
			return fmt.Errorf("schema %q: field %q has unsupported kind %q", s.Name, f.Name, f.Kind)
		}
	}
	return nil
}

func pct(n int64) *int64 { return &n }

func text(name, label string) Field {
	return Field{Name: name, Label: label, Kind: FieldKindText}
}

func percentage(name, label string) Field {
	return Field{Name: name, Label: label, Kind: FieldKindInteger, Min: pct(0), Max: pct(100)}
}

// Assessment is the care assessment form.
var Assessment = Schema{
	Name:  "assessment",
	Title: "Care assessment",
	Fields: []Field{
		text("familyInfo", "Family composition"),
		{
			Name: "careLevel", Label: "Care level", Kind: FieldKindEnum,
			Options: []string{"NEEDS_CARE_1", "NEEDS_CARE_2", "NEEDS_CARE_3", "NEEDS_CARE_4", "NEEDS_CARE_5"},
		},
		{
			Name: "physicalIndependence", Label: "Physical independence", Kind: FieldKindEnum,
			Options: []string{"INDEPENDENT", "J1", "J2", "A1", "A2", "B1", "B2", "C1", "C2"},
		},
		{
			Name: "cognitiveIndependence", Label: "Cognitive independence", Kind: FieldKindEnum,
			Options: []string{"INDEPENDENT", "I", "IIa", "IIb", "IIIa", "IIIb", "IV", "M"},
		},
		text("medicalHistory", "Medical history"),
		text("medications", "Medications"),
		text("formalServices", "Formal services in use"),
		text("informalSupport", "Informal support"),
		text("consultationBackground", "Consultation background"),
		text("lifeHistory", "Life history"),
		text("complaints", "Chief complaints"),
		text("healthNotes", "Health"),
		text("mentalStatus", "Mental status"),
		text("physicalStatus", "Physical status"),
		text("adlStatus", "ADL"),
		text("communication", "Communication"),
		text("dailyLife", "Daily life"),
		text("instrumentalADL", "IADL"),
		text("participation", "Participation"),
		text("environment", "Environment"),
		text("livingSituation", "Living situation"),
		text("legalSupport", "Institutional support"),
		text("personalTraits", "Personal traits"),
	},
}

// FoodRecord is the meal intake form.
var FoodRecord = Schema{
	Name:  "food-record",
	Title: "Meal record",
	Fields: []Field{
		percentage("mainCoursePercentage", "Main course eaten (%)"),
		percentage("sideDishPercentage", "Side dish eaten (%)"),
		percentage("soupPercentage", "Soup eaten (%)"),
		{
			Name: "beverageType", Label: "Beverage", Kind: FieldKindEnum,
			Options: []string{"WATER", "TEA", "OTHER"},
		},
		{Name: "beverageVolume", Label: "Beverage volume (ml)", Kind: FieldKindInteger, Min: pct(0)},
		text("notes", "Notes"),
	},
}

// Registry resolves schemas by name.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry returns a registry holding the built-in schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: map[string]Schema{}}
	r.schemas[Assessment.Name] = Assessment
	r.schemas[FoodRecord.Name] = FoodRecord
	return r
}

// Register adds or replaces a schema after validating it.
func (r *Registry) Register(s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.schemas[s.Name] = s
	return nil
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (Schema, error) {
	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("unknown form %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return s, nil
}

// Names lists registered schema names in sorted order.
func (r *Registry) Names() []string {
	names := lo.Keys(r.schemas)
	sort.Strings(names)
	return names
}

// LoadFile registers every schema found in a YAML file. A missing path is
// not an error so deployments can run on built-ins alone.
func (r *Registry) LoadFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read forms file %q: %w", path, err)
	}

	var doc struct {
		Forms []Schema `yaml:"forms"`
	}
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		return fmt.Errorf("failed to parse forms file %q: %w", path, err)
	}
	for _, s := range doc.Forms {
		if err := r.Register(s); err != nil {
			return fmt.Errorf("forms file %q: %w", path, err)
		}
	}
	return nil
}
