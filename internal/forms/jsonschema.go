package forms

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var violationPrinter = message.NewPrinter(language.English)

// JSONSchema renders the schema as a JSON Schema document describing the
// flat object an extractor must return. Every field is nullable so the
// extractor can say "not mentioned".
func JSONSchema(s Schema) map[string]any {
	properties := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		prop := map[string]any{}
		if f.Label != "" {
			prop["title"] = f.Label
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		switch f.Kind {
		case FieldKindInteger:
			prop["type"] = []any{"integer", "null"}
			if f.Min != nil {
				prop["minimum"] = *f.Min
			}
			if f.Max != nil {
				prop["maximum"] = *f.Max
			}
		case FieldKindEnum:
			prop["type"] = []any{"string", "null"}
			enum := make([]any, 0, len(f.Options)+1)
			for _, opt := range f.Options {
				enum = append(enum, opt)
			}
			prop["enum"] = append(enum, nil)
		default:
			prop["type"] = []any{"string", "null"}
		}
		properties[f.Name] = prop
	}

	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"title":                s.Title,
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
}

// Validator checks extractor output against a compiled form schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the JSON Schema for s.
func NewValidator(s Schema) (*Validator, error) {
	raw, err := json.Marshal(JSONSchema(s))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize schema %q: %w", s.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema %q: %w", s.Name, err)
	}

	name := s.Name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %q: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %q: %w", name, err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate reports schema violations in raw extractor output. An empty
// result means the document conforms. Violations are advisory: the merger
// already skips values it cannot use.
func (v *Validator) Validate(raw []byte) ([]string, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("extractor output is not JSON: %w", err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return nil, fmt.Errorf("extractor output is not a JSON object")
	}

	err := v.schema.Validate(instance)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}, nil
	}
	var violations []string
	collectViolations(ve, &violations)
	return violations, nil
}

func collectViolations(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(violationPrinter)))
		return
	}
	for _, c := range ve.Causes {
		collectViolations(c, out)
	}
}
