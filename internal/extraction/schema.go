package extraction

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
)

// FieldType selects how a field value is read from its matched element
type FieldType string

const (
	FieldText      FieldType = "text"
	FieldAttribute FieldType = "attribute"
	FieldHTML      FieldType = "html"
	FieldRegex     FieldType = "regex"
	FieldNested    FieldType = "nested"
	FieldList      FieldType = "list"
)

// Field describes one value extracted relative to a base element
type Field struct {
	Name      string    `json:"name" yaml:"name"`
	Selector  string    `json:"selector,omitempty" yaml:"selector,omitempty"`
	Type      FieldType `json:"type" yaml:"type"`
	Attribute string    `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Pattern   string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Default   any       `json:"default,omitempty" yaml:"default,omitempty"`
	Fields    []Field   `json:"fields,omitempty" yaml:"fields,omitempty"`

	re *regexp.Regexp
}

// Schema maps a base selector to a list of fields
type Schema struct {
	Name         string  `json:"name,omitempty" yaml:"name,omitempty"`
	BaseSelector string  `json:"baseSelector" yaml:"baseSelector"`
	Fields       []Field `json:"fields" yaml:"fields"`
}

// ParseSchema decodes a JSON schema document
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &s, nil
}

// LoadSchema reads a JSON schema from path
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return ParseSchema(data)
}

// Validate checks selectors, types and patterns and compiles regex fields
func (s *Schema) Validate() error {
	if strings.TrimSpace(s.BaseSelector) == "" {
		return fmt.Errorf("schema %q: baseSelector is required", s.Name)
	}
	if _, err := cascadia.Compile(s.BaseSelector); err != nil {
		return fmt.Errorf("schema %q: invalid baseSelector %q: %w", s.Name, s.BaseSelector, err)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q: at least one field is required", s.Name)
	}
	return validateFields(s.Fields, s.Name)
}

func validateFields(fields []Field, path string) error {
	seen := make(map[string]bool, len(fields))
	for i := range fields {
		f := &fields[i]
		where := path + "." + f.Name
		if f.Name == "" {
			return fmt.Errorf("%s: field %d has no name", path, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("%s: duplicate field", where)
		}
		seen[f.Name] = true

		if f.Type == "" {
			f.Type = FieldText
		}
		if f.Selector != "" {
			if _, err := cascadia.Compile(f.Selector); err != nil {
				return fmt.Errorf("%s: invalid selector %q: %w", where, f.Selector, err)
			}
		}

		switch f.Type {
		case FieldText, FieldHTML:
		case FieldAttribute:
			if f.Attribute == "" {
				return fmt.Errorf("%s: attribute fields need an attribute name", where)
			}
		case FieldRegex:
			re, err := regexp.Compile(f.Pattern)
			if err != nil || f.Pattern == "" {
				return fmt.Errorf("%s: invalid pattern %q", where, f.Pattern)
			}
			f.re = re
		case FieldNested, FieldList:
			if f.Selector == "" {
				return fmt.Errorf("%s: %s fields need a selector", where, f.Type)
			}
			if len(f.Fields) > 0 {
				if err := validateFields(f.Fields, where); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%s: unknown field type %q", where, f.Type)
		}
	}
	return nil
}

// fingerprint returns a stable description of the schema
func (s *Schema) fingerprint() string {
	b, _ := json.Marshal(s)
	return string(b)
}
