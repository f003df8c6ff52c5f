package record

import (
	"time"

	"github.com/teranos/loom/errors"
)

// FieldType is the declared type of a model field
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldBoolean  FieldType = "boolean"
	FieldTextarea FieldType = "textarea"
	FieldEmail    FieldType = "email"
	FieldURL      FieldType = "url"
	FieldOAuth    FieldType = "oauth"
)

// Valid reports whether t is one of the known field types
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldDate, FieldSelect, FieldBoolean,
		FieldTextarea, FieldEmail, FieldURL, FieldOAuth:
		return true
	}
	return false
}

// Searchable reports whether free-text search looks at fields of this type
func (t FieldType) Searchable() bool {
	switch t {
	case FieldText, FieldTextarea, FieldSelect, FieldEmail, FieldURL:
		return true
	}
	return false
}

// Orderable reports whether ordering operators make sense for this type
func (t FieldType) Orderable() bool {
	return t == FieldNumber || t == FieldDate
}

// FieldDefinition describes one field of a model
type FieldDefinition struct {
	Name         string      `json:"name" yaml:"name" toml:"name"`
	Type         FieldType   `json:"type" yaml:"type" toml:"type"`
	Required     bool        `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
	Options      []string    `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
	DefaultValue interface{} `json:"defaultValue,omitempty" yaml:"default_value,omitempty" toml:"default_value,omitempty"`
}

// Model is a user-defined schema. Records belong to exactly one model.
type Model struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Fields    []FieldDefinition `json:"fields"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Field looks up a field definition by name
func (m *Model) Field(name string) (FieldDefinition, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Validate checks the model definition itself
func (m *Model) Validate() error {
	if m.Name == "" {
		return errors.NewValidationError("model name is required")
	}
	seen := make(map[string]bool, len(m.Fields))
	for i, f := range m.Fields {
		if f.Name == "" {
			return errors.NewValidationError("model %s: field %d has no name", m.Name, i)
		}
		if seen[f.Name] {
			return errors.NewValidationError("model %s: field %q declared twice", m.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return errors.NewValidationError("model %s: field %q has unknown type %q", m.Name, f.Name, f.Type)
		}
		if f.DefaultValue != nil {
			if _, err := Coerce(f, f.DefaultValue); err != nil {
				return errors.Wrapf(err, "model %s: default for %q", m.Name, f.Name)
			}
		}
	}
	return nil
}
