package query

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/record"
)

// Logic folds filter results
type Logic string

const (
	And Logic = "AND"
	Or  Logic = "OR"
)

// Filter is one condition on one field
type Filter struct {
	Field    string      `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Structured is a list of filters folded with AND or OR
type Structured struct {
	Filters []Filter `json:"filters" yaml:"filters"`
	Logic   Logic    `json:"logic" yaml:"logic"`
}

// Query selects a step's records. Exactly one form is set: a structured
// filter list, or free text handed to the record store's search.
type Query struct {
	structured *Structured
	text       string
	freeText   bool
}

// NewStructured builds a structured query. Empty logic means AND.
func NewStructured(logic Logic, filters ...Filter) Query {
	if logic == "" {
		logic = And
	}
	return Query{structured: &Structured{Filters: append([]Filter(nil), filters...), Logic: logic}}
}

// NewFreeText builds a free-text query
func NewFreeText(text string) Query {
	return Query{text: text, freeText: true}
}

// MatchAll is the empty structured query
func MatchAll() Query {
	return NewStructured(And)
}

// IsFreeText reports whether the query is the free-text form
func (q Query) IsFreeText() bool { return q.freeText }

// Text returns the free text; empty for structured queries
func (q Query) Text() string { return q.text }

// Structured returns the structured form. The zero Query reads as match-all.
func (q Query) Structured() Structured {
	if q.structured == nil {
		return Structured{Logic: And}
	}
	return *q.structured
}

// Clone returns a deep copy, including filter list values
func (q Query) Clone() Query {
	if q.freeText {
		return q
	}
	s := q.Structured()
	filters := make([]Filter, len(s.Filters))
	for i, f := range s.Filters {
		f.Value = cloneValue(f.Value)
		filters[i] = f
	}
	return NewStructured(s.Logic, filters...)
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	}
	return v
}

// MarshalJSON writes free text as a JSON string and structured queries as
// an object
func (q Query) MarshalJSON() ([]byte, error) {
	if q.freeText {
		return json.Marshal(q.text)
	}
	s := q.Structured()
	if s.Filters == nil {
		s.Filters = []Filter{}
	}
	return json.Marshal(s)
}

// UnmarshalJSON accepts either a string (free text) or an object
func (q *Query) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = MatchAll()
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return errors.Wrap(err, "invalid free-text query")
		}
		*q = NewFreeText(text)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s Structured
	if err := dec.Decode(&s); err != nil {
		return errors.NewValidationError("invalid query: %v", err)
	}
	for i := range s.Filters {
		s.Filters[i].Value = normalizeNumbers(s.Filters[i].Value)
	}
	logic, err := ParseLogic(string(s.Logic))
	if err != nil {
		return err
	}
	*q = NewStructured(logic, s.Filters...)
	return nil
}

// UnmarshalYAML accepts the same two forms as UnmarshalJSON
func (q *Query) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err == nil {
		*q = NewFreeText(text)
		return nil
	}
	var s Structured
	if err := unmarshal(&s); err != nil {
		return errors.NewValidationError("invalid query: %v", err)
	}
	logic, err := ParseLogic(string(s.Logic))
	if err != nil {
		return err
	}
	*q = NewStructured(logic, s.Filters...)
	return nil
}

// MarshalYAML mirrors MarshalJSON
func (q Query) MarshalYAML() (interface{}, error) {
	if q.freeText {
		return q.text, nil
	}
	return q.Structured(), nil
}

// ParseLogic normalizes "and"/"or" in any case; empty means AND
func ParseLogic(s string) (Logic, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND":
		return And, nil
	case "OR":
		return Or, nil
	}
	return "", errors.NewValidationError("query logic must be AND or OR, got %q", s)
}

// normalizeNumbers turns json.Number into float64 so filter values compare
// the same whether they came from JSON, YAML or Go code
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []interface{}:
		for i := range val {
			val[i] = normalizeNumbers(val[i])
		}
		return val
	}
	return v
}

// Validate checks a query against the model it will run on. Problems are
// configuration errors: unknown operators, unknown fields, and compare
// values that cannot work with their operator.
func (q Query) Validate(m *record.Model) error {
	if q.freeText {
		return nil
	}
	for i, f := range q.Structured().Filters {
		if !f.Operator.Known() {
			return errors.NewConfigurationError("filter %d: unknown filter operator %q", i, f.Operator)
		}
		def, ok := m.Field(f.Field)
		if !ok {
			return errors.NewConfigurationError("filter %d: model %s has no field %q", i, m.Name, f.Field)
		}
		if f.Operator.Unary() {
			continue
		}
		if f.Operator.SetValued() {
			if _, ok := asList(f.Value); !ok {
				return errors.NewConfigurationError("filter %d: %s on %q needs a list value", i, f.Operator, f.Field)
			}
			continue
		}
		if _, isList := asList(f.Value); isList && def.Type != record.FieldSelect {
			return errors.NewConfigurationError("filter %d: %s on %q needs a single value, got a list", i, f.Operator, f.Field)
		}
		if f.Operator.Ordering() && !orderableCompare(def, f.Value) {
			return errors.NewConfigurationError("filter %d: %s on %s field %q needs a number or date value, got %v",
				i, f.Operator, def.Type, f.Field, f.Value)
		}
	}
	return nil
}

func orderableCompare(def record.FieldDefinition, v interface{}) bool {
	switch def.Type {
	case record.FieldNumber:
		_, ok := record.ParseNumber(v)
		return ok
	case record.FieldDate:
		_, ok := record.ParseDate(v)
		return ok
	}
	_, isNum := record.ParseNumber(v)
	_, isDate := record.ParseDate(v)
	return isNum || isDate
}

// CheckShape checks what can be checked without the target model: every
// filter names a field, and set and ordering operators get a value of the
// right shape. Problems are validation errors.
func (q Query) CheckShape() error {
	if q.freeText {
		return nil
	}
	for i, f := range q.Structured().Filters {
		if strings.TrimSpace(f.Field) == "" {
			return errors.NewValidationError("filter %d: field is required", i)
		}
		_, isList := asList(f.Value)
		switch {
		case f.Operator.SetValued() && !isList:
			return errors.NewValidationError("filter %d: %s needs a list value", i, f.Operator)
		case f.Operator.Ordering() && (isList || f.Value == nil):
			return errors.NewValidationError("filter %d: %s needs a single number or date value", i, f.Operator)
		}
	}
	return nil
}
