package record

import (
	"encoding/json"
	"math"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/loom/errors"
)

// Kind tags which member of the Value union is set
type Kind int

const (
	KindNull Kind = iota
	KindText
	KindNumber
	KindDate
	KindBool
	KindSelect
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindBool:
		return "bool"
	case KindSelect:
		return "select"
	case KindList:
		return "list"
	}
	return "unknown"
}

// Value is a record field value. The kind is chosen from the model's field
// type when the value enters the store, so consumers never type-sniff.
type Value struct {
	kind Kind
	text string
	num  float64
	t    time.Time
	b    bool
	list []Value
}

func Null() Value { return Value{} }
func Text(s string) Value { return Value{kind: KindText, text: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Date(t time.Time) Value { return Value{kind: KindDate, t: t.UTC()} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Select(option string) Value { return Value{kind: KindSelect, text: option} }

// List builds a list value; the elements are copied
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Num() float64 { return v.num }
func (v Value) Time() time.Time { return v.t }
func (v Value) Truth() bool { return v.b }

// Items returns a copy of a list value's elements
func (v Value) Items() []Value {
	return append([]Value(nil), v.list...)
}

// IsEmpty is true for null, the empty string and the empty list
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindText, KindSelect:
		return v.text == ""
	case KindList:
		return len(v.list) == 0
	}
	return false
}

// String renders the value the way string operators see it. Lists join
// their elements with ", "; null is the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindText, KindSelect:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return v.t.Format(time.RFC3339)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

// Interface returns the plain JSON-compatible form of the value
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindText, KindSelect:
		return v.text
	case KindNumber:
		return v.num
	case KindDate:
		return v.t.Format(time.RFC3339Nano)
	case KindBool:
		return v.b
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Coerce converts a raw value (decoded JSON, YAML, or an action output) into
// the Value kind declared by def. This is the only place loose input becomes
// typed; failures are validation errors.
func Coerce(def FieldDefinition, raw interface{}) (Value, error) {
	if raw == nil {
		if def.Required {
			return Null(), errors.NewValidationError("field %q is required", def.Name)
		}
		return Null(), nil
	}
	if v, ok := raw.(Value); ok {
		raw = v.Interface()
		if raw == nil {
			return Coerce(def, nil)
		}
	}

	switch def.Type {
	case FieldNumber:
		f, ok := ParseNumber(raw)
		if !ok {
			return Null(), errors.NewValidationError("field %q expects a number, got %v", def.Name, raw)
		}
		return Number(f), nil

	case FieldDate:
		t, ok := ParseDate(raw)
		if !ok {
			return Null(), errors.NewValidationError("field %q expects a date, got %v", def.Name, raw)
		}
		return Date(t), nil

	case FieldBoolean:
		switch b := raw.(type) {
		case bool:
			return Bool(b), nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err == nil {
				return Bool(parsed), nil
			}
		}
		return Null(), errors.NewValidationError("field %q expects a boolean, got %v", def.Name, raw)

	case FieldSelect:
		// a list is a multi-select
		if items, ok := asSlice(raw); ok {
			values := make([]Value, 0, len(items))
			for _, item := range items {
				s, err := coerceOption(def, item)
				if err != nil {
					return Null(), err
				}
				values = append(values, Select(s))
			}
			return List(values...), nil
		}
		s, err := coerceOption(def, raw)
		if err != nil {
			return Null(), err
		}
		if s == "" && def.Required {
			return Null(), errors.NewValidationError("field %q is required", def.Name)
		}
		return Select(s), nil
	}

	s, ok := raw.(string)
	if !ok {
		return Null(), errors.NewValidationError("field %q expects text, got %T", def.Name, raw)
	}
	if s == "" {
		if def.Required {
			return Null(), errors.NewValidationError("field %q is required", def.Name)
		}
		return Text(""), nil
	}
	switch def.Type {
	case FieldEmail:
		if _, err := mail.ParseAddress(s); err != nil {
			return Null(), errors.NewValidationError("field %q expects an email address, got %q", def.Name, s)
		}
	case FieldURL:
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Null(), errors.NewValidationError("field %q expects an absolute URL, got %q", def.Name, s)
		}
	}
	return Text(s), nil
}

func coerceOption(def FieldDefinition, raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", errors.NewValidationError("field %q expects an option name, got %T", def.Name, raw)
	}
	if s == "" || len(def.Options) == 0 {
		return s, nil
	}
	for _, opt := range def.Options {
		if opt == s {
			return s, nil
		}
	}
	return "", errors.NewValidationError("field %q: %q is not one of %v", def.Name, s, def.Options)
}

func asSlice(raw interface{}) ([]interface{}, bool) {
	switch items := raw.(type) {
	case []interface{}:
		return items, true
	case []string:
		out := make([]interface{}, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// ParseNumber accepts Go numeric types, json.Number and numeric strings
func ParseNumber(raw interface{}) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	case Value:
		if n.kind == KindNumber {
			return n.num, true
		}
		if n.kind == KindText || n.kind == KindSelect {
			return ParseNumber(n.text)
		}
	}
	return 0, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate accepts time.Time and the common ISO-8601 string layouts.
// Strings without a zone are read as UTC.
func ParseDate(raw interface{}) (time.Time, bool) {
	switch d := raw.(type) {
	case time.Time:
		return d.UTC(), true
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case Value:
		if d.kind == KindDate {
			return d.t, true
		}
		if d.kind == KindText {
			return ParseDate(d.text)
		}
	}
	return time.Time{}, false
}
