package query

import (
	"reflect"
	"strings"
	"time"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/record"
)

// Evaluate tests one field value against an operator and compare value.
// Comparisons that cannot be made (ordering a text field, a non-numeric
// compare value) are false, not errors. The only error is a definition
// problem: an unknown operator or a set operator without a list.
func Evaluate(field record.Value, op Operator, compare interface{}) (bool, error) {
	switch op {
	case Equals:
		return equals(field, compare), nil
	case NotEquals:
		return !equals(field, compare), nil

	case Contains:
		return strings.Contains(field.String(), compareString(compare)), nil
	case NotContains:
		return !strings.Contains(field.String(), compareString(compare)), nil
	case StartsWith:
		return strings.HasPrefix(field.String(), compareString(compare)), nil
	case EndsWith:
		return strings.HasSuffix(field.String(), compareString(compare)), nil

	case IsEmpty:
		return field.IsEmpty(), nil
	case IsNotEmpty:
		return !field.IsEmpty(), nil

	case GreaterThan:
		c, ok := order(field, compare)
		return ok && c > 0, nil
	case LessThan:
		c, ok := order(field, compare)
		return ok && c < 0, nil
	case GreaterOrEqual:
		c, ok := order(field, compare)
		return ok && c >= 0, nil
	case LessOrEqual:
		c, ok := order(field, compare)
		return ok && c <= 0, nil

	case In, NotIn:
		set, ok := asList(compare)
		if !ok {
			return false, errors.NewConfigurationError("operator %s needs a list value, got %T", op, compare)
		}
		found := member(field, set)
		if op == In {
			return found, nil
		}
		return !found, nil
	}

	return false, errors.NewConfigurationError("unknown filter operator %q", op)
}

// equals compares by the field's kind: numbers numerically, dates by
// instant, booleans by truth, everything else as exact strings.
func equals(field record.Value, compare interface{}) bool {
	if v, ok := compare.(record.Value); ok {
		compare = v.Interface()
	}
	if field.IsEmpty() {
		return isEmptyCompare(compare)
	}

	switch field.Kind() {
	case record.KindNumber:
		n, ok := record.ParseNumber(compare)
		return ok && n == field.Num()
	case record.KindDate:
		t, ok := record.ParseDate(compare)
		return ok && t.Equal(field.Time())
	case record.KindBool:
		switch c := compare.(type) {
		case bool:
			return c == field.Truth()
		case string:
			return strings.EqualFold(c, field.String())
		}
		return false
	case record.KindList:
		items, ok := asList(compare)
		if !ok {
			return false
		}
		fieldItems := field.Items()
		if len(items) != len(fieldItems) {
			return false
		}
		for i := range items {
			if !equals(fieldItems[i], items[i]) {
				return false
			}
		}
		return true
	}

	s, ok := scalarString(compare)
	return ok && s == field.String()
}

func isEmptyCompare(compare interface{}) bool {
	if compare == nil {
		return true
	}
	if s, ok := compare.(string); ok {
		return s == ""
	}
	if items, ok := asList(compare); ok {
		return len(items) == 0
	}
	return false
}

// member reports whether the field, or any element of a list field, equals
// an element of set
func member(field record.Value, set []interface{}) bool {
	candidates := []record.Value{field}
	if field.Kind() == record.KindList {
		candidates = field.Items()
	}
	for _, c := range candidates {
		for _, item := range set {
			if equals(c, item) {
				return true
			}
		}
	}
	return false
}

// order compares field to compare: -1, 0 or 1, and whether the two were
// comparable at all. Text fields are ordered when both sides parse as
// numbers, or both as dates.
func order(field record.Value, compare interface{}) (int, bool) {
	switch field.Kind() {
	case record.KindNumber:
		n, ok := record.ParseNumber(compare)
		if !ok {
			return 0, false
		}
		return cmpFloat(field.Num(), n), true
	case record.KindDate:
		t, ok := record.ParseDate(compare)
		if !ok {
			return 0, false
		}
		return cmpTime(field.Time(), t), true
	case record.KindText:
		if f, ok := record.ParseNumber(field); ok {
			if n, ok := record.ParseNumber(compare); ok {
				return cmpFloat(f, n), true
			}
			return 0, false
		}
		if ft, ok := record.ParseDate(field); ok {
			if t, ok := record.ParseDate(compare); ok {
				return cmpTime(ft, t), true
			}
		}
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareString(compare interface{}) string {
	if v, ok := compare.(record.Value); ok {
		return v.String()
	}
	s, _ := scalarString(compare)
	return s
}

// scalarString renders a compare value the same way record.Value renders
// its own kind, so "3" equals a text field holding "3".
func scalarString(compare interface{}) (string, bool) {
	switch c := compare.(type) {
	case nil:
		return "", true
	case string:
		return c, true
	case bool:
		return record.Bool(c).String(), true
	case time.Time:
		return record.Date(c).String(), true
	}
	if n, ok := record.ParseNumber(compare); ok {
		return record.Number(n).String(), true
	}
	return "", false
}

// asList accepts any slice type decoded from JSON or YAML
func asList(compare interface{}) ([]interface{}, bool) {
	switch c := compare.(type) {
	case []interface{}:
		return c, true
	case []string:
		out := make([]interface{}, len(c))
		for i, s := range c {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(compare)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
