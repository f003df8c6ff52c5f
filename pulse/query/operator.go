// Package query evaluates schedule filters against records.
//
// String operators (contains, not_contains, starts_with, ends_with) are
// case-sensitive. Absent fields read as empty. An unknown operator is a
// configuration error and is never swallowed.
package query

// Operator is a filter comparison
type Operator string

const (
	Equals         Operator = "equals"
	NotEquals      Operator = "not_equals"
	Contains       Operator = "contains"
	NotContains    Operator = "not_contains"
	IsEmpty        Operator = "is_empty"
	IsNotEmpty     Operator = "is_not_empty"
	GreaterThan    Operator = "greater_than"
	LessThan       Operator = "less_than"
	GreaterOrEqual Operator = "greater_or_equal"
	LessOrEqual    Operator = "less_or_equal"
	StartsWith     Operator = "starts_with"
	EndsWith       Operator = "ends_with"
	In             Operator = "in"
	NotIn          Operator = "not_in"
)

// Operators lists every supported operator in documentation order
var Operators = []Operator{
	Equals, NotEquals, Contains, NotContains, IsEmpty, IsNotEmpty,
	GreaterThan, LessThan, GreaterOrEqual, LessOrEqual,
	StartsWith, EndsWith, In, NotIn,
}

// Known reports whether op is a supported operator
func (op Operator) Known() bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// Unary operators ignore the compare value
func (op Operator) Unary() bool {
	return op == IsEmpty || op == IsNotEmpty
}

// SetValued operators need a list compare value
func (op Operator) SetValued() bool {
	return op == In || op == NotIn
}

// Ordering operators compare numbers or dates
func (op Operator) Ordering() bool {
	switch op {
	case GreaterThan, LessThan, GreaterOrEqual, LessOrEqual:
		return true
	}
	return false
}
