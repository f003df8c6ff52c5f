package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
)

func TestCoerce(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		def  FieldDefinition
		raw  interface{}
		want Value
	}{
		{"text", FieldDefinition{Name: "title", Type: FieldText}, "hello", Text("hello")},
		{"textarea empty", FieldDefinition{Name: "body", Type: FieldTextarea}, "", Text("")},
		{"number from float", FieldDefinition{Name: "n", Type: FieldNumber}, 3.5, Number(3.5)},
		{"number from string", FieldDefinition{Name: "n", Type: FieldNumber}, " 42 ", Number(42)},
		{"number from json.Number", FieldDefinition{Name: "n", Type: FieldNumber}, json.Number("7"), Number(7)},
		{"date only", FieldDefinition{Name: "d", Type: FieldDate}, "2026-03-14", Date(day)},
		{"date rfc3339", FieldDefinition{Name: "d", Type: FieldDate}, "2026-03-14T02:00:00+02:00", Date(day)},
		{"bool", FieldDefinition{Name: "b", Type: FieldBoolean}, true, Bool(true)},
		{"bool from string", FieldDefinition{Name: "b", Type: FieldBoolean}, "false", Bool(false)},
		{"select", FieldDefinition{Name: "s", Type: FieldSelect, Options: []string{"New", "Resolved"}}, "New", Select("New")},
		{"multi select", FieldDefinition{Name: "tags", Type: FieldSelect}, []interface{}{"a", "b"}, List(Select("a"), Select("b"))},
		{"email", FieldDefinition{Name: "e", Type: FieldEmail}, "ops@example.com", Text("ops@example.com")},
		{"url", FieldDefinition{Name: "u", Type: FieldURL}, "https://example.com/x", Text("https://example.com/x")},
		{"nil optional", FieldDefinition{Name: "x", Type: FieldText}, nil, Null()},
		{"value passthrough", FieldDefinition{Name: "n", Type: FieldNumber}, Number(2), Number(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.def, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceRejects(t *testing.T) {
	tests := []struct {
		name string
		def  FieldDefinition
		raw  interface{}
	}{
		{"required nil", FieldDefinition{Name: "x", Type: FieldText, Required: true}, nil},
		{"required empty", FieldDefinition{Name: "x", Type: FieldText, Required: true}, ""},
		{"number garbage", FieldDefinition{Name: "n", Type: FieldNumber}, "lots"},
		{"date garbage", FieldDefinition{Name: "d", Type: FieldDate}, "next tuesday"},
		{"bool garbage", FieldDefinition{Name: "b", Type: FieldBoolean}, "maybe"},
		{"select not an option", FieldDefinition{Name: "s", Type: FieldSelect, Options: []string{"New"}}, "Closed"},
		{"text given number", FieldDefinition{Name: "t", Type: FieldText}, 12.0},
		{"bad email", FieldDefinition{Name: "e", Type: FieldEmail}, "not-an-address"},
		{"relative url", FieldDefinition{Name: "u", Type: FieldURL}, "/path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Coerce(tt.def, tt.raw)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestValueEmptiness(t *testing.T) {
	assert.True(t, Null().IsEmpty())
	assert.True(t, Text("").IsEmpty())
	assert.True(t, List().IsEmpty())
	assert.False(t, Number(0).IsEmpty(), "zero is a value")
	assert.False(t, Bool(false).IsEmpty(), "false is a value")
	assert.False(t, Text(" ").IsEmpty())
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "", Null().String())
	assert.Equal(t, "3.25", Number(3.25).String())
	assert.Equal(t, "a, b", List(Text("a"), Text("b")).String())
	assert.Equal(t, "true", Bool(true).String())
}

func TestValueJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Value{
		"n":    Number(1),
		"tags": List(Select("x")),
		"none": Null(),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1,"tags":["x"],"none":null}`, string(data))
}

func TestListItemsAreCopies(t *testing.T) {
	v := List(Text("a"))
	items := v.Items()
	items[0] = Text("changed")
	assert.Equal(t, "a", v.Items()[0].String())
}

func TestModelValidate(t *testing.T) {
	ok := Model{Name: "SupportTicket", Fields: []FieldDefinition{
		{Name: "status", Type: FieldSelect, Options: []string{"New", "Resolved"}, DefaultValue: "New"},
	}}
	assert.NoError(t, ok.Validate())

	cases := []Model{
		{Name: ""},
		{Name: "M", Fields: []FieldDefinition{{Name: "a", Type: FieldText}, {Name: "a", Type: FieldText}}},
		{Name: "M", Fields: []FieldDefinition{{Name: "a", Type: "currency"}}},
		{Name: "M", Fields: []FieldDefinition{{Name: "a", Type: FieldNumber, DefaultValue: "many"}}},
	}
	for _, m := range cases {
		assert.True(t, errors.IsValidation(m.Validate()), "model %+v", m)
	}
}
