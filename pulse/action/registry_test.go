package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/record"
)

func staticHandler(id string, out Outputs) HandlerFunc {
	return HandlerFunc{
		Def: Definition{ID: id, Name: id, ModelName: "Ticket", OutputFields: []string{"status"}},
		Fn: func(ctx context.Context, rec record.Record) (Outputs, error) {
			return out, nil
		},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(staticHandler("close", Outputs{"status": "closed"}))
	reg.Register(staticHandler("archive", Outputs{"status": "archived"}))

	assert.True(t, reg.Has("close"))
	assert.False(t, reg.Has("missing"))
	assert.Equal(t, []string{"archive", "close"}, reg.Names())

	def, ok := reg.Lookup("close")
	require.True(t, ok)
	assert.Equal(t, "Ticket", def.ModelName)
	assert.True(t, def.Declares("status"))
	assert.False(t, def.Declares("priority"))

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
	assert.Len(t, reg.Definitions(), 2)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(staticHandler("close", nil))
	assert.Panics(t, func() { reg.Register(staticHandler("close", nil)) })
	assert.Panics(t, func() { reg.Register(staticHandler("", nil)) })
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	reg.Register(staticHandler("close", Outputs{"status": "closed"}))

	out, err := reg.Execute(context.Background(), "close", record.Record{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "closed", out["status"])

	_, err = reg.Execute(context.Background(), "nope", record.Record{})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	reg.Register(staticHandler("old", nil))

	next := NewRegistry()
	next.Register(staticHandler("new", nil))
	reg.Replace(next)

	assert.Equal(t, []string{"new"}, reg.Names())
}
