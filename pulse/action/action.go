// Package action runs named actions against records.
//
// An action is opaque to the scheduler: it receives one record and returns
// either a set of field outputs or an error. The scheduler only trusts outputs
// whose names appear in the action's OutputFields.
package action

import (
	"context"

	"github.com/teranos/loom/record"
)

// Outputs maps output field names to raw values, coerced by the record store on write
type Outputs map[string]interface{}

// Definition describes an action a schedule step can reference
type Definition struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ModelName    string   `json:"modelName"`
	OutputFields []string `json:"outputFields"`
}

// Declares reports whether field is one of the definition's output fields
func (d Definition) Declares(field string) bool {
	for _, f := range d.OutputFields {
		if f == field {
			return true
		}
	}
	return false
}

// Handler implements one action.
// Execute must honour ctx cancellation; the pipeline bounds each call with a deadline.
type Handler interface {
	Definition() Definition
	Execute(ctx context.Context, rec record.Record) (Outputs, error)
}

// Executor invokes actions by ID
type Executor interface {
	Execute(ctx context.Context, actionID string, rec record.Record) (Outputs, error)
}

// Resolver looks up action definitions for validation
type Resolver interface {
	Lookup(actionID string) (Definition, bool)
}

// HandlerFunc adapts a function into a Handler with a fixed definition
type HandlerFunc struct {
	Def Definition
	Fn  func(ctx context.Context, rec record.Record) (Outputs, error)
}

func (h HandlerFunc) Definition() Definition { return h.Def }

func (h HandlerFunc) Execute(ctx context.Context, rec record.Record) (Outputs, error) {
	return h.Fn(ctx, rec)
}
