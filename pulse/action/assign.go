package action

import (
	"context"
	"strings"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/record"
)

// AssignHandler returns the same configured values for every record
type AssignHandler struct {
	def    Definition
	values Outputs
}

// NewAssignHandler builds an assign action. Keys of set are matched to
// OutputFields case-insensitively, since config keys may arrive lowercased.
func NewAssignHandler(def Definition, set map[string]interface{}) *AssignHandler {
	values := make(Outputs, len(set))
	for key, v := range set {
		name := key
		for _, f := range def.OutputFields {
			if strings.EqualFold(f, key) {
				name = f
				break
			}
		}
		values[name] = v
	}
	return &AssignHandler{def: def, values: values}
}

func (h *AssignHandler) Definition() Definition { return h.def }

func (h *AssignHandler) Execute(ctx context.Context, _ record.Record) (Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(Outputs, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out, nil
}

func definitionFromConfig(cfg am.ActionConfig) Definition {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return Definition{
		ID:           cfg.ID,
		Name:         name,
		ModelName:    cfg.Model,
		OutputFields: append([]string(nil), cfg.OutputFields...),
	}
}
