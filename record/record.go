package record

import (
	"time"
)

// Record is an instance of a model. Fields absent from the map read as null.
type Record struct {
	ID        string           `json:"id"`
	ModelID   string           `json:"modelId"`
	Fields    map[string]Value `json:"fields"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Get returns the named field, or null when the record does not carry it
func (r *Record) Get(name string) Value {
	if r == nil || r.Fields == nil {
		return Null()
	}
	return r.Fields[name]
}

// Clone returns a copy whose field map can be changed independently
func (r Record) Clone() Record {
	fields := make(map[string]Value, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}
