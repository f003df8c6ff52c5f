// Package record is the dynamically typed record store the scheduler reads
// from and writes action outputs back into.
package record

import "context"

// Store is what the scheduler needs from a record store
type Store interface {
	// ListRecords returns every record of a model
	ListRecords(ctx context.Context, modelID string) ([]Record, error)
	// SearchRecords returns records of a model matching free text
	SearchRecords(ctx context.Context, modelID, text string) ([]Record, error)
	// UpdateRecord validates and applies field updates atomically
	UpdateRecord(ctx context.Context, recordID string, updates map[string]interface{}) (*Record, error)
}

// ModelResolver resolves model IDs for validation
type ModelResolver interface {
	GetModel(ctx context.Context, id string) (*Model, error)
}
