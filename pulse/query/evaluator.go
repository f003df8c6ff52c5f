package query

import (
	"context"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/record"
)

// Evaluator applies queries to records, delegating free text to the store
type Evaluator struct {
	store record.Store
}

// NewEvaluator creates an evaluator backed by store
func NewEvaluator(store record.Store) *Evaluator {
	return &Evaluator{store: store}
}

// MatchStructured folds the filters of s over rec. An empty filter list
// matches every record, for OR as well as AND.
func MatchStructured(rec *record.Record, s Structured) (bool, error) {
	if len(s.Filters) == 0 {
		return true, nil
	}

	logic, err := ParseLogic(string(s.Logic))
	if err != nil {
		return false, errors.NewConfigurationError("%v", err)
	}

	// every filter is evaluated so a bad operator fails even when an
	// earlier filter already decided the result
	result := logic == And
	for _, f := range s.Filters {
		ok, err := Evaluate(rec.Get(f.Field), f.Operator, f.Value)
		if err != nil {
			return false, errors.Wrapf(err, "filter on %q", f.Field)
		}
		if logic == And {
			result = result && ok
		} else {
			result = result || ok
		}
	}
	return result, nil
}

// Matches reports whether rec satisfies q
func (e *Evaluator) Matches(ctx context.Context, rec *record.Record, q Query) (bool, error) {
	if !q.IsFreeText() {
		return MatchStructured(rec, q.Structured())
	}
	hits, err := e.store.SearchRecords(ctx, rec.ModelID, q.Text())
	if err != nil {
		return false, errors.Wrap(err, "free-text search failed")
	}
	for _, hit := range hits {
		if hit.ID == rec.ID {
			return true, nil
		}
	}
	return false, nil
}

// Select returns the records of a model that satisfy q, as a snapshot
// taken now. Duplicate record IDs are dropped.
func (e *Evaluator) Select(ctx context.Context, modelID string, q Query) ([]record.Record, error) {
	var candidates []record.Record
	var err error
	if q.IsFreeText() {
		candidates, err = e.store.SearchRecords(ctx, modelID, q.Text())
	} else {
		candidates, err = e.store.ListRecords(ctx, modelID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load records of model %s", modelID)
	}

	seen := make(map[string]bool, len(candidates))
	matched := make([]record.Record, 0, len(candidates))
	for i := range candidates {
		rec := &candidates[i]
		if seen[rec.ID] {
			continue
		}
		if !q.IsFreeText() {
			ok, err := MatchStructured(rec, q.Structured())
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		seen[rec.ID] = true
		matched = append(matched, *rec)
	}
	return matched, nil
}
