package record

import (
	"context"
	"strings"

	"github.com/kballard/go-shellquote"
)

// SearchRecords matches free text against a model's records. The text is
// split shell-style, so quoted phrases stay together:
//
//	"machine learning" startup
//
// matches records whose searchable fields contain both the phrase and the
// word. Matching is case-insensitive. Blank text matches every record.
func (s *SQLiteStore) SearchRecords(ctx context.Context, modelID, text string) ([]Record, error) {
	m, err := s.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	records, err := s.ListRecords(ctx, modelID)
	if err != nil {
		return nil, err
	}

	terms := SearchTerms(text)
	if len(terms) == 0 {
		return records, nil
	}

	var matched []Record
	for _, rec := range records {
		if matchesTerms(m, &rec, terms) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// SearchTerms lowercases and splits text into search terms. Unbalanced
// quotes fall back to whitespace splitting.
func SearchTerms(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	terms, err := shellquote.Split(text)
	if err != nil {
		terms = strings.Fields(strings.ReplaceAll(text, `"`, " "))
	}
	out := terms[:0]
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func matchesTerms(m *Model, rec *Record, terms []string) bool {
	var haystack strings.Builder
	for _, def := range m.Fields {
		if !def.Type.Searchable() {
			continue
		}
		haystack.WriteString(strings.ToLower(rec.Get(def.Name).String()))
		haystack.WriteByte('\n')
	}
	text := haystack.String()
	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}
