package record

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	loomtest "github.com/teranos/loom/internal/testing"
)

func ticketModel() *Model {
	return &Model{
		Name: "SupportTicket",
		Fields: []FieldDefinition{
			{Name: "title", Type: FieldText, Required: true},
			{Name: "status", Type: FieldSelect, Options: []string{"New", "Resolved"}, DefaultValue: "New"},
			{Name: "priority", Type: FieldNumber},
			{Name: "body", Type: FieldTextarea},
			{Name: "hits", Type: FieldNumber},
		},
	}
}

func newTestStore(t *testing.T) (*SQLiteStore, *Model) {
	t.Helper()
	store := NewSQLiteStore(loomtest.CreateTestDB(t))
	m := ticketModel()
	require.NoError(t, store.CreateModel(context.Background(), m))
	return store, m
}

func TestCreateAndGetModel(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	got, err := store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "SupportTicket", got.Name)
	assert.Len(t, got.Fields, 5)

	byName, err := store.GetModelByName(ctx, "SupportTicket")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byName.ID)

	_, err = store.GetModel(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	dup := ticketModel()
	assert.True(t, errors.IsValidation(store.CreateModel(ctx, dup)))
}

func TestUpsertModelKeepsID(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	changed := ticketModel()
	changed.Fields = append(changed.Fields, FieldDefinition{Name: "owner", Type: FieldEmail})
	require.NoError(t, store.UpsertModel(ctx, changed))
	assert.Equal(t, m.ID, changed.ID)

	got, err := store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	_, ok := got.Field("owner")
	assert.True(t, ok)

	models, err := store.ListModels(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 1)
}

func TestCreateRecordAppliesDefaultsAndValidates(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	rec, err := store.CreateRecord(ctx, m.ID, map[string]interface{}{"title": "Printer on fire", "priority": "2"})
	require.NoError(t, err)
	assert.Equal(t, Select("New"), rec.Get("status"))
	assert.Equal(t, Number(2), rec.Get("priority"))
	assert.True(t, rec.Get("body").IsNull())

	_, err = store.CreateRecord(ctx, m.ID, map[string]interface{}{"priority": 1})
	assert.True(t, errors.IsValidation(err), "title is required")

	_, err = store.CreateRecord(ctx, m.ID, map[string]interface{}{"title": "x", "colour": "red"})
	assert.True(t, errors.IsValidation(err), "unknown field")
}

func TestListRecordsScopedToModel(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	other := &Model{Name: "Lead", Fields: []FieldDefinition{{Name: "name", Type: FieldText}}}
	require.NoError(t, store.CreateModel(ctx, other))

	for _, title := range []string{"a", "b", "c"} {
		_, err := store.CreateRecord(ctx, m.ID, map[string]interface{}{"title": title})
		require.NoError(t, err)
	}
	_, err := store.CreateRecord(ctx, other.ID, map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	tickets, err := store.ListRecords(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 3)

	leads, err := store.ListRecords(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

func TestUpdateRecord(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	rec, err := store.CreateRecord(ctx, m.ID, map[string]interface{}{"title": "t", "body": "draft"})
	require.NoError(t, err)

	updated, err := store.UpdateRecord(ctx, rec.ID, map[string]interface{}{"status": "Resolved", "body": nil})
	require.NoError(t, err)
	assert.Equal(t, Select("Resolved"), updated.Get("status"))
	assert.True(t, updated.Get("body").IsNull())

	reloaded, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Fields, reloaded.Fields)

	t.Run("rejects the whole update on one bad field", func(t *testing.T) {
		_, err := store.UpdateRecord(ctx, rec.ID, map[string]interface{}{"priority": 5, "status": "Closed"})
		require.True(t, errors.IsValidation(err))

		again, err := store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, again.Get("priority").IsNull(), "nothing from a rejected update is written")
	})

	t.Run("unknown record", func(t *testing.T) {
		_, err := store.UpdateRecord(ctx, "nope", map[string]interface{}{"status": "New"})
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestUpdateRecordConcurrentWritesDoNotLoseFields(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	rec, err := store.CreateRecord(ctx, m.ID, map[string]interface{}{"title": "t"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, update := range []map[string]interface{}{
		{"priority": 1}, {"body": "x"}, {"hits": 9}, {"status": "Resolved"},
	} {
		wg.Add(1)
		go func(u map[string]interface{}) {
			defer wg.Done()
			_, err := store.UpdateRecord(ctx, rec.ID, u)
			assert.NoError(t, err)
		}(update)
	}
	wg.Wait()

	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Number(1), got.Get("priority"))
	assert.Equal(t, Text("x"), got.Get("body"))
	assert.Equal(t, Number(9), got.Get("hits"))
	assert.Equal(t, Select("Resolved"), got.Get("status"))
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	rec, err := store.CreateRecord(ctx, m.ID, map[string]interface{}{"title": "t"})
	require.NoError(t, err)
	require.NoError(t, store.DeleteRecord(ctx, rec.ID))
	assert.True(t, errors.IsNotFound(store.DeleteRecord(ctx, rec.ID)))
}

func TestSearchRecords(t *testing.T) {
	ctx := context.Background()
	store, m := newTestStore(t)

	for _, body := range []string{
		"Machine learning pipeline is down",
		"machine room is flooded, learning nothing",
		"Billing question",
	} {
		_, err := store.CreateRecord(ctx, m.ID, map[string]interface{}{"title": "ticket", "body": body})
		require.NoError(t, err)
	}

	tests := []struct {
		text string
		want int
	}{
		{`"machine learning"`, 1},
		{`machine learning`, 2},
		{`BILLING`, 1},
		{`ticket`, 3},
		{``, 3},
		{`"unbalanced quote`, 0},
		{`payroll`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := store.SearchRecords(ctx, m.ID, tt.text)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestSearchTerms(t *testing.T) {
	assert.Equal(t, []string{"machine learning", "startup"}, SearchTerms(`"Machine Learning" startup`))
	assert.Equal(t, []string{"unbalanced", "quote"}, SearchTerms(`"unbalanced quote`))
	assert.Nil(t, SearchTerms("   "))
}
