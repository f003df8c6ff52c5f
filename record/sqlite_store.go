package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/loom/db"
	"github.com/teranos/loom/errors"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SQLiteStore keeps models and records in SQLite. Record data is a JSON
// object; values are re-typed against the model on every read.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a record store over an open, migrated database
func NewSQLiteStore(conn *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: conn, now: time.Now}
}

// CreateModel validates and persists a model. A blank ID gets a new UUID.
func (s *SQLiteStore) CreateModel(ctx context.Context, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return errors.Wrap(err, "failed to marshal model fields")
	}
	now := s.now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (id, name, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, string(fields), db.FormatTime(now), db.FormatTime(now))
	if db.IsUniqueViolation(err) {
		return errors.NewValidationError("model %q already exists", m.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create model %s", m.Name)
	}
	return nil
}

// UpsertModel creates the model or replaces the field list of the model
// with the same name. Existing records are kept; values that no longer fit
// read back as null.
func (s *SQLiteStore) UpsertModel(ctx context.Context, m *Model) error {
	existing, err := s.GetModelByName(ctx, m.Name)
	if errors.IsNotFound(err) {
		return s.CreateModel(ctx, m)
	}
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return errors.Wrap(err, "failed to marshal model fields")
	}
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE models SET fields = ?, updated_at = ? WHERE id = ?`,
		string(fields), db.FormatTime(now), existing.ID); err != nil {
		return errors.Wrapf(err, "failed to update model %s", m.Name)
	}
	m.ID, m.CreatedAt, m.UpdatedAt = existing.ID, existing.CreatedAt, now
	return nil
}

// GetModel returns a model by ID
func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*Model, error) {
	return getModel(ctx, s.db, `WHERE id = ?`, id)
}

// GetModelByName returns a model by its unique name
func (s *SQLiteStore) GetModelByName(ctx context.Context, name string) (*Model, error) {
	return getModel(ctx, s.db, `WHERE name = ?`, name)
}

// ListModels returns all models ordered by name
func (s *SQLiteStore) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, fields, created_at, updated_at FROM models ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list models")
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

func getModel(ctx context.Context, q querier, where string, arg string) (*Model, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, fields, created_at, updated_at FROM models `+where, arg)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("model %s not found", arg)
	}
	return m, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(sc scanner) (*Model, error) {
	var m Model
	var fields, created, updated string
	if err := sc.Scan(&m.ID, &m.Name, &fields, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan model")
	}
	if err := json.Unmarshal([]byte(fields), &m.Fields); err != nil {
		return nil, errors.Wrapf(err, "model %s has corrupt field definitions", m.ID)
	}
	var err error
	if m.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateRecord validates fields against the model and stores a new record.
// Fields left out take the model's default value.
func (s *SQLiteStore) CreateRecord(ctx context.Context, modelID string, fields map[string]interface{}) (*Record, error) {
	m, err := s.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	values := make(map[string]Value, len(m.Fields))
	for name := range fields {
		if _, ok := m.Field(name); !ok {
			return nil, errors.NewValidationError("model %s has no field %q", m.Name, name)
		}
	}
	for _, def := range m.Fields {
		raw, ok := fields[def.Name]
		if !ok {
			raw = def.DefaultValue
		}
		v, err := Coerce(def, raw)
		if err != nil {
			return nil, err
		}
		if !v.IsNull() {
			values[def.Name] = v
		}
	}

	now := s.now().UTC()
	rec := &Record{ID: uuid.NewString(), ModelID: m.ID, Fields: values, CreatedAt: now, UpdatedAt: now}
	data, err := encodeFields(values)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, model_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ModelID, data, db.FormatTime(now), db.FormatTime(now)); err != nil {
		return nil, errors.Wrap(err, "failed to create record")
	}
	return rec, nil
}

// GetRecord returns one record
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	return getRecord(ctx, s.db, id)
}

func getRecord(ctx context.Context, q querier, id string) (*Record, error) {
	var modelID, data, created, updated string
	err := q.QueryRowContext(ctx,
		`SELECT model_id, data, created_at, updated_at FROM records WHERE id = ?`, id).
		Scan(&modelID, &data, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("record %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load record %s", id)
	}
	m, err := getModel(ctx, q, `WHERE id = ?`, modelID)
	if err != nil {
		return nil, err
	}
	return decodeRecord(m, id, data, created, updated)
}

// ListRecords returns every record of a model, oldest first
func (s *SQLiteStore) ListRecords(ctx context.Context, modelID string) ([]Record, error) {
	m, err := s.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, created_at, updated_at FROM records
		WHERE model_id = ? ORDER BY created_at, id`, modelID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list records of model %s", m.Name)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id, data, created, updated string
		if err := rows.Scan(&id, &data, &created, &updated); err != nil {
			return nil, errors.Wrap(err, "failed to scan record")
		}
		rec, err := decodeRecord(m, id, data, created, updated)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// UpdateRecord applies updates inside one transaction, so concurrent updates
// to the same record serialize instead of losing writes.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, recordID string, updates map[string]interface{}) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, recordID)
	if err != nil {
		return nil, err
	}
	m, err := getModel(ctx, tx, `WHERE id = ?`, rec.ModelID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, ok := m.Field(name)
		if !ok {
			return nil, errors.NewValidationError("model %s has no field %q", m.Name, name)
		}
		v, err := Coerce(def, updates[name])
		if err != nil {
			return nil, err
		}
		if v.IsNull() {
			delete(rec.Fields, name)
		} else {
			rec.Fields[name] = v
		}
	}

	data, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE id = ?`,
		data, db.FormatTime(rec.UpdatedAt), recordID); err != nil {
		return nil, errors.Wrapf(err, "failed to update record %s", recordID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit record %s", recordID)
	}
	return rec, nil
}

// DeleteRecord removes a record
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete record %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("record %s not found", id)
	}
	return nil
}

func encodeFields(values map[string]Value) (string, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal record fields")
	}
	return string(data), nil
}

// decodeRecord re-types stored JSON against the model. A stored value that
// no longer fits its field (the model changed) reads as null rather than
// failing the whole listing.
func decodeRecord(m *Model, id, data, created, updated string) (*Record, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, errors.Wrapf(err, "record %s has corrupt data", id)
	}
	fields := make(map[string]Value, len(raw))
	for _, def := range m.Fields {
		rawValue, ok := raw[def.Name]
		if !ok || rawValue == nil {
			continue
		}
		lenient := def
		lenient.Required = false
		if v, err := Coerce(lenient, rawValue); err == nil && !v.IsNull() {
			fields[def.Name] = v
		}
	}
	rec := &Record{ID: id, ModelID: m.ID, Fields: fields}
	var err error
	if rec.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	return rec, nil
}
