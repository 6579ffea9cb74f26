package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/abhisek/threadlab/internal/model"
)

func live(id string) *entsql.Predicate {
	return entsql.And(entsql.EQ("id", id), entsql.IsNull("deleted_at"))
}

// putDoc upserts a document. It stamps the document's timestamps before
// encoding it: created_at only when unset, updated_at always.
func (s *Store) putDoc(ctx context.Context, collection, id string, createdAt, updatedAt *time.Time, v any) error {
	if id == "" {
		return fmt.Errorf("put %s: empty id", collection)
	}

	now := s.now()
	if createdAt.IsZero() {
		*createdAt = now
	}
	*updatedAt = now

	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", collection, id, err)
	}
	q, args := builder().Insert(collection).
		Columns("id", "doc", "created_at", "updated_at", "deleted_at").
		Values(id, string(doc), formatTime(*createdAt), formatTime(now), nil).
		OnConflict(
			entsql.ConflictColumns("id"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("doc")
				u.SetExcluded("updated_at")
				u.SetExcluded("deleted_at")
			}),
		).Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("put %s %s: %w", collection, id, err)
	}
	return nil
}

func loadDoc[T any](ctx context.Context, s *Store, collection, id string) (*T, error) {
	q, args := builder().Select("doc").
		From(entsql.Table(collection)).
		Where(live(id)).
		Query()

	var raw string
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &MissingError{Collection: collection, IDs: []string{id}}
		}
		return nil, fmt.Errorf("load %s %s: %w", collection, id, err)
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", collection, id, err)
	}
	return &v, nil
}

// SoftDelete marks a document deleted. Deleted documents are invisible to
// every read.
func (s *Store) SoftDelete(ctx context.Context, collection, id string) error {
	now := formatTime(s.now())
	q, args := builder().Update(collection).
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(live(id)).
		Query()
	return s.execOne(ctx, q, args, collection, id)
}

// execOne runs a single-document mutation and maps "no row" to ErrNotFound.
func (s *Store) execOne(ctx context.Context, q string, args []any, collection, id string) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", collection, id, err)
	}
	if n == 0 {
		return &MissingError{Collection: collection, IDs: []string{id}}
	}
	return nil
}

// PutUser upserts a user.
func (s *Store) PutUser(ctx context.Context, u *model.User) error {
	return s.putDoc(ctx, Users, u.ID, &u.CreatedAt, &u.UpdatedAt, u)
}

// PutExperiment upserts an experiment. New experiments get a random id
// when none is set and default to the initialized status.
func (s *Store) PutExperiment(ctx context.Context, e *model.Experiment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = model.StatusInitialized
	}
	return s.putDoc(ctx, Experiments, e.ID, &e.CreatedAt, &e.UpdatedAt, e)
}

func (s *Store) PutSample(ctx context.Context, smp *model.Sample) error {
	return s.putDoc(ctx, Samples, smp.ID, &smp.CreatedAt, &smp.UpdatedAt, smp)
}

func (s *Store) PutPrompt(ctx context.Context, p *model.Prompt) error {
	return s.putDoc(ctx, Prompts, p.ID, &p.CreatedAt, &p.UpdatedAt, p)
}

func (s *Store) PutLabelTemplate(ctx context.Context, t *model.LabelTemplate) error {
	return s.putDoc(ctx, LabelTemplates, t.ID, &t.CreatedAt, &t.UpdatedAt, t)
}

// PutUnit upserts a cluster unit. predicted_category is always stored as
// an object so bundle writes can set keys inside it.
func (s *Store) PutUnit(ctx context.Context, u *model.ClusterUnit) error {
	if u.PredictedCategory == nil {
		u.PredictedCategory = map[string]model.PredictedBundle{}
	}
	return s.putDoc(ctx, ClusterUnits, u.ID, &u.CreatedAt, &u.UpdatedAt, u)
}

func (s *Store) LoadUser(ctx context.Context, id string) (*model.User, error) {
	return loadDoc[model.User](ctx, s, Users, id)
}

func (s *Store) LoadExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	return loadDoc[model.Experiment](ctx, s, Experiments, id)
}

func (s *Store) LoadSample(ctx context.Context, id string) (*model.Sample, error) {
	return loadDoc[model.Sample](ctx, s, Samples, id)
}

func (s *Store) LoadPrompt(ctx context.Context, id string) (*model.Prompt, error) {
	return loadDoc[model.Prompt](ctx, s, Prompts, id)
}

// LoadLabelTemplate loads a template and fills in implied bool values.
func (s *Store) LoadLabelTemplate(ctx context.Context, id string) (*model.LabelTemplate, error) {
	t, err := loadDoc[model.LabelTemplate](ctx, s, LabelTemplates, id)
	if err != nil {
		return nil, err
	}
	t.Normalize()
	return t, nil
}

// LoadUnits loads units in the order of ids. It is strict: unless every
// id resolves to a live unit it returns a *MissingError naming the rest.
func (s *Store) LoadUnits(ctx context.Context, ids []string) ([]*model.ClusterUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q, qargs := builder().Select("id", "doc").
		From(entsql.Table(ClusterUnits)).
		Where(entsql.And(entsql.In("id", args...), entsql.IsNull("deleted_at"))).
		Query()

	rows, err := s.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*model.ClusterUnit, len(ids))
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		var u model.ClusterUnit
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("decode unit %s: %w", id, err)
		}
		byID[id] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}

	units := make([]*model.ClusterUnit, 0, len(ids))
	var missing []string
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		units = append(units, u)
	}
	if len(missing) > 0 {
		return nil, &MissingError{Collection: ClusterUnits, IDs: missing}
	}
	return units, nil
}
