package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/threadlab/internal/model"
)

// setBundleExpr sets predicted_category."<experiment id>" on a unit
// document. A document whose predicted_category is missing or not an
// object gets an empty object first, since json_set only creates the
// last path element.
const setBundleExpr = `json_set(
	json_set(doc, '$.predicted_category',
		json(CASE WHEN json_type(doc, '$.predicted_category') = 'object'
			THEN json_extract(doc, '$.predicted_category') ELSE '{}' END)),
	?, json(?), '$.updated_at', ?)`

// bundlePath quotes the experiment id as a single JSON path key. SQLite
// path labels have no escape for '"', so such ids are refused.
func bundlePath(experimentID string) (string, error) {
	if experimentID == "" || strings.ContainsRune(experimentID, '"') {
		return "", fmt.Errorf("experiment id %q cannot be used as a JSON path key", experimentID)
	}
	return `$.predicted_category."` + experimentID + `"`, nil
}

// WritePredictedBundles stores each unit's bundle under
// predicted_category[experimentID]. Writing the same bundle again leaves
// the document unchanged apart from updated_at.
func (s *Store) WritePredictedBundles(ctx context.Context, experimentID string, bundles map[string]model.PredictedBundle) error {
	if len(bundles) == 0 {
		return nil
	}
	path, err := bundlePath(experimentID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(bundles))
	for id := range bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		for _, id := range ids {
			raw, err := json.Marshal(bundles[id])
			if err != nil {
				return fmt.Errorf("marshal bundle for unit %s: %w", id, err)
			}
			q, args := builder().Update(ClusterUnits).
				Set("doc", entsql.Expr(setBundleExpr, path, string(raw), now)).
				Set("updated_at", now).
				Where(live(id)).
				Query()
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("write bundle for unit %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &MissingError{Collection: ClusterUnits, IDs: []string{id}}
			}
		}
		return nil
	})
}

// UpdateExperimentStatus sets the status and error message of an
// experiment. The message is cleared for every status but error.
func (s *Store) UpdateExperimentStatus(ctx context.Context, id string, status model.ExperimentStatus, message string) error {
	if status != model.StatusError {
		message = ""
	}
	now := formatTime(s.now())
	q, args := builder().Update(Experiments).
		Set("doc", entsql.Expr(`json_set(doc, '$.status', ?, '$.error_message', ?, '$.updated_at', ?)`,
			string(status), message, now)).
		Set("updated_at", now).
		Where(live(id)).
		Query()
	return s.execOne(ctx, q, args, Experiments, id)
}

// WriteAggregate stores the aggregate result, token statistics and cost on
// an experiment. Any of them may be nil, which stores JSON null.
func (s *Store) WriteAggregate(ctx context.Context, id string, result map[string]model.PredictionResult, stats *model.ExperimentTokenStatistics, cost *model.ExperimentCost) error {
	rawResult, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal aggregate result: %w", err)
	}
	rawStats, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal token statistics: %w", err)
	}
	rawCost, err := json.Marshal(cost)
	if err != nil {
		return fmt.Errorf("marshal experiment cost: %w", err)
	}

	now := formatTime(s.now())
	q, args := builder().Update(Experiments).
		Set("doc", entsql.Expr(`json_set(doc,
			'$.aggregate_result', json(?),
			'$.token_statistics', json(?),
			'$.experiment_cost', json(?),
			'$.updated_at', ?)`,
			string(rawResult), string(rawStats), string(rawCost), now)).
		Set("updated_at", now).
		Where(live(id)).
		Query()
	return s.execOne(ctx, q, args, Experiments, id)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
