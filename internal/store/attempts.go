package store

import (
	"context"
	"database/sql"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/threadlab/internal/model"
)

// AttemptRecord is one billed LLM attempt in the token ledger. The ledger
// keeps attempts of every run, including runs that never produced a
// prediction and therefore never reach a bundle.
type AttemptRecord struct {
	ExperimentID string
	UnitID       string
	RunIndex     int
	model.TokenUsageAttempt
}

// AppendAttempts adds records to the token ledger.
func (s *Store) AppendAttempts(ctx context.Context, records []AttemptRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := formatTime(s.now())

	ins := builder().Insert(attemptsTable).Columns(
		"experiment_id", "unit_id", "run_index", "attempt_number",
		"prompt_tokens", "completion_tokens", "total_tokens", "reasoning_tokens",
		"success", "error_message", "created_at",
	)
	for _, r := range records {
		var reasoning any
		if r.TokensUsed.ReasoningTokens != nil {
			reasoning = *r.TokensUsed.ReasoningTokens
		}
		success := 0
		if r.Success {
			success = 1
		}
		ins.Values(
			r.ExperimentID, r.UnitID, r.RunIndex, r.AttemptNumber,
			r.TokensUsed.PromptTokens, r.TokensUsed.CompletionTokens, r.TokensUsed.TotalTokens, reasoning,
			success, r.ErrorMessage, now,
		)
	}

	q, args := ins.Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("append attempts: %w", err)
	}
	return nil
}

// ExperimentAttempts returns the ledger for an experiment ordered by
// unit, run and attempt number.
func (s *Store) ExperimentAttempts(ctx context.Context, experimentID string) ([]AttemptRecord, error) {
	q, args := builder().Select(
		"unit_id", "run_index", "attempt_number",
		"prompt_tokens", "completion_tokens", "total_tokens", "reasoning_tokens",
		"success", "error_message",
	).
		From(entsql.Table(attemptsTable)).
		Where(entsql.EQ("experiment_id", experimentID)).
		OrderBy("unit_id", "run_index", "id").
		Query()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		r := AttemptRecord{ExperimentID: experimentID}
		var reasoning sql.NullInt64
		var success int
		if err := rows.Scan(
			&r.UnitID, &r.RunIndex, &r.AttemptNumber,
			&r.TokensUsed.PromptTokens, &r.TokensUsed.CompletionTokens, &r.TokensUsed.TotalTokens, &reasoning,
			&success, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if reasoning.Valid {
			n := int(reasoning.Int64)
			r.TokensUsed.ReasoningTokens = &n
		}
		r.Success = success == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	return out, nil
}

// Attempts flattens ledger records to the attempts they carry.
func Attempts(records []AttemptRecord) []model.TokenUsageAttempt {
	out := make([]model.TokenUsageAttempt, len(records))
	for i, r := range records {
		out[i] = r.TokenUsageAttempt
	}
	return out
}
