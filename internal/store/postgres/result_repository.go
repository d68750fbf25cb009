package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/store"
)

// ResultRepository implements store.ResultRepository using PostgreSQL.
type ResultRepository struct {
	db *DB
}

// NewResultRepository creates a new PostgreSQL-backed result repository.
func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Save inserts or replaces the record for rec.MessageID.
func (r *ResultRepository) Save(ctx context.Context, rec *domain.TaskRecord) error {
	output, err := marshalOutput(rec.Output)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO task_results (
			message_id, envelope_id, task_type, queue, state,
			attempt, error_detail, output, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO UPDATE SET
			envelope_id = EXCLUDED.envelope_id,
			task_type = EXCLUDED.task_type,
			queue = EXCLUDED.queue,
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			error_detail = EXCLUDED.error_detail,
			output = EXCLUDED.output,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.pool.Exec(ctx, query,
		rec.MessageID,
		nullableString(rec.EnvelopeID),
		rec.TaskType,
		rec.Queue,
		string(rec.State),
		rec.Attempt,
		nullableString(rec.ErrorDetail),
		output,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}

	return nil
}

// Get retrieves the record for a message.
func (r *ResultRepository) Get(ctx context.Context, messageID string) (*domain.TaskRecord, error) {
	query := `
		SELECT message_id, envelope_id, task_type, queue, state,
			attempt, error_detail, output, updated_at
		FROM task_results
		WHERE message_id = $1
	`

	rec, err := scanRecord(r.db.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task result: %w", err)
	}

	return rec, nil
}

// List returns records matching filter, most recently updated first.
func (r *ResultRepository) List(ctx context.Context, filter store.ResultFilter) ([]*domain.TaskRecord, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.State != "" {
		args = append(args, string(filter.State))
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Queue != "" {
		args = append(args, filter.Queue)
		conditions = append(conditions, fmt.Sprintf("queue = $%d", len(args)))
	}
	if filter.TaskType != "" {
		args = append(args, filter.TaskType)
		conditions = append(conditions, fmt.Sprintf("task_type = $%d", len(args)))
	}

	query := `
		SELECT message_id, envelope_id, task_type, queue, state,
			attempt, error_detail, output, updated_at
		FROM task_results
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY updated_at DESC, message_id LIMIT $%d", len(args))

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task results: %w", err)
	}

	return out, nil
}

func scanRecord(row pgx.Row) (*domain.TaskRecord, error) {
	var (
		rec         domain.TaskRecord
		envelopeID  *string
		errorDetail *string
		state       string
		output      []byte
	)

	err := row.Scan(
		&rec.MessageID,
		&envelopeID,
		&rec.TaskType,
		&rec.Queue,
		&state,
		&rec.Attempt,
		&errorDetail,
		&output,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = domain.TaskState(state)
	if envelopeID != nil {
		rec.EnvelopeID = *envelopeID
	}
	if errorDetail != nil {
		rec.ErrorDetail = *errorDetail
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &rec.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}

	return &rec, nil
}

func marshalOutput(output map[string]any) ([]byte, error) {
	if output == nil {
		return nil, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	return data, nil
}

// nullableString converts an empty string to nil for nullable columns.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
