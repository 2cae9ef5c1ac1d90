package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/xjson"
)

// ExecutionRepo — репозиторий executions в Postgres.
//
// Строка — один run; ExecutionID уникален среди нетерминальных runs
// (partial unique index). Create с занятым живым ExecutionID возвращает
// ErrDuplicateExecution — так отсекаются дубликаты scheduled-запусков.
//
// Schema:
//
//	CREATE TABLE executions (
//	    run_id         uuid        PRIMARY KEY,
//	    execution_id   text        NOT NULL,
//	    definition_ref text        NOT NULL,
//	    input          jsonb,
//	    status         text        NOT NULL,
//	    parent_id      text,
//	    started_at     timestamptz,
//	    ended_at       timestamptz,
//	    result         jsonb,
//	    error          text,
//	    cancel_requested boolean   NOT NULL DEFAULT false,
//	    cancel_reason  text,
//	    created_at     timestamptz NOT NULL
//	);
//	CREATE UNIQUE INDEX executions_live_id ON executions (execution_id)
//	    WHERE status IN ('SCHEDULED', 'RUNNING');
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// Create создаёт новый run.
//
// Инвариант уникальности проверяется дважды: SELECT в транзакции для
// обычного пути и сам индекс executions_live_id для гонки двух
// создателей. Оба случая — ErrDuplicateExecution.
func (r *ExecutionRepo) Create(ctx context.Context, exec *domain.Execution) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status domain.ExecutionStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM executions
		WHERE execution_id = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, exec.ExecutionID).Scan(&status)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check execution id: %w", err)
	}
	if err == nil && !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrDuplicateExecution, exec.ExecutionID)
	}

	resultJSON, err := marshalResult(exec.Result)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (run_id, execution_id, definition_ref, input, status,
		                        parent_id, started_at, ended_at, result, error,
		                        cancel_requested, cancel_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		exec.RunID,
		exec.ExecutionID,
		exec.DefinitionRef,
		[]byte(exec.Input),
		exec.Status,
		nullString(exec.ParentID),
		exec.StartedAt,
		exec.EndedAt,
		resultJSON,
		nullString(exec.Error),
		exec.CancelRequested,
		nullString(exec.CancelReason),
		exec.CreatedAt,
	)
	if err != nil {
		// Гонка двух создателей: оба прошли SELECT до чужого INSERT,
		// проигравшего останавливает индекс executions_live_id.
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateExecution, exec.ExecutionID)
		}
		return fmt.Errorf("insert execution: %w", err)
	}

	return tx.Commit(ctx)
}

// Update обновляет изменяемые поля run'а.
func (r *ExecutionRepo) Update(ctx context.Context, exec *domain.Execution) error {
	resultJSON, err := marshalResult(exec.Result)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, started_at = $3, ended_at = $4, result = $5, error = $6,
		    cancel_requested = $7, cancel_reason = $8
		WHERE run_id = $1
	`,
		exec.RunID,
		exec.Status,
		exec.StartedAt,
		exec.EndedAt,
		resultJSON,
		nullString(exec.Error),
		exec.CancelRequested,
		nullString(exec.CancelReason),
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel выставляет флаг отмены для живого run'а ExecutionID.
// Если живого run'а нет — ErrNotFound.
func (r *ExecutionRepo) RequestCancel(ctx context.Context, executionID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET cancel_requested = true, cancel_reason = $2
		WHERE execution_id = $1
		  AND status IN ('SCHEDULED', 'RUNNING')
	`, executionID, nullString(reason))
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByExecutionID возвращает последний run для ExecutionID.
func (r *ExecutionRepo) GetByExecutionID(ctx context.Context, executionID string) (*domain.Execution, error) {
	query := selectExecution + `
		WHERE execution_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanExecution(r.pool.QueryRow(ctx, query, executionID))
}

// GetByRunID возвращает run по RunID.
func (r *ExecutionRepo) GetByRunID(ctx context.Context, runID uuid.UUID) (*domain.Execution, error) {
	query := selectExecution + ` WHERE run_id = $1`
	return r.scanExecution(r.pool.QueryRow(ctx, query, runID))
}

// ListActive возвращает нетерминальные runs (polling fallback
// и подхват чужих executions после падения владельца).
func (r *ExecutionRepo) ListActive(ctx context.Context, limit int) ([]domain.Execution, error) {
	query := selectExecution + `
		WHERE status IN ('SCHEDULED', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		exec, err := r.scanExecutionFromRows(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// --- Helpers ---

const selectExecution = `
	SELECT run_id, execution_id, definition_ref, input, status, parent_id,
	       started_at, ended_at, result, error, cancel_requested, cancel_reason,
	       created_at
	FROM executions
`

// scanExecution сканирует одну строку в Execution.
func (r *ExecutionRepo) scanExecution(row pgx.Row) (*domain.Execution, error) {
	return scanExecutionRow(row.Scan)
}

// scanExecutionFromRows сканирует текущую строку rows.
func (r *ExecutionRepo) scanExecutionFromRows(rows pgx.Rows) (*domain.Execution, error) {
	return scanExecutionRow(rows.Scan)
}

func scanExecutionRow(scan func(dest ...any) error) (*domain.Execution, error) {
	var exec domain.Execution
	var input, resultJSON []byte
	var parentID, execError, cancelReason *string

	err := scan(
		&exec.RunID,
		&exec.ExecutionID,
		&exec.DefinitionRef,
		&input,
		&exec.Status,
		&parentID,
		&exec.StartedAt,
		&exec.EndedAt,
		&resultJSON,
		&execError,
		&exec.CancelRequested,
		&cancelReason,
		&exec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	exec.Input = input
	if parentID != nil {
		exec.ParentID = *parentID
	}
	if execError != nil {
		exec.Error = *execError
	}
	if cancelReason != nil {
		exec.CancelReason = *cancelReason
	}
	if len(resultJSON) > 0 {
		var result domain.FinalResult
		if err := xjson.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		exec.Result = &result
	}

	return &exec, nil
}

// marshalResult сериализует итоговую сводку (nil → NULL).
func marshalResult(result *domain.FinalResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := xjson.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
