package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// ScheduleRepo — репозиторий расписаний в Postgres.
//
// Schema:
//
//	CREATE TABLE schedules (
//	    id                uuid        PRIMARY KEY,
//	    name              text,
//	    pipeline_ref      text        NOT NULL,
//	    cron_expr         text,
//	    interval_sec      int,
//	    offset_sec        int,
//	    timezone          text        NOT NULL,
//	    overlap_policy    text        NOT NULL,
//	    state             text        NOT NULL,
//	    input_template    jsonb,
//	    next_run_at       timestamptz,
//	    last_run_at       timestamptz,
//	    last_execution_id text,
//	    last_skipped_at   timestamptz,
//	    buffered_tick     timestamptz,
//	    created_at        timestamptz NOT NULL,
//	    updated_at        timestamptz NOT NULL
//	);
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// Create создаёт новый schedule.
func (r *ScheduleRepo) Create(ctx context.Context, sched *domain.Schedule) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO schedules (id, name, pipeline_ref, cron_expr, interval_sec, offset_sec,
		                       timezone, overlap_policy, state, input_template, next_run_at,
		                       last_run_at, last_execution_id, last_skipped_at, buffered_tick,
		                       created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		sched.ID,
		nullString(sched.Name),
		sched.PipelineRef,
		nullString(sched.CronExpr),
		nullInt(sched.IntervalSec),
		nullInt(sched.OffsetSec),
		sched.Timezone,
		sched.OverlapPolicy,
		sched.State,
		[]byte(sched.InputTemplate),
		sched.NextRunAt,
		sched.LastRunAt,
		nullString(sched.LastExecutionID),
		sched.LastSkippedAt,
		sched.BufferedTick,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// Update обновляет schedule.
func (r *ScheduleRepo) Update(ctx context.Context, sched *domain.Schedule) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET name = $2, cron_expr = $3, interval_sec = $4, offset_sec = $5, timezone = $6,
		    overlap_policy = $7, state = $8, input_template = $9, next_run_at = $10,
		    last_run_at = $11, last_execution_id = $12, last_skipped_at = $13,
		    buffered_tick = $14, updated_at = $15
		WHERE id = $1
	`,
		sched.ID,
		nullString(sched.Name),
		nullString(sched.CronExpr),
		nullInt(sched.IntervalSec),
		nullInt(sched.OffsetSec),
		sched.Timezone,
		sched.OverlapPolicy,
		sched.State,
		[]byte(sched.InputTemplate),
		sched.NextRunAt,
		sched.LastRunAt,
		nullString(sched.LastExecutionID),
		sched.LastSkippedAt,
		sched.BufferedTick,
		sched.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет schedule.
func (r *ScheduleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID возвращает schedule по ID.
func (r *ScheduleRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	query := selectSchedule + ` WHERE id = $1`
	return scanScheduleRow(r.pool.QueryRow(ctx, query, id).Scan)
}

// ListDue возвращает активные schedules с подошедшим next_run_at.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := selectSchedule + `
		WHERE state = 'ACTIVE'
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sched, err := scanScheduleRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// ListBuffered возвращает активные schedules с отложенным тиком
// (OverlapBufferOne).
func (r *ScheduleRepo) ListBuffered(ctx context.Context, limit int) ([]domain.Schedule, error) {
	query := selectSchedule + `
		WHERE state = 'ACTIVE'
		  AND buffered_tick IS NOT NULL
		ORDER BY buffered_tick ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list buffered schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sched, err := scanScheduleRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// --- Helpers ---

const selectSchedule = `
	SELECT id, name, pipeline_ref, cron_expr, interval_sec, offset_sec, timezone,
	       overlap_policy, state, input_template, next_run_at, last_run_at,
	       last_execution_id, last_skipped_at, buffered_tick, created_at, updated_at
	FROM schedules
`

func scanScheduleRow(scan func(dest ...any) error) (*domain.Schedule, error) {
	var sched domain.Schedule
	var name, cronExpr, lastExecutionID *string
	var intervalSec, offsetSec *int
	var inputTemplate []byte

	err := scan(
		&sched.ID,
		&name,
		&sched.PipelineRef,
		&cronExpr,
		&intervalSec,
		&offsetSec,
		&sched.Timezone,
		&sched.OverlapPolicy,
		&sched.State,
		&inputTemplate,
		&sched.NextRunAt,
		&sched.LastRunAt,
		&lastExecutionID,
		&sched.LastSkippedAt,
		&sched.BufferedTick,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if name != nil {
		sched.Name = *name
	}
	if cronExpr != nil {
		sched.CronExpr = *cronExpr
	}
	if intervalSec != nil {
		sched.IntervalSec = *intervalSec
	}
	if offsetSec != nil {
		sched.OffsetSec = *offsetSec
	}
	if lastExecutionID != nil {
		sched.LastExecutionID = *lastExecutionID
	}
	sched.InputTemplate = inputTemplate

	return &sched, nil
}

// nullInt возвращает nil для нулевого значения.
func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
