package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// EventRepo — журнал событий executions в Postgres.
//
// Append — единственный путь записи; seq_no выдаётся базой и не имеет
// пропусков в рамках одного run (UNIQUE(run_id, seq_no)). Дисциплину
// единственного писателя обеспечивает advisory lock: перед append или
// replay владелец захватывает AcquireOwner.
//
// Schema:
//
//	CREATE TABLE execution_events (
//	    run_id       uuid        NOT NULL,
//	    execution_id text        NOT NULL,
//	    seq_no       bigint      NOT NULL,
//	    event_type   text        NOT NULL,
//	    payload      jsonb,
//	    created_at   timestamptz NOT NULL,
//	    PRIMARY KEY (run_id, seq_no)
//	);
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo создаёт новый EventRepo.
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Append атомарно добавляет событие в журнал run'а и возвращает
// присвоенный seq_no.
func (r *EventRepo) Append(ctx context.Context, ev *domain.ExecutionEvent) (int64, error) {
	query := `
		INSERT INTO execution_events (run_id, execution_id, seq_no, event_type, payload, created_at)
		VALUES ($1, $2,
		        (SELECT COALESCE(MAX(seq_no), 0) + 1 FROM execution_events WHERE run_id = $1),
		        $3, $4, $5)
		RETURNING seq_no
	`
	var seq int64
	err := r.pool.QueryRow(ctx, query,
		ev.RunID,
		ev.ExecutionID,
		ev.Type,
		ev.Payload,
		ev.Timestamp,
	).Scan(&seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: run %s", ErrSeqConflict, ev.RunID)
		}
		return 0, fmt.Errorf("append event: %w", err)
	}

	ev.SeqNo = seq
	return seq, nil
}

// List возвращает все события run'а в порядке seq_no.
func (r *EventRepo) List(ctx context.Context, runID uuid.UUID) ([]domain.ExecutionEvent, error) {
	query := `
		SELECT run_id, execution_id, seq_no, event_type, payload, created_at
		FROM execution_events
		WHERE run_id = $1
		ORDER BY seq_no ASC
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.ExecutionEvent
	for rows.Next() {
		var ev domain.ExecutionEvent
		if err := rows.Scan(
			&ev.RunID,
			&ev.ExecutionID,
			&ev.SeqNo,
			&ev.Type,
			&ev.Payload,
			&ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// OwnerLease — удержание advisory lock на журнал одного run.
//
// Lock живёт на выделенном соединении пула: Release обязателен,
// иначе соединение не вернётся в пул.
type OwnerLease struct {
	conn *pgxpool.Conn
	key  int64
}

// Release снимает lock и возвращает соединение в пул.
func (l *OwnerLease) Release(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// AcquireOwner пытается стать единственным писателем журнала run'а.
// Возвращает (nil, false, nil), если журнал уже занят другим процессом.
func (r *EventRepo) AcquireOwner(ctx context.Context, runID uuid.UUID) (Lease, bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}

	key := ownerKey(runID)

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return &OwnerLease{conn: conn, key: key}, true, nil
}

// ownerKey сворачивает run_id в ключ advisory lock.
func ownerKey(runID uuid.UUID) int64 {
	// FNV-1a по байтам UUID.
	var h uint64 = 14695981039346656037
	for _, b := range runID {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return int64(h)
}
