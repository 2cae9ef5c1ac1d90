package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/domain"
)

// In-memory реализации хранилищ с той же семантикой, что у Postgres:
// gapless seq_no, единственный писатель журнала, инвариант уникальности
// ExecutionID. Используются в unit-тестах и как embedded-вариант
// хранения для одиночного процесса.

// Lease — удержание права единственного писателя журнала run'а.
// Реализуется и advisory lock'ом Postgres, и in-memory мьютексом.
type Lease interface {
	Release(ctx context.Context) error
}

// MemoryEventLog — журнал событий в памяти.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[uuid.UUID][]domain.ExecutionEvent
	owners map[uuid.UUID]bool
}

// NewMemoryEventLog создаёт пустой журнал.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: make(map[uuid.UUID][]domain.ExecutionEvent),
		owners: make(map[uuid.UUID]bool),
	}
}

// Append атомарно добавляет событие и возвращает присвоенный seq_no.
func (l *MemoryEventLog) Append(ctx context.Context, ev *domain.ExecutionEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := int64(len(l.events[ev.RunID])) + 1
	if ev.SeqNo != 0 && ev.SeqNo != seq {
		return 0, fmt.Errorf("%w: run %s", ErrSeqConflict, ev.RunID)
	}
	ev.SeqNo = seq
	l.events[ev.RunID] = append(l.events[ev.RunID], *ev)
	return seq, nil
}

// List возвращает копию журнала run'а в порядке seq_no.
func (l *MemoryEventLog) List(ctx context.Context, runID uuid.UUID) ([]domain.ExecutionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.events[runID]
	out := make([]domain.ExecutionEvent, len(src))
	copy(out, src)
	return out, nil
}

// memoryLease — in-memory владение журналом.
type memoryLease struct {
	log   *MemoryEventLog
	runID uuid.UUID
}

// Release снимает владение.
func (ml *memoryLease) Release(ctx context.Context) error {
	ml.log.mu.Lock()
	defer ml.log.mu.Unlock()
	delete(ml.log.owners, ml.runID)
	return nil
}

// AcquireOwner пытается стать единственным писателем журнала run'а.
func (l *MemoryEventLog) AcquireOwner(ctx context.Context, runID uuid.UUID) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owners[runID] {
		return nil, false, nil
	}
	l.owners[runID] = true
	return &memoryLease{log: l, runID: runID}, true, nil
}

// MemoryExecutionStore — executions в памяти.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	byRun map[uuid.UUID]*domain.Execution
	order []uuid.UUID
}

// NewMemoryExecutionStore создаёт пустое хранилище.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		byRun: make(map[uuid.UUID]*domain.Execution),
	}
}

// Create создаёт run с проверкой инварианта уникальности ExecutionID.
func (s *MemoryExecutionStore) Create(ctx context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		existing := s.byRun[id]
		if existing.ExecutionID == exec.ExecutionID && !existing.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrDuplicateExecution, exec.ExecutionID)
		}
	}

	copied := *exec
	s.byRun[exec.RunID] = &copied
	s.order = append(s.order, exec.RunID)
	return nil
}

// Update обновляет run.
func (s *MemoryExecutionStore) Update(ctx context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRun[exec.RunID]; !ok {
		return ErrNotFound
	}
	copied := *exec
	s.byRun[exec.RunID] = &copied
	return nil
}

// RequestCancel выставляет флаг отмены для живого run'а ExecutionID.
func (s *MemoryExecutionStore) RequestCancel(ctx context.Context, executionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, id := range s.order {
		exec := s.byRun[id]
		if exec.ExecutionID == executionID && !exec.Status.IsTerminal() {
			exec.CancelRequested = true
			exec.CancelReason = reason
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// GetByExecutionID возвращает последний run для ExecutionID.
func (s *MemoryExecutionStore) GetByExecutionID(ctx context.Context, executionID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		exec := s.byRun[s.order[i]]
		if exec.ExecutionID == executionID {
			copied := *exec
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// GetByRunID возвращает run по RunID.
func (s *MemoryExecutionStore) GetByRunID(ctx context.Context, runID uuid.UUID) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *exec
	return &copied, nil
}

// ListActive возвращает нетерминальные runs в порядке создания.
func (s *MemoryExecutionStore) ListActive(ctx context.Context, limit int) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Execution
	for _, id := range s.order {
		exec := s.byRun[id]
		if exec.Status.IsTerminal() {
			continue
		}
		out = append(out, *exec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryScheduleStore — schedules в памяти.
type MemoryScheduleStore struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]*domain.Schedule
}

// NewMemoryScheduleStore создаёт пустое хранилище.
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{
		schedules: make(map[uuid.UUID]*domain.Schedule),
	}
}

// Create создаёт schedule.
func (s *MemoryScheduleStore) Create(ctx context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, sched.ID)
	}
	copied := *sched
	s.schedules[sched.ID] = &copied
	return nil
}

// Update обновляет schedule.
func (s *MemoryScheduleStore) Update(ctx context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; !ok {
		return ErrNotFound
	}
	copied := *sched
	s.schedules[sched.ID] = &copied
	return nil
}

// Delete удаляет schedule.
func (s *MemoryScheduleStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

// GetByID возвращает schedule по ID.
func (s *MemoryScheduleStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sched
	return &copied, nil
}

// ListDue возвращает активные schedules с подошедшим next_run_at.
func (s *MemoryScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Schedule
	for _, sched := range s.schedules {
		if sched.IsDue(now) {
			out = append(out, *sched)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRunAt.Before(*out[j].NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListBuffered возвращает активные schedules с отложенным тиком.
func (s *MemoryScheduleStore) ListBuffered(ctx context.Context, limit int) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Schedule
	for _, sched := range s.schedules {
		if sched.State == domain.ScheduleActive && sched.BufferedTick != nil {
			out = append(out, *sched)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BufferedTick.Before(*out[j].BufferedTick)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
