package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// Ошибки планировщика.
var (
	// ErrInvalidSchedule — schedule не задаёт ни cron, ни интервал.
	ErrInvalidSchedule = errors.New("schedule must set cron_expr or interval_sec")

	// ErrScheduleNotFound — schedule не найден.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// ScheduleStore — хранилище schedules.
// Реализации: repo.ScheduleRepo (Postgres), repo.MemoryScheduleStore.
type ScheduleStore interface {
	Create(ctx context.Context, sched *domain.Schedule) error
	Update(ctx context.Context, sched *domain.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	ListBuffered(ctx context.Context, limit int) ([]domain.Schedule, error)
}

// ExecutionStore — часть хранилища executions, нужная планировщику.
type ExecutionStore interface {
	Create(ctx context.Context, exec *domain.Execution) error
	GetByExecutionID(ctx context.Context, executionID string) (*domain.Execution, error)
}

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	schedules  ScheduleStore
	executions ExecutionStore
	publisher  *mq.Publisher
	logger     *slog.Logger
	batchSize  int

	// now — источник времени. Подменяется в тестах.
	now func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules  ScheduleStore
	Executions ExecutionStore
	Publisher  *mq.Publisher
	Logger     *slog.Logger
	BatchSize  int // количество schedules за один тик (default: 100)

	// Now — источник времени (тесты подменяют).
	Now func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		schedules:  cfg.Schedules,
		executions: cfg.Executions,
		publisher:  cfg.Publisher,
		logger:     logger,
		batchSize:  batchSize,
		now:        now,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (state=ACTIVE, next_run_at <= now)
// 2. Применяет overlap policy: запуск, пропуск или буферизация тика
// 3. Обновляет next_run_at
// 4. Дозапускает отложенные тики (BUFFER_ONE), чей предыдущий run завершился
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	for i := range schedules {
		sched := &schedules[i]

		if err := s.processSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			// Продолжаем обработку остальных
		}
	}

	if err := s.processBuffered(ctx); err != nil {
		return err
	}

	return nil
}

// processSchedule обрабатывает один due schedule.
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	logger := telemetry.WithScheduleID(s.logger, sched.ID.String())

	tick := *sched.NextRunAt
	nextRun, err := CalculateNextRun(sched, now)
	if err != nil {
		// Schedule некорректный — next_run_at не трогаем,
		// чтобы не зациклиться на нём каждый тик.
		logger.Error("failed to calculate next run", "error", err)
		return err
	}

	// Overlap: предыдущий run ещё жив?
	if sched.OverlapPolicy != domain.OverlapAllowAll && sched.LastExecutionID != "" {
		live, err := s.isExecutionLive(ctx, sched.LastExecutionID)
		if err != nil {
			return err
		}
		if live {
			switch sched.OverlapPolicy {
			case domain.OverlapBufferOne:
				// Ровно один отложенный тик: поздний вытесняет ранний.
				sched.RecordBuffer(tick, nextRun)
				telemetry.SchedulerTicks.WithLabelValues("buffered").Inc()
				logger.Info("tick buffered: previous run still live",
					"tick", tick,
					"previous", sched.LastExecutionID,
				)
			default:
				sched.RecordSkip(tick, nextRun)
				telemetry.SchedulerTicks.WithLabelValues("skipped").Inc()
				logger.Info("tick skipped: previous run still live",
					"tick", tick,
					"previous", sched.LastExecutionID,
				)
			}
			return s.schedules.Update(ctx, sched)
		}
	}

	executionID, err := s.startTick(ctx, sched, tick, logger)
	if err != nil {
		return err
	}

	sched.RecordRun(executionID, nextRun)
	return s.schedules.Update(ctx, sched)
}

// processBuffered дозапускает отложенные тики, чей предыдущий run
// уже завершился.
func (s *Scheduler) processBuffered(ctx context.Context) error {
	schedules, err := s.schedules.ListBuffered(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("list buffered schedules: %w", err)
	}

	for i := range schedules {
		sched := &schedules[i]
		logger := telemetry.WithScheduleID(s.logger, sched.ID.String())

		if sched.LastExecutionID != "" {
			live, err := s.isExecutionLive(ctx, sched.LastExecutionID)
			if err != nil {
				logger.Error("failed to check previous run", "error", err)
				continue
			}
			if live {
				continue
			}
		}

		tick := *sched.BufferedTick
		executionID, err := s.startTick(ctx, sched, tick, logger)
		if err != nil {
			logger.Error("failed to start buffered tick", "tick", tick, "error", err)
			continue
		}

		next := sched.NextRunAt
		sched.RecordRun(executionID, *next)
		if err := s.schedules.Update(ctx, sched); err != nil {
			logger.Error("failed to update schedule", "error", err)
		}
	}

	return nil
}

// startTick создаёт execution для тика.
//
// Идемпотентно: дубликат (после рестарта или гонки лидеров) отклоняется
// инвариантом уникальности ExecutionID и считается обработанным.
func (s *Scheduler) startTick(ctx context.Context, sched *domain.Schedule, tick time.Time, logger *slog.Logger) (string, error) {
	executionID := sched.ExecutionIDForTick(tick)

	exec := &domain.Execution{
		ExecutionID:   executionID,
		RunID:         uuid.New(),
		DefinitionRef: sched.PipelineRef,
		Input:         sched.InputTemplate,
		Status:        domain.StatusScheduled,
		CreatedAt:     s.now(),
	}

	if err := s.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, repo.ErrDuplicateExecution) {
			telemetry.SchedulerTicks.WithLabelValues("duplicate").Inc()
			logger.Debug("tick already started", "execution_id", executionID)
			return executionID, nil
		}
		return "", fmt.Errorf("create execution: %w", err)
	}

	telemetry.SchedulerTicks.WithLabelValues("started").Inc()
	logger.Info("execution created from schedule",
		"execution_id", executionID,
		"definition", sched.PipelineRef,
		"tick", tick,
	)

	if s.publisher != nil {
		if err := s.publisher.PublishExecutionPending(ctx, executionID, exec.RunID); err != nil {
			// Не фатальная ошибка — execution уже создан в БД,
			// orchestrator заберёт его через polling.
			logger.Warn("failed to publish execution.pending",
				"execution_id", executionID,
				"error", err,
			)
		}
	}

	return executionID, nil
}

// isExecutionLive проверяет, жив ли run с данным ExecutionID.
func (s *Scheduler) isExecutionLive(ctx context.Context, executionID string) (bool, error) {
	exec, err := s.executions.GetByExecutionID(ctx, executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return !exec.IsFinished(), nil
}

// CreateSchedule валидирует и создаёт schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, sched *domain.Schedule) error {
	if sched.IsCron() {
		if err := ValidateCronExpr(sched.CronExpr); err != nil {
			return err
		}
	} else if !sched.IsInterval() {
		return ErrInvalidSchedule
	}

	now := s.now()
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if sched.OverlapPolicy == "" {
		sched.OverlapPolicy = domain.OverlapSkip
	}
	if sched.State == "" {
		sched.State = domain.ScheduleActive
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now

	next, err := CalculateInitialNextRun(sched, now)
	if err != nil {
		return err
	}
	sched.NextRunAt = &next

	if err := s.schedules.Create(ctx, sched); err != nil {
		return err
	}

	s.logger.Info("schedule created",
		"schedule_id", sched.ID,
		"definition", sched.PipelineRef,
		"next_run_at", next,
	)
	return nil
}

// PauseSchedule переводит schedule в PAUSED: тики пропускаются.
func (s *Scheduler) PauseSchedule(ctx context.Context, id uuid.UUID) error {
	return s.setState(ctx, id, domain.SchedulePaused)
}

// ResumeSchedule возвращает schedule в ACTIVE и пересчитывает
// next_run_at от текущего момента — накопившиеся за паузу тики
// не выполняются.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id uuid.UUID) error {
	sched, err := s.getSchedule(ctx, id)
	if err != nil {
		return err
	}

	next, err := CalculateNextRun(sched, s.now())
	if err != nil {
		return err
	}

	sched.State = domain.ScheduleActive
	sched.NextRunAt = &next
	sched.BufferedTick = nil
	sched.UpdatedAt = s.now()
	return s.schedules.Update(ctx, sched)
}

// DeleteSchedule удаляет schedule. Уже созданные executions не трогает.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	if err := s.schedules.Delete(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		return err
	}
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// setState обновляет состояние schedule.
func (s *Scheduler) setState(ctx context.Context, id uuid.UUID, state domain.ScheduleState) error {
	sched, err := s.getSchedule(ctx, id)
	if err != nil {
		return err
	}

	sched.State = state
	sched.UpdatedAt = s.now()
	return s.schedules.Update(ctx, sched)
}

// getSchedule возвращает schedule или ErrScheduleNotFound.
func (s *Scheduler) getSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		return nil, err
	}
	return sched, nil
}
