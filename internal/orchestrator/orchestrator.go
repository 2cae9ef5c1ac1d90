package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
	"github.com/shaiso/conveyor/internal/xjson"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
)

// EventLog — журнал событий executions.
// Реализации: repo.EventRepo (Postgres), repo.MemoryEventLog.
type EventLog interface {
	Append(ctx context.Context, ev *domain.ExecutionEvent) (int64, error)
	List(ctx context.Context, runID uuid.UUID) ([]domain.ExecutionEvent, error)
	AcquireOwner(ctx context.Context, runID uuid.UUID) (repo.Lease, bool, error)
}

// ExecutionStore — хранилище executions.
// Реализации: repo.ExecutionRepo (Postgres), repo.MemoryExecutionStore.
type ExecutionStore interface {
	Create(ctx context.Context, exec *domain.Execution) error
	Update(ctx context.Context, exec *domain.Execution) error
	RequestCancel(ctx context.Context, executionID, reason string) error
	GetByExecutionID(ctx context.Context, executionID string) (*domain.Execution, error)
	GetByRunID(ctx context.Context, runID uuid.UUID) (*domain.Execution, error)
	ListActive(ctx context.Context, limit int) ([]domain.Execution, error)
}

// Orchestrator управляет выполнением executions.
//
// Orchestrator — центральный компонент системы, который:
//   - Получает новые executions из очереди RabbitMQ (event-driven)
//   - Периодически проверяет активные executions в БД (polling fallback)
//   - Для каждого run захватывает владение журналом и ведёт его
//     от replay до терминального статуса
type Orchestrator struct {
	eventLog    EventLog
	store       ExecutionStore
	definitions *DefinitionSet
	executor    *activity.Executor

	// MQ — опционально: без него оркестратор работает на polling
	// и in-process запусках.
	publisher *mq.Publisher
	conn      *mq.Connection

	// Active runs — runs, которые ведёт этот процесс (runID → state)
	activeRuns map[uuid.UUID]*activeRun
	mu         sync.RWMutex

	// Consumers
	pendingConsumer *mq.Consumer
	cancelConsumer  *mq.Consumer

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// sleep — ожидание retry-backoff. Подменяется в тестах.
	sleep func(ctx context.Context, d time.Duration) error

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	runWG      sync.WaitGroup
}

// activeRun — run в обработке этим процессом.
type activeRun struct {
	executionID string

	// cancelCh — канал для доставки причины отмены владельцу run'а.
	cancelCh chan string
}

// Config — конфигурация Orchestrator.
type Config struct {
	// EventLog — журнал событий.
	EventLog EventLog

	// Store — хранилище executions.
	Store ExecutionStore

	// Definitions — реестр pipeline definitions.
	Definitions *DefinitionSet

	// Executor — исполнитель попыток activities.
	Executor *activity.Executor

	// MQ (опционально — без него polling-only режим)
	Publisher *mq.Publisher
	Conn      *mq.Connection

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество executions за один poll (default: 100)

	// Sleep — ожидание retry-backoff (тесты подменяют на мгновенное).
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = realSleep
	}

	return &Orchestrator{
		eventLog:     cfg.EventLog,
		store:        cfg.Store,
		definitions:  cfg.Definitions,
		executor:     cfg.Executor,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		activeRuns:   make(map[uuid.UUID]*activeRun),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		sleep:        sleep,
		logger:       logger,
	}
}

// realSleep ждёт d или отмены контекста.
func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для executions.pending (если настроен MQ)
//   - Consumer для executions.cancel (если настроен MQ)
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"definitions", o.definitions.Refs(),
	)

	if o.conn != nil {
		o.pendingConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueExecutionsPending),
			Handler:  o.handleExecutionPending,
			Prefetch: 10,
		})

		o.cancelConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueExecutionsCancel),
			Handler:  o.handleCancelRequest,
			Prefetch: 10,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.pendingConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("pending consumer error", "error", err)
			}
		}()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.cancelConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("cancel consumer error", "error", err)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
// Незавершённые runs остаются в БД и возобновляются после рестарта.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.pendingConsumer != nil {
		o.pendingConsumer.Stop()
	}
	if o.cancelConsumer != nil {
		o.cancelConsumer.Stop()
	}

	o.runWG.Wait()
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// StartExecution создаёт и запускает новый execution.
//
// ExecutionID выбирает вызывающая сторона. Если run с этим ID ещё
// не терминален — repo.ErrDuplicateExecution: повторный запуск
// идемпотентно отклоняется.
func (o *Orchestrator) StartExecution(ctx context.Context, executionID, ref string, input xjson.RawMessage) (*domain.Execution, error) {
	def, err := o.definitions.Get(ref)
	if err != nil {
		return nil, err
	}

	exec := &domain.Execution{
		ExecutionID:   executionID,
		RunID:         uuid.New(),
		DefinitionRef: def.Ref,
		Input:         input,
		Status:        domain.StatusScheduled,
		CreatedAt:     time.Now(),
	}

	if err := o.store.Create(ctx, exec); err != nil {
		return nil, err
	}

	o.logger.Info("execution created",
		"execution_id", executionID,
		"run_id", exec.RunID,
		"definition", ref,
	)

	if o.publisher != nil {
		if err := o.publisher.PublishExecutionPending(ctx, executionID, exec.RunID); err != nil {
			// Execution создан — его подхватит polling.
			o.logger.Warn("failed to publish execution.pending",
				"execution_id", executionID,
				"error", err,
			)
		}
	}

	// Пробуем повести run сами, не дожидаясь очереди.
	o.spawn(exec.RunID)

	return exec, nil
}

// SignalCancel запрашивает отмену execution.
//
// Флаг отмены пишется в БД (переживает рестарты), владелец run'а
// уведомляется через канал или очередь. Уже начатые попытки activities
// добегают, новые шаги не планируются.
func (o *Orchestrator) SignalCancel(ctx context.Context, executionID, reason string) error {
	if err := o.store.RequestCancel(ctx, executionID, reason); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return err
	}

	o.logger.Info("cancel requested",
		"execution_id", executionID,
		"reason", reason,
	)

	o.nudgeCancel(executionID, reason)

	if o.publisher != nil {
		if err := o.publisher.PublishCancel(ctx, executionID, reason); err != nil {
			// Флаг уже в БД — владелец заметит его при следующей проверке.
			o.logger.Warn("failed to publish execution.cancel",
				"execution_id", executionID,
				"error", err,
			)
		}
	}

	return nil
}

// GetResult возвращает последний run для ExecutionID.
// Для терминальных runs Result содержит итоговую сводку.
func (o *Orchestrator) GetResult(ctx context.Context, executionID string) (*domain.Execution, error) {
	exec, err := o.store.GetByExecutionID(ctx, executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	return exec, nil
}

// spawn запускает обработку run'а в фоне.
func (o *Orchestrator) spawn(runID uuid.UUID) {
	o.runWG.Add(1)
	go func() {
		defer o.runWG.Done()

		ctx := context.Background()
		if err := o.runExecution(ctx, runID); err != nil && !errors.Is(err, ErrExecutionActive) {
			o.logger.Error("run processing failed", "run_id", runID, "error", err)
		}
	}()
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте: подхватываем runs, брошенные
	// упавшим процессом.
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	execs, err := o.store.ListActive(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list active executions", "error", err)
		return
	}

	for i := range execs {
		exec := &execs[i]

		if o.isRunActive(exec.RunID) {
			continue
		}

		o.spawn(exec.RunID)
	}
}

// isRunActive проверяет, ведёт ли этот процесс run.
func (o *Orchestrator) isRunActive(runID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeRuns[runID]
	return exists
}

// addActiveRun регистрирует run в активных.
func (o *Orchestrator) addActiveRun(runID uuid.UUID, state *activeRun) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeRuns[runID]; exists {
		return ErrExecutionActive
	}
	o.activeRuns[runID] = state
	return nil
}

// removeActiveRun удаляет run из активных.
func (o *Orchestrator) removeActiveRun(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, runID)
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}

// nudgeCancel доставляет причину отмены локальному владельцу run'а.
func (o *Orchestrator) nudgeCancel(executionID, reason string) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, state := range o.activeRuns {
		if state.executionID != executionID {
			continue
		}
		select {
		case state.cancelCh <- reason:
		default:
		}
	}
}

// publishCompleted уведомляет внешних потребителей о завершении run'а.
func (o *Orchestrator) publishCompleted(ctx context.Context, exec *domain.Execution) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.PublishExecutionCompleted(ctx, mq.ExecutionCompletedPayload{
		ExecutionID: exec.ExecutionID,
		RunID:       exec.RunID,
		Status:      string(exec.Status),
		Error:       exec.Error,
	})
	if err != nil {
		o.logger.Warn("failed to publish execution.completed",
			"execution_id", exec.ExecutionID,
			"error", err,
		)
	}
}

// logFor возвращает логгер с контекстом execution.
func (o *Orchestrator) logFor(exec *domain.Execution) *slog.Logger {
	return telemetry.WithRunID(
		telemetry.WithExecutionID(o.logger, exec.ExecutionID),
		exec.RunID.String(),
	)
}
