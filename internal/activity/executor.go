package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shaiso/conveyor/internal/domain"
)

// Default configuration values.
const (
	defaultTimeout       = 60 * time.Second
	defaultMaxConcurrent = 64
)

// Executor выполняет одну попытку activity с таймаутом.
//
// Executor:
//   - Резолвит handler по имени через закрытый реестр
//   - Ограничивает общее число одновременных handler'ов (глобальный
//     worker pool, общий для всех executions и независимый от
//     concurrency_limit отдельных fan-out)
//   - Прерывает ожидание по таймауту попытки; handler при этом может
//     продолжать выполняться (at-least-once)
//   - Опционально ограничивает частоту billable-вызовов
//
// Executor не делает retry — это забота движка.
type Executor struct {
	registry *Registry
	env      Env

	timeout time.Duration
	pool    *semaphore.Weighted
	limiter *rate.Limiter

	logger *slog.Logger
}

// ExecutorConfig — конфигурация Executor.
type ExecutorConfig struct {
	// Registry — закрытый реестр activities.
	Registry *Registry

	// Env — снимок конфигурации для handler'ов.
	Env Env

	// DefaultTimeout — таймаут попытки, если шаг не задал свой
	// (default: 60s).
	DefaultTimeout time.Duration

	// MaxConcurrent — размер глобального worker pool (default: 64).
	MaxConcurrent int64

	// BillableRate — частота billable-вызовов (0 — без ограничения).
	// Применяется только к вызовам с IdempotencyKey.
	BillableRate rate.Limit

	// BillableBurst — burst для BillableRate (default: 1).
	BillableBurst int

	// Logger
	Logger *slog.Logger
}

// NewExecutor создаёт новый Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.BillableRate > 0 {
		burst := cfg.BillableBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.BillableRate, burst)
	}

	return &Executor{
		registry: cfg.Registry,
		env:      cfg.Env,
		timeout:  timeout,
		pool:     semaphore.NewWeighted(maxConcurrent),
		limiter:  limiter,
		logger:   logger,
	}
}

// attemptOutcome — результат handler'а, переданный через канал.
type attemptOutcome struct {
	result *domain.ActivityResult
	err    error
}

// Execute выполняет одну попытку activity.
//
// timeout <= 0 означает таймаут по умолчанию. По истечении таймаута
// возвращается ErrTimeout, а handler добегает в фоне — его слот
// в worker pool освобождается только по фактическому завершению.
func (e *Executor) Execute(ctx context.Context, inv *Invocation, timeout time.Duration) (*domain.ActivityResult, error) {
	handler, err := e.registry.Get(inv.Activity)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = e.timeout
	}

	// Глобальный worker pool: слот на попытку.
	if err := e.pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}

	// Billable-вызовы дополнительно проходят rate limiter.
	if e.limiter != nil && inv.IdempotencyKey != "" {
		if err := e.limiter.Wait(ctx); err != nil {
			e.pool.Release(1)
			return nil, fmt.Errorf("billable rate limit: %w", err)
		}
	}

	inv.Env = e.env

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer e.pool.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: fmt.Errorf("activity %s panicked: %v", inv.Activity, r)}
			}
		}()

		result, err := handler(attemptCtx, inv)
		done <- attemptOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			out.result = &domain.ActivityResult{}
		}
		return out.result, nil

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Отмена сверху, не таймаут попытки.
			return nil, ctx.Err()
		}
		e.logger.Warn("activity attempt abandoned on timeout",
			"activity", inv.Activity,
			"execution_id", inv.ExecutionID,
			"step_id", inv.StepID,
			"attempt", inv.Attempt,
			"timeout", timeout,
		)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, inv.Activity, timeout)
	}
}
