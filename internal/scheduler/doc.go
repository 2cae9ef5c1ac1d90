// Package scheduler реализует планировщик запусков пайплайнов.
//
// Scheduler периодически проверяет schedules с истекшим next_run_at
// и создаёт executions. ExecutionID выводится детерминированно из
// (schedule_id, тик): повторная обработка тика после рестарта упирается
// в инвариант уникальности ExecutionID и дубликата не создаёт.
//
// Структура:
//   - scheduler.go — основная логика (Tick, overlap policies, CRUD)
//   - cron.go      — cron-выражения и интервалы, вычисление next_run_at
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules:  scheduleRepo,
//	    Executions: executionRepo,
//	    Publisher:  publisher,  // опционально
//	    Logger:     logger,
//	})
//
//	// Вызывается каждый тик (обычно раз в секунду)
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Метод Tick() вызывается только лидером.
package scheduler
