package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// runExecution ведёт один run от текущего состояния журнала до
// терминального статуса.
//
// Последовательность:
//  1. Захват владения журналом (advisory lock / in-memory lease)
//  2. Replay журнала в Projection
//  3. Продолжение с первого незаписанного решения
//  4. Финализация: ExecutionCompleted + итоговая сводка
//
// Любая ошибка хранилища прерывает обработку без финализации:
// run остаётся активным и будет возобновлён replay'ем.
func (o *Orchestrator) runExecution(ctx context.Context, runID uuid.UUID) error {
	exec, err := o.store.GetByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if exec.IsFinished() {
		return nil
	}

	state := &activeRun{
		executionID: exec.ExecutionID,
		cancelCh:    make(chan string, 1),
	}
	if err := o.addActiveRun(runID, state); err != nil {
		return err
	}
	defer o.removeActiveRun(runID)

	lease, ok, err := o.eventLog.AcquireOwner(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		// Журналом владеет другой процесс.
		return nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	logger := o.logFor(exec)

	def, err := o.definitions.Get(exec.DefinitionRef)
	if err != nil {
		return o.finalizeBroken(ctx, exec, logger, err.Error())
	}

	events, err := o.eventLog.List(ctx, runID)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	proj, err := engine.Project(def, events)
	if err != nil {
		var ndErr *engine.NondeterminismError
		if errors.As(err, &ndErr) {
			telemetry.ReplayNondeterminism.Inc()
			logger.Error("replay aborted: history does not match definition",
				"seq_no", ndErr.SeqNo,
				"step_id", ndErr.StepID,
				"detail", ndErr.Message,
			)
			return o.finalizeBroken(ctx, exec, logger, err.Error())
		}
		return err
	}

	if proj.Final != nil {
		// Журнал терминален, а запись execution отстала: процесс упал
		// между append и update. Досводим запись.
		return o.syncFinal(ctx, exec, proj.Final)
	}

	if exec.Status == domain.StatusScheduled {
		exec.MarkRunning()
		if err := o.store.Update(ctx, exec); err != nil {
			return fmt.Errorf("update execution to running: %w", err)
		}
		telemetry.ExecutionsStarted.WithLabelValues(def.Ref).Inc()
		logger.Info("execution started", "definition", def.Ref, "steps", len(def.Steps))
	} else {
		logger.Info("execution resumed", "replayed_events", len(events))
	}

	r := &runner{
		orch:     o,
		def:      def,
		exec:     exec,
		proj:     proj,
		cancelCh: state.cancelCh,
		logger:   logger,
	}

	// Watchdog: общий дедлайн пайплайна отсчитывается от фактического
	// старта, рестарты его не продлевают.
	runCtx := ctx
	if def.Timeout > 0 && exec.StartedAt != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, exec.StartedAt.Add(def.Timeout))
		defer cancel()
	}

	err = r.drive(runCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errCancelled):
		return r.finalize(ctx, domain.StatusCancelled, nil)
	case runCtx.Err() != nil && ctx.Err() == nil:
		// Сработал watchdog, а не остановка процесса.
		logger.Warn("execution watchdog fired", "timeout", def.Timeout)
		return r.finalize(ctx, domain.StatusTimedOut, nil)
	default:
		return err
	}
}

// syncFinal приводит запись execution в соответствие терминальному
// журналу.
func (o *Orchestrator) syncFinal(ctx context.Context, exec *domain.Execution, final *domain.ExecutionCompletedPayload) error {
	switch final.Status {
	case domain.StatusCompleted:
		exec.MarkCompleted(final.Result)
	case domain.StatusTimedOut:
		exec.MarkTimedOut(final.Result)
	case domain.StatusCancelled:
		exec.MarkCancelled(final.Result)
	default:
		exec.MarkFailed(final.Error, final.Result)
	}
	return o.store.Update(ctx, exec)
}

// finalizeBroken завершает run, который невозможно продолжить
// (definition не найден или журнал ему не соответствует).
func (o *Orchestrator) finalizeBroken(ctx context.Context, exec *domain.Execution, logger *slog.Logger, errMsg string) error {
	ctx = context.WithoutCancel(ctx)

	ev, err := domain.NewEvent(exec.ExecutionID, exec.RunID, domain.EventExecutionCompleted, domain.ExecutionCompletedPayload{
		Status: domain.StatusFailed,
		Error:  errMsg,
	})
	if err != nil {
		return err
	}
	if _, err := o.eventLog.Append(ctx, ev); err != nil {
		return fmt.Errorf("append ExecutionCompleted: %w", err)
	}

	exec.MarkFailed(errMsg, nil)
	if err := o.store.Update(ctx, exec); err != nil {
		return err
	}

	telemetry.ExecutionsFinished.WithLabelValues(exec.DefinitionRef, string(domain.StatusFailed)).Inc()
	logger.Error("execution failed", "error", errMsg)
	o.publishCompleted(ctx, exec)
	return nil
}

// runner — обработка одного run владельцем его журнала.
type runner struct {
	orch     *Orchestrator
	def      *domain.PipelineDefinition
	exec     *domain.Execution
	proj     *engine.Projection
	cancelCh chan string
	logger   *slog.Logger
}

// append записывает событие в журнал и применяет его к проекции.
// Живой путь и replay проходят через один и тот же Apply.
func (r *runner) append(ctx context.Context, typ domain.EventType, payload any) error {
	ev, err := domain.NewEvent(r.exec.ExecutionID, r.exec.RunID, typ, payload)
	if err != nil {
		return err
	}

	seq, err := r.orch.eventLog.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("append %s: %w", typ, err)
	}
	ev.SeqNo = seq

	if err := r.proj.Apply(ev); err != nil {
		return err
	}
	return nil
}

// cancelRequested проверяет запрос отмены: журнал, локальный канал,
// флаг в БД. Обнаруженный запрос записывается в журнал — после этого
// новые решения не принимаются.
func (r *runner) cancelRequested(ctx context.Context) (bool, error) {
	if r.proj.CancelRequested() {
		return true, nil
	}

	requested := false
	reason := ""

	select {
	case reason = <-r.cancelCh:
		requested = true
	default:
	}

	if !requested {
		fresh, err := r.orch.store.GetByRunID(ctx, r.exec.RunID)
		if err != nil {
			return false, err
		}
		if fresh.CancelRequested {
			requested = true
			reason = fresh.CancelReason
		}
	}

	if !requested {
		return false, nil
	}

	r.exec.CancelRequested = true
	r.exec.CancelReason = reason
	r.logger.Info("cancel observed", "reason", reason)

	err := r.append(ctx, domain.EventCancelRequested, domain.CancelRequestedPayload{
		Reason:      reason,
		RequestedAt: time.Now(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// drive проходит шаги definition по порядку, пропуская те, что уже
// терминальны в журнале.
func (r *runner) drive(ctx context.Context) error {
	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		st := r.proj.Step(step.ID)

		if st.Terminal() {
			continue
		}

		if cancelled, err := r.cancelRequested(ctx); err != nil {
			return err
		} else if cancelled {
			return errCancelled
		}

		if !r.proj.EvalCondition(step.Condition) {
			r.logger.Debug("step skipped by condition", "step_id", step.ID)
			err := r.append(ctx, domain.EventActivityCompleted, domain.ActivityCompletedPayload{
				StepID:  step.ID,
				Skipped: true,
			})
			if err != nil {
				return err
			}
			continue
		}

		var stepErr *domain.StepError
		var err error
		if step.IsChild() {
			stepErr, err = r.runChildren(ctx, step, st)
		} else {
			stepErr, err = r.runActivity(ctx, step, st)
		}
		if err != nil {
			return err
		}
		if stepErr != nil {
			return r.finalize(ctx, domain.StatusFailed, stepErr)
		}
	}

	return r.finalize(ctx, domain.StatusCompleted, nil)
}

// runActivity доводит activity-шаг до терминального состояния:
// попытки, retry по политике, backoff через записанный TimerFired.
func (r *runner) runActivity(ctx context.Context, step *domain.StepDef, st *engine.StepState) (*domain.StepError, error) {
	logger := telemetry.WithActivity(r.logger, step.Activity).With("step_id", step.ID)

	for {
		if st.Completed != nil {
			return nil, nil
		}

		// Решение по последней записанной неудаче.
		if f := st.LastFailure(); f != nil && !st.AttemptPending {
			decision := engine.NextAttempt(step.Retry, f.Attempt, f.Terminal)
			if decision.GiveUp {
				if step.Optional {
					// Деградация: ошибка уходит в errors[], пайплайн
					// продолжается.
					logger.Warn("optional step degraded",
						"attempts", f.Attempt,
						"error", f.Error,
					)
					err := r.append(ctx, domain.EventActivityCompleted, domain.ActivityCompletedPayload{
						StepID:   step.ID,
						Attempt:  f.Attempt,
						Degraded: true,
						Error:    f.Error,
					})
					if err != nil {
						return nil, err
					}
					return nil, nil
				}
				return &domain.StepError{
					StepID:   step.ID,
					Error:    f.Error,
					Attempts: f.Attempt,
				}, nil
			}

			// Backoff. Записанный TimerFired означает, что задержка
			// уже отработана — replay не ждёт заново.
			if st.TimerFiredAttempt < f.Attempt {
				if cancelled, err := r.cancelRequested(ctx); err != nil {
					return nil, err
				} else if cancelled {
					return nil, errCancelled
				}

				telemetry.ActivityRetries.WithLabelValues(step.Activity).Inc()
				logger.Debug("retry backoff", "after_attempt", f.Attempt, "delay", decision.Delay)

				if err := r.orch.sleep(ctx, decision.Delay); err != nil {
					return nil, err
				}
				err := r.append(ctx, domain.EventTimerFired, domain.TimerFiredPayload{
					StepID:  step.ID,
					Attempt: f.Attempt,
					Delay:   decision.Delay,
					FiredAt: time.Now(),
				})
				if err != nil {
					return nil, err
				}
			}
		}

		// Шаг без собственного input получает вход execution: так
		// дочерний пайплайн видит свой элемент fan-out.
		input := step.Input
		if len(input) == 0 {
			input = r.exec.Input
		}

		attempt := st.Attempts
		if st.AttemptPending {
			// Попытка записана без терминального события: процесс упал
			// посреди неё. At-least-once — выполняем заново с тем же
			// номером.
			logger.Warn("re-running attempt recorded without outcome", "attempt", attempt)
		} else {
			if cancelled, err := r.cancelRequested(ctx); err != nil {
				return nil, err
			} else if cancelled {
				return nil, errCancelled
			}

			attempt = st.Attempts + 1
			err := r.append(ctx, domain.EventActivityScheduled, domain.ActivityScheduledPayload{
				StepID:   step.ID,
				Activity: step.Activity,
				Attempt:  attempt,
				Input:    input,
			})
			if err != nil {
				return nil, err
			}
		}

		err := r.append(ctx, domain.EventActivityStarted, domain.ActivityStartedPayload{
			StepID:  step.ID,
			Attempt: attempt,
		})
		if err != nil {
			return nil, err
		}

		inv := &activity.Invocation{
			Activity:    step.Activity,
			ExecutionID: r.exec.ExecutionID,
			StepID:      step.ID,
			Attempt:     attempt,
			Input:       input,
		}
		if step.IdempotencyKeyed {
			inv.IdempotencyKey = r.exec.ExecutionID + "/" + step.ID
		}

		result, execErr := r.orch.executor.Execute(ctx, inv, step.Timeout)
		if execErr == nil {
			telemetry.ActivityAttempts.WithLabelValues(step.Activity, "completed").Inc()
			err := r.append(ctx, domain.EventActivityCompleted, domain.ActivityCompletedPayload{
				StepID:  step.ID,
				Attempt: attempt,
				Result:  *result,
			})
			if err != nil {
				return nil, err
			}
			continue
		}

		if ctx.Err() != nil && !activity.IsTimeout(execErr) {
			// Остановка процесса или watchdog. Попытка остаётся pending
			// в журнале и доигрывается после возобновления.
			return nil, ctx.Err()
		}

		outcome := "failed"
		if activity.IsTimeout(execErr) {
			outcome = "timed_out"
		}
		telemetry.ActivityAttempts.WithLabelValues(step.Activity, outcome).Inc()
		logger.Warn("activity attempt failed", "attempt", attempt, "error", execErr)

		err = r.append(ctx, domain.EventActivityFailed, domain.ActivityFailedPayload{
			StepID:   step.ID,
			Attempt:  attempt,
			Error:    execErr.Error(),
			Terminal: activity.IsTerminal(execErr),
			TimedOut: activity.IsTimeout(execErr),
		})
		if err != nil {
			return nil, err
		}
	}
}

// finalize записывает терминальное событие, итоговую сводку и статус.
func (r *runner) finalize(ctx context.Context, status domain.ExecutionStatus, stepErr *domain.StepError) error {
	// Финализация дописывается даже при отменённом контексте.
	ctx = context.WithoutCancel(ctx)

	result := engine.Aggregate(r.def, r.proj)
	result.Status = status

	errMsg := ""
	switch status {
	case domain.StatusFailed:
		if stepErr != nil {
			result.Errors = append(result.Errors, *stepErr)
			errMsg = fmt.Sprintf("step %s: %s", stepErr.StepID, stepErr.Error)
		}
	case domain.StatusTimedOut:
		errMsg = "execution deadline exceeded"
	case domain.StatusCancelled:
		errMsg = r.exec.CancelReason
	}

	err := r.append(ctx, domain.EventExecutionCompleted, domain.ExecutionCompletedPayload{
		Status: status,
		Result: result,
		Error:  errMsg,
	})
	if err != nil {
		return err
	}

	switch status {
	case domain.StatusCompleted:
		r.exec.MarkCompleted(result)
	case domain.StatusFailed:
		r.exec.MarkFailed(errMsg, result)
	case domain.StatusTimedOut:
		r.exec.MarkTimedOut(result)
	case domain.StatusCancelled:
		r.exec.MarkCancelled(result)
	}

	if err := r.orch.store.Update(ctx, r.exec); err != nil {
		return fmt.Errorf("update execution to %s: %w", status, err)
	}

	telemetry.ExecutionsFinished.WithLabelValues(r.def.Ref, string(status)).Inc()
	if d := r.exec.Duration(); d > 0 {
		telemetry.ExecutionDuration.WithLabelValues(r.def.Ref).Observe(d.Seconds())
	}

	r.logger.Info("execution finished",
		"status", status,
		"duration", r.exec.Duration(),
		"errors", len(result.Errors),
	)

	r.orch.publishCompleted(ctx, r.exec)
	return nil
}
