package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
	"github.com/shaiso/conveyor/internal/xjson"
)

// runChildren выполняет fan-out одного child-шага.
//
// На каждый вход — ровно один дочерний execution с детерминированным
// ID "{parent}/{step_id}[{index}]": после рестарта те же входы
// приводят к тем же детям, дубликаты отсекает инвариант уникальности
// ExecutionID. Падение одного ребёнка не отменяет остальных; каждый
// вход получает ровно один записанный исход.
func (r *runner) runChildren(ctx context.Context, step *domain.StepDef, st *engine.StepState) (*domain.StepError, error) {
	call := step.Child
	logger := r.logger.With("step_id", step.ID)

	// Фаза 1: дозаписываем ChildScheduled для входов, которых ещё нет
	// в журнале.
	for idx := range call.Inputs {
		if _, ok := st.ChildrenScheduled[idx]; ok {
			continue
		}

		if cancelled, err := r.cancelRequested(ctx); err != nil {
			return nil, err
		} else if cancelled {
			return nil, errCancelled
		}

		childID := fmt.Sprintf("%s/%s[%d]", r.exec.ExecutionID, step.ID, idx)
		err := r.append(ctx, domain.EventChildScheduled, domain.ChildScheduledPayload{
			StepID:           step.ID,
			ChildExecutionID: childID,
			Index:            idx,
			Input:            call.Inputs[idx],
		})
		if err != nil {
			return nil, err
		}
	}

	// Фаза 2: выполняем детей без записанного исхода, не более
	// Concurrency одновременно.
	pending := make([]int, 0, len(call.Inputs))
	for idx := range call.Inputs {
		if _, done := st.ChildOutcomes[idx]; !done {
			pending = append(pending, idx)
		}
	}

	if len(pending) > 0 {
		logger.Info("fan-out started",
			"children", len(call.Inputs),
			"pending", len(pending),
			"concurrency", call.Concurrency,
		)

		limit := int64(call.Concurrency)
		if limit <= 0 {
			limit = int64(len(pending))
		}
		sem := semaphore.NewWeighted(limit)

		batchCtx := ctx
		if call.BatchTimeout > 0 {
			var cancel context.CancelFunc
			batchCtx, cancel = context.WithTimeout(ctx, call.BatchTimeout)
			defer cancel()
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		outcomes := make(map[int]domain.ChildOutcome, len(pending))

		for _, idx := range pending {
			childID := st.ChildrenScheduled[idx].ChildExecutionID
			input := call.Inputs[idx]

			wg.Add(1)
			go func(idx int, childID string, input xjson.RawMessage) {
				defer wg.Done()

				var outcome domain.ChildOutcome
				if err := sem.Acquire(batchCtx, 1); err != nil {
					// Дедлайн пачки истёк до старта ребёнка.
					outcome = domain.ChildOutcome{
						ExecutionID: childID,
						Status:      domain.StatusTimedOut,
						Error:       "fan-out batch deadline exceeded",
					}
				} else {
					telemetry.FanOutRunning.Inc()
					outcome = r.orch.runChild(batchCtx, childID, call, input, r.exec.ExecutionID)
					telemetry.FanOutRunning.Dec()
					sem.Release(1)
				}

				outcome.InputRef = idx
				mu.Lock()
				outcomes[idx] = outcome
				mu.Unlock()
			}(idx, childID, input)
		}
		wg.Wait()

		// Фаза 3: записываем исходы в порядке входов — журнал
		// детерминирован независимо от порядка завершения детей.
		for _, idx := range pending {
			outcome := outcomes[idx]
			typ := domain.EventChildFailed
			if outcome.Status == domain.StatusCompleted {
				typ = domain.EventChildCompleted
			}
			err := r.append(ctx, typ, domain.ChildFinishedPayload{
				StepID:  step.ID,
				Index:   idx,
				Outcome: outcome,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	// Required-шаг падает, только если не выжил ни один ребёнок;
	// частичные неудачи уходят в errors[] итоговой сводки.
	if !step.Optional && len(call.Inputs) > 0 {
		allFailed := true
		for _, outcome := range st.ChildOutcomes {
			if outcome.Status == domain.StatusCompleted {
				allFailed = false
				break
			}
		}
		if allFailed {
			return &domain.StepError{
				StepID: step.ID,
				Error:  "all child executions failed",
			}, nil
		}
	}

	return nil, nil
}

// runChild доводит один дочерний execution до терминального статуса
// и возвращает его исход.
func (o *Orchestrator) runChild(ctx context.Context, childID string, call *domain.ChildCall, input xjson.RawMessage, parentID string) domain.ChildOutcome {
	childCtx := ctx
	if call.PerChildTimeout > 0 {
		var cancel context.CancelFunc
		childCtx, cancel = context.WithTimeout(ctx, call.PerChildTimeout)
		defer cancel()
	}

	exec, err := o.store.GetByExecutionID(ctx, childID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		exec = &domain.Execution{
			ExecutionID:   childID,
			RunID:         uuid.New(),
			DefinitionRef: call.Ref,
			Input:         input,
			Status:        domain.StatusScheduled,
			ParentID:      parentID,
			CreatedAt:     time.Now(),
		}
		if createErr := o.store.Create(ctx, exec); createErr != nil {
			if !errors.Is(createErr, repo.ErrDuplicateExecution) {
				return failedChildOutcome(childID, createErr)
			}
			// Гонка: ребёнка уже создал другой процесс.
			exec, err = o.store.GetByExecutionID(ctx, childID)
			if err != nil {
				return failedChildOutcome(childID, err)
			}
		}
	case err != nil:
		return failedChildOutcome(childID, err)
	}

	for !exec.IsFinished() {
		if childCtx.Err() != nil {
			// Дедлайн ребёнка или всей пачки: отменяем ребёнка
			// и фиксируем исход TIMED_OUT.
			bg := context.WithoutCancel(ctx)
			if cancelErr := o.store.RequestCancel(bg, childID, "parent deadline exceeded"); cancelErr != nil && !errors.Is(cancelErr, repo.ErrNotFound) {
				o.logger.Warn("failed to cancel timed out child",
					"execution_id", childID,
					"error", cancelErr,
				)
			}
			o.nudgeCancel(childID, "parent deadline exceeded")
			return domain.ChildOutcome{
				ExecutionID: childID,
				Status:      domain.StatusTimedOut,
				Error:       "child deadline exceeded",
			}
		}

		runErr := o.runExecution(childCtx, exec.RunID)

		fresh, err := o.store.GetByRunID(context.WithoutCancel(ctx), exec.RunID)
		if err != nil {
			return failedChildOutcome(childID, err)
		}
		exec = fresh
		if exec.IsFinished() {
			break
		}

		if runErr != nil && !errors.Is(runErr, ErrExecutionActive) && childCtx.Err() == nil {
			return failedChildOutcome(childID, runErr)
		}

		// Журналом ребёнка владеет другой процесс — ждём его итог.
		if err := o.sleep(childCtx, time.Second); err != nil {
			continue
		}
	}

	return domain.ChildOutcome{
		ExecutionID: childID,
		Status:      exec.Status,
		Result:      exec.Result,
		Error:       exec.Error,
	}
}

// failedChildOutcome — исход ребёнка, которого не удалось довести.
func failedChildOutcome(childID string, err error) domain.ChildOutcome {
	return domain.ChildOutcome{
		ExecutionID: childID,
		Status:      domain.StatusFailed,
		Error:       err.Error(),
	}
}
