package orchestrator

import (
	"context"
	"errors"

	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
)

// handleExecutionPending обрабатывает событие о новом execution.
func (o *Orchestrator) handleExecutionPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionPendingPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.pending payload", "error", err)
		return err
	}

	o.logger.Debug("received execution.pending event",
		"execution_id", payload.ExecutionID,
		"run_id", payload.RunID,
	)

	if o.isRunActive(payload.RunID) {
		return nil
	}

	if err := o.runExecution(ctx, payload.RunID); err != nil {
		if errors.Is(err, ErrExecutionActive) || errors.Is(err, repo.ErrNotFound) {
			// Run обрабатывается параллельно или сообщение пришло
			// раньше коммита — подхватит polling.
			o.logger.Debug("run not processed", "run_id", payload.RunID, "reason", err)
			return nil
		}
		o.logger.Error("failed to process run", "run_id", payload.RunID, "error", err)
		return err
	}

	return nil
}

// handleCancelRequest обрабатывает запрос на отмену execution.
func (o *Orchestrator) handleCancelRequest(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.CancelPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.cancel payload", "error", err)
		return err
	}

	o.logger.Debug("received execution.cancel event",
		"execution_id", payload.ExecutionID,
	)

	// Флаг в БД мог выставить другой процесс; здесь — идемпотентный
	// повтор плюс уведомление локального владельца.
	if err := o.store.RequestCancel(ctx, payload.ExecutionID, payload.Reason); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Run уже терминален — отменять нечего.
			return nil
		}
		return err
	}

	o.nudgeCancel(payload.ExecutionID, payload.Reason)
	return nil
}
