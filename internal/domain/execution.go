package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/xjson"
)

// Execution — один запуск пайплайна.
//
// Execution создаётся когда:
//   - Вызывающая сторона стартует пайплайн напрямую (StartExecution)
//   - Scheduler создаёт запуск по расписанию
//   - Родительский execution запускает дочерний через fan-out
//
// ExecutionID выбирает вызывающая сторона; он уникален, пока run с этим
// ID не терминален. Повторный StartExecution с тем же ExecutionID при
// живом run'е отклоняется — на этом построена идемпотентность scheduler'а.
type Execution struct {
	// ExecutionID — идентификатор, выбранный вызывающей стороной.
	// Для scheduled runs: "{schedule_id}@{tick_unix}".
	// Для детей fan-out: "{parent}/{step_id}[{index}]".
	ExecutionID string `json:"execution_id"`

	// RunID — уникальный идентификатор конкретного run.
	// Новый run с тем же ExecutionID (после терминального) получает
	// новый RunID.
	RunID uuid.UUID `json:"run_id"`

	// DefinitionRef — definition, который выполняется.
	DefinitionRef string `json:"definition_ref"`

	// Input — входные данные execution (JSON).
	Input xjson.RawMessage `json:"input,omitempty"`

	// Status — текущий статус выполнения.
	Status ExecutionStatus `json:"status"`

	// ParentID — ExecutionID родителя для детей fan-out.
	ParentID string `json:"parent_id,omitempty"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt — время перехода в терминальный статус.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Result — итоговая сводка (для терминальных execution).
	Result *FinalResult `json:"result,omitempty"`

	// Error — терминальная ошибка (для FAILED/TIMED_OUT).
	Error string `json:"error,omitempty"`

	// CancelRequested — запрошена отмена run'а. Сам по себе флаг
	// решений не меняет: владелец журнала, заметив его, записывает
	// CancelRequested в журнал, и дальше движок следует журналу.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// CancelReason — причина отмены, указанная вызывающей стороной.
	CancelReason string `json:"cancel_reason,omitempty"`

	// CreatedAt — время создания execution.
	CreatedAt time.Time `json:"created_at"`
}

// IsFinished возвращает true, если execution завершён.
func (e *Execution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если execution ещё не завершён.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.StartedAt)
}

// MarkRunning переводит execution в статус RUNNING.
func (e *Execution) MarkRunning() {
	now := time.Now()
	e.Status = StatusRunning
	e.StartedAt = &now
}

// MarkCompleted переводит execution в статус COMPLETED с итоговой сводкой.
func (e *Execution) MarkCompleted(result *FinalResult) {
	now := time.Now()
	e.Status = StatusCompleted
	e.EndedAt = &now
	e.Result = result
}

// MarkFailed переводит execution в статус FAILED.
// Частичная сводка сохраняется: счётчики завершившихся шагов не теряются.
func (e *Execution) MarkFailed(errMsg string, partial *FinalResult) {
	now := time.Now()
	e.Status = StatusFailed
	e.EndedAt = &now
	e.Error = errMsg
	e.Result = partial
}

// MarkTimedOut переводит execution в статус TIMED_OUT.
func (e *Execution) MarkTimedOut(partial *FinalResult) {
	now := time.Now()
	e.Status = StatusTimedOut
	e.EndedAt = &now
	e.Error = "execution deadline exceeded"
	e.Result = partial
}

// MarkCancelled переводит execution в статус CANCELLED.
func (e *Execution) MarkCancelled(partial *FinalResult) {
	now := time.Now()
	e.Status = StatusCancelled
	e.EndedAt = &now
	e.Result = partial
}
