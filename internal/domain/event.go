package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/xjson"
)

// EventType — тип события в журнале execution.
type EventType string

const (
	// EventActivityScheduled — движок решил запустить попытку activity.
	EventActivityScheduled EventType = "ActivityScheduled"

	// EventActivityStarted — попытка передана executor'у.
	EventActivityStarted EventType = "ActivityStarted"

	// EventActivityCompleted — попытка завершилась успешно
	// (или шаг пропущен по condition — payload.skipped).
	EventActivityCompleted EventType = "ActivityCompleted"

	// EventActivityFailed — попытка завершилась ошибкой или таймаутом.
	EventActivityFailed EventType = "ActivityFailed"

	// EventChildScheduled — запланирован дочерний execution.
	EventChildScheduled EventType = "ChildScheduled"

	// EventChildCompleted — дочерний execution завершился успешно.
	EventChildCompleted EventType = "ChildCompleted"

	// EventChildFailed — дочерний execution завершился неуспешно
	// (FAILED/TIMED_OUT/CANCELLED).
	EventChildFailed EventType = "ChildFailed"

	// EventTimerFired — истекла задержка retry-backoff.
	// Payload фиксирует фактическое время срабатывания: на replay
	// движок читает его из журнала, а не ждёт заново.
	EventTimerFired EventType = "TimerFired"

	// EventCancelRequested — запрошена отмена execution.
	// После этого события движок не записывает новых
	// ActivityScheduled/ChildScheduled.
	EventCancelRequested EventType = "CancelRequested"

	// EventExecutionCompleted — execution достиг терминального статуса.
	// Payload несёт итоговый статус и сводку.
	EventExecutionCompleted EventType = "ExecutionCompleted"
)

// ExecutionEvent — запись в append-only журнале execution.
//
// Журнал — единственный источник истины для replay: движок не принимает
// решений по чему-либо, чего нет в журнале. SeqNo строго возрастает
// и не имеет пропусков в рамках одного execution.
type ExecutionEvent struct {
	// ExecutionID — execution, которому принадлежит событие.
	ExecutionID string `json:"execution_id"`

	// RunID — конкретный run. Журнал ведётся по run: повторное
	// использование ExecutionID после терминального run начинает
	// новый журнал.
	RunID uuid.UUID `json:"run_id"`

	// SeqNo — порядковый номер события (с 1, без пропусков).
	SeqNo int64 `json:"seq_no"`

	// Type — тип события.
	Type EventType `json:"type"`

	// Payload — типизированные данные события (JSON).
	Payload xjson.RawMessage `json:"payload,omitempty"`

	// Timestamp — время записи события.
	Timestamp time.Time `json:"timestamp"`
}

// DecodePayload десериализует payload события в указанный тип.
func DecodePayload[T any](ev *ExecutionEvent) (T, error) {
	var p T
	if len(ev.Payload) == 0 {
		return p, fmt.Errorf("event %s #%d has empty payload", ev.Type, ev.SeqNo)
	}
	if err := xjson.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return p, nil
}

// NewEvent создаёт событие с сериализованным payload.
// SeqNo проставляет журнал при append.
func NewEvent(executionID string, runID uuid.UUID, typ EventType, payload any) (*ExecutionEvent, error) {
	raw, err := xjson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &ExecutionEvent{
		ExecutionID: executionID,
		RunID:       runID,
		Type:        typ,
		Payload:     raw,
		Timestamp:   time.Now(),
	}, nil
}

// --- Payloads ---

// ActivityScheduledPayload — payload события ActivityScheduled.
type ActivityScheduledPayload struct {
	StepID   string           `json:"step_id"`
	Activity string           `json:"activity"`
	Attempt  int              `json:"attempt"`
	Input    xjson.RawMessage `json:"input,omitempty"`
}

// ActivityStartedPayload — payload события ActivityStarted.
type ActivityStartedPayload struct {
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

// ActivityCompletedPayload — payload события ActivityCompleted.
type ActivityCompletedPayload struct {
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`

	// Result — результат activity. Для пропущенных и деградированных
	// шагов — пустой.
	Result ActivityResult `json:"result"`

	// Skipped — шаг пропущен по condition.
	Skipped bool `json:"skipped,omitempty"`

	// Degraded — optional-шаг исчерпал retry; Error хранит причину.
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ActivityFailedPayload — payload события ActivityFailed.
type ActivityFailedPayload struct {
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`

	// Terminal — handler пометил ошибку как неповторяемую.
	Terminal bool `json:"terminal,omitempty"`

	// TimedOut — попытка прервана по таймауту executor'а.
	TimedOut bool `json:"timed_out,omitempty"`
}

// ChildScheduledPayload — payload события ChildScheduled.
type ChildScheduledPayload struct {
	StepID           string           `json:"step_id"`
	ChildExecutionID string           `json:"child_execution_id"`
	Index            int              `json:"index"`
	Input            xjson.RawMessage `json:"input,omitempty"`
}

// ChildFinishedPayload — payload событий ChildCompleted и ChildFailed.
type ChildFinishedPayload struct {
	StepID  string       `json:"step_id"`
	Index   int          `json:"index"`
	Outcome ChildOutcome `json:"outcome"`
}

// TimerFiredPayload — payload события TimerFired.
type TimerFiredPayload struct {
	StepID  string        `json:"step_id"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`

	// FiredAt — фактическое время срабатывания, зафиксированное один раз.
	FiredAt time.Time `json:"fired_at"`
}

// CancelRequestedPayload — payload события CancelRequested.
type CancelRequestedPayload struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ExecutionCompletedPayload — payload события ExecutionCompleted.
type ExecutionCompletedPayload struct {
	Status ExecutionStatus `json:"status"`
	Result *FinalResult    `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
