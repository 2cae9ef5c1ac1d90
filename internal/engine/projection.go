package engine

import (
	"reflect"

	"github.com/shaiso/conveyor/internal/domain"
)

// StepState — состояние одного шага, восстановленное из журнала.
type StepState struct {
	// Def — определение шага.
	Def *domain.StepDef

	// Attempts — количество записанных ActivityScheduled (= номер
	// последней попытки).
	Attempts int

	// AttemptPending — последняя попытка записана (Scheduled/Started),
	// но её терминальное событие отсутствует. После рестарта такая
	// попытка выполняется заново с тем же номером (at-least-once).
	AttemptPending bool

	// Failures — записанные неудачи попыток, по порядку.
	Failures []domain.ActivityFailedPayload

	// TimerFiredAttempt — номер последней попытки, после неудачи
	// которой таймер backoff уже сработал (записан TimerFired).
	TimerFiredAttempt int

	// Completed — терминальный успех шага: обычный, skipped или
	// degraded (optional-шаг после исчерпания retry).
	Completed *domain.ActivityCompletedPayload

	// ChildrenScheduled — записанные ChildScheduled по индексу входа.
	ChildrenScheduled map[int]domain.ChildScheduledPayload

	// ChildOutcomes — собранные исходы детей по индексу входа.
	ChildOutcomes map[int]domain.ChildOutcome
}

// Terminal возвращает true, если шаг достиг терминального состояния
// и движку по нему нечего решать.
func (s *StepState) Terminal() bool {
	if s.Completed != nil {
		// Успех, skip или деградация.
		return true
	}
	if s.Def.IsChild() {
		return len(s.ChildOutcomes) == len(s.Def.Child.Inputs)
	}
	return false
}

// LastFailure возвращает последнюю неудачу или nil.
func (s *StepState) LastFailure() *domain.ActivityFailedPayload {
	if len(s.Failures) == 0 {
		return nil
	}
	return &s.Failures[len(s.Failures)-1]
}

// Projection — состояние execution, свёрнутое из префикса журнала.
//
// Это replay-половина движка: одинаковый префикс событий всегда даёт
// одинаковую Projection, по которой runner принимает следующее решение.
type Projection struct {
	// Def — definition, против которого свёрнут журнал.
	Def *domain.PipelineDefinition

	// Steps — состояние шагов по step_id.
	Steps map[string]*StepState

	// CancelSeq — seq_no события CancelRequested (0 — отмены не было).
	CancelSeq int64

	// Final — записанное терминальное событие execution, если есть.
	Final *domain.ExecutionCompletedPayload

	// LastSeq — seq_no последнего события.
	LastSeq int64
}

// CancelRequested возвращает true, если отмена записана в журнал.
func (p *Projection) CancelRequested() bool {
	return p.CancelSeq > 0
}

// Step возвращает состояние шага, создавая пустое при необходимости.
func (p *Projection) Step(id string) *StepState {
	return p.Steps[id]
}

// Project сворачивает журнал событий в Projection.
//
// Любое расхождение журнала с definition — NondeterminismError:
// журнал писался другой версией пайплайна, авто-восстановление
// невозможно.
func Project(def *domain.PipelineDefinition, events []domain.ExecutionEvent) (*Projection, error) {
	p := &Projection{
		Def:   def,
		Steps: make(map[string]*StepState, len(def.Steps)),
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		st := &StepState{Def: step}
		if step.IsChild() {
			st.ChildrenScheduled = make(map[int]domain.ChildScheduledPayload)
			st.ChildOutcomes = make(map[int]domain.ChildOutcome)
		}
		p.Steps[step.ID] = st
	}

	for i := range events {
		if err := p.Apply(&events[i]); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Apply применяет одно событие к Projection.
//
// Единственная функция перехода состояния: replay и живой путь
// (append + Apply) проходят через неё — одно событие не может
// означать разное на записи и на чтении.
func (p *Projection) Apply(ev *domain.ExecutionEvent) error {
	if ev.SeqNo != p.LastSeq+1 {
		return &NondeterminismError{
			SeqNo:   ev.SeqNo,
			Message: "gap in event sequence",
		}
	}
	p.LastSeq = ev.SeqNo
	switch ev.Type {
	case domain.EventActivityScheduled:
		pl, err := domain.DecodePayload[domain.ActivityScheduledPayload](ev)
		if err != nil {
			return err
		}
		st, ndErr := p.activityStep(ev.SeqNo, pl.StepID)
		if ndErr != nil {
			return ndErr
		}
		if pl.Activity != st.Def.Activity {
			return &NondeterminismError{
				SeqNo:   ev.SeqNo,
				StepID:  pl.StepID,
				Message: "recorded activity " + pl.Activity + ", definition has " + st.Def.Activity,
			}
		}
		if pl.Attempt != st.Attempts+1 {
			return &NondeterminismError{
				SeqNo:   ev.SeqNo,
				StepID:  pl.StepID,
				Message: "attempt number out of order",
			}
		}
		st.Attempts = pl.Attempt
		st.AttemptPending = true

	case domain.EventActivityStarted:
		pl, err := domain.DecodePayload[domain.ActivityStartedPayload](ev)
		if err != nil {
			return err
		}
		if _, ndErr := p.activityStep(ev.SeqNo, pl.StepID); ndErr != nil {
			return ndErr
		}

	case domain.EventActivityCompleted:
		pl, err := domain.DecodePayload[domain.ActivityCompletedPayload](ev)
		if err != nil {
			return err
		}
		if pl.Skipped {
			// Skip по condition записывается и для child-шагов.
			st, ok := p.Steps[pl.StepID]
			if !ok {
				return &NondeterminismError{
					SeqNo:   ev.SeqNo,
					StepID:  pl.StepID,
					Message: "step not present in definition",
				}
			}
			st.Completed = &pl
			st.AttemptPending = false
			return nil
		}
		st, ndErr := p.activityStep(ev.SeqNo, pl.StepID)
		if ndErr != nil {
			return ndErr
		}
		st.Completed = &pl
		st.AttemptPending = false

	case domain.EventActivityFailed:
		pl, err := domain.DecodePayload[domain.ActivityFailedPayload](ev)
		if err != nil {
			return err
		}
		st, ndErr := p.activityStep(ev.SeqNo, pl.StepID)
		if ndErr != nil {
			return ndErr
		}
		st.Failures = append(st.Failures, pl)
		st.AttemptPending = false

	case domain.EventTimerFired:
		pl, err := domain.DecodePayload[domain.TimerFiredPayload](ev)
		if err != nil {
			return err
		}
		st, ndErr := p.activityStep(ev.SeqNo, pl.StepID)
		if ndErr != nil {
			return ndErr
		}
		st.TimerFiredAttempt = pl.Attempt

	case domain.EventChildScheduled:
		pl, err := domain.DecodePayload[domain.ChildScheduledPayload](ev)
		if err != nil {
			return err
		}
		st, ndErr := p.childStep(ev.SeqNo, pl.StepID, pl.Index)
		if ndErr != nil {
			return ndErr
		}
		st.ChildrenScheduled[pl.Index] = pl

	case domain.EventChildCompleted, domain.EventChildFailed:
		pl, err := domain.DecodePayload[domain.ChildFinishedPayload](ev)
		if err != nil {
			return err
		}
		st, ndErr := p.childStep(ev.SeqNo, pl.StepID, pl.Index)
		if ndErr != nil {
			return ndErr
		}
		st.ChildOutcomes[pl.Index] = pl.Outcome

	case domain.EventCancelRequested:
		if p.CancelSeq == 0 {
			p.CancelSeq = ev.SeqNo
		}

	case domain.EventExecutionCompleted:
		pl, err := domain.DecodePayload[domain.ExecutionCompletedPayload](ev)
		if err != nil {
			return err
		}
		p.Final = &pl

	default:
		return &NondeterminismError{
			SeqNo:   ev.SeqNo,
			Message: "unknown event type " + string(ev.Type),
		}
	}

	return nil
}

// activityStep возвращает состояние activity-шага или ошибку
// недетерминизма.
func (p *Projection) activityStep(seq int64, stepID string) (*StepState, error) {
	st, ok := p.Steps[stepID]
	if !ok {
		return nil, &NondeterminismError{
			SeqNo:   seq,
			StepID:  stepID,
			Message: "step not present in definition",
		}
	}
	if !st.Def.IsActivity() {
		return nil, &NondeterminismError{
			SeqNo:   seq,
			StepID:  stepID,
			Message: "activity event recorded for non-activity step",
		}
	}
	return st, nil
}

// childStep возвращает состояние child-шага или ошибку недетерминизма.
func (p *Projection) childStep(seq int64, stepID string, index int) (*StepState, error) {
	st, ok := p.Steps[stepID]
	if !ok {
		return nil, &NondeterminismError{
			SeqNo:   seq,
			StepID:  stepID,
			Message: "step not present in definition",
		}
	}
	if !st.Def.IsChild() {
		return nil, &NondeterminismError{
			SeqNo:   seq,
			StepID:  stepID,
			Message: "child event recorded for non-child step",
		}
	}
	if index < 0 || index >= len(st.Def.Child.Inputs) {
		return nil, &NondeterminismError{
			SeqNo:   seq,
			StepID:  stepID,
			Message: "child index out of range for definition inputs",
		}
	}
	return st, nil
}

// EvalCondition вычисляет condition шага по записанным outputs.
//
// Условие ложно, если шаг-источник не завершился успешно (пропущен,
// деградирован) или ключ отсутствует. Значения сравниваются по
// JSON-семантике: числа приводятся к float64.
func (p *Projection) EvalCondition(c *domain.Condition) bool {
	if c == nil {
		return true
	}
	st, ok := p.Steps[c.StepID]
	if !ok || st.Completed == nil || st.Completed.Skipped || st.Completed.Degraded {
		return false
	}
	v, ok := st.Completed.Result.Outputs[c.OutputKey]
	if !ok {
		return false
	}
	return looseEqual(v, c.Equals)
}

// looseEqual сравнивает значения по JSON-семантике.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// asFloat приводит числовые типы к float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
