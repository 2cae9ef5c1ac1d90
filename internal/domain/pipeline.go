package domain

import (
	"time"

	"github.com/shaiso/conveyor/internal/xjson"
)

// PipelineDefinition — определение пайплайна.
//
// Definition — это "программа" для оркестратора: упорядоченный список шагов
// (вызовов activities и дочерних пайплайнов). После старта execution
// definition неизменяем — движок принимает решения только по нему
// и по журналу событий.
type PipelineDefinition struct {
	// Ref — уникальное имя definition (например, "content.build-article").
	// Execution и дочерние вызовы ссылаются на definition по Ref.
	Ref string `json:"ref"`

	// Steps — упорядоченный список шагов.
	Steps []StepDef `json:"steps"`

	// Timeout — общий дедлайн одного execution этого пайплайна.
	// 0 — без дедлайна. Контролируется watchdog'ом оркестратора.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Step возвращает шаг по ID. Nil, если шаг не найден.
func (d *PipelineDefinition) Step(id string) *StepDef {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepKind — вид шага.
type StepKind string

const (
	// StepKindActivity — вызов одной activity (единица retryable-работы).
	StepKindActivity StepKind = "activity"

	// StepKindChild — fan-out по дочернему пайплайну.
	StepKindChild StepKind = "child"
)

// StepDef — определение шага пайплайна.
//
// Шаг — либо вызов activity, либо вызов дочернего пайплайна (fan-out).
// Поля Activity/Input/Timeout/Retry относятся к activity-шагам,
// поле Child — к child-шагам.
type StepDef struct {
	// ID — уникальный идентификатор шага в рамках definition.
	ID string `json:"id"`

	// Kind — вид шага: activity или child.
	Kind StepKind `json:"kind"`

	// Optional — не-критичный шаг. Исчерпание retry у optional-шага
	// не прерывает execution: шаг получает деградированный результат,
	// ошибка попадает в errors[] итоговой сводки.
	Optional bool `json:"optional,omitempty"`

	// Condition — условие выполнения шага. Вычисляется только по
	// записанным в журнал outputs предыдущих шагов (детерминизм replay).
	// Nil — шаг выполняется безусловно.
	Condition *Condition `json:"condition,omitempty"`

	// --- activity ---

	// Activity — имя activity в реестре.
	Activity string `json:"activity,omitempty"`

	// Input — входные данные activity (JSON).
	Input xjson.RawMessage `json:"input,omitempty"`

	// Timeout — таймаут одной попытки activity.
	// 0 — таймаут по умолчанию из executor.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retry — политика повторных попыток.
	Retry RetryPolicy `json:"retry,omitempty"`

	// IdempotencyKeyed — activity имеет внешний billable-эффект:
	// executor проставляет детерминированный idempotency key,
	// чтобы повторная попытка могла обнаружить уже выполненный эффект.
	IdempotencyKeyed bool `json:"idempotency_keyed,omitempty"`

	// --- child ---

	// Child — параметры fan-out по дочернему пайплайну.
	Child *ChildCall `json:"child,omitempty"`
}

// IsActivity возвращает true для activity-шага.
func (s *StepDef) IsActivity() bool {
	return s.Kind == StepKindActivity
}

// IsChild возвращает true для child-шага.
func (s *StepDef) IsChild() bool {
	return s.Kind == StepKindChild
}

// ChildCall — вызов дочернего пайплайна с fan-out.
//
// Для каждого элемента Inputs запускается отдельный дочерний execution.
// Одновременно в состоянии RUNNING — не более Concurrency детей;
// падение одного ребёнка не отменяет остальных.
type ChildCall struct {
	// Ref — definition дочернего пайплайна.
	Ref string `json:"ref"`

	// Inputs — входные данные: по одному execution на элемент.
	Inputs []xjson.RawMessage `json:"inputs"`

	// Concurrency — максимум одновременно выполняющихся детей.
	// 0 или меньше — без ограничения.
	Concurrency int `json:"concurrency,omitempty"`

	// PerChildTimeout — дедлайн одного дочернего execution.
	PerChildTimeout time.Duration `json:"per_child_timeout,omitempty"`

	// BatchTimeout — дедлайн всей пачки. По истечении ещё не завершённые
	// дети отменяются и получают outcome TIMED_OUT.
	BatchTimeout time.Duration `json:"batch_timeout,omitempty"`
}

// Condition — условие выполнения шага.
//
// Шаг выполняется, если output[OutputKey] шага StepID равен Equals.
// Если шаг StepID был пропущен или упал, условие ложно.
type Condition struct {
	// StepID — шаг, по outputs которого проверяется условие.
	StepID string `json:"step_id"`

	// OutputKey — ключ в outputs.
	OutputKey string `json:"output_key"`

	// Equals — ожидаемое значение.
	Equals any `json:"equals"`
}
