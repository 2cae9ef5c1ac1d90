package engine

import (
	"errors"
	"fmt"
)

// Ошибки валидации PipelineDefinition.
var (
	// ErrEmptyRef — definition не имеет Ref.
	ErrEmptyRef = errors.New("pipeline definition has empty ref")

	// ErrEmptySteps — definition не содержит шагов.
	ErrEmptySteps = errors.New("pipeline definition has no steps")

	// ErrEmptyStepID — шаг не имеет ID.
	ErrEmptyStepID = errors.New("step has empty ID")

	// ErrDuplicateStepID — несколько шагов с одинаковым ID.
	ErrDuplicateStepID = errors.New("duplicate step ID")

	// ErrUnknownStepKind — неизвестный вид шага.
	ErrUnknownStepKind = errors.New("unknown step kind")

	// ErrEmptyActivity — activity-шаг без имени activity.
	ErrEmptyActivity = errors.New("activity step has empty activity name")

	// ErrMissingChildCall — child-шаг без ChildCall.
	ErrMissingChildCall = errors.New("child step has no child call")

	// ErrConditionUnknownStep — condition ссылается на несуществующий
	// или более поздний шаг.
	ErrConditionUnknownStep = errors.New("condition references unknown or later step")
)

// ErrNondeterminism — записанный журнал не согласуется с текущим
// definition: replay невозможен, требуется вмешательство оператора.
// Никогда не разрешается автоматически.
var ErrNondeterminism = errors.New("replay nondeterminism")

// NondeterminismError — детали расхождения журнала и definition.
type NondeterminismError struct {
	SeqNo   int64  // событие, на котором обнаружено расхождение
	StepID  string // шаг из события
	Message string // описание расхождения
}

// Error реализует интерфейс error.
func (e *NondeterminismError) Error() string {
	return fmt.Sprintf("replay nondeterminism at event #%d (step %s): %s",
		e.SeqNo, e.StepID, e.Message)
}

// Unwrap возвращает ErrNondeterminism для errors.Is.
func (e *NondeterminismError) Unwrap() error {
	return ErrNondeterminism
}
