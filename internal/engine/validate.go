package engine

import (
	"fmt"

	"github.com/shaiso/conveyor/internal/domain"
)

// Validate проверяет структуру PipelineDefinition.
//
// Вызывается один раз при регистрации definition (старт процесса),
// а не при каждом запуске: UnknownActivity и битые definitions —
// конфигурационные ошибки, их место на старте.
func Validate(def *domain.PipelineDefinition) error {
	if def.Ref == "" {
		return ErrEmptyRef
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptySteps, def.Ref)
	}

	seen := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.ID == "" {
			return fmt.Errorf("%w: step #%d", ErrEmptyStepID, i)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}
		seen[step.ID] = i

		switch step.Kind {
		case domain.StepKindActivity:
			if step.Activity == "" {
				return fmt.Errorf("%w: %s", ErrEmptyActivity, step.ID)
			}
		case domain.StepKindChild:
			if step.Child == nil || step.Child.Ref == "" {
				return fmt.Errorf("%w: %s", ErrMissingChildCall, step.ID)
			}
		default:
			return fmt.Errorf("%w: %s (%s)", ErrUnknownStepKind, step.ID, step.Kind)
		}

		// Condition может ссылаться только на более ранний шаг:
		// к моменту решения его outcome уже в журнале.
		if step.Condition != nil {
			src, ok := seen[step.Condition.StepID]
			if !ok || src >= i {
				return fmt.Errorf("%w: %s -> %s",
					ErrConditionUnknownStep, step.ID, step.Condition.StepID)
			}
		}
	}

	return nil
}
