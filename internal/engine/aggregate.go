package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/conveyor/internal/domain"
)

// Aggregate сливает результаты завершившихся шагов в итоговую сводку.
//
// Обходит шаги в порядке definition: счётчики суммируются, стоимость
// складывается, нефатальные ошибки (degraded optional-шаги, упавшие
// дети fan-out) объединяются в errors[]. Частичные счётчики шагов,
// успевших завершиться до падения required-шага, сохраняются —
// вызывающая сторона всегда получает сводку, а не пустоту.
//
// Статус и терминальную ошибку проставляет runner: Aggregate смотрит
// только на записанное в журнале.
func Aggregate(def *domain.PipelineDefinition, proj *Projection) *domain.FinalResult {
	result := &domain.FinalResult{}

	for i := range def.Steps {
		step := &def.Steps[i]
		st := proj.Step(step.ID)
		if st == nil {
			continue
		}

		if step.IsChild() {
			aggregateChildren(result, step, st)
			continue
		}

		done := st.Completed
		if done == nil {
			continue
		}
		if done.Degraded {
			result.Errors = append(result.Errors, domain.StepError{
				StepID:   step.ID,
				Error:    done.Error,
				Attempts: st.Attempts,
			})
			continue
		}
		if done.Skipped {
			continue
		}

		mergeCounters(result, done.Result.Counters)
		result.CostCents += done.Result.CostCents
		if len(done.Result.Outputs) > 0 {
			if result.StepOutputs == nil {
				result.StepOutputs = make(map[string]map[string]any)
			}
			result.StepOutputs[step.ID] = done.Result.Outputs
		}
	}

	return result
}

// aggregateChildren сливает исходы fan-out одного child-шага.
func aggregateChildren(result *domain.FinalResult, step *domain.StepDef, st *StepState) {
	// Детерминированный порядок: по индексу входа.
	indexes := make([]int, 0, len(st.ChildOutcomes))
	for idx := range st.ChildOutcomes {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		outcome := st.ChildOutcomes[idx]

		if outcome.Status == domain.StatusCompleted {
			if outcome.Result != nil {
				mergeCounters(result, outcome.Result.Counters)
				result.CostCents += outcome.Result.CostCents
			}
			continue
		}

		result.Errors = append(result.Errors, domain.StepError{
			StepID: fmt.Sprintf("%s[%d]", step.ID, idx),
			Error:  outcome.Error,
		})
	}
}

// mergeCounters складывает счётчики src в итоговую сводку.
func mergeCounters(result *domain.FinalResult, src map[string]int64) {
	if len(src) == 0 {
		return
	}
	if result.Counters == nil {
		result.Counters = make(map[string]int64, len(src))
	}
	for k, v := range src {
		result.Counters[k] += v
	}
}
