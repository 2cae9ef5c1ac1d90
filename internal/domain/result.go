package domain

// ActivityResult — результат одной успешной попытки activity.
//
// Counters и CostCents — то, что Result Aggregator умеет складывать
// между шагами; Outputs — произвольные данные для последующих шагов
// (conditions, входы детей).
type ActivityResult struct {
	// Outputs — выходные данные activity.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Counters — счётчики (created/updated/synced и т.п.), суммируются
	// агрегатором по всем шагам.
	Counters map[string]int64 `json:"counters,omitempty"`

	// CostCents — стоимость внешних вызовов в центах.
	CostCents int64 `json:"cost_cents,omitempty"`
}

// StepError — ошибка одного шага в итоговой сводке.
type StepError struct {
	// StepID — шаг, на котором произошла ошибка.
	StepID string `json:"step_id"`

	// Error — текст ошибки.
	Error string `json:"error"`

	// Attempts — сколько попыток было сделано.
	Attempts int `json:"attempts,omitempty"`
}

// ChildOutcome — исход одного дочернего execution при fan-out.
//
// Падение ребёнка не отменяет соседей: каждый вход получает ровно
// один outcome, сколько бы детей ни упало.
type ChildOutcome struct {
	// InputRef — порядковый номер входа в ChildCall.Inputs.
	InputRef int `json:"input_ref"`

	// ExecutionID — детерминированный ID дочернего execution.
	ExecutionID string `json:"execution_id"`

	// Status — терминальный статус ребёнка.
	Status ExecutionStatus `json:"status"`

	// Result — итоговая сводка ребёнка (для COMPLETED).
	Result *FinalResult `json:"result,omitempty"`

	// Error — ошибка ребёнка (для FAILED/TIMED_OUT/CANCELLED).
	Error string `json:"error,omitempty"`
}

// FinalResult — итоговая структурированная сводка execution.
//
// Вызывающая сторона всегда получает сводку (счётчики + errors[]),
// а не исключение: частичные счётчики шагов, завершившихся до падения,
// сохраняются.
type FinalResult struct {
	// Status — терминальный статус execution.
	Status ExecutionStatus `json:"status"`

	// Counters — суммы счётчиков по всем завершившимся шагам.
	Counters map[string]int64 `json:"counters,omitempty"`

	// CostCents — суммарная стоимость по всем завершившимся шагам.
	CostCents int64 `json:"cost_cents,omitempty"`

	// StepOutputs — outputs шагов по step_id (для инспекции и детей).
	StepOutputs map[string]map[string]any `json:"step_outputs,omitempty"`

	// Errors — объединение нефатальных ошибок (optional-шаги, упавшие
	// дети) плюс терминальная ошибка, если execution прерван.
	Errors []StepError `json:"errors,omitempty"`
}

// HasErrors возвращает true, если в сводке есть ошибки.
func (r *FinalResult) HasErrors() bool {
	return len(r.Errors) > 0
}
