package domain

// ExecutionStatus — статус выполнения execution.
//
// Жизненный цикл:
//
//	SCHEDULED → RUNNING → COMPLETED
//	                    ↘ FAILED
//	                    ↘ TIMED_OUT
//	          (или) → CANCELLED (из SCHEDULED или RUNNING)
type ExecutionStatus string

const (
	// StatusScheduled — execution создан, но ещё не начал выполняться.
	StatusScheduled ExecutionStatus = "SCHEDULED"

	// StatusRunning — execution в процессе выполнения.
	StatusRunning ExecutionStatus = "RUNNING"

	// StatusCompleted — execution успешно завершён (возможно, с ошибками
	// optional-шагов в errors[]).
	StatusCompleted ExecutionStatus = "COMPLETED"

	// StatusFailed — required-шаг исчерпал retry, execution прерван.
	StatusFailed ExecutionStatus = "FAILED"

	// StatusTimedOut — общий дедлайн execution истёк.
	StatusTimedOut ExecutionStatus = "TIMED_OUT"

	// StatusCancelled — execution отменён вызывающей стороной.
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный (execution завершён).
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// ScheduleState — состояние расписания.
type ScheduleState string

const (
	// ScheduleActive — расписание активно, scheduler создаёт runs.
	ScheduleActive ScheduleState = "ACTIVE"

	// SchedulePaused — расписание на паузе, тики пропускаются.
	SchedulePaused ScheduleState = "PAUSED"
)

// OverlapPolicy — политика поведения при пересечении запусков:
// предыдущий run ещё не завершён, а наступил новый тик.
type OverlapPolicy string

const (
	// OverlapSkip — пропустить тик, пока предыдущий run не терминален.
	OverlapSkip OverlapPolicy = "SKIP"

	// OverlapBufferOne — запомнить ровно один отложенный тик и выполнить
	// его, когда предыдущий run завершится.
	OverlapBufferOne OverlapPolicy = "BUFFER_ONE"

	// OverlapAllowAll — запускать безусловно.
	OverlapAllowAll OverlapPolicy = "ALLOW_ALL"
)
