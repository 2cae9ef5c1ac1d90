package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrExecutionNotFound — execution не найден.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrDefinitionNotFound — definition не зарегистрирован.
	ErrDefinitionNotFound = errors.New("pipeline definition not found")

	// ErrDuplicateDefinition — definition с таким ref уже зарегистрирован.
	ErrDuplicateDefinition = errors.New("pipeline definition already registered")

	// ErrExecutionActive — run уже обрабатывается этим процессом.
	ErrExecutionActive = errors.New("execution already being processed")

	// errCancelled — внутренний сигнал: отмена записана в журнал,
	// run должен финализироваться со статусом CANCELLED.
	errCancelled = errors.New("execution cancelled")
)
