package activity

import "errors"

// Ошибки реестра и executor'а.
var (
	// ErrUnknownActivity — activity не зарегистрирована.
	// Фатальная конфигурационная ошибка, не повторяется.
	ErrUnknownActivity = errors.New("unknown activity")

	// ErrRegistrySealed — регистрация после Seal().
	ErrRegistrySealed = errors.New("activity registry is sealed")

	// ErrDuplicateActivity — повторная регистрация имени.
	ErrDuplicateActivity = errors.New("activity already registered")

	// ErrTimeout — handler не вернулся за отведённый таймаут.
	// Executor перестаёт ждать; handler может всё ещё выполняться,
	// и его эффект нужно считать возможно состоявшимся (at-least-once).
	ErrTimeout = errors.New("activity timeout")
)

// Error — типизированная ошибка handler'а.
//
// Terminal=true означает "не повторять": движок сразу отдаёт GiveUp,
// сколько бы попыток ни оставалось в политике.
type Error struct {
	Message  string
	Terminal bool
	Err      error
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "activity error"
}

// Unwrap возвращает базовую ошибку.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError создаёт повторяемую ошибку activity.
func NewError(msg string) *Error {
	return &Error{Message: msg}
}

// NewTerminalError создаёт неповторяемую ошибку activity.
func NewTerminalError(msg string) *Error {
	return &Error{Message: msg, Terminal: true}
}

// IsTerminal возвращает true, если ошибка помечена handler'ом
// как неповторяемая либо это ErrUnknownActivity.
func IsTerminal(err error) bool {
	if errors.Is(err, ErrUnknownActivity) {
		return true
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Terminal
	}
	return false
}

// IsTimeout возвращает true для таймаута executor'а.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
