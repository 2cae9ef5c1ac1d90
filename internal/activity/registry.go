package activity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/conveyor/internal/domain"
)

// Handler — функция, выполняющая одну activity.
//
// Handler получает JSON-вход и возвращает JSON-совместимый результат
// либо ошибку (повторяемую или *Error с Terminal=true). Handler обязан
// проверять ctx.Done(): по таймауту executor перестаёт ждать, но
// отмена для уже запущенного handler'а — advisory, не preemptive.
type Handler func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error)

// Invocation — входные данные одного вызова activity.
//
// Всё, что handler'у позволено знать о мире, приходит здесь: никаких
// чтений окружения изнутри handler'ов.
type Invocation struct {
	// Activity — имя activity.
	Activity string

	// ExecutionID — execution, в рамках которого идёт вызов.
	ExecutionID string

	// StepID — шаг definition.
	StepID string

	// Attempt — номер попытки (с 1).
	Attempt int

	// Input — входные данные шага (JSON).
	Input []byte

	// IdempotencyKey — детерминированный ключ "{execution_id}/{step_id}"
	// для activities с billable-эффектом: повторная попытка может
	// обнаружить уже выполненный эффект и не платить дважды.
	// Пустой для остальных activities.
	IdempotencyKey string

	// Env — снимок конфигурации, проброшенный в executor при создании.
	Env Env
}

// Env — неизменяемый снимок конфигурации для handler'ов.
//
// Собирается один раз при конструировании executor'а (ключи API,
// адреса внешних сервисов) и передаётся в каждый вызов.
type Env struct {
	values map[string]string
}

// NewEnv создаёт Env из карты значений.
func NewEnv(values map[string]string) Env {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Env{values: copied}
}

// Get возвращает значение по ключу ("" — ключ не задан).
func (e Env) Get(key string) string {
	return e.values[key]
}

// Registry — закрытый реестр activities.
//
// Регистрация разрешена только до Seal(). Потокобезопасен.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register регистрирует handler под именем.
func (r *Registry) Register(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRegistrySealed, name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateActivity, name)
	}
	r.handlers[name] = handler
	return nil
}

// Seal закрывает реестр для дальнейшей регистрации.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get возвращает handler по имени.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, name)
	}
	return handler, nil
}

// Has проверяет, зарегистрирована ли activity.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names возвращает отсортированный список зарегистрированных activities.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDefinition проверяет, что каждая activity definition'а
// зарегистрирована. Вызывается на старте процесса.
func (r *Registry) ValidateDefinition(def *domain.PipelineDefinition) error {
	for i := range def.Steps {
		step := &def.Steps[i]
		if !step.IsActivity() {
			continue
		}
		if !r.Has(step.Activity) {
			return fmt.Errorf("%w: %s (step %s of %s)",
				ErrUnknownActivity, step.Activity, step.ID, def.Ref)
		}
	}
	return nil
}
