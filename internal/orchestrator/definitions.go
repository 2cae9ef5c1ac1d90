package orchestrator

import (
	"fmt"
	"sync"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
)

// DefinitionSet — реестр pipeline definitions процесса.
//
// Definitions регистрируются на старте и дальше не меняются: движок
// полагается на то, что definition для незавершённых runs остаётся
// тем же между рестартами.
type DefinitionSet struct {
	mu   sync.RWMutex
	defs map[string]*domain.PipelineDefinition
}

// NewDefinitionSet создаёт пустой реестр.
func NewDefinitionSet() *DefinitionSet {
	return &DefinitionSet{
		defs: make(map[string]*domain.PipelineDefinition),
	}
}

// Register валидирует и регистрирует definition.
func (s *DefinitionSet) Register(def *domain.PipelineDefinition) error {
	if err := engine.Validate(def); err != nil {
		return fmt.Errorf("validate %s: %w", def.Ref, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.Ref]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.Ref)
	}
	s.defs[def.Ref] = def
	return nil
}

// Get возвращает definition по ref.
func (s *DefinitionSet) Get(ref string) (*domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[ref]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, ref)
	}
	return def, nil
}

// Refs возвращает зарегистрированные refs (для логирования на старте).
func (s *DefinitionSet) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]string, 0, len(s.defs))
	for ref := range s.defs {
		refs = append(refs, ref)
	}
	return refs
}
