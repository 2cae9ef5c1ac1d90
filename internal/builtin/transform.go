package builtin

import (
	"context"
	"fmt"

	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/xjson"
)

// Transform возвращает входные данные как outputs.
//
// Pass-through для переноса статических данных шага в outputs:
// последующие conditions и дети fan-out читают их из журнала.
func Transform(_ context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
	outputs := make(map[string]any)
	if len(inv.Input) > 0 {
		if err := xjson.Unmarshal(inv.Input, &outputs); err != nil {
			return nil, activity.NewTerminalError(fmt.Sprintf("decode input: %v", err))
		}
	}

	return &domain.ActivityResult{Outputs: outputs}, nil
}

// Register регистрирует встроенные activities в реестре.
func Register(registry *activity.Registry) error {
	handlers := map[string]activity.Handler{
		"http_call": HTTPCall,
		"delay":     Delay,
		"transform": Transform,
	}

	for name, handler := range handlers {
		if err := registry.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}
