package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/xjson"
)

// DelayInput — вход activity "delay".
type DelayInput struct {
	// DurationSec — длительность задержки в секундах (default: 1).
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// Delay ожидает заданное время. Поддерживает отмену через context.
func Delay(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
	var input DelayInput
	if len(inv.Input) > 0 {
		if err := xjson.Unmarshal(inv.Input, &input); err != nil {
			return nil, activity.NewTerminalError(fmt.Sprintf("decode input: %v", err))
		}
	}

	if input.DurationSec <= 0 {
		input.DurationSec = 1
	}
	duration := time.Duration(input.DurationSec * float64(time.Second))

	select {
	case <-time.After(duration):
		return &domain.ActivityResult{
			Outputs: map[string]any{"delayed_sec": input.DurationSec},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
