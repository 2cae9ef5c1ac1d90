package engine

import (
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

func TestNextAttempt_ExponentialBackoff(t *testing.T) {
	policy := domain.RetryPolicy{
		MaxAttempts:        10,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        10 * time.Second,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped at max
		{6, 10 * time.Second}, // stays at max
	}

	for _, tt := range tests {
		d := NextAttempt(policy, tt.attempt, false)
		if d.GiveUp {
			t.Fatalf("attempt %d: unexpected give up", tt.attempt)
		}
		if d.Delay != tt.expected {
			t.Errorf("attempt %d: expected delay %v, got %v", tt.attempt, tt.expected, d.Delay)
		}
	}
}

func TestNextAttempt_FixedBackoff(t *testing.T) {
	// Коэффициент <= 1 — фиксированная задержка
	policy := domain.RetryPolicy{
		MaxAttempts:     10,
		InitialInterval: 2 * time.Second,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		d := NextAttempt(policy, attempt, false)
		if d.Delay != 2*time.Second {
			t.Errorf("attempt %d: expected 2s, got %v", attempt, d.Delay)
		}
	}
}

func TestNextAttempt_GiveUpAtMaxAttempts(t *testing.T) {
	policy := domain.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second}

	if d := NextAttempt(policy, 2, false); d.GiveUp {
		t.Error("attempt 2 of 3 should retry")
	}
	if d := NextAttempt(policy, 3, false); !d.GiveUp {
		t.Error("attempt 3 of 3 should give up")
	}
	if d := NextAttempt(policy, 4, false); !d.GiveUp {
		t.Error("attempt beyond max should give up")
	}
}

func TestNextAttempt_TerminalError(t *testing.T) {
	policy := domain.RetryPolicy{MaxAttempts: 10, InitialInterval: time.Second}

	// Terminal ошибка — GiveUp независимо от оставшихся попыток
	if d := NextAttempt(policy, 1, true); !d.GiveUp {
		t.Error("terminal error should give up immediately")
	}
}

func TestNextAttempt_ZeroPolicy(t *testing.T) {
	// Пустая политика — без retry
	if d := NextAttempt(domain.RetryPolicy{}, 1, false); !d.GiveUp {
		t.Error("zero policy should give up after first attempt")
	}
}

func TestNextAttempt_DefaultInitialInterval(t *testing.T) {
	policy := domain.RetryPolicy{MaxAttempts: 5}

	d := NextAttempt(policy, 1, false)
	if d.GiveUp {
		t.Fatal("unexpected give up")
	}
	if d.Delay != time.Second {
		t.Errorf("expected 1s default, got %v", d.Delay)
	}
}

func TestNextAttempt_Deterministic(t *testing.T) {
	// Одна и та же попытка всегда даёт одинаковый ответ: движок
	// вызывает NextAttempt и на живом пути, и на replay.
	policy := domain.RetryPolicy{
		MaxAttempts:        5,
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 3.0,
		MaxInterval:        time.Minute,
	}

	first := NextAttempt(policy, 3, false)
	for i := 0; i < 10; i++ {
		if got := NextAttempt(policy, 3, false); got != first {
			t.Fatalf("expected %+v every time, got %+v", first, got)
		}
	}
}
