package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

// --- Registry Tests ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	handler := func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return &domain.ActivityResult{}, nil
	}
	if err := r.Register("noop", handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.Get("noop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Error("handler should not be nil")
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	handler := func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return nil, nil
	}

	r.Register("noop", handler)
	if err := r.Register("noop", handler); !errors.Is(err, ErrDuplicateActivity) {
		t.Errorf("expected ErrDuplicateActivity, got %v", err)
	}
}

func TestRegistry_Sealed(t *testing.T) {
	r := NewRegistry()
	r.Seal()

	err := r.Register("late", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrRegistrySealed) {
		t.Errorf("expected ErrRegistrySealed, got %v", err)
	}
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get("ghost"); !errors.Is(err, ErrUnknownActivity) {
		t.Errorf("expected ErrUnknownActivity, got %v", err)
	}
}

func TestRegistry_ValidateDefinition(t *testing.T) {
	r := NewRegistry()
	r.Register("known", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return nil, nil
	})

	ok := &domain.PipelineDefinition{Ref: "p", Steps: []domain.StepDef{
		{ID: "a", Kind: domain.StepKindActivity, Activity: "known"},
	}}
	if err := r.ValidateDefinition(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := &domain.PipelineDefinition{Ref: "p", Steps: []domain.StepDef{
		{ID: "a", Kind: domain.StepKindActivity, Activity: "ghost"},
	}}
	if err := r.ValidateDefinition(bad); !errors.Is(err, ErrUnknownActivity) {
		t.Errorf("expected ErrUnknownActivity, got %v", err)
	}
}

// --- Executor Tests ---

func newTestExecutor(t *testing.T, name string, handler Handler) *Executor {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(name, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Seal()
	return NewExecutor(ExecutorConfig{Registry: r})
}

func TestExecutor_Success(t *testing.T) {
	e := newTestExecutor(t, "work", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return &domain.ActivityResult{Outputs: map[string]any{"done": true}}, nil
	})

	result, err := e.Execute(context.Background(), &Invocation{Activity: "work"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs["done"] != true {
		t.Errorf("expected outputs from handler, got %+v", result.Outputs)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	e := newTestExecutor(t, "slow", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return &domain.ActivityResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	_, err := e.Execute(context.Background(), &Invocation{Activity: "slow"}, 50*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("executor should stop waiting at attempt timeout")
	}
}

func TestExecutor_ContextCancelIsNotTimeout(t *testing.T) {
	e := newTestExecutor(t, "slow", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, &Invocation{Activity: "slow"}, time.Minute)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTimeout(err) {
		t.Error("process shutdown should not look like attempt timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecutor_TerminalError(t *testing.T) {
	e := newTestExecutor(t, "bad", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return nil, NewTerminalError("validation failed")
	})

	_, err := e.Execute(context.Background(), &Invocation{Activity: "bad"}, 0)
	if !IsTerminal(err) {
		t.Errorf("expected terminal error, got %v", err)
	}
}

func TestExecutor_PanicRecovered(t *testing.T) {
	e := newTestExecutor(t, "boom", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		panic("nil map write")
	})

	_, err := e.Execute(context.Background(), &Invocation{Activity: "boom"}, 0)
	if err == nil {
		t.Fatal("panic should surface as error")
	}
	if IsTerminal(err) {
		t.Error("panic is retryable, not terminal")
	}
}

func TestExecutor_UnknownActivity(t *testing.T) {
	e := newTestExecutor(t, "known", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return nil, nil
	})

	_, err := e.Execute(context.Background(), &Invocation{Activity: "ghost"}, 0)
	if !errors.Is(err, ErrUnknownActivity) {
		t.Errorf("expected ErrUnknownActivity, got %v", err)
	}
}

func TestExecutor_EnvThreaded(t *testing.T) {
	var seen string
	r := NewRegistry()
	r.Register("check", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		seen = inv.Env.Get("api_token")
		return nil, nil
	})
	r.Seal()

	e := NewExecutor(ExecutorConfig{
		Registry: r,
		Env:      NewEnv(map[string]string{"api_token": "secret"}),
	})

	if _, err := e.Execute(context.Background(), &Invocation{Activity: "check"}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "secret" {
		t.Errorf("expected env snapshot in invocation, got %q", seen)
	}
}

func TestExecutor_NilResultNormalized(t *testing.T) {
	e := newTestExecutor(t, "noop", func(ctx context.Context, inv *Invocation) (*domain.ActivityResult, error) {
		return nil, nil
	})

	result, err := e.Execute(context.Background(), &Invocation{Activity: "noop"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Error("nil handler result should be normalized to empty result")
	}
}
