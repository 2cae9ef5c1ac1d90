package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/xjson"
)

// testEnv — оркестратор на in-memory хранилищах с мгновенным sleep.
type testEnv struct {
	orch   *Orchestrator
	log    *repo.MemoryEventLog
	store  *repo.MemoryExecutionStore
	sleeps *sleepRecorder
}

// sleepRecorder подменяет ожидание backoff: задержки записываются,
// но не отрабатываются.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

func newTestEnv(t *testing.T, handlers map[string]activity.Handler, defs ...*domain.PipelineDefinition) *testEnv {
	t.Helper()

	registry := activity.NewRegistry()
	for name, h := range handlers {
		if err := registry.Register(name, h); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	registry.Seal()

	set := NewDefinitionSet()
	for _, def := range defs {
		if err := set.Register(def); err != nil {
			t.Fatalf("register definition %s: %v", def.Ref, err)
		}
	}

	log := repo.NewMemoryEventLog()
	store := repo.NewMemoryExecutionStore()
	sleeps := &sleepRecorder{}

	orch := New(Config{
		EventLog:    log,
		Store:       store,
		Definitions: set,
		Executor:    activity.NewExecutor(activity.ExecutorConfig{Registry: registry}),
		Sleep:       sleeps.sleep,
	})

	return &testEnv{orch: orch, log: log, store: store, sleeps: sleeps}
}

// createExecution кладёт execution в хранилище без запуска.
func (e *testEnv) createExecution(t *testing.T, executionID, ref string, input xjson.RawMessage) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{
		ExecutionID:   executionID,
		RunID:         uuid.New(),
		DefinitionRef: ref,
		Input:         input,
		Status:        domain.StatusScheduled,
		CreatedAt:     time.Now(),
	}
	if err := e.store.Create(context.Background(), exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return exec
}

// run прогоняет run до терминального статуса и возвращает свежую запись.
func (e *testEnv) run(t *testing.T, runID uuid.UUID) *domain.Execution {
	t.Helper()
	if err := e.orch.runExecution(context.Background(), runID); err != nil {
		t.Fatalf("run execution: %v", err)
	}
	exec, err := e.store.GetByRunID(context.Background(), runID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	return exec
}

// eventTypes возвращает типы событий журнала по порядку.
func (e *testEnv) eventTypes(t *testing.T, runID uuid.UUID) []domain.EventType {
	t.Helper()
	events, err := e.log.List(context.Background(), runID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]domain.EventType, len(events))
	for i := range events {
		types[i] = events[i].Type
	}
	return types
}

func countType(types []domain.EventType, typ domain.EventType) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func simpleDef(steps ...domain.StepDef) *domain.PipelineDefinition {
	return &domain.PipelineDefinition{Ref: "test.pipeline", Steps: steps}
}

func okHandler(outputs map[string]any, counters map[string]int64) activity.Handler {
	return func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
		return &domain.ActivityResult{Outputs: outputs, Counters: counters}, nil
	}
}

// --- Базовые сценарии ---

func TestRunExecution_Success(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"extract": okHandler(map[string]any{"items": 10}, map[string]int64{"extracted": 10}),
		"load":    okHandler(nil, map[string]int64{"loaded": 10}),
	}, simpleDef(
		domain.StepDef{ID: "extract", Kind: domain.StepKindActivity, Activity: "extract"},
		domain.StepDef{ID: "load", Kind: domain.StepKindActivity, Activity: "load"},
	))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.Error)
	}
	if got.Result == nil {
		t.Fatal("terminal execution should carry a result")
	}
	if got.Result.Counters["extracted"] != 10 || got.Result.Counters["loaded"] != 10 {
		t.Errorf("expected aggregated counters, got %+v", got.Result.Counters)
	}

	types := env.eventTypes(t, exec.RunID)
	if types[len(types)-1] != domain.EventExecutionCompleted {
		t.Errorf("journal should end with ExecutionCompleted, got %v", types)
	}
}

func TestRunExecution_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, map[string]activity.Handler{
		"flaky": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			if calls.Add(1) <= 2 {
				return nil, activity.NewError("HTTP 503")
			}
			return &domain.ActivityResult{Counters: map[string]int64{"done": 1}}, nil
		},
	}, simpleDef(domain.StepDef{
		ID: "flaky", Kind: domain.StepKindActivity, Activity: "flaky",
		Retry: domain.RetryPolicy{
			MaxAttempts:        5,
			InitialInterval:    10 * time.Millisecond,
			BackoffCoefficient: 2.0,
		},
	}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED after retries, got %s (%s)", got.Status, got.Error)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}

	// Backoff по формуле: 10ms, затем 20ms
	delays := env.sleeps.recorded()
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Errorf("expected [10ms 20ms] backoff, got %v", delays)
	}

	types := env.eventTypes(t, exec.RunID)
	if n := countType(types, domain.EventTimerFired); n != 2 {
		t.Errorf("expected 2 TimerFired events, got %d", n)
	}
	if n := countType(types, domain.EventActivityScheduled); n != 3 {
		t.Errorf("expected 3 ActivityScheduled events, got %d", n)
	}
}

func TestRunExecution_RequiredStepFails(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"first": okHandler(nil, map[string]int64{"created": 4}),
		"bad": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			return nil, activity.NewTerminalError("invalid payload")
		},
	}, simpleDef(
		domain.StepDef{ID: "first", Kind: domain.StepKindActivity, Activity: "first"},
		domain.StepDef{ID: "bad", Kind: domain.StepKindActivity, Activity: "bad"},
	))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "bad") || !strings.Contains(got.Error, "invalid payload") {
		t.Errorf("error should name the step and cause, got %q", got.Error)
	}
	// Частичные счётчики первого шага сохранены
	if got.Result == nil || got.Result.Counters["created"] != 4 {
		t.Errorf("partial counters should survive failure, got %+v", got.Result)
	}
	// Terminal ошибка — ровно одна попытка, без backoff
	if delays := env.sleeps.recorded(); len(delays) != 0 {
		t.Errorf("terminal error should not back off, got %v", delays)
	}
}

func TestRunExecution_OptionalStepDegrades(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"notify": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			return nil, activity.NewError("HTTP 500")
		},
		"main": okHandler(nil, map[string]int64{"done": 1}),
	}, simpleDef(
		domain.StepDef{ID: "main", Kind: domain.StepKindActivity, Activity: "main"},
		domain.StepDef{ID: "notify", Kind: domain.StepKindActivity, Activity: "notify",
			Optional: true,
			Retry:    domain.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond},
		},
	))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCompleted {
		t.Fatalf("optional failure should not fail the run, got %s (%s)", got.Status, got.Error)
	}
	if len(got.Result.Errors) != 1 {
		t.Fatalf("expected degraded step in errors, got %+v", got.Result.Errors)
	}
	e := got.Result.Errors[0]
	if e.StepID != "notify" || e.Attempts != 2 {
		t.Errorf("unexpected degraded entry: %+v", e)
	}
}

func TestRunExecution_ConditionSkips(t *testing.T) {
	var skippedCalled atomic.Bool
	env := newTestEnv(t, map[string]activity.Handler{
		"gate": okHandler(map[string]any{"publish": false}, nil),
		"publish": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			skippedCalled.Store(true)
			return nil, nil
		},
	}, simpleDef(
		domain.StepDef{ID: "gate", Kind: domain.StepKindActivity, Activity: "gate"},
		domain.StepDef{ID: "publish", Kind: domain.StepKindActivity, Activity: "publish",
			Condition: &domain.Condition{StepID: "gate", OutputKey: "publish", Equals: true},
		},
	))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if skippedCalled.Load() {
		t.Error("handler of skipped step should not run")
	}

	events, _ := env.log.List(context.Background(), exec.RunID)
	foundSkip := false
	for i := range events {
		if events[i].Type != domain.EventActivityCompleted {
			continue
		}
		pl, err := domain.DecodePayload[domain.ActivityCompletedPayload](&events[i])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if pl.StepID == "publish" && pl.Skipped {
			foundSkip = true
		}
	}
	if !foundSkip {
		t.Error("skip should be recorded in the journal")
	}
}

// --- Отмена ---

func TestRunExecution_CancelBeforeStart(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"work": okHandler(nil, nil),
	}, simpleDef(domain.StepDef{ID: "work", Kind: domain.StepKindActivity, Activity: "work"}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	if err := env.store.RequestCancel(context.Background(), "exec-1", "operator"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}

	// После CancelRequested — никаких новых решений
	types := env.eventTypes(t, exec.RunID)
	if countType(types, domain.EventActivityScheduled) != 0 {
		t.Errorf("no ActivityScheduled may follow a cancel, got %v", types)
	}
	if countType(types, domain.EventCancelRequested) != 1 {
		t.Errorf("cancel should be journaled exactly once, got %v", types)
	}
}

func TestRunExecution_CancelBetweenRetries(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, map[string]activity.Handler{
		"flaky": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			// Отмена приходит, пока попытка выполняется
			env.store.RequestCancel(context.Background(), "exec-1", "changed my mind")
			return nil, activity.NewError("HTTP 503")
		},
	}, simpleDef(domain.StepDef{
		ID: "flaky", Kind: domain.StepKindActivity, Activity: "flaky",
		Retry: domain.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond},
	}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	types := env.eventTypes(t, exec.RunID)
	if n := countType(types, domain.EventActivityScheduled); n != 1 {
		t.Errorf("expected 1 attempt before cancel, got %d", n)
	}
}

func TestSignalCancel_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.orch.SignalCancel(context.Background(), "ghost", "why")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

// --- Возобновление и replay ---

func TestRunExecution_ResumesPendingAttempt(t *testing.T) {
	var calls atomic.Int32
	var seenAttempt atomic.Int32
	env := newTestEnv(t, map[string]activity.Handler{
		"work": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			calls.Add(1)
			seenAttempt.Store(int32(inv.Attempt))
			return &domain.ActivityResult{}, nil
		},
	}, simpleDef(domain.StepDef{ID: "work", Kind: domain.StepKindActivity, Activity: "work"}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	exec.MarkRunning()
	if err := env.store.Update(context.Background(), exec); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Журнал оборван посреди попытки: процесс упал между Started
	// и исходом
	seed := []struct {
		typ     domain.EventType
		payload any
	}{
		{domain.EventActivityScheduled, domain.ActivityScheduledPayload{StepID: "work", Activity: "work", Attempt: 1}},
		{domain.EventActivityStarted, domain.ActivityStartedPayload{StepID: "work", Attempt: 1}},
	}
	for _, s := range seed {
		ev, err := domain.NewEvent("exec-1", exec.RunID, s.typ, s.payload)
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		if _, err := env.log.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.Error)
	}
	if calls.Load() != 1 {
		t.Errorf("pending attempt should run exactly once, got %d", calls.Load())
	}
	if seenAttempt.Load() != 1 {
		t.Errorf("resumed attempt should keep its number, got %d", seenAttempt.Load())
	}

	// Повторного ActivityScheduled нет — попытка та же
	types := env.eventTypes(t, exec.RunID)
	if n := countType(types, domain.EventActivityScheduled); n != 1 {
		t.Errorf("expected 1 ActivityScheduled, got %d", n)
	}
	if n := countType(types, domain.EventActivityStarted); n != 2 {
		t.Errorf("expected re-recorded ActivityStarted, got %d", n)
	}
}

func TestRunExecution_ReplayIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, map[string]activity.Handler{
		"work": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			calls.Add(1)
			return &domain.ActivityResult{}, nil
		},
	}, simpleDef(domain.StepDef{ID: "work", Kind: domain.StepKindActivity, Activity: "work"}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	env.run(t, exec.RunID)

	before, _ := env.log.List(context.Background(), exec.RunID)

	// Повторный прогон терминального run'а ничего не меняет
	got := env.run(t, exec.RunID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	after, _ := env.log.List(context.Background(), exec.RunID)
	if len(after) != len(before) {
		t.Errorf("replay must not append events: %d -> %d", len(before), len(after))
	}
	if calls.Load() != 1 {
		t.Errorf("handler must not re-run on replay, got %d calls", calls.Load())
	}
}

func TestRunExecution_SyncsLaggingRecord(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"work": okHandler(nil, nil),
	}, simpleDef(domain.StepDef{ID: "work", Kind: domain.StepKindActivity, Activity: "work"}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	exec.MarkRunning()
	env.store.Update(context.Background(), exec)

	// Журнал терминален, запись execution отстала (падение между
	// append и update)
	ev, _ := domain.NewEvent("exec-1", exec.RunID, domain.EventExecutionCompleted, domain.ExecutionCompletedPayload{
		Status: domain.StatusCompleted,
		Result: &domain.FinalResult{Status: domain.StatusCompleted},
	})
	env.log.Append(context.Background(), ev)

	got := env.run(t, exec.RunID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("record should be synced to the journal, got %s", got.Status)
	}
}

func TestRunExecution_NondeterministicHistory(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"work": okHandler(nil, nil),
	}, simpleDef(domain.StepDef{ID: "work", Kind: domain.StepKindActivity, Activity: "work"}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)

	// Журнал писала другая версия definition
	ev, _ := domain.NewEvent("exec-1", exec.RunID, domain.EventActivityScheduled, domain.ActivityScheduledPayload{
		StepID: "ghost", Activity: "work", Attempt: 1,
	})
	env.log.Append(context.Background(), ev)

	got := env.run(t, exec.RunID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("nondeterministic history should fail the run, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "nondeterminism") {
		t.Errorf("error should mention nondeterminism, got %q", got.Error)
	}
}

// --- Таймауты ---

func TestRunExecution_WatchdogTimesOut(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"slow": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, &domain.PipelineDefinition{
		Ref:     "test.pipeline",
		Timeout: 50 * time.Millisecond,
		Steps: []domain.StepDef{
			{ID: "slow", Kind: domain.StepKindActivity, Activity: "slow"},
		},
	})

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	started := time.Now().Add(-time.Hour)
	exec.Status = domain.StatusRunning
	exec.StartedAt = &started
	env.store.Update(context.Background(), exec)

	got := env.run(t, exec.RunID)
	if got.Status != domain.StatusTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s (%s)", got.Status, got.Error)
	}
}

// --- Fan-out ---

func fanOutDefs(n, concurrency int) (*domain.PipelineDefinition, *domain.PipelineDefinition) {
	inputs := make([]xjson.RawMessage, n)
	for i := range inputs {
		inputs[i] = xjson.RawMessage(`{}`)
	}
	parent := &domain.PipelineDefinition{
		Ref: "test.parent",
		Steps: []domain.StepDef{
			{ID: "spread", Kind: domain.StepKindChild, Child: &domain.ChildCall{
				Ref:         "test.child",
				Inputs:      inputs,
				Concurrency: concurrency,
			}},
		},
	}
	child := &domain.PipelineDefinition{
		Ref: "test.child",
		Steps: []domain.StepDef{
			{ID: "work", Kind: domain.StepKindActivity, Activity: "child_work"},
		},
	}
	return parent, child
}

func TestRunExecution_FanOut(t *testing.T) {
	var running, maxRunning atomic.Int32
	handlers := map[string]activity.Handler{
		"child_work": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			cur := running.Add(1)
			for {
				prev := maxRunning.Load()
				if cur <= prev || maxRunning.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return &domain.ActivityResult{Counters: map[string]int64{"processed": 1}}, nil
		},
	}
	parent, child := fanOutDefs(10, 3)
	env := newTestEnv(t, handlers, parent, child)

	exec := env.createExecution(t, "exec-1", "test.parent", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.Error)
	}
	if got.Result.Counters["processed"] != 10 {
		t.Errorf("expected 10 child results aggregated, got %+v", got.Result.Counters)
	}
	if max := maxRunning.Load(); max > 3 {
		t.Errorf("concurrency limit violated: %d children ran at once", max)
	}

	// Исходы записаны в порядке входов
	events, _ := env.log.List(context.Background(), exec.RunID)
	wantIdx := 0
	for i := range events {
		if events[i].Type != domain.EventChildCompleted && events[i].Type != domain.EventChildFailed {
			continue
		}
		pl, err := domain.DecodePayload[domain.ChildFinishedPayload](&events[i])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if pl.Index != wantIdx {
			t.Fatalf("outcomes out of input order: expected %d, got %d", wantIdx, pl.Index)
		}
		wantIdx++
	}
	if wantIdx != 10 {
		t.Errorf("expected 10 child outcomes, got %d", wantIdx)
	}
}

func TestRunExecution_FanOutPartialFailure(t *testing.T) {
	var n atomic.Int32
	handlers := map[string]activity.Handler{
		"child_work": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			// Каждый второй ребёнок падает
			if n.Add(1)%2 == 0 {
				return nil, activity.NewTerminalError("bad input")
			}
			return &domain.ActivityResult{Counters: map[string]int64{"processed": 1}}, nil
		},
	}
	parent, child := fanOutDefs(4, 0)
	env := newTestEnv(t, handlers, parent, child)

	exec := env.createExecution(t, "exec-1", "test.parent", nil)
	got := env.run(t, exec.RunID)

	// Частичные неудачи не валят родителя
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.Error)
	}
	if got.Result.Counters["processed"] != 2 {
		t.Errorf("expected 2 successful children, got %+v", got.Result.Counters)
	}
	if len(got.Result.Errors) != 2 {
		t.Errorf("expected 2 child errors in summary, got %+v", got.Result.Errors)
	}
	for _, e := range got.Result.Errors {
		if !strings.HasPrefix(e.StepID, "spread[") {
			t.Errorf("child error should carry input index, got %s", e.StepID)
		}
	}
}

func TestRunExecution_FanOutAllFail(t *testing.T) {
	handlers := map[string]activity.Handler{
		"child_work": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			return nil, activity.NewTerminalError("bad input")
		},
	}
	parent, child := fanOutDefs(3, 0)
	env := newTestEnv(t, handlers, parent, child)

	exec := env.createExecution(t, "exec-1", "test.parent", nil)
	got := env.run(t, exec.RunID)

	if got.Status != domain.StatusFailed {
		t.Fatalf("required step with all children failed should fail, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "all child executions failed") {
		t.Errorf("unexpected error: %q", got.Error)
	}
}

func TestRunExecution_FanOutChildIDsDeterministic(t *testing.T) {
	handlers := map[string]activity.Handler{
		"child_work": okHandler(nil, nil),
	}
	parent, child := fanOutDefs(2, 0)
	env := newTestEnv(t, handlers, parent, child)

	exec := env.createExecution(t, "exec-1", "test.parent", nil)
	env.run(t, exec.RunID)

	for _, want := range []string{"exec-1/spread[0]", "exec-1/spread[1]"} {
		if _, err := env.store.GetByExecutionID(context.Background(), want); err != nil {
			t.Errorf("expected child execution %s: %v", want, err)
		}
	}
}

func TestRunExecution_FanOutBatchTimeout(t *testing.T) {
	handlers := map[string]activity.Handler{
		"child_work": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			select {
			case <-time.After(5 * time.Second):
				return &domain.ActivityResult{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	parent := &domain.PipelineDefinition{
		Ref: "test.parent",
		Steps: []domain.StepDef{
			{ID: "spread", Kind: domain.StepKindChild, Optional: true, Child: &domain.ChildCall{
				Ref: "test.child",
				Inputs: []xjson.RawMessage{
					xjson.RawMessage(`{}`), xjson.RawMessage(`{}`), xjson.RawMessage(`{}`),
				},
				Concurrency:  2,
				BatchTimeout: 150 * time.Millisecond,
			}},
		},
	}
	child := &domain.PipelineDefinition{
		Ref: "test.child",
		Steps: []domain.StepDef{
			{ID: "work", Kind: domain.StepKindActivity, Activity: "child_work"},
		},
	}
	env := newTestEnv(t, handlers, parent, child)

	exec := env.createExecution(t, "exec-1", "test.parent", nil)
	got := env.run(t, exec.RunID)

	// Optional-шаг: истёкшая пачка деградирует, а не валит run
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.Error)
	}

	// Каждый вход получает ровно один исход TIMED_OUT, в порядке входов
	events, _ := env.log.List(context.Background(), exec.RunID)
	var outcomes []domain.ChildFinishedPayload
	for i := range events {
		if events[i].Type != domain.EventChildCompleted && events[i].Type != domain.EventChildFailed {
			continue
		}
		pl, err := domain.DecodePayload[domain.ChildFinishedPayload](&events[i])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		outcomes = append(outcomes, pl)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected one outcome per input, got %d", len(outcomes))
	}
	for i, pl := range outcomes {
		if pl.Index != i {
			t.Errorf("outcomes out of input order: expected %d, got %d", i, pl.Index)
		}
		if pl.Outcome.Status != domain.StatusTimedOut {
			t.Errorf("child %d: expected TIMED_OUT, got %s", i, pl.Outcome.Status)
		}
	}

	if len(got.Result.Errors) != 3 {
		t.Errorf("timed out children should surface in the summary, got %+v", got.Result.Errors)
	}
}

func TestRunExecution_FanOutPerChildTimeout(t *testing.T) {
	handlers := map[string]activity.Handler{
		"child_work": func(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
			var in struct {
				Mode string `json:"mode"`
			}
			if err := xjson.Unmarshal(inv.Input, &in); err != nil {
				return nil, activity.NewTerminalError(err.Error())
			}
			if in.Mode == "slow" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &domain.ActivityResult{Counters: map[string]int64{"rendered": 1}}, nil
		},
	}

	parent := &domain.PipelineDefinition{
		Ref: "test.parent",
		Steps: []domain.StepDef{
			{ID: "spread", Kind: domain.StepKindChild, Child: &domain.ChildCall{
				Ref: "test.child",
				Inputs: []xjson.RawMessage{
					xjson.RawMessage(`{"mode":"fast"}`),
					xjson.RawMessage(`{"mode":"slow"}`),
				},
				PerChildTimeout: 150 * time.Millisecond,
			}},
		},
	}
	child := &domain.PipelineDefinition{
		Ref: "test.child",
		Steps: []domain.StepDef{
			{ID: "work", Kind: domain.StepKindActivity, Activity: "child_work"},
		},
	}
	env := newTestEnv(t, handlers, parent, child)

	exec := env.createExecution(t, "exec-1", "test.parent", nil)
	got := env.run(t, exec.RunID)

	// Выживший ребёнок спасает required-шаг
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.Error)
	}
	if got.Result.Counters["rendered"] != 1 {
		t.Errorf("fast child result should be aggregated, got %+v", got.Result.Counters)
	}

	// Зависший ребёнок получает TIMED_OUT по своему дедлайну
	if len(got.Result.Errors) != 1 {
		t.Fatalf("expected one timed out child in the summary, got %+v", got.Result.Errors)
	}
	e := got.Result.Errors[0]
	if e.StepID != "spread[1]" {
		t.Errorf("expected spread[1], got %s", e.StepID)
	}
	if !strings.Contains(e.Error, "deadline") {
		t.Errorf("unexpected child error: %q", e.Error)
	}

	// Зависшему ребёнку выставлен durable-флаг отмены
	slow, err := env.store.GetByExecutionID(context.Background(), "exec-1/spread[1]")
	if err != nil {
		t.Fatalf("get slow child: %v", err)
	}
	if !slow.CancelRequested {
		t.Error("timed out child should be asked to cancel")
	}
}

// --- Каркас StartExecution ---

func TestStartExecution_Duplicate(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"work": okHandler(nil, nil),
	}, simpleDef(domain.StepDef{ID: "work", Kind: domain.StepKindActivity, Activity: "work"}))

	if _, err := env.orch.StartExecution(context.Background(), "exec-1", "test.pipeline", nil); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := env.orch.StartExecution(context.Background(), "exec-1", "test.pipeline", nil)
	if err != nil && !errors.Is(err, repo.ErrDuplicateExecution) {
		t.Errorf("expected ErrDuplicateExecution or nil (already finished), got %v", err)
	}

	env.orch.Stop()
}

func TestStartExecution_UnknownDefinition(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.orch.StartExecution(context.Background(), "exec-1", "ghost", nil)
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestGetResult(t *testing.T) {
	env := newTestEnv(t, map[string]activity.Handler{
		"work": okHandler(nil, map[string]int64{"done": 1}),
	}, simpleDef(domain.StepDef{ID: "work", Kind: domain.StepKindActivity, Activity: "work"}))

	exec := env.createExecution(t, "exec-1", "test.pipeline", nil)
	env.run(t, exec.RunID)

	got, err := env.orch.GetResult(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got.Result == nil || got.Result.Counters["done"] != 1 {
		t.Errorf("expected final summary, got %+v", got.Result)
	}

	if _, err := env.orch.GetResult(context.Background(), "ghost"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}
