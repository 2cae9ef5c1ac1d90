package engine

import (
	"testing"

	"github.com/shaiso/conveyor/internal/domain"
)

func TestAggregate_MergesCountersAndCost(t *testing.T) {
	def := &domain.PipelineDefinition{
		Ref: "test.pipeline",
		Steps: []domain.StepDef{
			{ID: "a", Kind: domain.StepKindActivity, Activity: "x"},
			{ID: "b", Kind: domain.StepKindActivity, Activity: "y"},
		},
	}
	proj, _ := Project(def, nil)
	proj.Steps["a"].Completed = &domain.ActivityCompletedPayload{
		StepID: "a",
		Result: domain.ActivityResult{
			Outputs:   map[string]any{"id": "42"},
			Counters:  map[string]int64{"created": 2, "synced": 1},
			CostCents: 10,
		},
	}
	proj.Steps["b"].Completed = &domain.ActivityCompletedPayload{
		StepID: "b",
		Result: domain.ActivityResult{
			Counters:  map[string]int64{"created": 3},
			CostCents: 5,
		},
	}

	result := Aggregate(def, proj)

	if result.Counters["created"] != 5 {
		t.Errorf("expected created=5, got %d", result.Counters["created"])
	}
	if result.Counters["synced"] != 1 {
		t.Errorf("expected synced=1, got %d", result.Counters["synced"])
	}
	if result.CostCents != 15 {
		t.Errorf("expected cost 15, got %d", result.CostCents)
	}
	if result.StepOutputs["a"]["id"] != "42" {
		t.Error("step outputs should be preserved")
	}
	if result.HasErrors() {
		t.Errorf("unexpected errors: %+v", result.Errors)
	}
}

func TestAggregate_PartialOnFailure(t *testing.T) {
	// Шаг b не завершился — счётчики шага a всё равно в сводке
	def := &domain.PipelineDefinition{
		Ref: "test.pipeline",
		Steps: []domain.StepDef{
			{ID: "a", Kind: domain.StepKindActivity, Activity: "x"},
			{ID: "b", Kind: domain.StepKindActivity, Activity: "y"},
		},
	}
	proj, _ := Project(def, nil)
	proj.Steps["a"].Completed = &domain.ActivityCompletedPayload{
		StepID: "a",
		Result: domain.ActivityResult{Counters: map[string]int64{"created": 7}},
	}

	result := Aggregate(def, proj)

	if result.Counters["created"] != 7 {
		t.Errorf("partial counters should survive, got %d", result.Counters["created"])
	}
}

func TestAggregate_DegradedStep(t *testing.T) {
	def := &domain.PipelineDefinition{
		Ref: "test.pipeline",
		Steps: []domain.StepDef{
			{ID: "notify", Kind: domain.StepKindActivity, Activity: "x", Optional: true},
		},
	}
	proj, _ := Project(def, nil)
	proj.Steps["notify"].Attempts = 3
	proj.Steps["notify"].Completed = &domain.ActivityCompletedPayload{
		StepID: "notify", Degraded: true, Error: "HTTP 500",
	}

	result := Aggregate(def, proj)

	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(result.Errors))
	}
	e := result.Errors[0]
	if e.StepID != "notify" || e.Error != "HTTP 500" || e.Attempts != 3 {
		t.Errorf("unexpected error entry: %+v", e)
	}
}

func TestAggregate_SkippedStepIgnored(t *testing.T) {
	def := &domain.PipelineDefinition{
		Ref: "test.pipeline",
		Steps: []domain.StepDef{
			{ID: "a", Kind: domain.StepKindActivity, Activity: "x"},
		},
	}
	proj, _ := Project(def, nil)
	proj.Steps["a"].Completed = &domain.ActivityCompletedPayload{StepID: "a", Skipped: true}

	result := Aggregate(def, proj)

	if result.HasErrors() || len(result.Counters) != 0 {
		t.Errorf("skipped step should contribute nothing: %+v", result)
	}
}

func TestAggregate_ChildOutcomes(t *testing.T) {
	def := withChildDef(3)
	proj, _ := Project(def, nil)
	st := proj.Steps["spread"]
	st.ChildOutcomes[0] = domain.ChildOutcome{
		InputRef: 0, Status: domain.StatusCompleted,
		Result: &domain.FinalResult{Counters: map[string]int64{"created": 1}, CostCents: 3},
	}
	st.ChildOutcomes[2] = domain.ChildOutcome{
		InputRef: 2, Status: domain.StatusCompleted,
		Result: &domain.FinalResult{Counters: map[string]int64{"created": 1}},
	}
	st.ChildOutcomes[1] = domain.ChildOutcome{
		InputRef: 1, Status: domain.StatusTimedOut, Error: "child deadline exceeded",
	}

	result := Aggregate(def, proj)

	if result.Counters["created"] != 2 {
		t.Errorf("expected created=2 from children, got %d", result.Counters["created"])
	}
	if result.CostCents != 3 {
		t.Errorf("expected cost 3, got %d", result.CostCents)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 child error, got %d", len(result.Errors))
	}
	if result.Errors[0].StepID != "spread[1]" {
		t.Errorf("child error should carry input index, got %s", result.Errors[0].StepID)
	}
}
