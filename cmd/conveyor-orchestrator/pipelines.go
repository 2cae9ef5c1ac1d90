package main

import (
	"fmt"
	"time"

	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/orchestrator"
	"github.com/shaiso/conveyor/internal/xjson"
)

// registerDefinitions регистрирует pipeline definitions процесса.
//
// Definitions — часть деплоя: фиксируются на старте и не меняются,
// пока процесс жив. Незавершённые runs после рестарта продолжаются
// по тем же definitions.
func registerDefinitions(defs *orchestrator.DefinitionSet, registry *activity.Registry) error {
	all := []*domain.PipelineDefinition{
		publishArticle(),
		renderVariant(),
	}

	for _, def := range all {
		if err := registry.ValidateDefinition(def); err != nil {
			return fmt.Errorf("definition %s: %w", def.Ref, err)
		}
		if err := defs.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// publishArticle — основной пайплайн публикации статьи.
func publishArticle() *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Ref:     "content.publish-article",
		Timeout: 30 * time.Minute,
		Steps: []domain.StepDef{
			{
				ID:       "fetch_source",
				Kind:     domain.StepKindActivity,
				Activity: "http_call",
				Input:    xjson.RawMessage(`{"url": "http://localhost:8080/api/articles/source", "timeout_sec": 15}`),
				Timeout:  20 * time.Second,
				Retry: domain.RetryPolicy{
					MaxAttempts:        5,
					InitialInterval:    2 * time.Second,
					BackoffCoefficient: 2.0,
					MaxInterval:        time.Minute,
				},
			},
			{
				ID:       "prepare",
				Kind:     domain.StepKindActivity,
				Activity: "transform",
				Input:    xjson.RawMessage(`{"format": "markdown", "publish": true}`),
			},
			{
				ID:   "render_variants",
				Kind: domain.StepKindChild,
				Condition: &domain.Condition{
					StepID:    "prepare",
					OutputKey: "publish",
					Equals:    true,
				},
				Child: &domain.ChildCall{
					Ref: "content.render-variant",
					Inputs: []xjson.RawMessage{
						xjson.RawMessage(`{"variant": "web"}`),
						xjson.RawMessage(`{"variant": "amp"}`),
						xjson.RawMessage(`{"variant": "rss"}`),
					},
					Concurrency:     2,
					PerChildTimeout: 5 * time.Minute,
					BatchTimeout:    15 * time.Minute,
				},
			},
			{
				ID:       "notify",
				Kind:     domain.StepKindActivity,
				Optional: true,
				Activity: "http_call",
				Input:    xjson.RawMessage(`{"method": "POST", "url": "http://localhost:8080/api/notifications", "body": {"event": "article.published"}}`),
				Retry: domain.RetryPolicy{
					MaxAttempts:        3,
					InitialInterval:    time.Second,
					BackoffCoefficient: 2.0,
				},
			},
		},
	}
}

// renderVariant — дочерний пайплайн рендера одного варианта.
func renderVariant() *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Ref:     "content.render-variant",
		Timeout: 5 * time.Minute,
		Steps: []domain.StepDef{
			{
				ID:       "render",
				Kind:     domain.StepKindActivity,
				Activity: "transform",
			},
			{
				ID:               "upload",
				Kind:             domain.StepKindActivity,
				Activity:         "http_call",
				Input:            xjson.RawMessage(`{"method": "PUT", "url": "http://localhost:8080/api/cdn/upload"}`),
				IdempotencyKeyed: true,
				Retry: domain.RetryPolicy{
					MaxAttempts:        4,
					InitialInterval:    time.Second,
					BackoffCoefficient: 2.0,
					MaxInterval:        30 * time.Second,
				},
			},
		},
	}
}
