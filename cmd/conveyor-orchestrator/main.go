// Conveyor Orchestrator — ведёт выполнение executions.
//
// Orchestrator:
//   - Получает новые executions из RabbitMQ
//   - Захватывает владение журналом run'а и восстанавливает состояние replay'ем
//   - Выполняет шаги пайплайна: activities с retry, fan-out, условия
//   - Финализирует runs и публикует итоговую сводку
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/builtin"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/orchestrator"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Создаём репозитории
	eventRepo := repo.NewEventRepo(pool)
	execRepo := repo.NewExecutionRepo(pool)

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err = mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		// Создаём топологию
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Реестр activities: встроенные + Seal
	registry := activity.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		logger.Error("failed to register activities", "error", err)
		os.Exit(1)
	}
	registry.Seal()
	logger.Info("activities registered", "activities", registry.Names())

	executor := activity.NewExecutor(activity.ExecutorConfig{
		Registry:     registry,
		Env:          activityEnv(),
		BillableRate: billableRate(logger),
		Logger:       logger,
	})

	// Реестр pipeline definitions
	defs := orchestrator.NewDefinitionSet()
	if err := registerDefinitions(defs, registry); err != nil {
		logger.Error("failed to register definitions", "error", err)
		os.Exit(1)
	}

	// Создаём orchestrator
	orch := orchestrator.New(orchestrator.Config{
		EventLog:    eventRepo,
		Store:       execRepo,
		Definitions: defs,
		Executor:    executor,
		Publisher:   publisher,
		Conn:        mqConn,
		Logger:      logger,
	})

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("ORCH_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем orchestrator
	orch.Stop()
	logger.Info("conveyor-orchestrator stopped")
}

// activityEnv собирает снимок конфигурации для handler'ов.
func activityEnv() activity.Env {
	return activity.NewEnv(map[string]string{
		"api_base_url": os.Getenv("API_BASE_URL"),
		"api_token":    os.Getenv("API_TOKEN"),
	})
}

// billableRate читает ограничение частоты billable-вызовов (BILLABLE_RPS).
// 0 — без ограничения.
func billableRate(logger *slog.Logger) rate.Limit {
	v := os.Getenv("BILLABLE_RPS")
	if v == "" {
		return 0
	}
	rps, err := strconv.ParseFloat(v, 64)
	if err != nil || rps < 0 {
		logger.Warn("invalid BILLABLE_RPS, rate limit disabled", "value", v)
		return 0
	}
	return rate.Limit(rps)
}
