package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики. Регистрируются в default registry,
// экспортируются через promhttp на /metrics.
var (
	// ExecutionsStarted — запущенные runs по definition.
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "executions_started_total",
		Help:      "Number of pipeline runs started.",
	}, []string{"definition"})

	// ExecutionsFinished — завершённые runs по definition и терминальному статусу.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "executions_finished_total",
		Help:      "Number of pipeline runs finished, by terminal status.",
	}, []string{"definition", "status"})

	// ExecutionDuration — длительность runs от старта до терминального статуса.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conveyor",
		Name:      "execution_duration_seconds",
		Help:      "Pipeline run duration from start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"definition"})

	// ActivityAttempts — попытки activities по имени и исходу.
	ActivityAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "activity_attempts_total",
		Help:      "Number of activity attempts, by outcome (completed, failed, timed_out).",
	}, []string{"activity", "outcome"})

	// ActivityRetries — запланированные повторы activities.
	ActivityRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "activity_retries_total",
		Help:      "Number of activity retries scheduled.",
	}, []string{"activity"})

	// FanOutRunning — дочерние executions, работающие прямо сейчас.
	FanOutRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conveyor",
		Name:      "fanout_children_running",
		Help:      "Number of child executions currently running.",
	})

	// SchedulerTicks — обработанные тики расписаний по исходу
	// (started, skipped, buffered, duplicate).
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "scheduler_ticks_total",
		Help:      "Number of schedule ticks processed, by outcome.",
	}, []string{"outcome"})

	// ReplayNondeterminism — отказы replay из-за расхождения журнала
	// и definition. Ненулевое значение — сигнал о несовместимом деплое.
	ReplayNondeterminism = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "replay_nondeterminism_total",
		Help:      "Number of replays aborted due to history/definition mismatch.",
	})
)
