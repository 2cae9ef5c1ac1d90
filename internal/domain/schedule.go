package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/xjson"
)

// Schedule — расписание автоматического запуска пайплайна.
//
// Schedule запускает пайплайн:
//   - По cron-выражению: "0 9 * * *" (каждый день в 9:00)
//   - По интервалу с начальным сдвигом: каждые N секунд
//
// Scheduler проверяет next_run_at и создаёт execution, когда время
// подошло. ExecutionID выводится детерминированно из (schedule_id, тик):
// после рестарта scheduler'а повторная обработка того же тика упирается
// в инвариант уникальности ExecutionID и не создаёт дубликат.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID uuid.UUID `json:"id"`

	// Name — имя расписания для удобства.
	Name string `json:"name,omitempty"`

	// PipelineRef — definition, который нужно запускать.
	PipelineRef string `json:"pipeline_ref"`

	// CronExpr — cron-выражение. Если задано, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между запусками.
	IntervalSec int `json:"interval_sec,omitempty"`

	// OffsetSec — сдвиг первого интервального запуска от создания.
	OffsetSec int `json:"offset_sec,omitempty"`

	// Timezone — часовой пояс для вычисления времени cron.
	// По умолчанию: "UTC".
	Timezone string `json:"timezone"`

	// OverlapPolicy — поведение при тике, пока предыдущий run жив.
	OverlapPolicy OverlapPolicy `json:"overlap_policy"`

	// State — ACTIVE или PAUSED.
	State ScheduleState `json:"state"`

	// InputTemplate — входные данные каждого созданного execution.
	InputTemplate xjson.RawMessage `json:"input_template,omitempty"`

	// NextRunAt — время следующего запуска.
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastExecutionID — ExecutionID последнего созданного execution.
	LastExecutionID string `json:"last_execution_id,omitempty"`

	// LastSkippedAt — время последнего тика, пропущенного по OverlapSkip.
	// Информационное поле (ScheduleOverlapSkipped — не ошибка).
	LastSkippedAt *time.Time `json:"last_skipped_at,omitempty"`

	// BufferedTick — отложенный тик для OverlapBufferOne.
	// Хранится ровно один: более поздний тик вытесняет более ранний.
	BufferedTick *time.Time `json:"buffered_tick,omitempty"`

	// CreatedAt — время создания schedule.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if s.State != ScheduleActive {
		return false
	}
	if s.NextRunAt == nil {
		return false
	}
	return now.After(*s.NextRunAt) || now.Equal(*s.NextRunAt)
}

// ExecutionIDForTick выводит детерминированный ExecutionID для тика.
// Один и тот же тик всегда даёт один и тот же ID — на этом построена
// идемпотентность запуска после рестарта scheduler'а.
func (s *Schedule) ExecutionIDForTick(tick time.Time) string {
	return fmt.Sprintf("%s@%d", s.ID, tick.UTC().Unix())
}

// RecordRun записывает информацию о запуске.
func (s *Schedule) RecordRun(executionID string, nextRun time.Time) {
	now := time.Now()
	s.LastRunAt = &now
	s.LastExecutionID = executionID
	s.NextRunAt = &nextRun
	s.BufferedTick = nil
	s.UpdatedAt = now
}

// RecordSkip записывает пропуск тика (OverlapSkip).
func (s *Schedule) RecordSkip(tick, nextRun time.Time) {
	now := time.Now()
	s.LastSkippedAt = &tick
	s.NextRunAt = &nextRun
	s.UpdatedAt = now
}

// RecordBuffer откладывает тик (OverlapBufferOne).
func (s *Schedule) RecordBuffer(tick, nextRun time.Time) {
	s.BufferedTick = &tick
	s.NextRunAt = &nextRun
	s.UpdatedAt = time.Now()
}
