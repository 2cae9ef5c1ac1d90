package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/conveyor/internal/domain"
)

// cronParser — парсер cron-выражений (минутная гранулярность).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CalculateNextRun вычисляет следующее время запуска schedule после from.
// Учитывает timezone schedule; результат в UTC для хранения в БД.
func CalculateNextRun(sched *domain.Schedule, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		// Fallback на UTC если timezone невалидный
		loc = time.UTC
	}

	fromInTz := from.In(loc)

	if sched.IsCron() {
		return calculateNextCron(sched.CronExpr, fromInTz)
	}

	if sched.IsInterval() {
		return fromInTz.Add(time.Duration(sched.IntervalSec) * time.Second).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("schedule has neither cron_expr nor interval_sec")
}

// CalculateInitialNextRun вычисляет первое время запуска нового schedule.
// Для интервальных расписаний OffsetSec сдвигает первый запуск
// относительно создания.
func CalculateInitialNextRun(sched *domain.Schedule, now time.Time) (time.Time, error) {
	if sched.IsInterval() && sched.OffsetSec > 0 {
		return now.Add(time.Duration(sched.OffsetSec) * time.Second).UTC(), nil
	}
	return CalculateNextRun(sched, now)
}

// calculateNextCron вычисляет следующее время по cron-выражению.
func calculateNextCron(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	return schedule.Next(from).UTC(), nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
