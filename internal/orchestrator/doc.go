// Package orchestrator управляет выполнением pipeline executions.
//
// Orchestrator отвечает за:
//   - Приём новых executions (API, очередь RabbitMQ, polling fallback)
//   - Захват владения журналом run'а (единственный писатель)
//   - Replay журнала событий и продолжение с первого незаписанного решения
//   - Выполнение activities через executor с retry по политике шага
//   - Fan-out дочерних executions и сбор их исходов
//   - Финализацию execution и итоговую сводку
//
// Все решения движка детерминированы относительно журнала: после
// рестарта replay того же префикса событий приводит оркестратор
// в то же состояние, из которого он продолжает вживую.
package orchestrator
