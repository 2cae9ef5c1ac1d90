// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - execution.pending   — новый run ожидает выполнения
//   - execution.cancel    — запрос на отмену execution
//   - execution.completed — run завершился (уведомление родителя и планировщика)
//
// Exchanges:
//   - conveyor.executions — события executions
//   - conveyor.dlq        — dead letter queue
//
// Очереди — транспорт для пробуждения, не источник истины: состояние
// всегда восстанавливается из журнала событий, потерянное сообщение
// компенсирует polling fallback оркестратора.
package mq
