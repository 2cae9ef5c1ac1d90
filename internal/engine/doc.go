// Package engine содержит чистую логику принятия решений оркестратора.
//
// Включает:
//   - retrypolicy.go — вычисление backoff/give-up для неудачной попытки
//   - projection.go  — свёртка журнала событий в состояние execution (replay)
//   - aggregate.go   — слияние результатов шагов в итоговую сводку
//   - validate.go    — валидация PipelineDefinition при старте
//
// Пакет не имеет состояния и побочных эффектов: никакого I/O, часов
// и случайности. Одинаковый префикс журнала всегда даёт одинаковое
// следующее решение — на этом держится детерминизм replay.
package engine
