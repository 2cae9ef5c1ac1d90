// Package builtin содержит встроенные activities общего назначения.
//
// Типы:
//   - http_call — HTTP-запрос к внешнему сервису
//   - delay     — ожидание заданного времени
//   - transform — pass-through входных данных в outputs
//
// Прикладные activities регистрируются рядом с ними в main
// конкретного сервиса.
package builtin
