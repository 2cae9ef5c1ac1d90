// Package activity содержит реестр и исполнитель activities.
//
// Activity — именованная, повторяемая единица работы с внешним эффектом
// (скрейпинг, генерация, запись). Оркестратор не заглядывает внутрь
// activity: он знает только имя, вход, таймаут и retry-политику.
//
// Реестр закрытый: регистрация заканчивается Seal() на старте процесса,
// definitions валидируются против реестра там же — незарегистрированная
// activity это конфигурационная ошибка, а не ошибка времени выполнения.
//
// Executor выполняет ровно одну попытку с таймаутом. Retry — забота
// движка (engine.NextAttempt), не executor'а.
package activity
