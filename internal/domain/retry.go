package domain

import "time"

// RetryPolicy — политика повторных попыток activity.
//
// Чистый value type: вся логика backoff живёт в engine.NextAttempt.
// Формула задержки перед попыткой n+1:
//
//	delay = min(InitialInterval * BackoffCoefficient^(n-1), MaxInterval)
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	// 0 или 1 — без retry.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// InitialInterval — задержка перед второй попыткой.
	InitialInterval time.Duration `json:"initial_interval,omitempty"`

	// BackoffCoefficient — множитель экспоненциального роста задержки.
	// Значения <= 1 означают фиксированную задержку.
	BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`

	// MaxInterval — потолок задержки. 0 — без потолка.
	MaxInterval time.Duration `json:"max_interval,omitempty"`
}

// IsZero возвращает true, если политика не задана.
func (p RetryPolicy) IsZero() bool {
	return p.MaxAttempts == 0 && p.InitialInterval == 0 &&
		p.BackoffCoefficient == 0 && p.MaxInterval == 0
}
