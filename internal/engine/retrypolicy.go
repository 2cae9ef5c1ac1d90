package engine

import (
	"math"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

// Decision — решение по итогам неудачной попытки activity.
//
// Либо GiveUp, либо Retry с задержкой Delay перед следующей попыткой.
type Decision struct {
	// GiveUp — попыток больше не будет.
	GiveUp bool

	// Delay — задержка перед следующей попыткой (для GiveUp=false).
	Delay time.Duration
}

// NextAttempt вычисляет решение для неудачной попытки attempt (с 1).
//
// Формула backoff:
//
//	delay = min(InitialInterval * BackoffCoefficient^(attempt-1), MaxInterval)
//
// GiveUp возвращается, когда attempt >= MaxAttempts или handler пометил
// ошибку как terminal. Функция чистая: вызывается движком на каждый
// записанный ActivityFailed и даёт одинаковый ответ на replay.
func NextAttempt(policy domain.RetryPolicy, attempt int, terminal bool) Decision {
	if terminal {
		return Decision{GiveUp: true}
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return Decision{GiveUp: true}
	}

	return Decision{Delay: backoffDelay(policy, attempt)}
}

// backoffDelay вычисляет задержку после попытки attempt.
func backoffDelay(policy domain.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}

	coeff := policy.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}

	delay := time.Duration(float64(initial) * math.Pow(coeff, float64(attempt-1)))
	if delay < initial {
		// Переполнение при больших attempt.
		delay = initial
		if policy.MaxInterval > 0 {
			delay = policy.MaxInterval
		}
	}

	if policy.MaxInterval > 0 && delay > policy.MaxInterval {
		delay = policy.MaxInterval
	}
	return delay
}
