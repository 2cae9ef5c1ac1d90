package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/xjson"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPCallInput — вход activity "http_call".
type HTTPCallInput struct {
	// Method — HTTP-метод. Default: GET.
	Method string `json:"method,omitempty"`

	// URL — адрес запроса (обязательно).
	URL string `json:"url"`

	// Headers — HTTP-заголовки.
	Headers map[string]string `json:"headers,omitempty"`

	// Body — тело запроса (сериализуется в JSON).
	Body any `json:"body,omitempty"`

	// TimeoutSec — таймаут запроса в секундах. Default: 30.
	TimeoutSec float64 `json:"timeout_sec,omitempty"`
}

// HTTPCall выполняет HTTP-запрос.
//
// Outputs:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// Ответы 4xx (кроме 408 и 429) — terminal ошибка: повтор не поможет.
// 5xx и сетевые ошибки повторяемы.
func HTTPCall(ctx context.Context, inv *activity.Invocation) (*domain.ActivityResult, error) {
	var input HTTPCallInput
	if err := xjson.Unmarshal(inv.Input, &input); err != nil {
		return nil, activity.NewTerminalError(fmt.Sprintf("decode input: %v", err))
	}
	if input.URL == "" {
		return nil, activity.NewTerminalError("url is required")
	}

	method := input.Method
	if method == "" {
		method = http.MethodGet
	}

	timeout := defaultHTTPTimeout
	if input.TimeoutSec > 0 {
		timeout = time.Duration(input.TimeoutSec * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if input.Body != nil {
		bodyBytes, err := xjson.Marshal(input.Body)
		if err != nil {
			return nil, activity.NewTerminalError(fmt.Sprintf("marshal body: %v", err))
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, input.URL, bodyReader)
	if err != nil {
		return nil, activity.NewTerminalError(fmt.Sprintf("create request: %v", err))
	}
	for key, val := range input.Headers {
		req.Header.Set(key, val)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	// Idempotency key пробрасывается внешнему сервису: повторная попытка
	// billable-вызова может быть дедуплицирована на его стороне.
	if inv.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", inv.IdempotencyKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		errMsg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		if retryableStatus(resp.StatusCode) {
			return nil, activity.NewError(errMsg)
		}
		return nil, activity.NewTerminalError(errMsg)
	}

	return &domain.ActivityResult{
		Outputs:  buildOutputs(resp, respBody),
		Counters: map[string]int64{"http_calls": 1},
	}, nil
}

// retryableStatus возвращает true для статусов, где повтор имеет смысл.
func retryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// buildOutputs формирует outputs из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Парсим body: пробуем JSON, иначе строка.
	var parsedBody any
	if err := xjson.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
