package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/activity"
	"github.com/shaiso/conveyor/internal/xjson"
)

// --- http_call Tests ---

func TestHTTPCall_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	input, _ := xjson.Marshal(map[string]any{"url": server.URL})
	result, err := HTTPCall(context.Background(), &activity.Invocation{Input: input})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Outputs["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", result.Outputs["status_code"])
	}
	headers, ok := result.Outputs["headers"].(map[string]string)
	if !ok {
		t.Fatal("headers should be map[string]string")
	}
	if headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", headers["X-Custom"])
	}
	body, ok := result.Outputs["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", result.Outputs["body"])
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
	if result.Counters["http_calls"] != 1 {
		t.Errorf("expected http_calls counter, got %v", result.Counters)
	}
}

func TestHTTPCall_POST_WithBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType string
	var receivedIdempotencyKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedIdempotencyKey = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	input, _ := xjson.Marshal(map[string]any{
		"method": "POST",
		"url":    server.URL,
		"body":   map[string]any{"name": "test"},
	})
	result, err := HTTPCall(context.Background(), &activity.Invocation{
		Input:          input,
		IdempotencyKey: "exec-1/upload",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedBody["name"] != "test" {
		t.Errorf("server should receive body, got %v", receivedBody)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if receivedIdempotencyKey != "exec-1/upload" {
		t.Errorf("idempotency key should be forwarded, got %q", receivedIdempotencyKey)
	}
	if result.Outputs["status_code"] != http.StatusCreated {
		t.Errorf("expected status 201, got %v", result.Outputs["status_code"])
	}
}

func TestHTTPCall_ServerErrorRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "internal"}`))
	}))
	defer server.Close()

	input, _ := xjson.Marshal(map[string]any{"url": server.URL})
	_, err := HTTPCall(context.Background(), &activity.Invocation{Input: input})
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if activity.IsTerminal(err) {
		t.Error("5xx should be retryable")
	}
}

func TestHTTPCall_ClientErrorTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	input, _ := xjson.Marshal(map[string]any{"url": server.URL})
	_, err := HTTPCall(context.Background(), &activity.Invocation{Input: input})
	if !activity.IsTerminal(err) {
		t.Errorf("422 should be terminal, got %v", err)
	}
}

func TestHTTPCall_TooManyRequestsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	input, _ := xjson.Marshal(map[string]any{"url": server.URL})
	_, err := HTTPCall(context.Background(), &activity.Invocation{Input: input})
	if err == nil || activity.IsTerminal(err) {
		t.Errorf("429 should be retryable, got %v", err)
	}
}

func TestHTTPCall_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	input, _ := xjson.Marshal(map[string]any{"url": server.URL, "timeout_sec": 0.1})
	_, err := HTTPCall(context.Background(), &activity.Invocation{Input: input})
	if err == nil {
		t.Error("expected error for timeout")
	}
}

func TestHTTPCall_MissingURL(t *testing.T) {
	input, _ := xjson.Marshal(map[string]any{"method": "GET"})
	_, err := HTTPCall(context.Background(), &activity.Invocation{Input: input})
	if !activity.IsTerminal(err) {
		t.Errorf("missing url is a configuration error, got %v", err)
	}
}

// --- delay Tests ---

func TestDelay_Success(t *testing.T) {
	input, _ := xjson.Marshal(map[string]any{"duration_sec": 0.05})

	start := time.Now()
	result, err := Delay(context.Background(), &activity.Invocation{Input: input})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs["delayed_sec"] != 0.05 {
		t.Errorf("expected delayed_sec=0.05, got %v", result.Outputs["delayed_sec"])
	}
	if elapsed < 40*time.Millisecond {
		t.Error("should have waited at least 40ms")
	}
}

func TestDelay_ContextCancel(t *testing.T) {
	input, _ := xjson.Marshal(map[string]any{"duration_sec": 10.0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Delay(ctx, &activity.Invocation{Input: input}); err == nil {
		t.Error("expected context canceled error")
	}
}

// --- transform Tests ---

func TestTransform_PassThrough(t *testing.T) {
	input, _ := xjson.Marshal(map[string]any{"key1": "value1", "key2": 42})

	result, err := Transform(context.Background(), &activity.Invocation{Input: input})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs["key1"] != "value1" {
		t.Errorf("expected key1=value1, got %v", result.Outputs["key1"])
	}
	if result.Outputs["key2"] != float64(42) {
		t.Errorf("expected key2=42, got %v", result.Outputs["key2"])
	}
}

func TestTransform_EmptyInput(t *testing.T) {
	result, err := Transform(context.Background(), &activity.Invocation{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outputs == nil || len(result.Outputs) != 0 {
		t.Errorf("expected empty outputs, got %v", result.Outputs)
	}
}

// --- Register Tests ---

func TestRegister(t *testing.T) {
	r := activity.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"http_call", "delay", "transform"} {
		if !r.Has(name) {
			t.Errorf("expected %s to be registered", name)
		}
	}
}
