// Package xjson — единая точка JSON-сериализации.
//
// Оборачивает goccy/go-json, чтобы можно было переключиться обратно
// на encoding/json в одном месте, не трогая вызывающий код.
package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// Marshal сериализует значение в JSON.
func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

// Unmarshal десериализует JSON в значение.
func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// RawMessage совместим с encoding/json.RawMessage.
type RawMessage = stdjson.RawMessage
