package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/conveyor/internal/xjson"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeExecutionPending   MessageType = "execution.pending"
	MessageTypeExecutionCancel    MessageType = "execution.cancel"
	MessageTypeExecutionCompleted MessageType = "execution.completed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionPendingPayload — payload для сообщения о новом run.
type ExecutionPendingPayload struct {
	ExecutionID string    `json:"execution_id"`
	RunID       uuid.UUID `json:"run_id"`
}

// CancelPayload — payload для запроса отмены execution.
type CancelPayload struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// ExecutionCompletedPayload — payload для сообщения о завершённом run.
type ExecutionCompletedPayload struct {
	ExecutionID string    `json:"execution_id"`
	RunID       uuid.UUID `json:"run_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := xjson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishExecutionPending публикует событие о новом run, ожидающем
// выполнения. Потребитель: Orchestrator.
func (p *Publisher) PublishExecutionPending(ctx context.Context, executionID string, runID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionPending,
		Payload:   ExecutionPendingPayload{ExecutionID: executionID, RunID: runID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeyPending, msg)
}

// PublishCancel публикует запрос на отмену execution.
// Потребитель: Orchestrator.
func (p *Publisher) PublishCancel(ctx context.Context, executionID, reason string) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionCancel,
		Payload:   CancelPayload{ExecutionID: executionID, Reason: reason},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeyCancel, msg)
}

// PublishExecutionCompleted публикует событие о завершённом run.
// Потребитель: Orchestrator (fan-in родителя).
func (p *Publisher) PublishExecutionCompleted(ctx context.Context, payload ExecutionCompletedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionCompleted,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeyCompleted, msg)
}
