package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitChannel is the durable, at-least-once event channel. Messages are
// published persistent to a durable queue and acknowledged only after the
// handler succeeds; handler errors nack with requeue.
type RabbitChannel struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitChannel dials the broker and declares the durable failure queue.
func NewRabbitChannel(url, queue string) (*RabbitChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &RabbitChannel{conn: conn, ch: ch, queue: queue}, nil
}

func (r *RabbitChannel) PublishTransferFailed(ctx context.Context, event TransferFailedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transfer failed event: %w", err)
	}

	err = r.ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish transfer failed event: %w", err)
	}
	return nil
}

func (r *RabbitChannel) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := r.ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", r.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for queue %s", r.queue)
			}

			var event TransferFailedEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				// A malformed event can never succeed; drop it instead of
				// requeueing forever.
				zap.L().Error("dropping malformed transfer failed event", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}

			if err := handler(ctx, event); err != nil {
				zap.L().Warn("transfer failed event handler errored, requeueing",
					zap.String("transfer_group_id", event.TransferGroupID.String()),
					zap.Error(err),
				)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitChannel) Close() error {
	if err := r.ch.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
