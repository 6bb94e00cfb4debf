package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// KafkaSink writes each event to a topic keyed by the event name.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Name), Value: b})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

// RedisSink publishes each event on channel <prefix><event>.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "market:"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Deliver(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.prefix+ev.Name, b).Err()
}

// AMQPSink publishes to a durable topic exchange, routing key = event name.
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.PublishWithContext(ctx, a.exchange, ev.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.At,
		Body:        body,
	})
}

func (a *AMQPSink) Close() error {
	_ = a.ch.Close()
	return a.conn.Close()
}

// WebhookSink POSTs each event as JSON to an HTTP endpoint.
type WebhookSink struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookSink(endpoint string) *WebhookSink {
	return &WebhookSink{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
