// Package rabbitmq 基于 RabbitMQ 的导入消息代理。
//
// 主队列带消息 TTL 与最大长度，超时、溢出（drop-head）与拒绝的消息都经
// DLX 进入死信队列。
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"knowledgehub/internal/domain/ingest"
	applog "knowledgehub/internal/platform/log"
)

const attemptHeader = "x-attempt"

// Config 拓扑与消费参数
type Config struct {
	URL           string
	Exchange      string
	Queue         string
	RoutingKey    string
	DLXExchange   string
	DLXQueue      string
	DLXRoutingKey string
	MessageTTL    time.Duration
	MaxLength     int
	Prefetch      int
}

// DefaultConfig 默认拓扑
func DefaultConfig() Config {
	return Config{
		Exchange:      "knowledge.import.exchange",
		Queue:         "knowledge.import.queue",
		RoutingKey:    "knowledge.import.routing.key",
		DLXExchange:   "dlx.exchange",
		DLXQueue:      "dlx.queue",
		DLXRoutingKey: "dlx.routing.key",
		MessageTTL:    24 * time.Hour,
		MaxLength:     10000,
		Prefetch:      4,
	}
}

// Broker 实现 ingest.Broker
type Broker struct {
	cfg  Config
	conn *amqp.Connection

	mu    sync.Mutex
	pubCh *amqp.Channel
}

var _ ingest.Broker = (*Broker)(nil)

// Dial 建立连接并声明拓扑
func Dial(cfg Config) (*Broker, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq: url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	applog.Info("[RabbitMQ] connected",
		"exchange", cfg.Exchange,
		"queue", cfg.Queue,
		"dlq", cfg.DLXQueue,
		"max_length", cfg.MaxLength,
		"ttl", cfg.MessageTTL.String(),
	)
	return &Broker{cfg: cfg, conn: conn, pubCh: ch}, nil
}

// Close 关闭连接
func (b *Broker) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.DLXExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.DLXQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx queue: %w", err)
	}
	if err := ch.QueueBind(cfg.DLXQueue, cfg.DLXRoutingKey, cfg.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlx queue: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, queueArgs(cfg)); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func queueArgs(cfg Config) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    cfg.DLXExchange,
		"x-dead-letter-routing-key": cfg.DLXRoutingKey,
	}
	if cfg.MessageTTL > 0 {
		args["x-message-ttl"] = cfg.MessageTTL.Milliseconds()
	}
	if cfg.MaxLength > 0 {
		args["x-max-length"] = int64(cfg.MaxLength)
	}
	return args
}

// Publish 持久化投递
func (b *Broker) Publish(ctx context.Context, messageID string, body []byte) error {
	return b.publish(ctx, messageID, body, 1)
}

func (b *Broker) publish(ctx context.Context, messageID string, body []byte, attempt int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, b.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", messageID, err)
	}
	return nil
}

// Consume 消费主队列；Retry 以 attempt+1 重新投递后确认原消息，Reject 拒绝且不重回队列
func (b *Broker) Consume(ctx context.Context, handler ingest.Handler) error {
	ch, deliveries, err := b.consume(b.cfg.Queue, "knowledge-import")
	if err != nil {
		return err
	}
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			attempt := attemptOf(d.Headers)
			switch handler(ctx, ingest.Delivery{MessageID: d.MessageId, Body: d.Body, Attempt: attempt}) {
			case ingest.Ack:
				_ = d.Ack(false)
			case ingest.Retry:
				if err := b.publish(ctx, d.MessageId, d.Body, attempt+1); err != nil {
					applog.Warn("[RabbitMQ] retry publish failed, requeueing", "message_id", d.MessageId, "error", err)
					_ = d.Nack(false, true)
					continue
				}
				_ = d.Ack(false)
			default:
				_ = d.Nack(false, false)
			}
		}
	}
}

// ConsumeDeadLetters 消费死信队列；处理失败时稍后重回队列
func (b *Broker) ConsumeDeadLetters(ctx context.Context, handler ingest.DeadLetterFunc) error {
	ch, deliveries, err := b.consume(b.cfg.DLXQueue, "knowledge-import-dlq")
	if err != nil {
		return err
	}
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq: dead letter channel closed")
			}
			reason, queue := deathOf(d.Headers)
			err := handler(ctx, ingest.DeadDelivery{
				MessageID: d.MessageId,
				Body:      d.Body,
				Attempt:   attemptOf(d.Headers),
				Reason:    reason,
				Queue:     queue,
			})
			if err != nil {
				applog.Warn("[RabbitMQ] dead letter handler failed", "message_id", d.MessageId, "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *Broker) consume(queue, consumer string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if b.cfg.Prefetch > 0 {
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("rabbitmq qos: %w", err)
		}
	}
	deliveries, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}
	return ch, deliveries, nil
}

// attemptOf 读取 x-attempt，缺失时视为第一次
func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int8:
		return max(int(v), 1)
	case int16:
		return max(int(v), 1)
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int:
		return max(v, 1)
	default:
		return 1
	}
}

// deathOf 从 x-death 取最近一次死信原因与原队列
func deathOf(h amqp.Table) (reason, queue string) {
	deaths, ok := h["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return "unknown", ""
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return "unknown", ""
	}
	reason, _ = first["reason"].(string)
	queue, _ = first["queue"].(string)
	if reason == "" {
		reason = "unknown"
	}
	return reason, queue
}
