package bootstrap

import (
	"fmt"

	"knowledgehub/internal/adapter/broker/rabbitmq"
	"knowledgehub/internal/domain/ingest"
	applog "knowledgehub/internal/platform/log"
)

// openBroker 配置了 AMQP_URL 时连接 RabbitMQ，否则使用进程内代理（单机部署）
func (a *App) openBroker() error {
	b := a.Config.Broker
	if b.URL == "" {
		a.Broker = ingest.NewMemoryBroker(ingest.MemoryBrokerConfig{
			MessageTTL: b.MessageTTL(),
			MaxLength:  b.MaxLength,
		})
		applog.Info("ℹ️  No AMQP_URL set, using in-process import queue")
		return nil
	}

	broker, err := rabbitmq.Dial(rabbitmq.Config{
		URL:           b.URL,
		Exchange:      b.Exchange,
		Queue:         b.Queue,
		RoutingKey:    b.RoutingKey,
		DLXExchange:   b.DLXExchange,
		DLXQueue:      b.DLXQueue,
		DLXRoutingKey: b.DLXRoutingKey,
		MessageTTL:    b.MessageTTL(),
		MaxLength:     b.MaxLength,
		Prefetch:      b.Prefetch,
	})
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	a.closers = append(a.closers, broker.Close)
	a.Broker = broker
	applog.Info("✅ Connected to RabbitMQ", "queue", b.Queue, "dlq", b.DLXQueue)
	return nil
}
