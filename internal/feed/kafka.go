// Package feed bridges the venue's trade events onto Kafka for downstream
// consumers (analytics, surveillance, archival). Strictly best-effort: a
// broker outage drops messages, it never slows the engine.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/events"
)

// Producer wraps a kafka writer for the trade topic.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Producer for the given brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Send publishes one message keyed by symbol, so a partition preserves one
// symbol's trade order.
func (p *Producer) Send(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Subscriber is the slice of the publisher the bridge consumes.
type Subscriber interface {
	Register(id string) *events.Client
	Subscribe(c *events.Client, channel events.Channel, symbol string)
}

// Bridge forwards trade events for a set of symbols to Kafka.
type Bridge struct {
	log      *zap.Logger
	producer *Producer
}

// NewBridge creates a Bridge over an existing producer.
func NewBridge(log *zap.Logger, producer *Producer) *Bridge {
	return &Bridge{log: log.Named("feed"), producer: producer}
}

// Run subscribes to the trade channel for each symbol and forwards events
// until ctx is cancelled or the publisher disconnects the bridge's client.
func (b *Bridge) Run(ctx context.Context, pub Subscriber, symbols []string) {
	client := pub.Register("internal:kafka-feed")
	for _, sym := range symbols {
		pub.Subscribe(client, events.ChannelTrade, sym)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			b.log.Warn("kafka feed disconnected", zap.Error(client.Err()))
			return
		case msg := <-client.C():
			client.Pong()
			b.forward(ctx, msg)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, msg []byte) {
	var probe struct {
		Channel events.Channel `json:"channel"`
		Symbol  string         `json:"symbol"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.Channel != events.ChannelTrade {
		return // ping or non-trade frame
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.producer.Send(sendCtx, []byte(probe.Symbol), msg); err != nil {
		b.log.Error("failed to publish trade to kafka",
			zap.String("symbol", probe.Symbol), zap.Error(err))
	}
}
