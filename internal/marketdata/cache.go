// Package marketdata keeps a live view of last trade prices and depth
// snapshots, fed from the engine's event stream, and mirrors it into Redis
// for the read-heavy surfaces that should not touch the engine.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/events"
	"github.com/user/minivenue/internal/models"
)

const cacheTTL = 24 * time.Hour

// Subscriber is the slice of the publisher the cache consumes.
type Subscriber interface {
	Register(id string) *events.Client
	Subscribe(c *events.Client, channel events.Channel, symbol string)
}

// Cache consumes trade and depth events. Last trade prices are kept in memory
// and, like depth snapshots, mirrored to Redis when a client is set; depth
// snapshots are not kept in memory.
type Cache struct {
	log *zap.Logger
	rdb *redis.Client // nil disables the Redis mirror

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewCache creates a Cache. rdb may be nil: last prices are then kept in
// memory only and depth events are ignored.
func NewCache(log *zap.Logger, rdb *redis.Client) *Cache {
	return &Cache{
		log:    log.Named("marketdata"),
		rdb:    rdb,
		prices: make(map[string]decimal.Decimal),
	}
}

// Run subscribes to trade and depth events for the given symbols and
// consumes them until ctx is cancelled or the publisher disconnects its client.
func (c *Cache) Run(ctx context.Context, pub Subscriber, symbols []string) {
	client := pub.Register("internal:marketdata")
	for _, sym := range symbols {
		pub.Subscribe(client, events.ChannelTrade, sym)
		pub.Subscribe(client, events.ChannelDepth, sym)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			c.log.Warn("marketdata feed disconnected", zap.Error(client.Err()))
			return
		case msg := <-client.C():
			// Any received frame counts as liveness, pings included.
			client.Pong()
			c.consume(ctx, msg)
		}
	}
}

func (c *Cache) consume(ctx context.Context, msg []byte) {
	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Channel == "" {
		return // ping or malformed frame
	}

	switch ev.Channel {
	case events.ChannelTrade:
		var trade models.Trade
		if err := json.Unmarshal(ev.Data, &trade); err != nil {
			c.log.Error("bad trade payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.prices[ev.Symbol] = trade.Price
		c.mu.Unlock()

		if c.rdb != nil {
			if err := c.rdb.Set(ctx, tickerKey(ev.Symbol), trade.Price.String(), cacheTTL).Err(); err != nil {
				c.log.Error("failed to cache last price", zap.String("symbol", ev.Symbol), zap.Error(err))
			}
		}
	case events.ChannelDepth:
		if c.rdb != nil {
			if err := c.rdb.Set(ctx, depthKey(ev.Symbol), []byte(ev.Data), cacheTTL).Err(); err != nil {
				c.log.Error("failed to cache depth", zap.String("symbol", ev.Symbol), zap.Error(err))
			}
		}
	}
}

func tickerKey(symbol string) string { return fmt.Sprintf("ticker:%s", symbol) }
func depthKey(symbol string) string  { return fmt.Sprintf("depth:%s", symbol) }

// LastPrice returns the most recent trade price for a symbol.
func (c *Cache) LastPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	return p, ok
}

// LastPrices returns a copy of all tracked last prices.
func (c *Cache) LastPrices() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}
