package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSlowConsumer is the disconnect reason for a client whose outbound queue
// overflowed. The engine is never blocked on a slow subscriber.
var ErrSlowConsumer = errors.New("slow consumer")

// ErrHeartbeatTimeout is the disconnect reason for a client that missed a
// full heartbeat interval.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// Journal persists published events so subscribers can replay missed
// sequences after a reconnect.
type Journal interface {
	Append(channel Channel, symbol string, seq uint64, payload []byte) error
	LastSeq(channel Channel, symbol string) (uint64, error)
}

type subKey struct {
	channel Channel
	symbol  string
}

// Client is one connected subscriber. The transport layer drains C and feeds
// pongs back through Pong.
type Client struct {
	id   string
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	reason error
	alive  bool
}

// ID returns the client identifier assigned at registration.
func (c *Client) ID() string { return c.id }

// C is the client's outbound queue.
func (c *Client) C() <-chan []byte { return c.send }

// Done is closed when the publisher disconnects the client.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the disconnect reason, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Pong marks the client alive for the current heartbeat interval.
func (c *Client) Pong() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

func (c *Client) close(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reason = reason
	close(c.done)
	return true
}

// Publisher fans order, trade and depth events out to subscribers keyed by
// (channel, symbol). Delivery is best-effort ordered: per key, events are
// written to each subscriber in emission order; a full client queue
// disconnects that client rather than blocking the caller.
type Publisher struct {
	log       *zap.Logger
	journal   Journal // optional
	queueSize int
	heartbeat time.Duration

	mu      sync.RWMutex
	clients map[string]*Client
	subs    map[subKey]map[*Client]struct{}
	seqs    map[subKey]uint64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithQueueSize overrides the per-client outbound queue capacity (default 1024).
func WithQueueSize(n int) Option {
	return func(p *Publisher) { p.queueSize = n }
}

// WithHeartbeat overrides the ping interval (default 30s).
func WithHeartbeat(d time.Duration) Option {
	return func(p *Publisher) { p.heartbeat = d }
}

// WithJournal attaches an event journal for resync support.
func WithJournal(j Journal) Option {
	return func(p *Publisher) { p.journal = j }
}

// NewPublisher creates a Publisher.
func NewPublisher(log *zap.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		log:       log.Named("events"),
		queueSize: 1024,
		heartbeat: 30 * time.Second,
		clients:   make(map[string]*Client),
		subs:      make(map[subKey]map[*Client]struct{}),
		seqs:      make(map[subKey]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a client and returns its handle.
func (p *Publisher) Register(id string) *Client {
	c := &Client{
		id:    id,
		send:  make(chan []byte, p.queueSize),
		done:  make(chan struct{}),
		alive: true,
	}

	p.mu.Lock()
	p.clients[id] = c
	p.mu.Unlock()

	p.log.Debug("client registered", zap.String("client", id))
	return c
}

// Subscribe adds a (channel, symbol) subscription for the client.
func (p *Publisher) Subscribe(c *Client, channel Channel, symbol string) {
	k := subKey{channel, symbol}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[k]; !ok {
		p.subs[k] = make(map[*Client]struct{})
	}
	p.subs[k][c] = struct{}{}
}

// Unsubscribe removes a (channel, symbol) subscription for the client.
func (p *Publisher) Unsubscribe(c *Client, channel Channel, symbol string) {
	k := subKey{channel, symbol}

	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.subs[k]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(p.subs, k)
		}
	}
}

// Disconnect removes the client and all its subscriptions.
func (p *Publisher) Disconnect(c *Client) {
	p.disconnect(c, nil)
}

func (p *Publisher) disconnect(c *Client, reason error) {
	if !c.close(reason) {
		return // already gone
	}

	p.mu.Lock()
	delete(p.clients, c.id)
	for k, set := range p.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(p.subs, k)
		}
	}
	p.mu.Unlock()

	if reason != nil {
		p.log.Warn("client disconnected", zap.String("client", c.id), zap.Error(reason))
	} else {
		p.log.Debug("client disconnected", zap.String("client", c.id))
	}
}

// Publish serialises the payload and delivers it to every current subscriber
// of (channel, symbol). Journal or marshal failures are logged and swallowed;
// they never propagate back into the engine.
func (p *Publisher) Publish(channel Channel, symbol string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		p.log.Error("failed to marshal event payload",
			zap.String("channel", string(channel)), zap.String("symbol", symbol), zap.Error(err))
		return
	}

	k := subKey{channel, symbol}

	p.mu.Lock()
	seq, ok := p.seqs[k]
	if !ok && p.journal != nil {
		if last, err := p.journal.LastSeq(channel, symbol); err == nil {
			seq = last
		}
	}
	seq++
	p.seqs[k] = seq

	// Copy the subscriber set at this instant; delivery happens outside the lock.
	targets := make([]*Client, 0, len(p.subs[k]))
	for c := range p.subs[k] {
		targets = append(targets, c)
	}
	p.mu.Unlock()

	ev := Event{Channel: channel, Symbol: symbol, Seq: seq, Data: raw, Timestamp: time.Now().UTC()}
	msg, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to marshal event envelope", zap.Error(err))
		return
	}

	if p.journal != nil {
		if err := p.journal.Append(channel, symbol, seq, msg); err != nil {
			p.log.Error("failed to journal event",
				zap.String("channel", string(channel)), zap.String("symbol", symbol),
				zap.Uint64("seq", seq), zap.Error(err))
		}
	}

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			// Queue full; drop the client, not the event stream.
			p.disconnect(c, ErrSlowConsumer)
		}
	}
}

// Run drives the heartbeat loop until ctx is cancelled. Each interval every
// client gets a ping; a client that did not pong since the previous interval
// is terminated.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			clients := make([]*Client, 0, len(p.clients))
			for _, c := range p.clients {
				clients = append(clients, c)
			}
			p.mu.RUnlock()

			for _, c := range clients {
				c.mu.Lock()
				alive := c.alive
				c.alive = false
				c.mu.Unlock()

				if !alive {
					p.disconnect(c, ErrHeartbeatTimeout)
					continue
				}
				select {
				case c.send <- ping:
				default:
					p.disconnect(c, ErrSlowConsumer)
				}
			}
		}
	}
}

// Close disconnects every client. Called on shutdown after the engine drained.
func (p *Publisher) Close() {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		p.disconnect(c, nil)
	}
}
