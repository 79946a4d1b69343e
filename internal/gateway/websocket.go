package gateway

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/events"
)

// wsConn serialises writes; the write pump and the read side's acks share
// the connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// clientMessage is anything a websocket subscriber may send.
type clientMessage struct {
	Op      string `json:"op"` // subscribe | unsubscribe | pong | replay
	Channel string `json:"channel,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	From    uint64 `json:"from,omitempty"` // replay: first sequence wanted
}

// streamEndpoint serves one websocket subscriber: registers it with the
// publisher, pumps outbound events, and consumes subscribe/unsubscribe/pong
// messages until the connection drops or the publisher disconnects it.
func (s *Server) streamEndpoint(raw *websocket.Conn) {
	conn := &wsConn{conn: raw}
	client := s.pub.Register(uuid.NewString())
	defer s.pub.Disconnect(client)

	s.log.Debug("websocket connected", zap.String("client", client.ID()),
		zap.String("remote", raw.RemoteAddr().String()))

	// Write pump. Exits when the publisher closes the client (slow consumer,
	// heartbeat timeout, shutdown) or the connection breaks.
	go func() {
		defer raw.Close()
		for {
			select {
			case msg := <-client.C():
				if err := conn.write(msg); err != nil {
					s.pub.Disconnect(client)
					return
				}
			case <-client.Done():
				if reason := client.Err(); reason != nil {
					payload, _ := json.Marshal(map[string]string{"type": "disconnect", "reason": reason.Error()})
					_ = conn.write(payload)
				}
				return
			}
		}
	}()

	// Read pump, on the handler goroutine the way the fiber websocket
	// wrapper expects.
	for {
		_, frame, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket closed unexpectedly", zap.String("client", client.ID()), zap.Error(err))
			}
			return
		}
		// Any inbound frame proves the peer is alive.
		client.Pong()

		var msg clientMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.writeError(conn, "malformed message")
			continue
		}
		s.handleClientMessage(conn, client, &msg)
	}
}

func (s *Server) handleClientMessage(conn *wsConn, client *events.Client, msg *clientMessage) {
	switch msg.Op {
	case "pong":
		// Already counted by the read pump.

	case "subscribe", "unsubscribe":
		channel := events.Channel(strings.ToLower(msg.Channel))
		symbol := strings.ToUpper(msg.Symbol)
		if !channel.Valid() {
			s.writeError(conn, "unknown channel "+msg.Channel)
			return
		}
		if _, err := s.registry.Resolve(symbol); err != nil {
			s.writeError(conn, "unknown symbol "+msg.Symbol)
			return
		}
		if msg.Op == "subscribe" {
			s.pub.Subscribe(client, channel, symbol)
		} else {
			s.pub.Unsubscribe(client, channel, symbol)
		}
		ack, _ := json.Marshal(map[string]string{
			"type": msg.Op + "d", "channel": string(channel), "symbol": symbol,
		})
		_ = conn.write(ack)

	case "replay":
		if s.journal == nil {
			s.writeError(conn, "replay unavailable")
			return
		}
		channel := events.Channel(strings.ToLower(msg.Channel))
		symbol := strings.ToUpper(msg.Symbol)
		if !channel.Valid() {
			s.writeError(conn, "unknown channel "+msg.Channel)
			return
		}
		// Replayed events go straight to the connection from this goroutine
		// while the write pump keeps delivering live events, so the two can
		// interleave on the wire; every event carries its seq.
		err := s.journal.ReplayFrom(channel, symbol, msg.From, func(seq uint64, payload []byte) bool {
			return conn.write(payload) == nil
		})
		if err != nil {
			s.log.Error("journal replay failed", zap.String("channel", string(channel)),
				zap.String("symbol", symbol), zap.Error(err))
			s.writeError(conn, "replay failed")
		}

	default:
		s.writeError(conn, "unknown op "+msg.Op)
	}
}

func (s *Server) writeError(conn *wsConn, detail string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "error": detail})
	_ = conn.write(payload)
}
