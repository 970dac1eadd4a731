package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/feeledger/pkg/ledger"
)

const (
	// ChannelEvents carries every committed ledger event
	ChannelEvents = "events"
	// accountPrefix channels carry events that touch one account
	accountPrefix = "account:"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// AccountChannel is the channel name for events touching addr
func AccountChannel(addr common.Address) string {
	return accountPrefix + addr.Hex()
}

// normalizeChannel canonicalizes the address part of account channels
func normalizeChannel(ch string) (string, bool) {
	if ch == ChannelEvents {
		return ch, true
	}
	if rest, ok := strings.CutPrefix(ch, accountPrefix); ok && common.IsHexAddress(rest) {
		return AccountChannel(common.HexToAddress(rest)), true
	}
	return "", false
}

// Hub maintains active WebSocket connections and fans ledger events out to them
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes registrations until ctx is done, then closes every client.
// Registrations attempted after that fail instead of blocking.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", zap.String("client", client.id), zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.String("client", client.id), zap.Int("total", n))
		}
	}
}

// add hands c to Run. It reports false once the hub has stopped.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// remove hands c to Run for cleanup; after shutdown Run already closed it
func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishEvent broadcasts ev on the events channel and on the channel of
// every account it touches. It never blocks on slow clients.
func (h *Hub) PublishEvent(ev ledger.Event) {
	h.BroadcastToChannel(ChannelEvents, ev.Type, ev)

	touched := map[common.Address]bool{ev.Account: true}
	if fill, ok := ev.Data.(ledger.FillEvent); ok {
		touched[fill.Maker] = true
		touched[fill.Taker] = true
		if fill.Referrer != nil {
			touched[*fill.Referrer] = true
		}
	}
	for addr := range touched {
		h.BroadcastToChannel(AccountChannel(addr), ev.Type, ev)
	}
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel, typ string, data interface{}) {
	message, err := json.Marshal(WSMessage{Type: typ, Channel: channel, Data: data})
	if err != nil {
		h.log.Error("marshal error", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
				// Buffer full, skip this client
			}
		}
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

// readPump handles subscription requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", zap.String("client", c.id), zap.Error(err))
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debug("invalid message", zap.String("client", c.id), zap.Error(err))
			continue
		}

		for _, raw := range req.Channels {
			channel, ok := normalizeChannel(raw)
			if !ok {
				c.hub.log.Debug("unknown channel", zap.String("client", c.id), zap.String("channel", raw))
				continue
			}
			switch req.Op {
			case "subscribe":
				c.Subscribe(channel)
			case "unsubscribe":
				c.Unsubscribe(channel)
			}
		}
		ack, _ := json.Marshal(WSMessage{Type: req.Op, Data: req.Channels})
		c.hub.sendTo(c, ack)
	}
}

// sendTo queues message for c if it is still registered. send is only closed
// under h.mu, so holding the read lock makes the send safe.
func (h *Hub) sendTo(c *Client, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	if !client.hub.add(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
