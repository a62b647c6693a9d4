package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockledger/pkg/app/core/history"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub tracks live WebSocket clients so they can be closed on shutdown.
// Fan-out itself happens in the quote Broadcaster: each client owns one
// subscription.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	log     *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Infow("ws_client_connected", "client", c.id, "total", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.Infow("ws_client_disconnected", "client", c.id, "total", n)
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

// Client represents a WebSocket connection
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	id     string

	quotes *quote.Subscription

	// ltp:{id} filters; none means every instrument
	mu     sync.Mutex
	ltp    map[string]bool
	orders map[string]func() // orders:{userID} -> cancel
}

// shutdown is idempotent and safe from any goroutine
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.quotes.Close()
		c.mu.Lock()
		for ch, cancel := range c.orders {
			cancel()
			delete(c.orders, ch)
		}
		c.mu.Unlock()
		c.conn.Close()
		c.server.hub.unregister(c)
	})
}

// enqueue hands a message to the write pump. A client whose queue is full
// is disconnected rather than waited on.
func (c *Client) enqueue(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.server.log.Warnw("ws_marshal_failed", "err", err)
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.server.log.Warnw("ws_client_too_slow", "client", c.id)
		c.shutdown()
	}
}

func (c *Client) wantsLTP(instrumentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ltp) == 0 || c.ltp[instrumentID]
}

// forwardQuotes relays the client's broadcaster subscription
func (c *Client) forwardQuotes() {
	for ev := range c.quotes.C() {
		if !c.wantsLTP(ev.InstrumentID) {
			continue
		}
		c.enqueue(LTPUpdate{
			Type:                 "ltp_update",
			InstrumentIdentifier: ev.InstrumentID,
			LastTradePrice:       ev.Price,
			Timestamp:            ev.Timestamp.UnixMilli(),
		})
	}
	if c.quotes.Shed() {
		c.server.log.Warnw("ws_client_shed", "client", c.id)
	}
	c.shutdown()
}

func (c *Client) forwardOrders(ch <-chan history.Order) {
	for o := range ch {
		c.enqueue(OrderUpdate{Type: "order_update", Order: orderInfo(o)})
	}
}

// subscribe reports whether channel is a known channel and is now active
func (c *Client) subscribe(channel string) bool {
	kind, arg, ok := strings.Cut(channel, ":")
	if !ok || arg == "" {
		c.server.log.Debugw("ws_unknown_channel", "client", c.id, "channel", channel)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	switch kind {
	case "ltp":
		c.ltp[arg] = true
	case "orders":
		if _, exists := c.orders[arg]; exists {
			return true
		}
		ch, cancel := c.server.app.Orders.Subscribe(arg)
		c.orders[arg] = cancel
		go c.forwardOrders(ch)
	default:
		c.server.log.Debugw("ws_unknown_channel", "client", c.id, "channel", channel)
		return false
	}
	c.server.log.Debugw("ws_subscribed", "client", c.id, "channel", channel)
	return true
}

func (c *Client) unsubscribe(channel string) {
	kind, arg, _ := strings.Cut(channel, ":")

	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case "ltp":
		delete(c.ltp, arg)
	case "orders":
		if cancel, ok := c.orders[arg]; ok {
			cancel()
			delete(c.orders, arg)
		}
	}
}

// readPump handles subscription requests until the connection drops
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Debugw("ws_read_error", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.server.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			active := make([]string, 0, len(req.Channels))
			for _, channel := range req.Channels {
				if c.subscribe(channel) {
					active = append(active, channel)
				}
			}
			c.enqueue(WSAck{Type: "subscribed", Channels: active})
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.unsubscribe(channel)
			}
			c.enqueue(WSAck{Type: "unsubscribed", Channels: req.Channels})
		default:
			c.server.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump is the only goroutine writing to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		id:     conn.RemoteAddr().String(),
		quotes: s.app.Broadcaster.Subscribe(),
		ltp:    make(map[string]bool),
		orders: make(map[string]func()),
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
	go client.forwardQuotes()
}
