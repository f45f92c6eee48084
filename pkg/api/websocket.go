package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/papertrade/papertrade/pkg/feed"
	"github.com/papertrade/papertrade/pkg/ledger"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub maintains active sessions and their principal bindings. Market
// updates fan out to every session; account updates go only to sessions
// joined as that principal.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu  sync.RWMutex
	log *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logger,
	}
}

// Run starts the hub's registration loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("session_connected", "session", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("session_disconnected", "session", client.id, "total", total)
		}
	}
}

// PublishMarket implements feed.Publisher: broadcast one consistent
// price/candle pair to every connected session.
func (h *Hub) PublishMarket(u feed.Update) {
	h.send(PriceUpdate{Type: "price-update", Symbol: u.Symbol, Price: u.Price, Candle: u.Candle},
		func(*Client) bool { return true })
}

// NotifyAccount delivers an account snapshot to the owning session(s) only.
func (h *Hub) NotifyAccount(id string, snap ledger.Snapshot) {
	h.send(PortfolioUpdate{Type: "portfolio-update", Account: snap},
		func(c *Client) bool { return c.Principal() == id })
}

func (h *Hub) send(data interface{}, match func(*Client) bool) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !match(client) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Buffer full, skip this client
		}
	}
}

// Client is one WebSocket session, optionally bound to a principal.
type Client struct {
	hub  *Hub
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	id   string

	principalMu sync.RWMutex
	principal   string
}

// Principal returns the account id this session joined as, "" if none.
func (c *Client) Principal() string {
	c.principalMu.RLock()
	defer c.principalMu.RUnlock()
	return c.principal
}

func (c *Client) bind(principal string) {
	c.principalMu.Lock()
	c.principal = principal
	c.principalMu.Unlock()
}

// sendJSON queues a message for this session only.
func (c *Client) sendJSON(data interface{}) {
	message, err := json.Marshal(data)
	if err != nil {
		c.hub.log.Errorw("ws_marshal_failed", "err", err)
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// readPump pumps messages from the WebSocket connection to the server
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				c.hub.log.Warnw("ws_read_error", "session", c.id, "err", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warnw("ws_invalid_message", "session", c.id, "err", err)
			continue
		}

		switch msg.Op {
		case "join":
			c.srv.handleJoin(c, msg.Principal)
		case "trade":
			c.srv.handleTrade(c, msg)
		default:
			c.hub.log.Warnw("ws_unknown_op", "session", c.id, "op", msg.Op)
		}
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to current write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		srv:  s,
		conn: conn,
		send: make(chan []byte, 256),
		id:   conn.RemoteAddr().String(),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
