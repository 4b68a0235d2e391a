package bridge

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Handler receives the lifecycle and inbound events of every connection.
// OnEvent is called from the connection's read goroutine, one event at a time.
type Handler interface {
	OnOpen(conn *Conn, query url.Values)
	OnEvent(conn *Conn, event string, data gjson.Result)
	OnClose(conn *Conn)
}

type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type Option func(*Hub)

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.pingInterval = d
		h.pongWait = d * 2
	}
}

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// Hub upgrades HTTP requests to websocket connections and tracks them.
type Hub struct {
	handler      Handler
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration
	readLimit    int64
	sendBuffer   int

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub(handler Handler, opts ...Option) *Hub {
	h := &Hub{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: 25 * time.Second,
		pongWait:     50 * time.Second,
		writeWait:    10 * time.Second,
		readLimit:    64 << 10,
		sendBuffer:   64,
		conns:        make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade from %v failed: %v", r.RemoteAddr, err)
		return
	}
	c := &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		hub:  h,
		send:  make(chan []byte, h.sendBuffer),
		done:  make(chan struct{}),
		leave: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	log.Debugf("bridge connection %v opened from %v", c.id, r.RemoteAddr)

	h.handler.OnOpen(c, r.URL.Query())
	go c.writePump()
	go c.readPump()
}

// Get returns a live connection by id.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stop closes every connection.
func (h *Hub) Stop() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// Conn is one browser connection. Emit is safe for concurrent use.
type Conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	leaveOnce sync.Once
	leave     chan struct{}
}

func (c *Conn) ID() string {
	return c.id
}

// Emit queues an {"event","data"} envelope for the browser.
func (c *Conn) Emit(event string, payload interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}
	msg, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return errors.Wrapf(err, "marshal %v", event)
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- msg:
		return nil
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

// Kick sends a last event and closes the connection once it is written.
func (c *Conn) Kick(event string, payload interface{}) {
	if err := c.Emit(event, payload); err != nil {
		c.Close()
		return
	}
	c.leaveOnce.Do(func() { close(c.leave) })
}

// Close ends the connection. The handler's OnClose runs once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.hub.remove(c)
		_ = c.ws.Close()
		c.hub.handler.OnClose(c)
		log.Debugf("bridge connection %v closed", c.id)
	})
}

func (c *Conn) readPump() {
	defer c.Close()
	c.ws.SetReadLimit(c.hub.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("bridge connection %v read: %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		if typ != websocket.TextMessage || !gjson.ValidBytes(msg) {
			continue
		}
		event := gjson.GetBytes(msg, "event")
		if event.Type != gjson.String || event.String() == "" {
			continue
		}
		c.hub.handler.OnEvent(c, event.String(), gjson.GetBytes(msg, "data"))
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.hub.writeWait))
			return
		case <-c.leave:
			if c.flush() == nil {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.hub.writeWait))
			}
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// flush writes what is still queued.
func (c *Conn) flush() error {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
