package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aesyros/align/internal/logging"
	"github.com/aesyros/align/internal/metrics"
	"github.com/aesyros/align/internal/sharedstate"
	"github.com/aesyros/align/internal/views"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
	feedReadLimit  = 4096
	feedBuffer     = 16
)

// Feed message types.
const (
	FeedBell       = "bell"
	FeedConnection = "connection"
)

// Commands a feed client may send.
const (
	FeedMarkRead = "mark_read"
	FeedClear    = "clear"
)

// FeedMessage is one frame pushed to feed clients.
type FeedMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// FeedCommand is one frame received from a feed client.
type FeedCommand struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// feedHub pushes the full bell and connection views to every websocket
// client whenever the store changes. Each frame is a complete view, so a
// client only ever needs the latest one.
type feedHub struct {
	bell     *views.Bell
	conn     *views.ConnectionIndicator
	now      func() time.Time
	log      *logging.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
	stops   []func()
}

func newFeedHub(store *sharedstate.Store, bell *views.Bell, conn *views.ConnectionIndicator, checkOrigin func(*http.Request) bool, now func() time.Time, log *logging.Logger, m *metrics.Metrics) *feedHub {
	h := &feedHub{
		bell:    bell,
		conn:    conn,
		now:     now,
		log:     log,
		metrics: m,
		clients: make(map[*feedClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
	h.stops = []func(){
		store.Subscribe(sharedstate.SliceNotifications, func() { h.broadcast(h.bellMessage) }),
		store.Subscribe(sharedstate.SliceConnection, func() { h.broadcast(h.connectionMessage) }),
	}
	return h
}

func (h *feedHub) bellMessage() FeedMessage {
	return FeedMessage{Type: FeedBell, Data: h.bell.View(h.now())}
}

func (h *feedHub) connectionMessage() FeedMessage {
	return FeedMessage{Type: FeedConnection, Data: h.conn.View()}
}

// broadcast builds the message under the hub lock so frames reach every
// client in the order the store changed.
func (h *feedHub) broadcast(build func() FeedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(build())
	if err != nil {
		h.log.WithError(err).Error("encode feed message")
		return
	}
	for c := range h.clients {
		h.enqueueLocked(c, data)
	}
}

// enqueueLocked drops a client whose buffer is full.
func (h *feedHub) enqueueLocked(c *feedClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("feed client too slow, disconnecting")
		h.dropLocked(c)
	}
}

func (h *feedHub) dropLocked(c *feedClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.FeedClientDisconnected()
}

func (h *feedHub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		WriteError(w, http.StatusServiceUnavailable, "feed is shutting down")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.WithContext(r.Context()).WithError(err).Debug("feed upgrade failed")
		return
	}

	c := &feedClient{conn: ws, send: make(chan []byte, feedBuffer)}
	if !h.register(c) {
		ws.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// register adds c and queues the current views as its first frames.
func (h *feedHub) register(c *feedClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.FeedClientConnected()

	for _, build := range []func() FeedMessage{h.bellMessage, h.connectionMessage} {
		data, err := json.Marshal(build())
		if err != nil {
			h.log.WithError(err).Error("encode feed message")
			continue
		}
		h.enqueueLocked(c, data)
	}
	return true
}

func (h *feedHub) unregister(c *feedClient) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *feedHub) readPump(c *feedClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(feedReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	for {
		var cmd FeedCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("feed client read failed")
			}
			return
		}
		switch cmd.Type {
		case FeedMarkRead:
			h.bell.Click(cmd.ID)
		case FeedClear:
			h.bell.ClearAll()
		default:
			h.log.WithField("type", cmd.Type).Debug("unknown feed command")
		}
	}
}

func (h *feedHub) writePump(c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close stops watching the store and disconnects every client.
func (h *feedHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	stops := h.stops
	h.stops = nil
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}
