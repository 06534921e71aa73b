package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/aesyros/align/internal/logging"
)

// ChannelStatus is reported to a channel's status callback.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// Phoenix protocol events.
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventSystem          = "system"
	eventPostgresChanges = "postgres_changes"
)

var (
	// ErrNotConnected is returned when writing to a closed realtime socket.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrChannelExists is returned when a topic is joined twice.
	ErrChannelExists = errors.New("realtime: channel already subscribed")
)

// PostgresChangesConfig selects the rows a channel receives.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE, *
	Schema string
	Table  string
	Filter string // Optional filter like "id=eq.1"
}

// PostgresChange is one row change delivered on a channel.
type PostgresChange struct {
	Type            string
	Schema          string
	Table           string
	CommitTimestamp string
	Record          json.RawMessage
	OldRecord       json.RawMessage
}

// ChangeHandler receives row changes.
type ChangeHandler func(PostgresChange)

// StatusHandler receives channel status transitions.
type StatusHandler func(ChannelStatus)

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	URL         string
	APIKey      string
	AccessToken string
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	// JoinTimeout defaults to 10s. A channel without a join reply by then
	// reports TIMED_OUT; a late reply still reports SUBSCRIBED.
	JoinTimeout time.Duration
	// Reconnect spaces out redials after transport loss and defaults to
	// DefaultReconnectBackoff.
	Reconnect *BackoffConfig
	// DisableReconnect drops every channel on transport loss instead.
	DisableReconnect bool
	Dialer           *websocket.Dialer
	Logger           *logging.Logger
}

// RealtimeClient multiplexes postgres_changes channels over one websocket.
// Incoming frames are dispatched from a single reader goroutine, so callbacks
// for a connection run one at a time in transport order. After transport loss
// the client redials with backoff and rejoins the channels it lost.
type RealtimeClient struct {
	cfg     RealtimeConfig
	url     string
	backoff BackoffConfig
	log     *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	channels map[string]*Channel
	// stopReconnect is non-nil while a reconnect loop runs.
	stopReconnect chan struct{}

	writeMu sync.Mutex
	ref     atomic.Int64
}

// Channel is a joined realtime topic.
type Channel struct {
	client   *RealtimeClient
	topic    string
	config   PostgresChangesConfig
	onChange ChangeHandler
	onStatus StatusHandler

	mu       sync.Mutex
	joinRef  string
	timer    *time.Timer
	left     bool
	stale    bool
	lastSeen ChannelStatus
}

// NewRealtimeClient creates a realtime client. The connection is opened on
// the first Subscribe.
func NewRealtimeClient(cfg RealtimeConfig) *RealtimeClient {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	backoff := DefaultReconnectBackoff()
	if cfg.Reconnect != nil {
		backoff = *cfg.Reconnect
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("supabase.realtime")
	}
	return &RealtimeClient{
		cfg:      cfg,
		url:      websocketURL(cfg.URL, cfg.APIKey),
		backoff:  backoff,
		log:      log,
		channels: make(map[string]*Channel),
	}
}

func websocketURL(base, apiKey string) string {
	u := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	return u + "/realtime/v1/websocket?" + q.Encode()
}

// Connect establishes the websocket connection if it is not already open.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked(ctx)
}

func (r *RealtimeClient) connectLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}

	conn, _, err := r.cfg.Dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	r.attachLocked(conn)
	return nil
}

func (r *RealtimeClient) attachLocked(conn *websocket.Conn) {
	r.conn = conn
	r.done = make(chan struct{})

	go r.readLoop(conn, r.done)
	go r.heartbeat(conn, r.done)
}

// Disconnect closes the connection and stops reconnecting. Joined channels
// report nothing further.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	if r.stopReconnect != nil {
		close(r.stopReconnect)
		r.stopReconnect = nil
	}
	for topic, ch := range r.channels {
		ch.markLeft()
		delete(r.channels, topic)
	}
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil
	}
	close(r.done)
	r.conn = nil
	r.mu.Unlock()

	r.writeMu.Lock()
	err := conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()
	conn.Close()
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// Subscribe joins a postgres_changes channel named name. onChange receives
// every row change; onStatus receives SUBSCRIBED, CHANNEL_ERROR, TIMED_OUT
// and CLOSED transitions.
func (r *RealtimeClient) Subscribe(ctx context.Context, name string, cfg PostgresChangesConfig, onChange ChangeHandler, onStatus StatusHandler) (*Channel, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}
	if name == "" {
		name = cfg.Schema + ":" + cfg.Table
		if cfg.Filter != "" {
			name += ":" + cfg.Filter
		}
	}
	if onChange == nil {
		onChange = func(PostgresChange) {}
	}
	if onStatus == nil {
		onStatus = func(ChannelStatus) {}
	}

	ch := &Channel{
		client:   r,
		topic:    "realtime:" + name,
		config:   cfg,
		onChange: onChange,
		onStatus: onStatus,
	}

	r.mu.Lock()
	if err := r.connectLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if _, ok := r.channels[ch.topic]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, ch.topic)
	}
	r.channels[ch.topic] = ch
	conn := r.conn
	r.mu.Unlock()

	if err := r.join(conn, ch); err != nil {
		ch.markLeft()
		r.removeChannel(ch)
		return nil, fmt.Errorf("send join: %w", err)
	}

	return ch, nil
}

// join sends phx_join for ch with a fresh ref and restarts its join timer.
func (r *RealtimeClient) join(conn *websocket.Conn, ch *Channel) error {
	ch.mu.Lock()
	if ch.left {
		ch.mu.Unlock()
		return nil
	}
	ch.joinRef = r.nextRef()
	ch.stale = false
	ch.lastSeen = ""
	if ch.timer != nil {
		ch.timer.Stop()
	}
	ch.timer = time.AfterFunc(r.cfg.JoinTimeout, ch.joinTimedOut)
	ref := ch.joinRef
	ch.mu.Unlock()

	postgresChanges := map[string]any{
		"event":  ch.config.Event,
		"schema": ch.config.Schema,
		"table":  ch.config.Table,
	}
	if ch.config.Filter != "" {
		postgresChanges["filter"] = ch.config.Filter
	}

	token := r.cfg.AccessToken
	if token == "" {
		token = r.cfg.APIKey
	}

	return r.write(conn, message{
		Topic: ch.topic,
		Event: eventJoin,
		Payload: map[string]any{
			"config": map[string]any{
				"broadcast":        map[string]any{"self": false},
				"presence":         map[string]any{"key": ""},
				"postgres_changes": []any{postgresChanges},
			},
			"access_token": token,
		},
		Ref:     ref,
		JoinRef: ref,
	})
}

// Topic returns the channel's Phoenix topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Unsubscribe leaves the channel. Callbacks stop before it returns.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	if !c.markLeft() {
		return nil
	}
	r := c.client
	r.removeChannel(c)

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := r.write(conn, message{
		Topic:   c.topic,
		Event:   eventLeave,
		Payload: map[string]any{},
		Ref:     r.nextRef(),
		JoinRef: c.currentJoinRef(),
	})
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// markLeft reports whether this call performed the transition.
func (c *Channel) markLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return false
	}
	c.left = true
	if c.timer != nil {
		c.timer.Stop()
	}
	return true
}

func (c *Channel) currentJoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

func (c *Channel) joinTimedOut() {
	c.mu.Lock()
	pending := !c.left && c.lastSeen == ""
	c.mu.Unlock()
	if pending {
		c.report(StatusTimedOut)
	}
}

func (c *Channel) markStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func (c *Channel) isStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale && !c.left
}

func (c *Channel) report(status ChannelStatus) {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.lastSeen = status
	if status == StatusSubscribed && c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.onStatus(status)
}

func (c *Channel) deliver(change PostgresChange) {
	c.mu.Lock()
	left := c.left
	c.mu.Unlock()
	if left {
		return
	}
	if c.config.Event != "*" && !strings.EqualFold(c.config.Event, change.Type) {
		return
	}
	c.onChange(change)
}

func (r *RealtimeClient) removeChannel(ch *Channel) {
	r.mu.Lock()
	if r.channels[ch.topic] == ch {
		delete(r.channels, ch.topic)
	}
	r.mu.Unlock()
}

func (r *RealtimeClient) channel(topic string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[topic]
}

func (r *RealtimeClient) nextRef() string {
	return strconv.FormatInt(r.ref.Add(1), 10)
}

type message struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

func (r *RealtimeClient) write(conn *websocket.Conn, msg message) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(msg)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.transportLost(conn, done)
			return
		}
		r.dispatch(raw)
	}
}

// transportLost reports CHANNEL_ERROR on every live channel unless the
// connection was closed on purpose, then starts reconnecting.
func (r *RealtimeClient) transportLost(conn *websocket.Conn, done chan struct{}) {
	select {
	case <-done:
		return
	default:
	}

	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	close(done)
	r.conn = nil
	lost := make([]*Channel, 0, len(r.channels))
	for topic, ch := range r.channels {
		lost = append(lost, ch)
		if r.cfg.DisableReconnect {
			delete(r.channels, topic)
		} else {
			ch.markStale()
		}
	}
	var stop chan struct{}
	if !r.cfg.DisableReconnect && len(lost) > 0 && r.stopReconnect == nil {
		stop = make(chan struct{})
		r.stopReconnect = stop
	}
	r.mu.Unlock()
	conn.Close()

	for _, ch := range lost {
		ch.report(StatusChannelError)
		if r.cfg.DisableReconnect {
			ch.markLeft()
		}
	}
	if stop != nil {
		go r.reconnect(stop)
	}
}

// reconnect redials until it succeeds or stop is closed, then rejoins every
// channel lost with the previous connection.
func (r *RealtimeClient) reconnect(stop chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(r.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, _, err := r.cfg.Dialer.DialContext(ctx, r.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).WithField("attempt", attempt).Warn("realtime reconnect failed")
			continue
		}

		r.mu.Lock()
		if ctx.Err() != nil {
			r.mu.Unlock()
			conn.Close()
			return
		}
		if r.conn == nil {
			r.attachLocked(conn)
		} else {
			// A Subscribe connected first; rejoin on its connection.
			conn.Close()
		}
		current := r.conn
		if r.stopReconnect == stop {
			r.stopReconnect = nil
		}
		stale := make([]*Channel, 0, len(r.channels))
		for _, ch := range r.channels {
			if ch.isStale() {
				stale = append(stale, ch)
			}
		}
		r.mu.Unlock()

		r.log.WithField("channels", len(stale)).Info("realtime reconnected")
		for _, ch := range stale {
			if err := r.join(current, ch); err != nil {
				r.log.WithError(err).WithField("topic", ch.topic).Warn("realtime rejoin failed")
			}
		}
		return
	}
}

func (r *RealtimeClient) dispatch(raw []byte) {
	if !gjson.ValidBytes(raw) {
		return
	}
	frame := gjson.ParseBytes(raw)
	topic := frame.Get("topic").String()
	if topic == "phoenix" {
		return
	}
	ch := r.channel(topic)
	if ch == nil {
		return
	}

	payload := frame.Get("payload")
	switch frame.Get("event").String() {
	case eventReply:
		if frame.Get("ref").String() != ch.currentJoinRef() {
			return
		}
		if payload.Get("status").String() == "ok" {
			ch.report(StatusSubscribed)
		} else {
			ch.report(StatusChannelError)
		}
	case eventSystem:
		if payload.Get("status").String() == "error" {
			ch.report(StatusChannelError)
		}
	case eventError:
		ch.report(StatusChannelError)
	case eventClose:
		ch.report(StatusClosed)
		ch.markLeft()
		r.removeChannel(ch)
	case eventPostgresChanges:
		data := payload.Get("data")
		ch.deliver(PostgresChange{
			Type:            data.Get("type").String(),
			Schema:          data.Get("schema").String(),
			Table:           data.Get("table").String(),
			CommitTimestamp: data.Get("commit_timestamp").String(),
			Record:          rawJSON(data.Get("record")),
			OldRecord:       rawJSON(data.Get("old_record")),
		})
	}
}

func rawJSON(v gjson.Result) json.RawMessage {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(v.Raw)
}

func (r *RealtimeClient) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = r.write(conn, message{
				Topic:   "phoenix",
				Event:   eventHeartbeat,
				Payload: map[string]any{},
				Ref:     r.nextRef(),
			})
		}
	}
}
