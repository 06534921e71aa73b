package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeRealtime runs script against every accepted socket.
func fakeRealtime(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" || r.URL.Query().Get("apikey") != "anon" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readFrame(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}

func reply(conn *websocket.Conn, topic, ref, status string) error {
	return conn.WriteJSON(map[string]any{
		"topic":   topic,
		"event":   "phx_reply",
		"ref":     ref,
		"payload": map[string]any{"status": status, "response": map[string]any{}},
	})
}

func insert(conn *websocket.Conn, topic, kind string, record map[string]any) error {
	return conn.WriteJSON(map[string]any{
		"topic": topic,
		"event": "postgres_changes",
		"ref":   nil,
		"payload": map[string]any{
			"ids": []int{1},
			"data": map[string]any{
				"type":             kind,
				"schema":           "public",
				"table":            "notifications",
				"commit_timestamp": "2026-10-19T10:00:00Z",
				"record":           record,
				"old_record":       nil,
			},
		},
	})
}

func waitStatus(t *testing.T, ch <-chan ChannelStatus) ChannelStatus {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no status reported")
		return ""
	}
}

func TestWebsocketURL(t *testing.T) {
	got := websocketURL("https://abc.supabase.co/", "key")
	want := "wss://abc.supabase.co/realtime/v1/websocket?apikey=key&vsn=1.0.0"
	if got != want {
		t.Errorf("websocketURL() = %q, want %q", got, want)
	}
}

func TestRealtime_JoinAndReceiveInsert(t *testing.T) {
	joined := make(chan gjson.Result, 1)
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		join := readFrame(t, conn)
		joined <- join
		topic := join.Get("topic").String()
		if err := reply(conn, topic, join.Get("ref").String(), "ok"); err != nil {
			return
		}
		_ = insert(conn, topic, "UPDATE", map[string]any{"id": "skip"})
		_ = insert(conn, topic, "INSERT", map[string]any{"id": "n1", "title": "T"})
		readFrame(t, conn)
	})

	rc := NewRealtimeClient(RealtimeConfig{URL: srv.URL, APIKey: "anon", AccessToken: "user-jwt"})
	defer rc.Disconnect()

	statuses := make(chan ChannelStatus, 4)
	changes := make(chan PostgresChange, 4)
	ch, err := rc.Subscribe(context.Background(), "notifications-align",
		PostgresChangesConfig{Event: "INSERT", Table: "notifications", Filter: "target_app=eq.align"},
		func(c PostgresChange) { changes <- c },
		func(s ChannelStatus) { statuses <- s },
	)
	require.NoError(t, err)
	assert.Equal(t, "realtime:notifications-align", ch.Topic())

	join := <-joined
	assert.Equal(t, "phx_join", join.Get("event").String())
	assert.Equal(t, "user-jwt", join.Get("payload.access_token").String())
	pc := join.Get("payload.config.postgres_changes.0")
	assert.Equal(t, "INSERT", pc.Get("event").String())
	assert.Equal(t, "public", pc.Get("schema").String())
	assert.Equal(t, "target_app=eq.align", pc.Get("filter").String())

	assert.Equal(t, StatusSubscribed, waitStatus(t, statuses))

	select {
	case c := <-changes:
		assert.Equal(t, "INSERT", c.Type)
		assert.Equal(t, "n1", gjson.GetBytes(c.Record, "id").String())
		assert.Nil(t, c.OldRecord)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	assert.Len(t, changes, 0)
}

func TestRealtime_JoinErrorReply(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		join := readFrame(t, conn)
		_ = reply(conn, join.Get("topic").String(), join.Get("ref").String(), "error")
		readFrame(t, conn)
	})

	rc := NewRealtimeClient(RealtimeConfig{URL: srv.URL, APIKey: "anon"})
	defer rc.Disconnect()

	statuses := make(chan ChannelStatus, 2)
	_, err := rc.Subscribe(context.Background(), "", PostgresChangesConfig{Table: "activity_logs"},
		nil, func(s ChannelStatus) { statuses <- s })
	require.NoError(t, err)

	assert.Equal(t, StatusChannelError, waitStatus(t, statuses))
}

func TestRealtime_JoinTimeout(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rc := NewRealtimeClient(RealtimeConfig{URL: srv.URL, APIKey: "anon", JoinTimeout: 30 * time.Millisecond})
	defer rc.Disconnect()

	statuses := make(chan ChannelStatus, 2)
	_, err := rc.Subscribe(context.Background(), "slow", PostgresChangesConfig{Table: "drive_projects"},
		nil, func(s ChannelStatus) { statuses <- s })
	require.NoError(t, err)

	assert.Equal(t, StatusTimedOut, waitStatus(t, statuses))
}

func TestRealtime_TransportLoss(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		join := readFrame(t, conn)
		_ = reply(conn, join.Get("topic").String(), join.Get("ref").String(), "ok")
	})

	rc := NewRealtimeClient(RealtimeConfig{URL: srv.URL, APIKey: "anon", DisableReconnect: true})
	defer rc.Disconnect()

	statuses := make(chan ChannelStatus, 4)
	_, err := rc.Subscribe(context.Background(), "lossy", PostgresChangesConfig{Table: "notifications"},
		nil, func(s ChannelStatus) { statuses <- s })
	require.NoError(t, err)

	assert.Equal(t, StatusSubscribed, waitStatus(t, statuses))
	assert.Equal(t, StatusChannelError, waitStatus(t, statuses))
	assert.Nil(t, rc.channel("realtime:lossy"))
}

func TestRealtime_ReconnectRejoinsChannels(t *testing.T) {
	var conns atomic.Int32
	firstRef := make(chan string, 1)
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		join := readFrame(t, conn)
		topic := join.Get("topic").String()
		ref := join.Get("ref").String()
		if conns.Add(1) == 1 {
			firstRef <- ref
			_ = reply(conn, topic, ref, "ok")
			return
		}
		if ref == <-firstRef {
			return
		}
		_ = reply(conn, topic, ref, "ok")
		_ = insert(conn, topic, "INSERT", map[string]any{"id": "after-reconnect"})
		readFrame(t, conn)
	})

	rc := NewRealtimeClient(RealtimeConfig{
		URL:       srv.URL,
		APIKey:    "anon",
		Reconnect: &BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	})
	defer rc.Disconnect()

	statuses := make(chan ChannelStatus, 8)
	changes := make(chan PostgresChange, 2)
	_, err := rc.Subscribe(context.Background(), "resilient", PostgresChangesConfig{Event: "*", Table: "notifications"},
		func(c PostgresChange) { changes <- c },
		func(s ChannelStatus) { statuses <- s })
	require.NoError(t, err)

	assert.Equal(t, StatusSubscribed, waitStatus(t, statuses))
	assert.Equal(t, StatusChannelError, waitStatus(t, statuses))
	assert.Equal(t, StatusSubscribed, waitStatus(t, statuses))

	select {
	case c := <-changes:
		assert.Equal(t, "after-reconnect", gjson.GetBytes(c.Record, "id").String())
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered after reconnect")
	}
	assert.Equal(t, int32(2), conns.Load())
}

func TestRealtime_DisconnectStopsReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		conns.Add(1)
		join := readFrame(t, conn)
		_ = reply(conn, join.Get("topic").String(), join.Get("ref").String(), "ok")
	})

	rc := NewRealtimeClient(RealtimeConfig{
		URL:       srv.URL,
		APIKey:    "anon",
		Reconnect: &BackoffConfig{Initial: 100 * time.Millisecond},
	})

	statuses := make(chan ChannelStatus, 4)
	_, err := rc.Subscribe(context.Background(), "quitter", PostgresChangesConfig{Table: "notifications"},
		nil, func(s ChannelStatus) { statuses <- s })
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, waitStatus(t, statuses))
	assert.Equal(t, StatusChannelError, waitStatus(t, statuses))

	require.NoError(t, rc.Disconnect())
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())
	assert.Nil(t, rc.channel("realtime:quitter"))
}

func TestRealtime_DuplicateTopic(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rc := NewRealtimeClient(RealtimeConfig{URL: srv.URL, APIKey: "anon"})
	defer rc.Disconnect()

	cfg := PostgresChangesConfig{Table: "notifications"}
	_, err := rc.Subscribe(context.Background(), "dup", cfg, nil, nil)
	require.NoError(t, err)
	_, err = rc.Subscribe(context.Background(), "dup", cfg, nil, nil)
	assert.ErrorIs(t, err, ErrChannelExists)
}

func TestRealtime_UnsubscribeSendsLeave(t *testing.T) {
	leave := make(chan gjson.Result, 1)
	srv := fakeRealtime(t, func(conn *websocket.Conn) {
		join := readFrame(t, conn)
		_ = reply(conn, join.Get("topic").String(), join.Get("ref").String(), "ok")
		for {
			f := readFrame(t, conn)
			if !f.Exists() {
				return
			}
			if f.Get("event").String() == "phx_leave" {
				leave <- f
			}
		}
	})

	rc := NewRealtimeClient(RealtimeConfig{URL: srv.URL, APIKey: "anon"})
	defer rc.Disconnect()

	statuses := make(chan ChannelStatus, 2)
	ch, err := rc.Subscribe(context.Background(), "bye", PostgresChangesConfig{Table: "notifications"},
		nil, func(s ChannelStatus) { statuses <- s })
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, waitStatus(t, statuses))

	require.NoError(t, ch.Unsubscribe(context.Background()))
	require.NoError(t, ch.Unsubscribe(context.Background()))

	select {
	case f := <-leave:
		assert.True(t, strings.HasSuffix(f.Get("topic").String(), ":bye"))
	case <-time.After(2 * time.Second):
		t.Fatal("phx_leave not sent")
	}
}
