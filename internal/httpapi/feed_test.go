package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aesyros/align/internal/sharedstate"
	"github.com/aesyros/align/internal/views"
)

type feedFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialFeed(t *testing.T, f *fixture, header http.Header) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/feed"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn, ts
}

// nextBell reads frames until a bell frame satisfying pred arrives.
func nextBell(t *testing.T, conn *websocket.Conn, pred func(views.BellView) bool) views.BellView {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var frame feedFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type != FeedBell {
			continue
		}
		var bell views.BellView
		require.NoError(t, json.Unmarshal(frame.Data, &bell))
		if pred(bell) {
			return bell
		}
	}
}

func TestFeed_InitialFrames(t *testing.T) {
	f := newFixture(t, sharedstate.AppAlign, nil, nil)
	conn, _ := dialFeed(t, f, nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second feedFrame
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, FeedBell, first.Type)
	assert.Equal(t, FeedConnection, second.Type)

	var cv views.ConnectionView
	require.NoError(t, json.Unmarshal(second.Data, &cv))
	assert.True(t, cv.Live)
}

func TestFeed_PushesBellUpdatesAndAcceptsCommands(t *testing.T) {
	f := newFixture(t, sharedstate.AppAlign, nil, nil)
	conn, _ := dialFeed(t, f, nil)
	nextBell(t, conn, func(views.BellView) bool { return true })

	n := f.store.AddNotification(sharedstate.NotificationInput{
		Type:  sharedstate.NotificationProjectMilestone,
		Title: "Launch reached",
	})
	bell := nextBell(t, conn, func(b views.BellView) bool { return b.UnreadCount == 1 })
	require.Len(t, bell.Items, 1)
	assert.Equal(t, "Launch reached", bell.Items[0].Title)
	assert.Equal(t, "orange", bell.Items[0].Accent)

	require.NoError(t, conn.WriteJSON(FeedCommand{Type: FeedMarkRead, ID: n.ID}))
	nextBell(t, conn, func(b views.BellView) bool { return b.UnreadCount == 0 && len(b.Items) == 1 })
	assert.Equal(t, 0, f.store.UnreadCount())

	require.NoError(t, conn.WriteJSON(FeedCommand{Type: FeedClear}))
	bell = nextBell(t, conn, func(b views.BellView) bool { return len(b.Items) == 0 })
	assert.Equal(t, views.EmptyInboxText, bell.EmptyText)
}

func TestFeed_PushesConnectionChanges(t *testing.T) {
	f := newFixture(t, sharedstate.AppAlign, nil, nil)
	conn, _ := dialFeed(t, f, nil)

	f.store.SetConnectionStatus(sharedstate.Disconnected)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var frame feedFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type != FeedConnection {
			continue
		}
		var cv views.ConnectionView
		require.NoError(t, json.Unmarshal(frame.Data, &cv))
		if cv.Status == sharedstate.Disconnected {
			assert.Equal(t, "Offline", cv.Label)
			return
		}
	}
}

func TestFeed_CloseDisconnectsClients(t *testing.T) {
	f := newFixture(t, sharedstate.AppAlign, nil, nil)
	conn, ts := dialFeed(t, f, nil)
	nextBell(t, conn, func(views.BellView) bool { return true })

	f.srv.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
			break
		}
	}

	resp, err := http.Get(ts.URL + "/feed")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFeed_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, sharedstate.AppAlign, func(c *Config) {
		c.AllowedOrigins = []string{"https://align.example.com"}
	}, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/feed"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://align.example.com"}})
	require.NoError(t, err)
	conn.Close()
}
