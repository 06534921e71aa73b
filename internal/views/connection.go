package views

import (
	"time"

	"github.com/aesyros/align/internal/sharedstate"
)

// ConnectionView is the connection indicator state.
type ConnectionView struct {
	Status   sharedstate.ConnectionStatus `json:"status"`
	Live     bool                         `json:"live"`
	Label    string                       `json:"label"`
	Title    string                       `json:"title"`
	LastSync *time.Time                   `json:"last_sync,omitempty"`
}

// ConnectionIndicator shows whether the push feed is live. Connecting is
// shown as offline.
type ConnectionIndicator struct {
	store *sharedstate.Store
}

func NewConnectionIndicator(store *sharedstate.Store) *ConnectionIndicator {
	return &ConnectionIndicator{store: store}
}

func (c *ConnectionIndicator) Live() bool {
	return c.store.Connection().Status.IsLive()
}

// Label is "Live" when connected and "Offline" otherwise.
func (c *ConnectionIndicator) Label() string {
	return label(c.store.Connection().Status)
}

// Title is the hover text naming the raw status.
func (c *ConnectionIndicator) Title() string {
	return "Connection: " + c.store.Connection().Status.String()
}

func (c *ConnectionIndicator) View() ConnectionView {
	conn := c.store.Connection()
	v := ConnectionView{
		Status: conn.Status,
		Live:   conn.Status.IsLive(),
		Label:  label(conn.Status),
		Title:  "Connection: " + conn.Status.String(),
	}
	if !conn.LastSync.IsZero() {
		ts := conn.LastSync
		v.LastSync = &ts
	}
	return v
}

// Watch calls fn with the new view whenever the connection slice changes.
func (c *ConnectionIndicator) Watch(fn func(ConnectionView)) func() {
	return sharedstate.Watch(c.store, sharedstate.SliceConnection, func(*sharedstate.Store) ConnectionView {
		return c.View()
	}, fn)
}

func label(status sharedstate.ConnectionStatus) string {
	if status.IsLive() {
		return "Live"
	}
	return "Offline"
}
