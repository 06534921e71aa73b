// Package views exposes read surfaces over the shared state store: the
// notification bell, the cross-app goal selector and the connection
// indicator. They hold only presentation state; all data lives in the store.
package views

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aesyros/align/internal/sharedstate"
)

// EmptyInboxText is shown when the bell has no notifications.
const EmptyInboxText = "No notifications"

// BellItem is one notification as shown in the bell dropdown.
type BellItem struct {
	sharedstate.Notification
	Age    string `json:"age"`
	Accent string `json:"accent"`
}

// BellView is the full bell state at one instant.
type BellView struct {
	Open        bool       `json:"open"`
	Badge       string     `json:"badge"`
	UnreadCount int        `json:"unread_count"`
	Items       []BellItem `json:"items"`
	EmptyText   string     `json:"empty_text,omitempty"`
}

// Bell is the notification bell. Opening and closing it never marks
// notifications read; only Click does.
type Bell struct {
	store *sharedstate.Store

	mu   sync.Mutex
	open bool
}

func NewBell(store *sharedstate.Store) *Bell {
	return &Bell{store: store}
}

// Items returns the inbox newest first, with ages relative to now.
func (b *Bell) Items(now time.Time) []BellItem {
	notes := b.store.Notifications()
	items := make([]BellItem, len(notes))
	for i, n := range notes {
		items[i] = BellItem{
			Notification: n,
			Age:          FormatTimeAgo(now, n.CreatedAt),
			Accent:       accent(n.Type),
		}
	}
	return items
}

func (b *Bell) UnreadCount() int {
	return b.store.UnreadCount()
}

// Badge is the unread counter text: empty when nothing is unread and "9+"
// above nine.
func (b *Bell) Badge() string {
	return badge(b.store.UnreadCount())
}

func badge(unread int) string {
	switch {
	case unread <= 0:
		return ""
	case unread > 9:
		return "9+"
	default:
		return strconv.Itoa(unread)
	}
}

func (b *Bell) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Toggle flips the dropdown and returns the new state.
func (b *Bell) Toggle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = !b.open
	return b.open
}

func (b *Bell) Open() {
	b.mu.Lock()
	b.open = true
	b.mu.Unlock()
}

func (b *Bell) Close() {
	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
}

// Click marks one notification read.
func (b *Bell) Click(id string) {
	b.store.MarkNotificationRead(id)
}

// ClearAll empties the inbox.
func (b *Bell) ClearAll() {
	b.store.ClearNotifications()
}

// WatchUnread calls fn whenever the unread count changes.
func (b *Bell) WatchUnread(fn func(unread int)) func() {
	return sharedstate.WatchChanged(b.store, sharedstate.SliceNotifications, (*sharedstate.Store).UnreadCount, fn)
}

// View returns the complete bell state.
func (b *Bell) View(now time.Time) BellView {
	items := b.Items(now)
	unread := 0
	for _, it := range items {
		if !it.Read {
			unread++
		}
	}
	v := BellView{
		Open:        b.IsOpen(),
		Badge:       badge(unread),
		UnreadCount: unread,
		Items:       items,
	}
	if len(items) == 0 {
		v.EmptyText = EmptyInboxText
	}
	return v
}

// FormatTimeAgo renders the age of t at now: "Just now" under a minute, then
// whole minutes, hours and days.
func FormatTimeAgo(now, t time.Time) string {
	minutes := int(now.Sub(t) / time.Minute)
	switch {
	case minutes < 1:
		return "Just now"
	case minutes < 60:
		return fmt.Sprintf("%dm ago", minutes)
	case minutes < 24*60:
		return fmt.Sprintf("%dh ago", minutes/60)
	default:
		return fmt.Sprintf("%dd ago", minutes/(24*60))
	}
}

func accent(t sharedstate.NotificationType) string {
	switch t {
	case sharedstate.NotificationGoalUpdated:
		return "blue"
	case sharedstate.NotificationTaskCompleted:
		return "green"
	case sharedstate.NotificationProjectMilestone:
		return "orange"
	case sharedstate.NotificationAlignmentChanged:
		return "purple"
	default:
		return "slate"
	}
}
