// Package sharedstate holds the in-memory cross-app state of the Align suite:
// organization and user, goal and project caches, the notification inbox, the
// activity feed, navigation context and connection status.
//
// A Store is the only mutation surface. Every write is synchronous and never
// fails. Observers subscribe to a single slice and are called after the write
// has been committed, outside the store lock, so a write to one slice never
// wakes observers of another.
package sharedstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultNotificationCap = 50
	DefaultActivityCap     = 100
)

// Slice names an independently observable part of the store.
type Slice int32

const (
	SliceOrganization Slice = iota
	SliceUser
	SliceGoals
	SliceProjects
	SliceNotifications
	SliceActivity
	SliceNavigation
	SliceConnection
)

// String returns the slice name.
func (s Slice) String() string {
	switch s {
	case SliceOrganization:
		return "organization"
	case SliceUser:
		return "user"
	case SliceGoals:
		return "goals"
	case SliceProjects:
		return "projects"
	case SliceNotifications:
		return "notifications"
	case SliceActivity:
		return "activity"
	case SliceNavigation:
		return "navigation"
	case SliceConnection:
		return "connection"
	default:
		return fmt.Sprintf("slice(%d)", s)
	}
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	NotificationCap int
	ActivityCap     int
	Clock           func() time.Time
	IDs             func() string
}

// Store is the observable cross-app state container.
type Store struct {
	now   func() time.Time
	newID func() string

	mu            sync.RWMutex
	org           *Organization
	user          *User
	goals         []GoalSummary
	projects      []ProjectSummary
	notifications *Ring[Notification]
	activity      *Ring[ActivityEvent]
	nav           Navigation
	conn          Connection

	subMu   sync.RWMutex
	subs    map[Slice][]subscriber
	nextSub int64
}

type subscriber struct {
	id int64
	fn func()
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.NotificationCap <= 0 {
		opts.NotificationCap = DefaultNotificationCap
	}
	if opts.ActivityCap <= 0 {
		opts.ActivityCap = DefaultActivityCap
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.IDs == nil {
		opts.IDs = uuid.NewString
	}
	return &Store{
		now:           opts.Clock,
		newID:         opts.IDs,
		goals:         []GoalSummary{},
		projects:      []ProjectSummary{},
		notifications: NewRing[Notification](opts.NotificationCap),
		activity:      NewRing[ActivityEvent](opts.ActivityCap),
		nav:           Navigation{Contexts: map[App]map[string]any{}},
		subs:          make(map[Slice][]subscriber),
	}
}

// Subscribe registers fn to run after every write to slice. The returned
// function removes the subscription.
func (s *Store) Subscribe(slice Slice, fn func()) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[slice] = append(s.subs[slice], subscriber{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			list := s.subs[slice]
			for i, sub := range list {
				if sub.id == id {
					s.subs[slice] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Store) notify(slice Slice) {
	s.subMu.RLock()
	list := s.subs[slice]
	s.subMu.RUnlock()

	for _, sub := range list {
		sub.fn()
	}
}

// =============================================================================
// Writes
// =============================================================================

// SetOrganization replaces the organization.
func (s *Store) SetOrganization(org Organization) {
	s.mu.Lock()
	s.org = &org
	s.mu.Unlock()
	s.notify(SliceOrganization)
}

// SetUser replaces the user.
func (s *Store) SetUser(user User) {
	u := user.clone()
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	s.notify(SliceUser)
}

// UpdateUserPreferences merges patch into the current user's preferences.
// It does nothing when no user is loaded.
func (s *Store) UpdateUserPreferences(patch PreferencesPatch) {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	u := s.user.clone()
	u.Preferences = u.Preferences.Apply(patch)
	s.user = &u
	s.mu.Unlock()
	s.notify(SliceUser)
}

// AddNotification stamps in and prepends it to the inbox, evicting the oldest
// entry past capacity.
func (s *Store) AddNotification(in NotificationInput) Notification {
	n := Notification{
		ID:         s.newID(),
		Type:       in.Type,
		SourceApp:  in.SourceApp,
		TargetApp:  in.TargetApp,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Title:      in.Title,
		Message:    in.Message,
		Data:       in.Data,
		Read:       false,
		CreatedAt:  s.now(),
	}
	s.mu.Lock()
	s.notifications.Push(n)
	s.mu.Unlock()
	s.notify(SliceNotifications)
	return n
}

// MarkNotificationRead sets the read flag on the notification with id.
// Unknown ids and already-read notifications are left untouched.
func (s *Store) MarkNotificationRead(id string) {
	s.mu.Lock()
	changed := false
	s.notifications.Update(
		func(n Notification) bool { return n.ID == id },
		func(n *Notification) {
			if !n.Read {
				n.Read = true
				changed = true
			}
		},
	)
	s.mu.Unlock()
	if changed {
		s.notify(SliceNotifications)
	}
}

// ClearNotifications empties the inbox.
func (s *Store) ClearNotifications() {
	s.mu.Lock()
	s.notifications.Clear()
	s.mu.Unlock()
	s.notify(SliceNotifications)
}

// UpdateGoalsCache replaces the goals cache with rows.
func (s *Store) UpdateGoalsCache(rows []GoalRow) {
	goals := make([]GoalSummary, len(rows))
	for i, r := range rows {
		goals[i] = r.summary()
	}
	s.mu.Lock()
	s.goals = goals
	s.mu.Unlock()
	s.notify(SliceGoals)
}

// UpdateProjectsCache replaces the projects cache with rows.
func (s *Store) UpdateProjectsCache(rows []ProjectRow) {
	projects := make([]ProjectSummary, len(rows))
	for i, r := range rows {
		projects[i] = r.summary()
	}
	s.mu.Lock()
	s.projects = projects
	s.mu.Unlock()
	s.notify(SliceProjects)
}

// SetNavigationContext makes app current, moving the old current app to
// previous, and stores ctx as app's context.
func (s *Store) SetNavigationContext(app App, ctx map[string]any) {
	s.mu.Lock()
	contexts := make(map[App]map[string]any, len(s.nav.Contexts)+1)
	for k, v := range s.nav.Contexts {
		contexts[k] = v
	}
	contexts[app] = ctx
	s.nav = Navigation{
		CurrentApp:  app,
		PreviousApp: s.nav.CurrentApp,
		Contexts:    contexts,
	}
	s.mu.Unlock()
	s.notify(SliceNavigation)
}

// AddActivity stamps in and prepends it to the activity feed.
func (s *Store) AddActivity(in ActivityInput) ActivityEvent {
	ev := ActivityEvent{
		ID:         s.newID(),
		Product:    in.Product,
		Action:     in.Action,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		UserID:     in.UserID,
		Details:    in.Details,
		CreatedAt:  s.now(),
	}
	s.mu.Lock()
	s.activity.Push(ev)
	s.mu.Unlock()
	s.notify(SliceActivity)
	return ev
}

// SetConnectionStatus records the backend connectivity state.
func (s *Store) SetConnectionStatus(status ConnectionStatus) {
	s.mu.Lock()
	s.conn.Status = status
	s.mu.Unlock()
	s.notify(SliceConnection)
}

// UpdateLastSync stamps the last successful sync with the current time.
func (s *Store) UpdateLastSync() {
	now := s.now()
	s.mu.Lock()
	s.conn.LastSync = now
	s.mu.Unlock()
	s.notify(SliceConnection)
}

// =============================================================================
// Reads
// =============================================================================

// Organization returns the organization and whether one is loaded.
func (s *Store) Organization() (Organization, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.org == nil {
		return Organization{}, false
	}
	return *s.org, true
}

// User returns the user and whether one is loaded.
func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return s.user.clone(), true
}

// Goals returns the cached goals.
func (s *Store) Goals() []GoalSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSlice(s.goals)
}

// Projects returns the cached projects.
func (s *Store) Projects() []ProjectSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSlice(s.projects)
}

// Notifications returns the inbox, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifications.Items()
}

// UnreadCount returns the number of unread notifications.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifications.Count(func(n Notification) bool { return !n.Read })
}

// RecentActivity returns the activity feed, newest first.
func (s *Store) RecentActivity() []ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity.Items()
}

// Navigation returns the navigation state.
func (s *Store) Navigation() Navigation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nav := s.nav
	nav.Contexts = make(map[App]map[string]any, len(s.nav.Contexts))
	for k, v := range s.nav.Contexts {
		nav.Contexts[k] = v
	}
	return nav
}

// CurrentApp returns the app currently hosting the layer.
func (s *Store) CurrentApp() App {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nav.CurrentApp
}

// Connection returns the connectivity state.
func (s *Store) Connection() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Snapshot returns a consistent copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Goals:          cloneSlice(s.goals),
		Projects:       cloneSlice(s.projects),
		Notifications:  s.notifications.Items(),
		UnreadCount:    s.notifications.Count(func(n Notification) bool { return !n.Read }),
		RecentActivity: s.activity.Items(),
		Navigation:     s.nav,
		Connection:     s.conn,
	}
	if s.org != nil {
		org := *s.org
		snap.Organization = &org
	}
	if s.user != nil {
		u := s.user.clone()
		snap.User = &u
	}
	return snap
}

// =============================================================================
// Selectors
// =============================================================================

// Watch recomputes selector after every write to slice and passes the result
// to listener. Writes to other slices never run selector.
func Watch[T any](s *Store, slice Slice, selector func(*Store) T, listener func(T)) func() {
	return s.Subscribe(slice, func() {
		listener(selector(s))
	})
}

// WatchChanged is Watch that only calls listener when the selected value
// differs from the previous one. The initial value is computed on registration.
func WatchChanged[T comparable](s *Store, slice Slice, selector func(*Store) T, listener func(T)) func() {
	var mu sync.Mutex
	last := selector(s)
	return s.Subscribe(slice, func() {
		v := selector(s)
		mu.Lock()
		if v == last {
			mu.Unlock()
			return
		}
		last = v
		mu.Unlock()
		listener(v)
	})
}

func cloneSlice[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}
