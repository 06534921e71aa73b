package sharedstate

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func fixedStore(opts Options) (*Store, *time.Time) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	seq := 0
	opts.Clock = func() time.Time { return now }
	opts.IDs = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return New(opts), &now
}

func notif(title string) NotificationInput {
	return NotificationInput{
		Type:       NotificationGoalUpdated,
		SourceApp:  AppDrive,
		TargetApp:  AppAlign,
		EntityType: EntityGoal,
		EntityID:   "g1",
		Title:      title,
		Message:    "M",
	}
}

func TestStore_AddNotificationStamps(t *testing.T) {
	s, now := fixedStore(Options{})

	n := s.AddNotification(notif("T"))

	if n.ID != "id-1" {
		t.Errorf("ID = %q, want id-1", n.ID)
	}
	if n.Read {
		t.Error("Read = true, want false")
	}
	if !n.CreatedAt.Equal(*now) {
		t.Errorf("CreatedAt = %v, want %v", n.CreatedAt, *now)
	}
	if got := s.UnreadCount(); got != 1 {
		t.Errorf("UnreadCount() = %d, want 1", got)
	}
}

func TestStore_NotificationCap(t *testing.T) {
	s, _ := fixedStore(Options{})

	for i := 0; i < 120; i++ {
		s.AddNotification(notif(fmt.Sprintf("n%d", i)))
		if l := len(s.Notifications()); l > DefaultNotificationCap {
			t.Fatalf("len(Notifications()) = %d after %d adds, want <= %d", l, i+1, DefaultNotificationCap)
		}
	}

	list := s.Notifications()
	if len(list) != DefaultNotificationCap {
		t.Fatalf("len(Notifications()) = %d, want %d", len(list), DefaultNotificationCap)
	}
	for i, n := range list {
		want := fmt.Sprintf("n%d", 119-i)
		if n.Title != want {
			t.Fatalf("Notifications()[%d].Title = %q, want %q", i, n.Title, want)
		}
	}
}

func TestStore_ActivityCap(t *testing.T) {
	s, _ := fixedStore(Options{})

	for i := 0; i < 150; i++ {
		s.AddActivity(ActivityInput{Product: AppDrive, Action: fmt.Sprintf("a%d", i)})
	}

	list := s.RecentActivity()
	if len(list) != DefaultActivityCap {
		t.Fatalf("len(RecentActivity()) = %d, want %d", len(list), DefaultActivityCap)
	}
	if list[0].Action != "a149" || list[99].Action != "a50" {
		t.Errorf("RecentActivity() spans %q..%q, want a149..a50", list[0].Action, list[99].Action)
	}
}

func TestStore_CustomCaps(t *testing.T) {
	s, _ := fixedStore(Options{NotificationCap: 3, ActivityCap: 2})
	for i := 0; i < 5; i++ {
		s.AddNotification(notif("x"))
		s.AddActivity(ActivityInput{Product: AppPulse})
	}
	if got := len(s.Notifications()); got != 3 {
		t.Errorf("len(Notifications()) = %d, want 3", got)
	}
	if got := len(s.RecentActivity()); got != 2 {
		t.Errorf("len(RecentActivity()) = %d, want 2", got)
	}
}

func TestStore_MarkNotificationReadIdempotent(t *testing.T) {
	s, _ := fixedStore(Options{})
	a := s.AddNotification(notif("a"))
	b := s.AddNotification(notif("b"))

	s.MarkNotificationRead(a.ID)
	s.MarkNotificationRead(a.ID)

	read := 0
	for _, n := range s.Notifications() {
		if n.Read {
			read++
			if n.ID != a.ID {
				t.Errorf("notification %s marked read, want only %s", n.ID, a.ID)
			}
		}
		if n.ID == b.ID && n.Read {
			t.Error("unrelated notification marked read")
		}
	}
	if read != 1 {
		t.Errorf("read count = %d, want 1", read)
	}
	if got := s.UnreadCount(); got != 1 {
		t.Errorf("UnreadCount() = %d, want 1", got)
	}

	calls := 0
	unsub := s.Subscribe(SliceNotifications, func() { calls++ })
	defer unsub()
	s.MarkNotificationRead(a.ID)
	s.MarkNotificationRead("missing")
	if calls != 0 {
		t.Errorf("no-op marks notified %d times, want 0", calls)
	}
}

func TestStore_ClearNotifications(t *testing.T) {
	s, _ := fixedStore(Options{})
	s.AddNotification(notif("a"))
	s.AddNotification(notif("b"))

	s.ClearNotifications()

	if got := len(s.Notifications()); got != 0 {
		t.Errorf("len(Notifications()) = %d, want 0", got)
	}
	if got := s.UnreadCount(); got != 0 {
		t.Errorf("UnreadCount() = %d, want 0", got)
	}
}

func TestStore_UpdateUserPreferences(t *testing.T) {
	s, _ := fixedStore(Options{})

	s.UpdateUserPreferences(PreferencesPatch{})
	if _, ok := s.User(); ok {
		t.Fatal("UpdateUserPreferences without a user created one")
	}

	s.SetUser(User{
		ID: "u1",
		Preferences: Preferences{
			Theme:                ThemeDark,
			NotificationsEnabled: true,
			DefaultView:          ViewList,
			DashboardLayout:      []string{"goals", "activity"},
		},
	})

	off := false
	s.UpdateUserPreferences(PreferencesPatch{NotificationsEnabled: &off})

	u, _ := s.User()
	if u.Preferences.Theme != ThemeDark {
		t.Errorf("Theme = %q, want dark", u.Preferences.Theme)
	}
	if u.Preferences.NotificationsEnabled {
		t.Error("NotificationsEnabled = true, want false")
	}
	if u.Preferences.DefaultView != ViewList {
		t.Errorf("DefaultView = %q, want list", u.Preferences.DefaultView)
	}
	if len(u.Preferences.DashboardLayout) != 2 {
		t.Errorf("DashboardLayout = %v, want 2 entries", u.Preferences.DashboardLayout)
	}

	u.Preferences.DashboardLayout[0] = "mutated"
	again, _ := s.User()
	if again.Preferences.DashboardLayout[0] != "goals" {
		t.Error("User() returned a view into store state")
	}
}

func TestStore_NavigationShift(t *testing.T) {
	s, _ := fixedStore(Options{})

	if nav := s.Navigation(); nav.CurrentApp != AppUnknown {
		t.Fatalf("initial CurrentApp = %v, want unknown", nav.CurrentApp)
	}

	s.SetNavigationContext(AppAlign, map[string]any{})
	s.SetNavigationContext(AppDrive, map[string]any{"projectId": "p1"})

	nav := s.Navigation()
	if nav.PreviousApp != AppAlign {
		t.Errorf("PreviousApp = %v, want align", nav.PreviousApp)
	}
	if nav.CurrentApp != AppDrive {
		t.Errorf("CurrentApp = %v, want drive", nav.CurrentApp)
	}
	if nav.Contexts[AppDrive]["projectId"] != "p1" {
		t.Errorf("Contexts[drive] = %v", nav.Contexts[AppDrive])
	}
	if _, ok := nav.Contexts[AppAlign]; !ok {
		t.Error("Contexts[align] dropped")
	}
}

func TestStore_GoalsCacheReplaces(t *testing.T) {
	s, _ := fixedStore(Options{})
	s.UpdateGoalsCache([]GoalRow{{ID: "1"}, {ID: "2"}, {ID: "3"}})

	progress := 40.0
	s.UpdateGoalsCache([]GoalRow{{ID: "9", Title: "Only", Progress: &progress}})

	goals := s.Goals()
	if len(goals) != 1 {
		t.Fatalf("len(Goals()) = %d, want 1", len(goals))
	}
	if goals[0].ID != "9" || goals[0].Progress != 40 || goals[0].Status != "active" {
		t.Errorf("Goals()[0] = %+v", goals[0])
	}
}

func TestStore_CacheDefaults(t *testing.T) {
	s, _ := fixedStore(Options{})
	done := "done"
	empty := ""

	s.UpdateGoalsCache([]GoalRow{{ID: "g1", Title: "A"}, {ID: "g2", Status: &done}, {ID: "g3", Status: &empty}})
	s.UpdateProjectsCache([]ProjectRow{{ID: "p1", Name: "P"}})

	goals := s.Goals()
	wantStatus := []string{"active", "done", "active"}
	for i, g := range goals {
		if g.Status != wantStatus[i] {
			t.Errorf("Goals()[%d].Status = %q, want %q", i, g.Status, wantStatus[i])
		}
		if g.Progress != 0 {
			t.Errorf("Goals()[%d].Progress = %v, want 0", i, g.Progress)
		}
	}

	projects := s.Projects()
	if len(projects) != 1 || projects[0].Status != "planning" || projects[0].Progress != 0 {
		t.Errorf("Projects() = %+v", projects)
	}
}

func TestStore_Connection(t *testing.T) {
	s, now := fixedStore(Options{})

	if c := s.Connection(); c.Status != Disconnected || !c.LastSync.IsZero() {
		t.Fatalf("initial Connection() = %+v", c)
	}

	s.SetConnectionStatus(Connecting)
	s.UpdateLastSync()

	c := s.Connection()
	if c.Status != Connecting {
		t.Errorf("Status = %v, want connecting", c.Status)
	}
	if !c.LastSync.Equal(*now) {
		t.Errorf("LastSync = %v, want %v", c.LastSync, *now)
	}
}

func TestStore_SelectorIndependence(t *testing.T) {
	s, _ := fixedStore(Options{})

	computed := 0
	heard := 0
	unsub := Watch(s, SliceNotifications, func(st *Store) int {
		computed++
		return st.UnreadCount()
	}, func(int) { heard++ })
	defer unsub()

	for i := 0; i < 10; i++ {
		s.AddActivity(ActivityInput{Product: AppPulse})
	}
	s.UpdateGoalsCache(nil)
	s.SetConnectionStatus(Connected)

	if computed != 0 {
		t.Fatalf("notifications selector computed %d times on unrelated writes, want 0", computed)
	}

	s.AddNotification(notif("x"))
	if computed != 1 || heard != 1 {
		t.Errorf("computed, heard = %d, %d, want 1, 1", computed, heard)
	}
}

func TestWatchChanged(t *testing.T) {
	s, _ := fixedStore(Options{})

	var got []int
	unsub := WatchChanged(s, SliceNotifications, (*Store).UnreadCount, func(v int) { got = append(got, v) })

	a := s.AddNotification(notif("a"))
	s.MarkNotificationRead(a.ID)
	s.ClearNotifications()
	unsub()
	s.AddNotification(notif("b"))

	want := []int{1, 0}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("unread updates = %v, want %v", got, want)
	}
}

func TestStore_UnsubscribeTwice(t *testing.T) {
	s, _ := fixedStore(Options{})
	calls := 0
	unsubA := s.Subscribe(SliceGoals, func() { calls++ })
	unsubB := s.Subscribe(SliceGoals, func() { calls += 10 })

	unsubA()
	unsubA()
	s.UpdateGoalsCache(nil)
	unsubB()

	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}
}

func TestStore_ListenersRunOutsideLock(t *testing.T) {
	s, _ := fixedStore(Options{})
	done := make(chan int, 1)
	s.Subscribe(SliceNotifications, func() {
		done <- s.UnreadCount()
	})

	s.AddNotification(notif("x"))

	select {
	case n := <-done:
		if n != 1 {
			t.Errorf("listener saw UnreadCount() = %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("listener deadlocked reading the store")
	}
}

func TestStore_ConcurrentWrites(t *testing.T) {
	s := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				n := s.AddNotification(notif("c"))
				s.MarkNotificationRead(n.ID)
				s.AddActivity(ActivityInput{Product: AppFlow})
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := len(s.Notifications()); got != DefaultNotificationCap {
		t.Errorf("len(Notifications()) = %d, want %d", got, DefaultNotificationCap)
	}
	if got := s.UnreadCount(); got != 0 {
		t.Errorf("UnreadCount() = %d, want 0", got)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s, _ := fixedStore(Options{})
	s.SetOrganization(Organization{ID: "o1", Settings: DefaultOrganizationSettings()})
	s.AddNotification(notif("a"))

	snap := s.Snapshot()
	if snap.Organization == nil || snap.Organization.ID != "o1" {
		t.Errorf("Organization = %+v", snap.Organization)
	}
	if snap.User != nil {
		t.Errorf("User = %+v, want nil", snap.User)
	}
	if snap.UnreadCount != 1 || len(snap.Notifications) != 1 {
		t.Errorf("UnreadCount, len = %d, %d, want 1, 1", snap.UnreadCount, len(snap.Notifications))
	}
	if snap.Goals == nil {
		t.Error("Goals = nil, want empty slice")
	}
}
