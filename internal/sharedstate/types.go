package sharedstate

import (
	"encoding/json"
	"time"
)

// OrganizationSettings are the tenant-wide planning settings.
type OrganizationSettings struct {
	GoalFramework     GoalFramework     `json:"goal_framework"`
	PlanningCycle     PlanningCycle     `json:"planning_cycle"`
	AlignmentRequired bool              `json:"alignment_required"`
	ProgressFrequency ProgressFrequency `json:"progress_frequency"`
}

// DefaultOrganizationSettings are used when a tenant has no setup row.
func DefaultOrganizationSettings() OrganizationSettings {
	return OrganizationSettings{
		GoalFramework:     FrameworkOKR,
		PlanningCycle:     CycleQuarterly,
		AlignmentRequired: false,
		ProgressFrequency: FrequencyMonthly,
	}
}

// Organization is the tenant loaded for the session.
type Organization struct {
	ID       string               `json:"id"`
	Name     string               `json:"name"`
	Industry string               `json:"industry,omitempty"`
	Size     string               `json:"size,omitempty"`
	Settings OrganizationSettings `json:"settings"`
}

// Preferences are per-user UI preferences.
type Preferences struct {
	Theme                Theme    `json:"theme"`
	NotificationsEnabled bool     `json:"notifications_enabled"`
	DefaultView          View     `json:"default_view"`
	DashboardLayout      []string `json:"dashboard_layout"`
}

// DefaultPreferences apply to users without stored preferences.
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:                ThemeSystem,
		NotificationsEnabled: true,
		DefaultView:          ViewKanban,
		DashboardLayout:      []string{},
	}
}

// PreferencesPatch holds the fields to change. Nil fields are left alone.
type PreferencesPatch struct {
	Theme                *Theme    `json:"theme,omitempty"`
	NotificationsEnabled *bool     `json:"notifications_enabled,omitempty"`
	DefaultView          *View     `json:"default_view,omitempty"`
	DashboardLayout      *[]string `json:"dashboard_layout,omitempty"`
}

// Empty reports whether the patch sets nothing.
func (p PreferencesPatch) Empty() bool {
	return p.Theme == nil && p.NotificationsEnabled == nil && p.DefaultView == nil && p.DashboardLayout == nil
}

// Apply returns a copy of p with the patch's set fields merged in.
func (p Preferences) Apply(patch PreferencesPatch) Preferences {
	out := p.clone()
	if patch.Theme != nil {
		out.Theme = *patch.Theme
	}
	if patch.NotificationsEnabled != nil {
		out.NotificationsEnabled = *patch.NotificationsEnabled
	}
	if patch.DefaultView != nil {
		out.DefaultView = *patch.DefaultView
	}
	if patch.DashboardLayout != nil {
		out.DashboardLayout = append([]string(nil), (*patch.DashboardLayout)...)
	}
	return out
}

func (p Preferences) clone() Preferences {
	if p.DashboardLayout != nil {
		p.DashboardLayout = append([]string{}, p.DashboardLayout...)
	}
	return p
}

// User is the signed-in user.
type User struct {
	ID           string      `json:"id"`
	FullName     string      `json:"full_name"`
	Email        string      `json:"email"`
	Role         string      `json:"role"`
	DepartmentID *string     `json:"department_id,omitempty"`
	TeamID       *string     `json:"team_id,omitempty"`
	Preferences  Preferences `json:"preferences"`
}

func (u User) clone() User {
	u.Preferences = u.Preferences.clone()
	return u
}

// NotificationInput is what callers supply to AddNotification; the store
// stamps id, read flag and creation time.
type NotificationInput struct {
	Type       NotificationType
	SourceApp  App
	TargetApp  App
	EntityType EntityType
	EntityID   string
	Title      string
	Message    string
	Data       map[string]any
}

// Notification is one entry of the cross-app inbox.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	SourceApp  App              `json:"source_app"`
	TargetApp  App              `json:"target_app"`
	EntityType EntityType       `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Data       map[string]any   `json:"data,omitempty"`
	Read       bool             `json:"read"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ActivityInput is what callers supply to AddActivity.
type ActivityInput struct {
	Product    App
	Action     string
	EntityType string
	EntityID   string
	UserID     string
	Details    json.RawMessage
}

// ActivityEvent is one entry of the cross-app activity feed.
type ActivityEvent struct {
	ID         string          `json:"id"`
	Product    App             `json:"product"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	UserID     string          `json:"user_id"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// GoalRow is the goal projection as read from the backend.
type GoalRow struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Progress *float64 `json:"progress_percentage"`
	Status   *string  `json:"status"`
}

// ProjectRow is the project projection as read from the backend.
type ProjectRow struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Status   *string  `json:"status"`
	Progress *float64 `json:"progress_percentage"`
}

// GoalSummary is a cached goal.
type GoalSummary struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
}

// ProjectSummary is a cached project.
type ProjectSummary struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

const (
	defaultGoalStatus    = "active"
	defaultProjectStatus = "planning"
)

func (r GoalRow) summary() GoalSummary {
	s := GoalSummary{ID: r.ID, Title: r.Title, Status: defaultGoalStatus}
	if r.Progress != nil {
		s.Progress = *r.Progress
	}
	if r.Status != nil && *r.Status != "" {
		s.Status = *r.Status
	}
	return s
}

func (r ProjectRow) summary() ProjectSummary {
	s := ProjectSummary{ID: r.ID, Name: r.Name, Status: defaultProjectStatus}
	if r.Progress != nil {
		s.Progress = *r.Progress
	}
	if r.Status != nil && *r.Status != "" {
		s.Status = *r.Status
	}
	return s
}

// Navigation tracks which app is hosting the layer and where the user came from.
type Navigation struct {
	CurrentApp  App                    `json:"current_app"`
	PreviousApp App                    `json:"previous_app"`
	Contexts    map[App]map[string]any `json:"-"`
}

// MarshalJSON keys the per-app contexts by product name.
func (n Navigation) MarshalJSON() ([]byte, error) {
	contexts := make(map[string]map[string]any, len(n.Contexts))
	for app, ctx := range n.Contexts {
		contexts[app.String()] = ctx
	}
	type plain Navigation
	return json.Marshal(struct {
		plain
		Contexts map[string]map[string]any `json:"contexts"`
	}{plain(n), contexts})
}

// Connection is the backend connectivity state.
type Connection struct {
	Status   ConnectionStatus `json:"status"`
	LastSync time.Time        `json:"last_sync"`
}

// Snapshot is a consistent copy of every slice.
type Snapshot struct {
	Organization   *Organization    `json:"organization"`
	User           *User            `json:"user"`
	Goals          []GoalSummary    `json:"goals"`
	Projects       []ProjectSummary `json:"projects"`
	Notifications  []Notification   `json:"notifications"`
	UnreadCount    int              `json:"unread_count"`
	RecentActivity []ActivityEvent  `json:"recent_activity"`
	Navigation     Navigation       `json:"navigation"`
	Connection     Connection       `json:"connection"`
}
