package sharedstate

import (
	"encoding/json"
	"fmt"
)

// App identifies one product of the suite.
type App int32

const (
	// AppUnknown is the zero value. It marks "no app" in navigation state.
	AppUnknown App = iota
	AppAlign
	AppDrive
	AppPulse
	AppCatalyst
	AppFlow
	AppForesight
)

// Apps lists every known product in declaration order.
var Apps = []App{AppAlign, AppDrive, AppPulse, AppCatalyst, AppFlow, AppForesight}

// String returns the product name used in backend rows.
func (a App) String() string {
	switch a {
	case AppUnknown:
		return ""
	case AppAlign:
		return "align"
	case AppDrive:
		return "drive"
	case AppPulse:
		return "pulse"
	case AppCatalyst:
		return "catalyst"
	case AppFlow:
		return "flow"
	case AppForesight:
		return "foresight"
	default:
		return fmt.Sprintf("app(%d)", a)
	}
}

// ParseApp converts a product name to App. Unrecognized names map to AppUnknown.
func ParseApp(s string) App {
	switch s {
	case "align":
		return AppAlign
	case "drive":
		return AppDrive
	case "pulse":
		return AppPulse
	case "catalyst":
		return AppCatalyst
	case "flow":
		return AppFlow
	case "foresight":
		return AppForesight
	default:
		return AppUnknown
	}
}

// Valid reports whether a is one of the known products.
func (a App) Valid() bool {
	return a >= AppAlign && a <= AppForesight
}

// MarshalJSON implements json.Marshaler. AppUnknown encodes as null.
func (a App) MarshalJSON() ([]byte, error) {
	if a == AppUnknown {
		return []byte("null"), nil
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *App) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = AppUnknown
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = ParseApp(str)
	return nil
}

// NotificationType classifies a cross-app notification.
type NotificationType int32

const (
	NotificationUnknown NotificationType = iota
	NotificationGoalUpdated
	NotificationTaskCompleted
	NotificationProjectMilestone
	NotificationAlignmentChanged
)

// String returns the wire name of the notification type.
func (t NotificationType) String() string {
	switch t {
	case NotificationUnknown:
		return "unknown"
	case NotificationGoalUpdated:
		return "goal_updated"
	case NotificationTaskCompleted:
		return "task_completed"
	case NotificationProjectMilestone:
		return "project_milestone"
	case NotificationAlignmentChanged:
		return "alignment_changed"
	default:
		return fmt.Sprintf("notification(%d)", t)
	}
}

// ParseNotificationType converts a wire name to NotificationType.
func ParseNotificationType(s string) NotificationType {
	switch s {
	case "goal_updated":
		return NotificationGoalUpdated
	case "task_completed":
		return NotificationTaskCompleted
	case "project_milestone":
		return NotificationProjectMilestone
	case "alignment_changed":
		return NotificationAlignmentChanged
	default:
		return NotificationUnknown
	}
}

// MarshalJSON implements json.Marshaler.
func (t NotificationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *NotificationType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = ParseNotificationType(str)
	return nil
}

// ConnectionStatus is the tri-state backend connectivity flag.
type ConnectionStatus int32

const (
	// Disconnected is the zero value.
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

// String returns the string representation of the status.
func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("connection(%d)", s)
	}
}

// ParseConnectionStatus converts a string to ConnectionStatus.
func ParseConnectionStatus(s string) ConnectionStatus {
	switch s {
	case "connecting":
		return Connecting
	case "connected":
		return Connected
	default:
		return Disconnected
	}
}

// IsLive returns true only for Connected.
func (s ConnectionStatus) IsLive() bool {
	return s == Connected
}

// MarshalJSON implements json.Marshaler.
func (s ConnectionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ConnectionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseConnectionStatus(str)
	return nil
}

// EntityType names the kind of entity a notification refers to.
type EntityType string

const (
	EntityGoal      EntityType = "goal"
	EntityTask      EntityType = "task"
	EntityProject   EntityType = "project"
	EntityMilestone EntityType = "milestone"
)

// RelationshipType is the kind of a cross-app link.
type RelationshipType string

const (
	RelationshipAlignment  RelationshipType = "alignment"
	RelationshipDependency RelationshipType = "dependency"
	RelationshipMilestone  RelationshipType = "milestone"
	RelationshipReference  RelationshipType = "reference"
)

// Valid reports whether r is a known relationship type.
func (r RelationshipType) Valid() bool {
	switch r {
	case RelationshipAlignment, RelationshipDependency, RelationshipMilestone, RelationshipReference:
		return true
	}
	return false
}

// Organization settings enums.
type (
	GoalFramework     string
	PlanningCycle     string
	ProgressFrequency string
)

const (
	FrameworkOKR   GoalFramework = "okr"
	FrameworkSMART GoalFramework = "smart"
	FrameworkKPI   GoalFramework = "kpi"

	CycleQuarterly PlanningCycle = "quarterly"
	CycleAnnual    PlanningCycle = "annual"
	CycleMonthly   PlanningCycle = "monthly"

	FrequencyWeekly   ProgressFrequency = "weekly"
	FrequencyBiweekly ProgressFrequency = "biweekly"
	FrequencyMonthly  ProgressFrequency = "monthly"
)

// User preference enums.
type (
	Theme string
	View  string
)

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"

	ViewKanban   View = "kanban"
	ViewList     View = "list"
	ViewCalendar View = "calendar"
)
