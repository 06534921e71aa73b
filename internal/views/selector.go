package views

import (
	"strings"
	"sync"

	"github.com/aesyros/align/internal/sharedstate"
)

const (
	DefaultGoalPlaceholder = "Select a goal to align with..."
	NoMatchingGoalsText    = "No goals match your search"
	NoGoalsText            = "No goals available"
	GoalsOfflineText       = "Goals unavailable (offline)"
)

// GoalSelectorView is the selector state at one instant.
type GoalSelectorView struct {
	Available      bool                      `json:"available"`
	UnavailableMsg string                    `json:"unavailable_message,omitempty"`
	Open           bool                      `json:"open"`
	Disabled       bool                      `json:"disabled"`
	Search         string                    `json:"search"`
	Placeholder    string                    `json:"placeholder"`
	Selected       *sharedstate.GoalSummary  `json:"selected,omitempty"`
	Goals          []sharedstate.GoalSummary `json:"goals"`
	EmptyMessage   string                    `json:"empty_message,omitempty"`
	OfflineDot     bool                      `json:"offline_dot"`
}

// GoalSelector picks a goal from the cross-app goal cache.
type GoalSelector struct {
	store    *sharedstate.Store
	onSelect func(goal *sharedstate.GoalSummary)

	mu         sync.Mutex
	open       bool
	disabled   bool
	search     string
	selectedID string
}

// NewGoalSelector creates a selector. onSelect receives the chosen goal, or
// nil when the selection is cleared; it may be nil.
func NewGoalSelector(store *sharedstate.Store, onSelect func(goal *sharedstate.GoalSummary)) *GoalSelector {
	if onSelect == nil {
		onSelect = func(*sharedstate.GoalSummary) {}
	}
	return &GoalSelector{store: store, onSelect: onSelect}
}

// SetDisabled disables the selector; a disabled selector does not open.
func (g *GoalSelector) SetDisabled(disabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabled = disabled
	if disabled {
		g.open = false
	}
}

// Toggle opens or closes the dropdown and returns the new state.
func (g *GoalSelector) Toggle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabled {
		return g.open
	}
	g.open = !g.open
	return g.open
}

func (g *GoalSelector) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *GoalSelector) SetSearch(term string) {
	g.mu.Lock()
	g.search = term
	g.mu.Unlock()
}

func (g *GoalSelector) Search() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.search
}

// Filtered returns the cached goals whose title contains the search term,
// ignoring case. A blank term matches every goal.
func (g *GoalSelector) Filtered() []sharedstate.GoalSummary {
	return filterGoals(g.store.Goals(), g.Search())
}

func filterGoals(goals []sharedstate.GoalSummary, term string) []sharedstate.GoalSummary {
	term = strings.TrimSpace(term)
	if term == "" {
		return goals
	}
	needle := strings.ToLower(term)
	out := make([]sharedstate.GoalSummary, 0, len(goals))
	for _, goal := range goals {
		if strings.Contains(strings.ToLower(goal.Title), needle) {
			out = append(out, goal)
		}
	}
	return out
}

// Select chooses the cached goal with the given id, closes the dropdown and
// clears the search. It reports false when the goal is not cached.
func (g *GoalSelector) Select(id string) (sharedstate.GoalSummary, bool) {
	goal, ok := findGoal(g.store.Goals(), id)
	if !ok {
		return sharedstate.GoalSummary{}, false
	}
	g.mu.Lock()
	g.selectedID = id
	g.open = false
	g.search = ""
	g.mu.Unlock()

	g.onSelect(&goal)
	return goal, true
}

// ClearSelection drops the selection and closes the dropdown. The search term
// is kept.
func (g *GoalSelector) ClearSelection() {
	g.mu.Lock()
	g.selectedID = ""
	g.open = false
	g.mu.Unlock()

	g.onSelect(nil)
}

// Selected returns the selected goal if it is still cached.
func (g *GoalSelector) Selected() (sharedstate.GoalSummary, bool) {
	g.mu.Lock()
	id := g.selectedID
	g.mu.Unlock()
	if id == "" {
		return sharedstate.GoalSummary{}, false
	}
	return findGoal(g.store.Goals(), id)
}

// Available is false only while offline with nothing cached.
func (g *GoalSelector) Available() bool {
	return g.store.Connection().Status.IsLive() || len(g.store.Goals()) > 0
}

// EmptyMessage explains an empty result list; it is empty when goals match.
func (g *GoalSelector) EmptyMessage() string {
	search := g.Search()
	if len(filterGoals(g.store.Goals(), search)) > 0 {
		return ""
	}
	if strings.TrimSpace(search) != "" {
		return NoMatchingGoalsText
	}
	return NoGoalsText
}

// ShowOfflineDot marks goals served from a cache that is not live.
func (g *GoalSelector) ShowOfflineDot() bool {
	return !g.store.Connection().Status.IsLive()
}

// View returns the complete selector state.
func (g *GoalSelector) View() GoalSelectorView {
	g.mu.Lock()
	open, disabled, search, selectedID := g.open, g.disabled, g.search, g.selectedID
	g.mu.Unlock()

	goals := g.store.Goals()
	live := g.store.Connection().Status.IsLive()

	v := GoalSelectorView{
		Available:   live || len(goals) > 0,
		Open:        open,
		Disabled:    disabled,
		Search:      search,
		Placeholder: DefaultGoalPlaceholder,
		Goals:       filterGoals(goals, search),
		OfflineDot:  !live,
	}
	if !v.Available {
		v.UnavailableMsg = GoalsOfflineText
	}
	if goal, ok := findGoal(goals, selectedID); ok && selectedID != "" {
		v.Selected = &goal
	}
	if len(v.Goals) == 0 {
		if strings.TrimSpace(search) != "" {
			v.EmptyMessage = NoMatchingGoalsText
		} else {
			v.EmptyMessage = NoGoalsText
		}
	}
	return v
}

func findGoal(goals []sharedstate.GoalSummary, id string) (sharedstate.GoalSummary, bool) {
	for _, goal := range goals {
		if goal.ID == id {
			return goal, true
		}
	}
	return sharedstate.GoalSummary{}, false
}
