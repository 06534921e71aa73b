// Package orgsync loads the session's organization and user into the shared
// state store and keeps them current through push subscriptions.
package orgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/logging"
	"github.com/aesyros/align/internal/sharedstate"
)

const (
	tableOrganizations = "organizations"
	tableCompanySetup  = "align_company_setup"
	tableUsers         = "users"
)

var (
	ErrAlreadyStarted = errors.New("orgsync: already started")
	ErrNoSubject      = errors.New("orgsync: token has no subject")
)

// Syncer mirrors one organization and one user.
type Syncer struct {
	store   *sharedstate.Store
	backend backend.Backend
	log     *logging.Logger

	orgMu  sync.Mutex
	userMu sync.Mutex

	mu      sync.Mutex
	started bool
	subs    []backend.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Syncer writing to store.
func New(store *sharedstate.Store, b backend.Backend, log *logging.Logger) *Syncer {
	if log == nil {
		log = logging.NewDefault("orgsync")
	}
	return &Syncer{store: store, backend: b, log: log}
}

type organizationRow struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Industry *string `json:"industry"`
	Size     *string `json:"size"`
}

type companySetupRow struct {
	GoalFramework     *string `json:"goal_framework"`
	PlanningCycle     *string `json:"planning_cycle"`
	AlignmentRequired *bool   `json:"alignment_required"`
	ProgressFrequency *string `json:"progress_frequency"`
}

// SyncOrganization reads the organization and its setup row and replaces the
// store's organization. Missing settings take their defaults.
func (s *Syncer) SyncOrganization(ctx context.Context, orgID string) (sharedstate.Organization, error) {
	s.orgMu.Lock()
	defer s.orgMu.Unlock()

	var row organizationRow
	err := s.backend.Select(ctx, tableOrganizations, backend.Query{
		Columns: "id,name,industry,size",
		Filters: []backend.Filter{backend.Eq("id", orgID)},
		Single:  true,
	}, &row)
	if err != nil {
		s.log.WithError(err).WithField("organization_id", orgID).Error("error syncing organization data")
		return sharedstate.Organization{}, fmt.Errorf("sync organization %s: %w", orgID, err)
	}

	var setups []companySetupRow
	err = s.backend.Select(ctx, tableCompanySetup, backend.Query{
		Columns: "goal_framework,planning_cycle,alignment_required,progress_frequency",
		Filters: []backend.Filter{backend.Eq("organization_id", orgID)},
		Limit:   1,
	}, &setups)
	if err != nil {
		s.log.WithError(err).WithField("organization_id", orgID).Error("error syncing organization setup")
		return sharedstate.Organization{}, fmt.Errorf("sync organization %s setup: %w", orgID, err)
	}

	org := sharedstate.Organization{
		ID:       row.ID,
		Name:     row.Name,
		Industry: deref(row.Industry),
		Size:     deref(row.Size),
		Settings: sharedstate.DefaultOrganizationSettings(),
	}
	if len(setups) > 0 {
		applySetup(&org.Settings, setups[0])
	}

	s.store.SetOrganization(org)
	return org, nil
}

func applySetup(settings *sharedstate.OrganizationSettings, row companySetupRow) {
	if v := deref(row.GoalFramework); v != "" {
		settings.GoalFramework = sharedstate.GoalFramework(v)
	}
	if v := deref(row.PlanningCycle); v != "" {
		settings.PlanningCycle = sharedstate.PlanningCycle(v)
	}
	if row.AlignmentRequired != nil {
		settings.AlignmentRequired = *row.AlignmentRequired
	}
	if v := deref(row.ProgressFrequency); v != "" {
		settings.ProgressFrequency = sharedstate.ProgressFrequency(v)
	}
}

type userRow struct {
	ID           string          `json:"id"`
	FullName     string          `json:"full_name"`
	Email        string          `json:"email"`
	Role         string          `json:"role"`
	DepartmentID *string         `json:"department_id"`
	TeamID       *string         `json:"team_id"`
	Preferences  json.RawMessage `json:"preferences"`
}

// SyncUser reads the user and replaces the store's user. Users without
// stored preferences get the defaults.
func (s *Syncer) SyncUser(ctx context.Context, userID string) (sharedstate.User, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	var row userRow
	err := s.backend.Select(ctx, tableUsers, backend.Query{
		Columns: "id,full_name,email,role,department_id,team_id,preferences",
		Filters: []backend.Filter{backend.Eq("id", userID)},
		Single:  true,
	}, &row)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("error syncing user data")
		return sharedstate.User{}, fmt.Errorf("sync user %s: %w", userID, err)
	}

	prefs := sharedstate.DefaultPreferences()
	if len(row.Preferences) > 0 && string(row.Preferences) != "null" {
		if err := json.Unmarshal(row.Preferences, &prefs); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("stored preferences unreadable, using defaults")
			prefs = sharedstate.DefaultPreferences()
		}
	}

	user := sharedstate.User{
		ID:           row.ID,
		FullName:     row.FullName,
		Email:        row.Email,
		Role:         row.Role,
		DepartmentID: row.DepartmentID,
		TeamID:       row.TeamID,
		Preferences:  prefs,
	}
	s.store.SetUser(user)
	return user, nil
}

// UpdateUserPreferences persists the merged preferences of the current user
// and then applies patch to the store. Without a user it does nothing.
func (s *Syncer) UpdateUserPreferences(ctx context.Context, patch sharedstate.PreferencesPatch) error {
	user, ok := s.store.User()
	if !ok {
		return nil
	}
	merged := user.Preferences.Apply(patch)
	err := s.backend.Update(ctx, tableUsers, map[string]any{"preferences": merged}, backend.Eq("id", user.ID))
	if err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Error("error updating user preferences")
		return fmt.Errorf("update preferences of %s: %w", user.ID, err)
	}
	s.store.UpdateUserPreferences(patch)
	return nil
}

// Start opens the push subscriptions that re-sync the organization and the
// user on remote changes. Either id may be empty to skip that half.
func (s *Syncer) Start(ctx context.Context, orgID, userID string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	sctx := s.ctx
	s.mu.Unlock()

	var errs []error
	if orgID != "" {
		resync := func(backend.Change) {
			s.async(sctx, func(ctx context.Context) {
				_, _ = s.SyncOrganization(ctx, orgID)
			})
		}
		orgFilter := backend.Eq("id", orgID)
		setupFilter := backend.Eq("organization_id", orgID)
		errs = append(errs,
			s.subscribe(ctx, backend.ChangeSpec{
				Channel: "organization_sync",
				Schema:  "public",
				Table:   tableOrganizations,
				Event:   backend.EventUpdate,
				Filter:  &orgFilter,
			}, resync),
			s.subscribe(ctx, backend.ChangeSpec{
				Channel: "organization_setup_sync",
				Schema:  "public",
				Table:   tableCompanySetup,
				Event:   backend.EventAll,
				Filter:  &setupFilter,
			}, resync),
		)
	}
	if userID != "" {
		userFilter := backend.Eq("id", userID)
		errs = append(errs, s.subscribe(ctx, backend.ChangeSpec{
			Channel: "user_sync",
			Schema:  "public",
			Table:   tableUsers,
			Event:   backend.EventUpdate,
			Filter:  &userFilter,
		}, func(backend.Change) {
			s.async(sctx, func(ctx context.Context) {
				_, _ = s.SyncUser(ctx, userID)
			})
		}))
	}
	return errors.Join(errs...)
}

// Stop closes every subscription opened by Start and waits for running
// re-syncs.
func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	subs := s.subs
	s.subs = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Syncer) subscribe(ctx context.Context, spec backend.ChangeSpec, onChange func(backend.Change)) error {
	sub, err := s.backend.Subscribe(ctx, spec, onChange, func(st backend.ChannelStatus) {
		if st != backend.StatusSubscribed {
			s.log.WithFields(map[string]interface{}{
				"table":  spec.Table,
				"status": string(st),
			}).Warn("sync subscription not live")
		}
	})
	if err != nil {
		s.log.WithError(err).WithField("table", spec.Table).Error("sync subscription failed")
		return fmt.Errorf("subscribe %s: %w", spec.Table, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *Syncer) async(sctx context.Context, fn func(ctx context.Context)) {
	s.mu.Lock()
	if !s.started || s.ctx != sctx {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(sctx)
	}()
}

// UserIDFromToken returns the subject of a Supabase access token. The
// signature is not verified here; the backend verifies every request made
// with the token.
func UserIDFromToken(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrNoSubject
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read subject: %w", err)
	}
	if sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
