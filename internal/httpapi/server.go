// Package httpapi serves the shared state of one hosting application over
// HTTP: JSON read surfaces, the outbound helpers and a websocket feed of bell
// and connection updates.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/crossapp"
	"github.com/aesyros/align/internal/logging"
	"github.com/aesyros/align/internal/metrics"
	"github.com/aesyros/align/internal/middleware"
	"github.com/aesyros/align/internal/orgsync"
	"github.com/aesyros/align/internal/sharedstate"
	"github.com/aesyros/align/internal/views"
)

const serviceName = "crossapp"

// Config configures a Server.
type Config struct {
	Provider *crossapp.Provider
	// Syncer is optional; without it the preferences endpoint only updates
	// the local store.
	Syncer  *orgsync.Syncer
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	RateLimit      int
	RateBurst      int
	AllowedOrigins []string
	// JWTSecret enables bearer authentication when non-empty.
	JWTSecret []byte

	Clock func() time.Time
}

// Server is the HTTP surface of the cross-app layer.
type Server struct {
	provider *crossapp.Provider
	syncer   *orgsync.Syncer
	store    *sharedstate.Store
	bell     *views.Bell
	conn     *views.ConnectionIndicator
	feed     *feedHub
	cors     *middleware.CORSMiddleware
	limiter  *middleware.RateLimiter
	log      *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	router   *mux.Router
	handler  http.Handler
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Provider == nil {
		return nil, errors.New("httpapi: provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("httpapi")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	store := cfg.Provider.Store()
	s := &Server{
		provider: cfg.Provider,
		syncer:   cfg.Syncer,
		store:    store,
		bell:     views.NewBell(store),
		conn:     views.NewConnectionIndicator(store),
		cors:     middleware.NewCORSMiddleware(cfg.AllowedOrigins),
		limiter:  middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Logger),
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
	}
	s.feed = newFeedHub(store, s.bell, s.conn, s.checkOrigin, cfg.Clock, cfg.Logger, cfg.Metrics)
	s.router = s.routes(cfg)
	// Tracing and CORS wrap the router: mux runs route middleware only on a
	// match, and preflight requests match no route.
	tracing := middleware.NewTracingMiddleware(s.provider.App().String())
	s.handler = tracing.Handler(s.cors.Handler(s.router))
	return s, nil
}

func (s *Server) routes(cfg Config) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggingMiddleware(s.log))
	r.Use(middleware.MetricsMiddleware(serviceName, s.metrics))
	if len(cfg.JWTSecret) > 0 {
		auth := middleware.NewAuthMiddleware(cfg.JWTSecret, s.log, []string{"/healthz", "/metrics"})
		r.Use(auth.Handler)
	}
	r.Use(s.limiter.Handler)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/connection", s.handleConnection).Methods(http.MethodGet)
	r.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	r.HandleFunc("/notifications", s.handleBell).Methods(http.MethodGet)
	r.HandleFunc("/notifications", s.handleClearNotifications).Methods(http.MethodDelete)
	r.HandleFunc("/notifications/send", s.handleSendNotification).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)

	r.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	r.HandleFunc("/goals", s.handleGoals).Methods(http.MethodGet)
	r.HandleFunc("/projects", s.handleProjects).Methods(http.MethodGet)

	r.HandleFunc("/navigation", s.handleNavigation).Methods(http.MethodGet)
	r.HandleFunc("/navigation/{app}", s.handleSetNavigation).Methods(http.MethodPut)

	r.HandleFunc("/organization", s.handleOrganization).Methods(http.MethodGet)
	r.HandleFunc("/user", s.handleUser).Methods(http.MethodGet)
	r.HandleFunc("/user/preferences", s.handleUpdatePreferences).Methods(http.MethodPatch)

	r.HandleFunc("/links", s.handleCreateLink).Methods(http.MethodPost)
	r.HandleFunc("/links", s.handleGetLinks).Methods(http.MethodGet)
	r.HandleFunc("/links/{id}", s.handleDeleteLink).Methods(http.MethodDelete)

	r.HandleFunc("/feed", s.feed.serve).Methods(http.MethodGet)

	return r
}

// checkOrigin admits websocket upgrades from non-browser clients, the same
// host and the CORS allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return true
	}
	return s.cors.Allows(origin)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// PruneLimiters drops rate limiter state of clients idle for
// middleware.DefaultLimiterIdle and returns how many clients remain.
func (s *Server) PruneLimiters() int {
	return s.limiter.Cleanup(middleware.DefaultLimiterIdle)
}

// Close disconnects every feed client and stops watching the store.
func (s *Server) Close() {
	s.feed.close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]any{
		"app":        s.provider.App(),
		"mounted":    s.provider.Mounted(),
		"connection": s.store.Connection().Status,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.store.Snapshot())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.conn.View())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.Refresh(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	WriteSuccess(w, s.conn.View())
}

func (s *Server) handleBell(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.bell.View(s.now()))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.bell.Click(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	s.bell.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req crossapp.NotificationRequest
	if err := ReadJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.provider.SendNotification(r.Context(), req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, APIResponse{Success: true})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.store.RecentActivity())
}

// handleGoals serves the goal selector for the search term in ?search=.
func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	sel := views.NewGoalSelector(s.store, nil)
	sel.SetSearch(r.URL.Query().Get("search"))
	WriteSuccess(w, sel.View())
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.store.Projects())
}

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.store.Navigation())
}

func (s *Server) handleSetNavigation(w http.ResponseWriter, r *http.Request) {
	app := sharedstate.ParseApp(mux.Vars(r)["app"])
	if !app.Valid() {
		WriteError(w, http.StatusBadRequest, "unknown application")
		return
	}
	var ctx map[string]any
	if err := ReadJSON(r, &ctx); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.store.SetNavigationContext(app, ctx)
	WriteSuccess(w, s.store.Navigation())
}

func (s *Server) handleOrganization(w http.ResponseWriter, r *http.Request) {
	org, ok := s.store.Organization()
	if !ok {
		WriteError(w, http.StatusNotFound, "organization not loaded")
		return
	}
	WriteSuccess(w, org)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.store.User()
	if !ok {
		WriteError(w, http.StatusNotFound, "user not loaded")
		return
	}
	WriteSuccess(w, user)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch sharedstate.PreferencesPatch
	if err := ReadJSON(r, &patch); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.syncer != nil {
		if err := s.syncer.UpdateUserPreferences(r.Context(), patch); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	} else {
		s.store.UpdateUserPreferences(patch)
	}
	user, ok := s.store.User()
	if !ok {
		WriteError(w, http.StatusNotFound, "user not loaded")
		return
	}
	WriteSuccess(w, user.Preferences)
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var link crossapp.Link
	if err := ReadJSON(r, &link); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.provider.CreateLink(r.Context(), link)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, APIResponse{Success: true, Data: created})
}

// handleGetLinks lists the links touching ?app=&entity_type=&entity_id=.
func (s *Server) handleGetLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	app := sharedstate.ParseApp(q.Get("app"))
	entityType, entityID := q.Get("entity_type"), q.Get("entity_id")
	if !app.Valid() || entityType == "" || entityID == "" {
		WriteError(w, http.StatusBadRequest, "app, entity_type and entity_id are required")
		return
	}
	links, err := s.provider.GetLinks(r.Context(), app, entityType, entityID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	WriteSuccess(w, links)
}

func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.DeleteLink(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps provider and backend errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var berr *backend.Error
	switch {
	case errors.Is(err, crossapp.ErrInvalidNotification), errors.Is(err, crossapp.ErrInvalidLink):
		status = http.StatusBadRequest
	case errors.Is(err, crossapp.ErrNotMounted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &berr) && berr.Status >= 400 && berr.Status < 500:
		status = http.StatusUnprocessableEntity
	}
	if status >= 500 {
		s.log.WithContext(r.Context()).WithError(err).Warn("request failed")
	}
	WriteError(w, status, err.Error())
}
