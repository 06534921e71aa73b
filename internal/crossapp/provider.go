// Package crossapp keeps a hosting application's shared state in sync with
// the rest of the suite. A Provider is mounted once per application: it opens
// the push subscriptions for inbound notifications, cross-app activity and
// sibling entity caches, and tears all of them down on Unmount.
package crossapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/logging"
	"github.com/aesyros/align/internal/metrics"
	"github.com/aesyros/align/internal/sharedstate"
)

// DefaultConnectTimeout bounds the time spent in the connecting state.
const DefaultConnectTimeout = 10 * time.Second

const (
	tableNotifications = "notifications"
	tableActivity      = "activity_logs"
	tableGoals         = "align_objectives"
	tableProjects      = "drive_projects"
	tableLinks         = "cross_app_links"
)

var (
	ErrAlreadyMounted = errors.New("crossapp: provider already mounted")
	ErrNotMounted     = errors.New("crossapp: provider not mounted")
	ErrInvalidApp     = errors.New("crossapp: unknown application")
)

// Config configures a Provider.
type Config struct {
	App     sharedstate.App
	Store   *sharedstate.Store
	Backend backend.Backend

	// ConnectTimeout moves the connection status from connecting to
	// disconnected when no acknowledgment arrives in time. Zero selects
	// DefaultConnectTimeout; a negative value disables the timer.
	ConnectTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Provider is the cross-app sync session of one hosting application.
type Provider struct {
	app     sharedstate.App
	store   *sharedstate.Store
	backend backend.Backend
	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	connectTimeout time.Duration

	mu      sync.Mutex
	mounted bool
	subs    []mountedSub
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	acked   bool

	refreshes sync.WaitGroup
	goalsMu   sync.Mutex
	projMu    sync.Mutex
}

type mountedSub struct {
	table string
	sub   backend.Subscription
}

// New creates a Provider. The store and backend are required.
func New(cfg Config) (*Provider, error) {
	if !cfg.App.Valid() {
		return nil, ErrInvalidApp
	}
	if cfg.Store == nil {
		return nil, errors.New("crossapp: store is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("crossapp: backend is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("crossapp")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Provider{
		app:            cfg.App,
		store:          cfg.Store,
		backend:        cfg.Backend,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		now:            cfg.Clock,
		connectTimeout: cfg.ConnectTimeout,
	}, nil
}

// App returns the hosting application.
func (p *Provider) App() sharedstate.App {
	return p.app
}

// Store returns the store the provider writes to.
func (p *Provider) Store() *sharedstate.Store {
	return p.store
}

// Mounted reports whether the provider is mounted.
func (p *Provider) Mounted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mounted
}

// Mount records the application as current, opens every push subscription
// and loads the sibling cache that applies to the application. Failing
// subscriptions and a failing initial load are logged; they do not fail the
// mount.
func (p *Provider) Mount(ctx context.Context) error {
	p.mu.Lock()
	if p.mounted {
		p.mu.Unlock()
		return ErrAlreadyMounted
	}
	p.mounted = true
	p.acked = false
	p.ctx, p.cancel = context.WithCancel(context.Background())
	mctx := p.ctx
	p.mu.Unlock()

	p.store.SetNavigationContext(p.app, map[string]any{
		"entryTime": p.now().UTC().Format(time.RFC3339),
	})

	p.store.SetConnectionStatus(sharedstate.Connecting)
	p.startConnectTimer(mctx)

	notifyFilter := backend.Eq("target_app", p.app.String())
	p.subscribe(ctx, mctx, backend.ChangeSpec{
		Channel: "cross_app_notifications",
		Schema:  "public",
		Table:   tableNotifications,
		Event:   backend.EventInsert,
		Filter:  &notifyFilter,
	}, p.onNotification, p.onNotificationStatus)

	p.subscribe(ctx, mctx, backend.ChangeSpec{
		Channel: "cross_app_activity",
		Schema:  "public",
		Table:   tableActivity,
		Event:   backend.EventInsert,
	}, p.onActivity, p.logStatus(tableActivity))

	cache := p.siblingCache()
	if cache != nil {
		p.subscribe(ctx, mctx, backend.ChangeSpec{
			Channel: cache.channel,
			Schema:  "public",
			Table:   cache.table,
			Event:   backend.EventAll,
		}, func(backend.Change) {
			p.refreshAsync(mctx, cache)
		}, p.logStatus(cache.table))
	}

	p.loadInitial(mctx, cache)
	return nil
}

// Unmount closes every subscription opened by Mount, stops the connect
// timer and waits for in-flight cache refreshes to observe cancellation.
// Every subscription is closed even when earlier ones fail; their errors are
// joined. Unmounting an unmounted provider is a no-op.
func (p *Provider) Unmount(ctx context.Context) error {
	p.mu.Lock()
	if !p.mounted {
		p.mu.Unlock()
		return nil
	}
	p.mounted = false
	subs := p.subs
	p.subs = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	var errs []error
	for _, s := range subs {
		if err := s.sub.Unsubscribe(ctx); err != nil {
			p.log.WithError(err).WithField("table", s.table).Warn("unsubscribe failed")
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", s.table, err))
		}
		p.metrics.SetSubscribed(s.table, false)
	}

	p.refreshes.Wait()
	return errors.Join(errs...)
}

// Refresh reloads the sibling cache that applies to the application. The
// reload is bound to the current mount: Unmount cancels it and waits for it,
// so a late result never reaches the store.
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if !p.mounted {
		p.mu.Unlock()
		return ErrNotMounted
	}
	mctx := p.ctx
	p.refreshes.Add(1)
	p.mu.Unlock()
	defer p.refreshes.Done()

	cache := p.siblingCache()
	if cache == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(mctx, cancel)
	defer stop()

	if err := cache.refresh(ctx); err != nil {
		if mctx.Err() != nil {
			return ErrNotMounted
		}
		return err
	}
	if mctx.Err() != nil {
		return ErrNotMounted
	}
	p.store.UpdateLastSync()
	return nil
}

func (p *Provider) subscribe(ctx, mctx context.Context, spec backend.ChangeSpec, onChange func(backend.Change), onStatus func(backend.ChannelStatus)) {
	guardedChange := func(c backend.Change) {
		if mctx.Err() == nil {
			onChange(c)
		}
	}
	guardedStatus := func(st backend.ChannelStatus) {
		if mctx.Err() == nil {
			onStatus(st)
		}
	}

	sub, err := p.backend.Subscribe(ctx, spec, guardedChange, guardedStatus)
	if err != nil {
		p.log.WithError(err).WithFields(map[string]interface{}{
			"app":   p.app.String(),
			"table": spec.Table,
		}).Error("subscription failed")
		return
	}

	p.mu.Lock()
	if !p.mounted || p.ctx != mctx {
		p.mu.Unlock()
		_ = sub.Unsubscribe(context.Background())
		return
	}
	p.subs = append(p.subs, mountedSub{table: spec.Table, sub: sub})
	p.mu.Unlock()
}

func (p *Provider) startConnectTimer(mctx context.Context) {
	if p.connectTimeout < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(p.connectTimeout, func() {
		p.mu.Lock()
		expired := p.mounted && p.ctx == mctx && !p.acked
		p.mu.Unlock()
		if !expired {
			return
		}
		if p.store.Connection().Status == sharedstate.Connecting {
			p.log.WithField("app", p.app.String()).Warn("no subscription acknowledgment before connect timeout")
			p.store.SetConnectionStatus(sharedstate.Disconnected)
		}
	})
}

func (p *Provider) onNotificationStatus(st backend.ChannelStatus) {
	p.log.WithFields(map[string]interface{}{
		"app":    p.app.String(),
		"status": string(st),
	}).Debug("cross-app notifications subscription")

	subscribed := st == backend.StatusSubscribed
	p.metrics.SetSubscribed(tableNotifications, subscribed)
	if !subscribed {
		p.store.SetConnectionStatus(sharedstate.Disconnected)
		return
	}

	p.mu.Lock()
	p.acked = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.store.SetConnectionStatus(sharedstate.Connected)
	p.store.UpdateLastSync()
}

func (p *Provider) logStatus(table string) func(backend.ChannelStatus) {
	return func(st backend.ChannelStatus) {
		p.metrics.SetSubscribed(table, st == backend.StatusSubscribed)
		if st == backend.StatusSubscribed {
			p.log.WithField("table", table).Debug("subscription acknowledged")
			return
		}
		p.log.WithFields(map[string]interface{}{
			"table":  table,
			"status": string(st),
		}).Warn("subscription not live")
	}
}

// notificationRow is a notifications table row.
type notificationRow struct {
	Type       sharedstate.NotificationType `json:"type"`
	SourceApp  sharedstate.App              `json:"source_app"`
	TargetApp  sharedstate.App              `json:"target_app"`
	EntityType sharedstate.EntityType       `json:"entity_type"`
	EntityID   string                       `json:"entity_id"`
	Title      string                       `json:"title"`
	Message    string                       `json:"message"`
	Data       map[string]any               `json:"data,omitempty"`
	Read       bool                         `json:"read"`
}

func (p *Provider) onNotification(c backend.Change) {
	if c.New == nil {
		return
	}
	var row notificationRow
	if err := c.Decode(&row); err != nil {
		p.log.WithError(err).Warn("dropping undecodable notification")
		return
	}
	p.store.AddNotification(sharedstate.NotificationInput{
		Type:       row.Type,
		SourceApp:  row.SourceApp,
		TargetApp:  row.TargetApp,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		Title:      row.Title,
		Message:    row.Message,
		Data:       row.Data,
	})
	p.metrics.RecordNotificationReceived(row.Type.String())
}

type activityRow struct {
	Product    string          `json:"product"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	UserID     string          `json:"user_id"`
	Details    json.RawMessage `json:"details"`
}

func (p *Provider) onActivity(c backend.Change) {
	if c.New == nil {
		return
	}
	var row activityRow
	if err := c.Decode(&row); err != nil {
		p.log.WithError(err).Warn("dropping undecodable activity event")
		return
	}
	// The hosting application already shows its own activity.
	if row.Product == p.app.String() {
		p.metrics.RecordActivity(row.Product, true)
		return
	}
	details := row.Details
	if len(details) == 0 || string(details) == "null" {
		details = json.RawMessage(`{}`)
	}
	p.store.AddActivity(sharedstate.ActivityInput{
		Product:    sharedstate.ParseApp(row.Product),
		Action:     row.Action,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		UserID:     row.UserID,
		Details:    details,
	})
	p.metrics.RecordActivity(row.Product, false)
}
