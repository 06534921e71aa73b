// Package backend defines the remote table and change-feed contract the
// cross-app layer depends on, and opens concrete implementations by kind.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aesyros/align/internal/logging"
)

// Tables reads and writes rows of named tables. Rows are decoded into dest
// with encoding/json field tags.
type Tables interface {
	Select(ctx context.Context, table string, q Query, dest any) error
	// Insert writes row and, when dest is non-nil, decodes the inserted rows.
	Insert(ctx context.Context, table string, row any, dest any) error
	Update(ctx context.Context, table string, patch any, filters ...Filter) error
	Delete(ctx context.Context, table string, filters ...Filter) error
}

// Feed opens push subscriptions over table changes.
type Feed interface {
	// Subscribe opens a subscription. onStatus is called for every channel
	// status transition; onChange for every matching row change. Callbacks of
	// one subscription are never run concurrently.
	Subscribe(ctx context.Context, spec ChangeSpec, onChange func(Change), onStatus func(ChannelStatus)) (Subscription, error)
}

// Subscription is an open push subscription.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Backend is a full remote backend.
type Backend interface {
	Tables
	Feed
	Close() error
}

// EventType selects which row changes a subscription receives.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// Accepts reports whether a change of type t passes this event selector.
func (e EventType) Accepts(t EventType) bool {
	return e == EventAll || e == "" || strings.EqualFold(string(e), string(t))
}

// ChannelStatus is the state of a push subscription.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// ChangeSpec describes a push subscription.
type ChangeSpec struct {
	// Channel names the subscription; it must be unique per connection.
	Channel string
	Schema  string
	Table   string
	Event   EventType
	Filter  *Filter
}

// Change is one row change.
type Change struct {
	Type            EventType
	Schema          string
	Table           string
	New             json.RawMessage
	Old             json.RawMessage
	CommitTimestamp time.Time
}

// Decode unmarshals the new row image into v.
func (c Change) Decode(v any) error {
	if len(c.New) == 0 {
		return fmt.Errorf("%s change on %s has no new record", c.Type, c.Table)
	}
	return json.Unmarshal(c.New, v)
}

// Error is a backend failure with a human-readable message.
type Error struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoRows is returned by Select with Query.Single when no row matched.
var ErrNoRows = errors.New("backend: no rows")

// =============================================================================
// Factory
// =============================================================================

// Settings selects and configures a backend.
type Settings struct {
	// Kind is "supabase" or "postgres".
	Kind string

	URL         string
	APIKey      string
	AccessToken string

	DSN string

	// JoinTimeout bounds realtime channel joins; zero selects the default.
	JoinTimeout time.Duration
	Logger      *logging.Logger
}

// Factory opens a backend of one kind.
type Factory func(ctx context.Context, s Settings) (Backend, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register makes a backend kind available to Open.
func Register(kind string, factory Factory) {
	kind = normalizeKind(kind)
	if kind == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[kind] = factory
}

// Open opens the backend named by s.Kind.
func Open(ctx context.Context, s Settings) (Backend, error) {
	kind := normalizeKind(s.Kind)
	registry.mu.RLock()
	factory, ok := registry.factories[kind]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported backend kind: %q", s.Kind)
	}
	return factory(ctx, s)
}

func normalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "postgresql" {
		return "postgres"
	}
	return kind
}
