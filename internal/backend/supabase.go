package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/aesyros/align/internal/logging"
	"github.com/aesyros/align/supabase/client"
)

func init() {
	Register("supabase", func(ctx context.Context, s Settings) (Backend, error) {
		return NewSupabase(SupabaseConfig{
			URL:         s.URL,
			APIKey:      s.APIKey,
			AccessToken: s.AccessToken,
			JoinTimeout: s.JoinTimeout,
			Logger:      s.Logger,
		})
	})
}

// SupabaseConfig configures the Supabase backend.
type SupabaseConfig struct {
	URL         string
	APIKey      string
	AccessToken string
	HTTPClient  *http.Client
	// CircuitBreaker defaults to client.DefaultCircuitBreakerConfig.
	CircuitBreaker *client.CircuitBreakerConfig
	JoinTimeout    time.Duration
	// Reconnect defaults to client.DefaultReconnectBackoff.
	Reconnect *client.BackoffConfig
	Logger    *logging.Logger
}

// Supabase implements Backend over PostgREST and Realtime.
type Supabase struct {
	rest     *client.Client
	realtime *client.RealtimeClient
	log      *logging.Logger
}

// NewSupabase creates a Supabase backend. REST calls are sent once; the
// circuit breaker only short-circuits while the backend keeps failing. The
// realtime connection is re-established with backoff after transport loss.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("backend.supabase")
	}

	breaker := client.DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		breaker = *cfg.CircuitBreaker
	}
	if breaker.OnStateChange == nil {
		breaker.OnStateChange = func(from, to client.CircuitState) {
			log.WithFields(map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("supabase circuit breaker changed state")
		}
	}

	rest, err := client.NewWithCircuitBreaker(client.Config{
		URL:         cfg.URL,
		APIKey:      cfg.APIKey,
		AccessToken: cfg.AccessToken,
		HTTPClient:  cfg.HTTPClient,
	}, breaker)
	if err != nil {
		return nil, fmt.Errorf("supabase backend: %w", err)
	}

	realtime := client.NewRealtimeClient(client.RealtimeConfig{
		URL:         cfg.URL,
		APIKey:      cfg.APIKey,
		AccessToken: cfg.AccessToken,
		JoinTimeout: cfg.JoinTimeout,
		Reconnect:   cfg.Reconnect,
		Logger:      log.Named("backend.supabase.realtime"),
	})

	return &Supabase{rest: rest, realtime: realtime, log: log}, nil
}

// Select implements Tables.
func (s *Supabase) Select(ctx context.Context, table string, q Query, dest any) error {
	qb := s.rest.From(table)
	if q.Columns != "" {
		qb.Select(q.Columns)
	}
	applyFilters(qb, q.Filters)
	if len(q.AnyOf) > 0 {
		qb.Or(q.OrExpr())
	}
	for _, o := range q.Order {
		qb.Order(o.Column, !o.Desc)
	}
	limit := q.Limit
	if q.Single {
		limit = 1
	}
	if limit > 0 {
		qb.Limit(limit)
	}

	resp, err := qb.Execute(ctx)
	if err := responseError("select", table, resp, err); err != nil {
		return err
	}
	return DecodeRows(resp.Body, dest, q.Single)
}

// Insert implements Tables.
func (s *Supabase) Insert(ctx context.Context, table string, row any, dest any) error {
	qb := s.rest.From(table)
	if dest != nil {
		qb.Select("*")
	}
	resp, err := qb.ExecuteInsert(ctx, row)
	if err := responseError("insert", table, resp, err); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	return DecodeRows(resp.Body, dest, !IsSliceDest(dest))
}

// Update implements Tables.
func (s *Supabase) Update(ctx context.Context, table string, patch any, filters ...Filter) error {
	qb := s.rest.From(table)
	applyFilters(qb, filters)
	resp, err := qb.ExecuteUpdate(ctx, patch)
	return responseError("update", table, resp, err)
}

// Delete implements Tables.
func (s *Supabase) Delete(ctx context.Context, table string, filters ...Filter) error {
	qb := s.rest.From(table)
	applyFilters(qb, filters)
	resp, err := qb.ExecuteDelete(ctx)
	return responseError("delete", table, resp, err)
}

// Subscribe implements Feed.
func (s *Supabase) Subscribe(ctx context.Context, spec ChangeSpec, onChange func(Change), onStatus func(ChannelStatus)) (Subscription, error) {
	cfg := client.PostgresChangesConfig{
		Event:  string(spec.Event),
		Schema: spec.Schema,
		Table:  spec.Table,
	}
	if spec.Filter != nil {
		cfg.Filter = spec.Filter.String()
	}

	ch, err := s.realtime.Subscribe(ctx, spec.Channel, cfg,
		func(pc client.PostgresChange) {
			if onChange != nil {
				onChange(changeFromRealtime(pc))
			}
		},
		func(st client.ChannelStatus) {
			if onStatus != nil {
				onStatus(ChannelStatus(st))
			}
		},
	)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("subscribe %s: %v", spec.Table, err), Err: err}
	}
	return ch, nil
}

// Close implements Backend.
func (s *Supabase) Close() error {
	return s.realtime.Disconnect()
}

func changeFromRealtime(pc client.PostgresChange) Change {
	c := Change{
		Type:   EventType(pc.Type),
		Schema: pc.Schema,
		Table:  pc.Table,
		New:    pc.Record,
		Old:    pc.OldRecord,
	}
	if ts, err := time.Parse(time.RFC3339Nano, pc.CommitTimestamp); err == nil {
		c.CommitTimestamp = ts
	}
	return c
}

func applyFilters(qb *client.QueryBuilder, filters []Filter) {
	for _, f := range filters {
		if f.Op == OpIn {
			qb.In(f.Column, listValues(f.Value))
			continue
		}
		qb.Filter(f.Column, string(f.Op), formatValue(f.Value))
	}
}

func responseError(op, table string, resp *client.Response, err error) error {
	if err != nil {
		return &Error{Message: fmt.Sprintf("%s %s: %v", op, table, err), Err: err}
	}
	if apiErr := resp.Err(); apiErr != nil {
		var typed *client.Error
		if errors.As(apiErr, &typed) {
			return &Error{Code: typed.Code, Message: typed.Message, Status: typed.StatusCode, Err: apiErr}
		}
		return &Error{Message: apiErr.Error(), Status: resp.StatusCode, Err: apiErr}
	}
	return nil
}

// DecodeRows decodes a JSON array body into dest. With single set, dest
// receives the first row and an empty array yields ErrNoRows.
func DecodeRows(body []byte, dest any, single bool) error {
	if dest == nil {
		return nil
	}
	if !single {
		return json.Unmarshal(body, dest)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return json.Unmarshal(body, dest)
	}
	if len(rows) == 0 {
		return ErrNoRows
	}
	return json.Unmarshal(rows[0], dest)
}

// IsSliceDest reports whether dest points to a slice.
func IsSliceDest(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Slice
}
