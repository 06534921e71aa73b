// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aesyros/align/internal/backend"
)

// Call records one table operation received by a MockBackend.
type Call struct {
	Op      string
	Table   string
	Query   backend.Query
	Filters []backend.Filter
	Row     map[string]any
}

// MockBackend is an in-memory backend.Backend. Inserts, updates and deletes
// are published to matching subscriptions the way database triggers would,
// synchronously on the calling goroutine.
type MockBackend struct {
	mu      sync.Mutex
	tables  map[string][]map[string]any
	subs    []*mockSubscription
	calls   []Call
	errs    map[string]error
	now     func() time.Time
	manual  bool
	closed  bool
	blockCh map[string]chan struct{}
}

// NewMockBackend creates an empty mock backend. Subscriptions are
// acknowledged with SUBSCRIBED as soon as they are opened.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		tables:  make(map[string][]map[string]any),
		errs:    make(map[string]error),
		now:     time.Now,
		blockCh: make(map[string]chan struct{}),
	}
}

// ManualAck disables automatic SUBSCRIBED acknowledgments; use SetStatus.
func (m *MockBackend) ManualAck() *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = true
	return m
}

// SetClock replaces the clock used to stamp created_at.
func (m *MockBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailOn makes every op ("select", "insert", "update", "delete",
// "subscribe", "unsubscribe") on table return err. A nil err clears it.
func (m *MockBackend) FailOn(op, table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + ":" + table
	if err == nil {
		delete(m.errs, key)
		return
	}
	m.errs[key] = err
}

// BlockSelect makes selects on table wait until the returned function is
// called or their context ends.
func (m *MockBackend) BlockSelect(table string) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.blockCh[table] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.blockCh, table)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Seed replaces the rows of table without publishing changes.
func (m *MockBackend) Seed(table string, rows ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = nil
	for _, r := range rows {
		rec, err := toRecord(r)
		if err != nil {
			panic(fmt.Sprintf("testutil: seed %s: %v", table, err))
		}
		m.tables[table] = append(m.tables[table], rec)
	}
}

// Rows returns a copy of the rows of table.
func (m *MockBackend) Rows(table string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = copyRecord(r)
	}
	return out
}

// Calls returns the recorded table operations.
func (m *MockBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount counts recorded operations of op on table.
func (m *MockBackend) CallCount(op, table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && c.Table == table {
			n++
		}
	}
	return n
}

// Select implements backend.Tables.
func (m *MockBackend) Select(ctx context.Context, table string, q backend.Query, dest any) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "select", Table: table, Query: q})
	if err := m.errs["select:"+table]; err != nil {
		m.mu.Unlock()
		return err
	}
	block := m.blockCh[table]
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	var rows []map[string]any
	for _, r := range m.tables[table] {
		if matchesQuery(r, q) {
			rows = append(rows, project(r, q.Columns))
		}
	}
	m.mu.Unlock()

	sortRows(rows, q.Order)
	limit := q.Limit
	if q.Single {
		limit = 1
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return backend.DecodeRows(payload, dest, q.Single)
}

// Insert implements backend.Tables.
func (m *MockBackend) Insert(ctx context.Context, table string, row any, dest any) error {
	rec, err := toRecord(row)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "insert", Table: table, Row: copyRecord(rec)})
	if err := m.errs["insert:"+table]; err != nil {
		m.mu.Unlock()
		return err
	}
	if id, _ := rec["id"].(string); id == "" {
		rec["id"] = uuid.NewString()
	}
	if _, ok := rec["created_at"]; !ok {
		rec["created_at"] = m.now().UTC().Format(time.RFC3339Nano)
	}
	m.tables[table] = append(m.tables[table], rec)
	m.mu.Unlock()

	m.publish(table, backend.EventInsert, rec, nil)

	if dest == nil {
		return nil
	}
	payload, err := json.Marshal([]map[string]any{rec})
	if err != nil {
		return err
	}
	return backend.DecodeRows(payload, dest, !backend.IsSliceDest(dest))
}

// Update implements backend.Tables.
func (m *MockBackend) Update(ctx context.Context, table string, patch any, filters ...backend.Filter) error {
	rec, err := toRecord(patch)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "update", Table: table, Filters: filters, Row: copyRecord(rec)})
	if err := m.errs["update:"+table]; err != nil {
		m.mu.Unlock()
		return err
	}
	type pair struct{ old, new map[string]any }
	var changed []pair
	for _, r := range m.tables[table] {
		if !backend.MatchesAll(r, filters) {
			continue
		}
		old := copyRecord(r)
		for k, v := range rec {
			r[k] = v
		}
		changed = append(changed, pair{old: old, new: copyRecord(r)})
	}
	m.mu.Unlock()

	for _, c := range changed {
		m.publish(table, backend.EventUpdate, c.new, c.old)
	}
	return nil
}

// Delete implements backend.Tables.
func (m *MockBackend) Delete(ctx context.Context, table string, filters ...backend.Filter) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "delete", Table: table, Filters: filters})
	if err := m.errs["delete:"+table]; err != nil {
		m.mu.Unlock()
		return err
	}
	var kept, removed []map[string]any
	for _, r := range m.tables[table] {
		if backend.MatchesAll(r, filters) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	m.tables[table] = kept
	m.mu.Unlock()

	for _, r := range removed {
		m.publish(table, backend.EventDelete, nil, r)
	}
	return nil
}

// Subscribe implements backend.Feed.
func (m *MockBackend) Subscribe(ctx context.Context, spec backend.ChangeSpec, onChange func(backend.Change), onStatus func(backend.ChannelStatus)) (backend.Subscription, error) {
	if spec.Schema == "" {
		spec.Schema = "public"
	}
	if onChange == nil {
		onChange = func(backend.Change) {}
	}
	if onStatus == nil {
		onStatus = func(backend.ChannelStatus) {}
	}

	m.mu.Lock()
	if err := m.errs["subscribe:"+spec.Table]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := &mockSubscription{owner: m, spec: spec, onChange: onChange, onStatus: onStatus}
	m.subs = append(m.subs, s)
	manual := m.manual
	m.mu.Unlock()

	if !manual {
		s.status(backend.StatusSubscribed)
	}
	return s, nil
}

// Emit publishes a change on table as if a row had been written by another
// client. newRow and oldRow may be nil.
func (m *MockBackend) Emit(table string, kind backend.EventType, newRow, oldRow any) {
	var n, o map[string]any
	if newRow != nil {
		n, _ = toRecord(newRow)
	}
	if oldRow != nil {
		o, _ = toRecord(oldRow)
	}
	m.publish(table, kind, n, o)
}

// SetStatus reports status to every open subscription on table.
func (m *MockBackend) SetStatus(table string, status backend.ChannelStatus) {
	for _, s := range m.active(table) {
		s.status(status)
	}
}

// ActiveSubscriptions counts the open subscriptions on table; an empty table
// counts all of them.
func (m *MockBackend) ActiveSubscriptions(table string) int {
	return len(m.active(table))
}

// Close implements backend.Backend.
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockBackend) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockBackend) active(table string) []*mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mockSubscription
	for _, s := range m.subs {
		if !s.isClosed() && (table == "" || s.spec.Table == table) {
			out = append(out, s)
		}
	}
	return out
}

func (m *MockBackend) publish(table string, kind backend.EventType, newRow, oldRow map[string]any) {
	change := backend.Change{
		Type:            kind,
		Schema:          "public",
		Table:           table,
		CommitTimestamp: m.now().UTC(),
	}
	if newRow != nil {
		change.New, _ = json.Marshal(newRow)
	}
	if oldRow != nil {
		change.Old, _ = json.Marshal(oldRow)
	}
	image := newRow
	if image == nil {
		image = oldRow
	}

	for _, s := range m.active(table) {
		if !s.spec.Event.Accepts(kind) {
			continue
		}
		if s.spec.Filter != nil && !s.spec.Filter.Matches(image) {
			continue
		}
		s.deliver(change)
	}
}

type mockSubscription struct {
	owner    *MockBackend
	spec     backend.ChangeSpec
	onChange func(backend.Change)
	onStatus func(backend.ChannelStatus)

	mu     sync.Mutex // serializes callbacks
	closed bool
}

func (s *mockSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mockSubscription) deliver(c backend.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.onChange(c)
	}
}

func (s *mockSubscription) status(st backend.ChannelStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.onStatus(st)
	}
}

// Unsubscribe implements backend.Subscription.
func (s *mockSubscription) Unsubscribe(ctx context.Context) error {
	s.owner.mu.Lock()
	err := s.owner.errs["unsubscribe:"+s.spec.Table]
	s.owner.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

func toRecord(v any) (map[string]any, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("row must encode as a JSON object: %w", err)
	}
	return rec, nil
}

func copyRecord(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func matchesQuery(r map[string]any, q backend.Query) bool {
	if !backend.MatchesAll(r, q.Filters) {
		return false
	}
	if len(q.AnyOf) == 0 {
		return true
	}
	for _, group := range q.AnyOf {
		if backend.MatchesAll(r, group) {
			return true
		}
	}
	return false
}

func project(r map[string]any, columns string) map[string]any {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return copyRecord(r)
	}
	out := make(map[string]any)
	for _, c := range strings.Split(columns, ",") {
		c = strings.TrimSpace(c)
		out[c] = r[c]
	}
	return out
}

func sortRows(rows []map[string]any, order []backend.Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := compare(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compare(a, b any) int {
	fa, aok := a.(float64)
	fb, bok := b.(float64)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
