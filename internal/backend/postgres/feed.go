package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/logging"
)

// listener is the part of *pq.Listener the feed uses.
type listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type listenerFactory func(dsn string, onEvent pq.EventCallbackType) listener

func pqListenerFactory(dsn string, onEvent pq.EventCallbackType) listener {
	return pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, onEvent)
}

// subscription is one LISTEN connection filtered to one ChangeSpec.
type subscription struct {
	spec     backend.ChangeSpec
	l        listener
	onChange func(backend.Change)
	onStatus func(backend.ChannelStatus)
	fetch    func(ctx context.Context, table, id string) (json.RawMessage, error)
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	statuses chan backend.ChannelStatus
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// Subscribe implements backend.Feed. Every subscription owns a LISTEN
// connection; row filters are evaluated on the decoded record.
func (b *Backend) Subscribe(ctx context.Context, spec backend.ChangeSpec, onChange func(backend.Change), onStatus func(backend.ChannelStatus)) (backend.Subscription, error) {
	if spec.Schema == "" {
		spec.Schema = "public"
	}
	if spec.Event == "" {
		spec.Event = backend.EventAll
	}
	if onChange == nil {
		onChange = func(backend.Change) {}
	}
	if onStatus == nil {
		onStatus = func(backend.ChannelStatus) {}
	}

	s := &subscription{
		spec:     spec,
		onChange: onChange,
		onStatus: onStatus,
		fetch:    b.fetchRow,
		log:      b.log,
		statuses: make(chan backend.ChannelStatus, 16),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.l = b.newListener(b.dsn, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected, pq.ListenerEventReconnected:
			s.pushStatus(backend.StatusSubscribed)
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			if err != nil {
				b.log.WithError(err).WithField("table", spec.Table).Warn("change feed connection lost")
			}
			s.pushStatus(backend.StatusChannelError)
		}
	})

	if err := s.l.Listen(NotifyChannel); err != nil {
		s.cancel()
		_ = s.l.Close()
		return nil, &backend.Error{Message: fmt.Sprintf("listen %s: %v", spec.Table, err), Err: err}
	}

	go s.run()
	return s, nil
}

func (s *subscription) pushStatus(st backend.ChannelStatus) {
	select {
	case s.statuses <- st:
	case <-s.done:
	}
}

// run delivers statuses and changes from one goroutine.
func (s *subscription) run() {
	defer close(s.stopped)
	notes := s.l.NotificationChannel()
	for {
		select {
		case <-s.done:
			return
		case st := <-s.statuses:
			s.onStatus(st)
		case n, ok := <-notes:
			if !ok {
				s.onStatus(backend.StatusClosed)
				<-s.done
				return
			}
			if n == nil {
				// Reconnected; notifications sent while down are lost.
				continue
			}
			if change, ok := s.match(n.Extra); ok {
				s.onChange(change)
			}
		}
	}
}

func (s *subscription) match(payload string) (backend.Change, bool) {
	if !gjson.Valid(payload) {
		return backend.Change{}, false
	}
	p := gjson.Parse(payload)
	if p.Get("schema").String() != s.spec.Schema || p.Get("table").String() != s.spec.Table {
		return backend.Change{}, false
	}
	kind := backend.EventType(p.Get("type").String())
	if !s.spec.Event.Accepts(kind) {
		return backend.Change{}, false
	}

	change := backend.Change{
		Type:   kind,
		Schema: s.spec.Schema,
		Table:  s.spec.Table,
	}
	if p.Get("truncated").Bool() {
		if !s.restore(&change, p.Get("id").String()) {
			return backend.Change{}, false
		}
	} else {
		if r := p.Get("record"); r.IsObject() {
			change.New = json.RawMessage(r.Raw)
		}
		if r := p.Get("old_record"); r.IsObject() {
			change.Old = json.RawMessage(r.Raw)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.Get("commit_timestamp").String()); err == nil {
		change.CommitTimestamp = ts
	}

	if s.spec.Filter != nil {
		image := change.New
		if image == nil {
			image = change.Old
		}
		var record map[string]any
		if image == nil || json.Unmarshal(image, &record) != nil || !s.spec.Filter.Matches(record) {
			return backend.Change{}, false
		}
	}
	return change, true
}

// restore fills the images of a change whose row did not fit in the NOTIFY
// payload. Inserts and updates read the row back by key; a delete keeps only
// the key as its old image.
func (s *subscription) restore(change *backend.Change, id string) bool {
	entry := s.log.WithField("table", s.spec.Table).WithField("type", change.Type)
	if id == "" {
		entry.Warn("oversized change without a row key dropped")
		return false
	}
	if change.Type == backend.EventDelete {
		key, _ := json.Marshal(map[string]string{"id": id})
		change.Old = key
		return true
	}
	row, err := s.fetch(s.ctx, s.spec.Table, id)
	if err != nil {
		if !errors.Is(err, backend.ErrNoRows) {
			entry.WithError(err).Warn("read back oversized change failed")
		}
		return false
	}
	change.New = row
	return true
}

// fetchRow reads one row by primary key as JSON.
func (b *Backend) fetchRow(ctx context.Context, table, id string) (json.RawMessage, error) {
	var row json.RawMessage
	err := b.Select(ctx, table, backend.Query{Filters: []backend.Filter{backend.Eq("id", id)}, Single: true}, &row)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Unsubscribe implements backend.Subscription.
func (s *subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		err = s.l.Close()
		select {
		case <-s.stopped:
		case <-ctx.Done():
		}
	})
	return err
}
