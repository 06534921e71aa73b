// Package postgres implements the backend contract directly on PostgreSQL:
// tables through sqlx with JSON row projection, change feeds through
// LISTEN/NOTIFY on the crossapp_changes channel.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/logging"
)

const (
	// NotifyChannel is the NOTIFY channel the change triggers publish on.
	NotifyChannel = "crossapp_changes"

	defaultOperationTimeout = 10 * time.Second
	minReconnectInterval    = 100 * time.Millisecond
	maxReconnectInterval    = 10 * time.Second
)

func init() {
	backend.Register("postgres", func(ctx context.Context, s backend.Settings) (backend.Backend, error) {
		return Open(ctx, Config{DSN: s.DSN, Logger: s.Logger})
	})
}

// Config configures the Postgres backend.
type Config struct {
	DSN              string
	OperationTimeout time.Duration
	Logger           *logging.Logger
}

// Backend implements backend.Backend on PostgreSQL.
type Backend struct {
	db      *sqlx.DB
	dsn     string
	timeout time.Duration
	log     *logging.Logger

	newListener listenerFactory
}

// Open connects to cfg.DSN.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres backend: DSN is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: connect: %w", err)
	}
	return New(db, dsn, cfg), nil
}

// New wraps an open database. dsn is used to open LISTEN connections.
func New(db *sqlx.DB, dsn string, cfg Config) *Backend {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("backend.postgres")
	}
	return &Backend{
		db:          db,
		dsn:         dsn,
		timeout:     cfg.OperationTimeout,
		log:         log,
		newListener: pqListenerFactory,
	}
}

// DB returns the underlying handle.
func (b *Backend) DB() *sqlx.DB {
	return b.db
}

// Select implements backend.Tables.
func (b *Backend) Select(ctx context.Context, table string, q backend.Query, dest any) error {
	query, args, err := selectSQL(table, q)
	if err != nil {
		return &backend.Error{Message: err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var payload []byte
	if err := b.db.QueryRowxContext(ctx, query, args...).Scan(&payload); err != nil {
		return wrapError("select", table, err)
	}
	return backend.DecodeRows(payload, dest, q.Single)
}

// Insert implements backend.Tables.
func (b *Backend) Insert(ctx context.Context, table string, row any, dest any) error {
	columns, payload, err := rowColumns(row)
	if err != nil {
		return &backend.Error{Message: fmt.Sprintf("insert %s: %v", table, err), Err: err}
	}
	query, args := insertSQL(table, columns, payload)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var out []byte
	if err := b.db.QueryRowxContext(ctx, query, args...).Scan(&out); err != nil {
		return wrapError("insert", table, err)
	}
	if dest == nil {
		return nil
	}
	return backend.DecodeRows(out, dest, !backend.IsSliceDest(dest))
}

// Update implements backend.Tables.
func (b *Backend) Update(ctx context.Context, table string, patch any, filters ...backend.Filter) error {
	columns, payload, err := rowColumns(patch)
	if err != nil {
		return &backend.Error{Message: fmt.Sprintf("update %s: %v", table, err), Err: err}
	}
	query, args, err := updateSQL(table, columns, payload, filters)
	if err != nil {
		return &backend.Error{Message: err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return wrapError("update", table, err)
	}
	return nil
}

// Delete implements backend.Tables.
func (b *Backend) Delete(ctx context.Context, table string, filters ...backend.Filter) error {
	query, args, err := deleteSQL(table, filters)
	if err != nil {
		return &backend.Error{Message: err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return wrapError("delete", table, err)
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

// rowColumns marshals row to a JSON object and returns its keys in order.
func rowColumns(row any) ([]string, []byte, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, nil, fmt.Errorf("row must encode as a JSON object: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil, errors.New("row has no columns")
	}
	columns := make([]string, 0, len(fields))
	for k := range fields {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns, payload, nil
}

func wrapError(op, table string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &backend.Error{
			Code:    string(pqErr.Code),
			Message: pqErr.Message,
			Err:     err,
		}
	}
	return &backend.Error{Message: fmt.Sprintf("%s %s: %v", op, table, err), Err: err}
}
