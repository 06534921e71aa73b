package postgres

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/logging"
)

func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	b := New(sqlx.NewDb(db, "postgres"), "postgres://test", Config{Logger: logging.NewDiscard("test")})
	return b, mock
}

func TestSelectSQL(t *testing.T) {
	query, args, err := selectSQL("align_objectives", backend.Query{
		Columns: "id, title,progress_percentage,status",
		Filters: []backend.Filter{backend.Eq("status", "active")},
		Order:   []backend.Order{{Column: "title"}},
		Limit:   20,
	})
	require.NoError(t, err)

	want := `SELECT COALESCE(json_agg(t), '[]'::json) FROM (` +
		`SELECT "id", "title", "progress_percentage", "status" FROM "align_objectives" WHERE "status" = $1 ORDER BY "title" ASC LIMIT 20) t`
	assert.Equal(t, want, query)
	assert.Equal(t, []any{"active"}, args)
}

func TestSelectSQL_AnyOfAndIn(t *testing.T) {
	query, args, err := selectSQL("cross_app_links", backend.Query{
		Filters: []backend.Filter{backend.In("relationship_type", "alignment", "reference")},
		AnyOf: [][]backend.Filter{
			{backend.Eq("source_app", "align"), backend.Eq("source_entity_id", "g1")},
			{backend.Eq("target_app", "align"), backend.Eq("target_entity_id", "g1")},
		},
		Single: true,
	})
	require.NoError(t, err)

	assert.Contains(t, query, `"relationship_type"::text = ANY($1)`)
	assert.Contains(t, query, `(("source_app" = $2 AND "source_entity_id" = $3) OR ("target_app" = $4 AND "target_entity_id" = $5))`)
	assert.Contains(t, query, "LIMIT 1")
	assert.Len(t, args, 5)
	assert.Equal(t, pq.Array([]string{"alignment", "reference"}), args[0])
}

func TestCondition_Operators(t *testing.T) {
	tests := []struct {
		filter backend.Filter
		want   string
	}{
		{backend.Filter{Column: "read", Op: backend.OpIs, Value: false}, `"read" IS FALSE`},
		{backend.Filter{Column: "team_id", Op: backend.OpIs, Value: nil}, `"team_id" IS NULL`},
		{backend.Filter{Column: "title", Op: backend.OpILike, Value: "*grow*"}, `"title"::text ILIKE $1`},
		{backend.Filter{Column: "status", Op: backend.OpNeq, Value: "done"}, `"status" IS DISTINCT FROM $1`},
	}
	for _, tc := range tests {
		var b builder
		got, err := b.condition(tc.filter, "")
		if err != nil {
			t.Fatalf("condition(%v) error: %v", tc.filter, err)
		}
		if got != tc.want {
			t.Errorf("condition(%v) = %q, want %q", tc.filter, got, tc.want)
		}
	}

	var b builder
	if _, err := b.condition(backend.Filter{Column: "x", Op: "regex"}, ""); err == nil {
		t.Error("unknown operator should fail")
	}
}

func TestBackend_Select(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(json_agg(t), '[]'::json) FROM (SELECT "id", "name", "status", "progress_percentage" FROM "drive_projects" ORDER BY "name" ASC) t`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow([]byte(`[{"id":"p1","name":"Launch","status":null,"progress_percentage":12.5}]`)))

	var rows []struct {
		ID       string   `json:"id"`
		Name     string   `json:"name"`
		Status   *string  `json:"status"`
		Progress *float64 `json:"progress_percentage"`
	}
	err := b.Select(context.Background(), "drive_projects", backend.Query{
		Columns: "id,name,status,progress_percentage",
		Order:   []backend.Order{{Column: "name"}},
	}, &rows)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Status)
	assert.Equal(t, 12.5, *rows[0].Progress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_SelectSingleNoRows(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("FROM \"organizations\"").
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow([]byte(`[]`)))

	var org struct{ ID string }
	err := b.Select(context.Background(), "organizations", backend.Query{Filters: []backend.Filter{backend.Eq("id", "o1")}, Single: true}, &org)
	assert.ErrorIs(t, err, backend.ErrNoRows)
}

func TestBackend_InsertReturnsRow(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WITH ins AS (INSERT INTO "notifications" ("read", "target_app", "title") SELECT "read", "target_app", "title" FROM json_populate_record(NULL::"notifications", $1::json) RETURNING *)`)).
		WithArgs(`{"read":false,"target_app":"align","title":"T"}`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow([]byte(`[{"id":"n1","title":"T"}]`)))

	var out struct {
		ID string `json:"id"`
	}
	row := map[string]any{"title": "T", "target_app": "align", "read": false}
	require.NoError(t, b.Insert(context.Background(), "notifications", row, &out))
	assert.Equal(t, "n1", out.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_InsertPQError(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("INSERT INTO").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := b.Insert(context.Background(), "cross_app_links", map[string]any{"id": "l1"}, nil)
	var berr *backend.Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "23505", berr.Code)
	assert.Equal(t, "duplicate key value", berr.Message)
}

func TestBackend_UpdateQualifiesFilters(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "users" SET "preferences" = r."preferences" FROM json_populate_record(NULL::"users", $1::json) r WHERE "users"."id" = $2`)).
		WithArgs(`{"preferences":{"theme":"dark"}}`, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	patch := map[string]any{"preferences": map[string]any{"theme": "dark"}}
	require.NoError(t, b.Update(context.Background(), "users", patch, backend.Eq("id", "u1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_Delete(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "cross_app_links" WHERE "id" = $1`)).
		WithArgs("l1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, b.Delete(context.Background(), "cross_app_links", backend.Eq("id", "l1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowColumns_RejectsNonObjects(t *testing.T) {
	if _, _, err := rowColumns([]string{"a"}); err == nil {
		t.Error("rowColumns(slice) should fail")
	}
	if _, _, err := rowColumns(map[string]any{}); err == nil {
		t.Error("rowColumns(empty) should fail")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, 3, ups)
	assert.Equal(t, ups, downs)

	notify, err := fs.ReadFile(migrationFS, "migrations/000002_change_notify.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(notify), "pg_notify('"+NotifyChannel+"'")

	keys, err := fs.ReadFile(migrationFS, "migrations/000003_change_notify_keys.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(keys), "'truncated', TRUE,\n            'id', row_id")
}
