package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aesyros/align/internal/logging"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Error("New() without URL should fail")
	}
	if _, err := New(Config{URL: "http://x"}); err == nil {
		t.Error("New() without APIKey should fail")
	}
	c, err := New(Config{URL: "http://x/", APIKey: "k"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got := c.From("users").url(nil); got != "http://x/rest/v1/users" {
		t.Errorf("url() = %q, want http://x/rest/v1/users", got)
	}
}

func TestQueryBuilder_Execute(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`[{"id":"g1","title":"Grow"}]`))
	}))
	defer server.Close()

	c, _ := New(Config{URL: server.URL, APIKey: "anon", AccessToken: "jwt"})
	ctx := logging.WithTraceID(context.Background(), "trace-1")
	resp, err := c.From("align_objectives").
		Select("id,title,progress_percentage,status").
		Filter("status", "eq", "active").
		Order("title", true).
		Limit(10).
		Execute(ctx)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if err := resp.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}

	if got.URL.Path != "/rest/v1/align_objectives" {
		t.Errorf("path = %q", got.URL.Path)
	}
	q := got.URL.Query()
	if q.Get("status") != "eq.active" {
		t.Errorf("status = %q, want eq.active", q.Get("status"))
	}
	if q.Get("order") != "title.asc" {
		t.Errorf("order = %q, want title.asc", q.Get("order"))
	}
	if q.Get("limit") != "10" {
		t.Errorf("limit = %q, want 10", q.Get("limit"))
	}
	if got.Header.Get("apikey") != "anon" {
		t.Errorf("apikey = %q, want anon", got.Header.Get("apikey"))
	}
	if got.Header.Get("Authorization") != "Bearer jwt" {
		t.Errorf("Authorization = %q, want Bearer jwt", got.Header.Get("Authorization"))
	}
	if got.Header.Get("X-Request-Id") != "trace-1" {
		t.Errorf("X-Request-Id = %q, want trace-1", got.Header.Get("X-Request-Id"))
	}

	var rows []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "g1" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestQueryBuilder_OrAndIn(t *testing.T) {
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.Query().Get("or") + "|" + r.URL.Query().Get("id")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c, _ := New(Config{URL: server.URL, APIKey: "anon"})
	_, err := c.From("cross_app_links").
		Or("and(source_app.eq.align,source_entity_id.eq.g1)").
		In("id", []any{"a", "b c"}).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	want := `(and(source_app.eq.align,source_entity_id.eq.g1))|in.(a,"b c")`
	if raw != want {
		t.Errorf("query = %q, want %q", raw, want)
	}
}

func TestResponse_Err(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"postgrest", 400, `{"code":"22P02","message":"invalid input","details":"bad uuid"}`, "supabase error: invalid input: bad uuid"},
		{"auth style", 401, `{"error":"unauthorized"}`, "supabase error: unauthorized"},
		{"plain text", 502, `upstream down`, "supabase error: upstream down"},
		{"empty", 503, ``, "supabase error: status 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Response{StatusCode: tt.status, Body: []byte(tt.body)}).Err()
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("Err() = %T, want *Error", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}

	if err := (&Response{StatusCode: 201}).Err(); err != nil {
		t.Errorf("Err() on 201 = %v, want nil", err)
	}
}

func TestQuoteValue(t *testing.T) {
	tests := map[string]string{
		"align":   "align",
		"a,b":     `"a,b"`,
		`say "x"`: `"say \"x\""`,
	}
	for in, want := range tests {
		if got := QuoteValue(in); got != want {
			t.Errorf("QuoteValue(%q) = %q, want %q", in, got, want)
		}
	}
}
