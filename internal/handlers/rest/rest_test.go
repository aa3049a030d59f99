package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/datamachine/internal/handler"
)

func fetchTool(t *testing.T) handler.Tool {
	t.Helper()
	r := handler.NewRegistry()
	require.NoError(t, Register(r, time.Second))
	d, err := r.Lookup(handler.TypeInput, Slug)
	require.NoError(t, err)
	tool, err := d.Tool("fetch_items")
	require.NoError(t, err)
	return tool
}

func TestFetchItems_Paths(t *testing.T) {
	var gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("tag")
		gotHeader = r.Header.Get("X-Client")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"posts":[
			{"uid":17,"headline":"Hello","content":{"html":"<p>Hi there</p>"},"permalink":"https://example.com/17","tags":["a","b"]},
			{"uid":18,"headline":"Again","content":{"html":"More"}},
			{"uid":19,"headline":"Third","content":{"html":"x"}}
		]}}`))
	}))
	defer srv.Close()

	out, err := fetchTool(t).Call(context.Background(), map[string]any{
		"url":        srv.URL,
		"items_path": "data.posts",
		"id_path":    "uid",
		"title_path": "headline",
		"body_path":  "content.html",
		"url_path":   "permalink",
		"query":      map[string]any{"tag": "go"},
		"headers":    map[string]any{"X-Client": "datamachine"},
		"max_items":  float64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "go", gotQuery)
	assert.Equal(t, "datamachine", gotHeader)

	items := out["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "17", first["id"])
	assert.Equal(t, "Hello", first["title"])
	assert.Equal(t, "Hi there", first["body"])
	assert.Equal(t, "https://example.com/17", first["source_url"])
	assert.Equal(t, []any{"a", "b"}, first["tags"])
}

func TestFetchItems_RootArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"x","title":"T","body":"B"}]`))
	}))
	defer srv.Close()

	out, err := fetchTool(t).Call(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	items := out["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0].(map[string]any)["id"])
}

func TestFetchItems_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/html":
			w.Write([]byte("<html></html>"))
		case "/object":
			w.Write([]byte(`{"posts":{}}`))
		default:
			http.Error(w, "nope", http.StatusForbidden)
		}
	}))
	defer srv.Close()

	tool := fetchTool(t)
	for _, args := range []map[string]any{
		{},
		{"url": srv.URL + "/forbidden"},
		{"url": srv.URL + "/html"},
		{"url": srv.URL + "/object", "items_path": "posts"},
	} {
		_, err := tool.Call(context.Background(), args)
		assert.Error(t, err, "%v", args)
	}
}
