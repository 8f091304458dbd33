package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FullPageSetsNextLoadContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token secret-value", r.Header.Get("Authorization"))
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Write([]byte(`[{"id":1},{"id":2}]`))
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	lc := &LoadContext{
		URL:     server.URL,
		Params:  map[string]any{"per_page": 2, "page": 1},
		Headers: map[string]string{"Accept": "application/vnd.github+json"},
		Obj:     ObjState{Page: 1, TokenID: 7},
	}

	result, err := client.Load(context.Background(), lc, "secret-value", 2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Len(t, result.Results, 2)
	require.NotNil(t, result.NextLoadContext)
	assert.Equal(t, 2, result.NextLoadContext.Obj.Page)
	assert.Equal(t, 4999, result.NextLoadContext.Obj.Remaining)
	assert.Equal(t, 2, result.NextLoadContext.Params["page"])
}

func TestLoad_ShortPageIsLastPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "100")
		w.Write([]byte(`[{"id":1}]`))
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	lc := &LoadContext{URL: server.URL, Obj: ObjState{Page: 3}}

	result, err := client.Load(context.Background(), lc, "secret", 100)
	require.NoError(t, err)
	assert.Nil(t, result.NextLoadContext)
}

func TestLoad_NotFoundIsLastPageRegardlessOfBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	lc := &LoadContext{URL: server.URL, Obj: ObjState{Page: 1}}

	result, err := client.Load(context.Background(), lc, "secret", 100)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, result.Status)
	assert.Nil(t, result.NextLoadContext)
}

func TestLoad_RateLimitedResponseStillReturnsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"API rate limit exceeded"}`))
	}))
	defer server.Close()

	client := NewClient(5 * time.Second)
	lc := &LoadContext{URL: server.URL, Obj: ObjState{Page: 1, TokenID: 3}}

	result, err := client.Load(context.Background(), lc, "secret", 100)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, result.Status)
	require.NotNil(t, result.NextLoadContext)
	assert.Equal(t, 1, result.NextLoadContext.Obj.Page)
	assert.Empty(t, result.Results)
}

func TestParseRateLimitRemaining(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{name: "empty_string", raw: "", want: 0},
		{name: "valid_number", raw: "4999", want: 4999},
		{name: "non_numeric", raw: "unlimited", want: 0},
		{name: "zero", raw: "0", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRateLimitRemaining(tt.raw))
		})
	}
}

func TestComposeURL(t *testing.T) {
	assert.Equal(t, "https://api.example.com/issues", composeURL("https://api.example.com/issues", nil))
	assert.Equal(t, "https://api.example.com/issues?page=2", composeURL("https://api.example.com/issues", map[string]any{"page": 2}))
}
