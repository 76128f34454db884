package router

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xypriss/xypriss/web"
)

func noop(req *web.Request, res *web.Response) {}

func TestAddValidation(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Add("GET", "/users", nil, nil)
	assert.Error(t, err)

	_, err = tbl.Add("GET", "users", nil, noop)
	assert.Error(t, err)

	_, err = tbl.Add("GET", "/users/:", nil, noop)
	assert.Error(t, err)

	_, err = tbl.Add("GET", "/users/:id", nil, noop)
	assert.NoError(t, err)
}

func TestLookupLiteral(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add("GET", "/users", nil, noop)
	assert.NoError(t, err)

	r, params, ok := tbl.Lookup("GET", "/users")
	assert.True(t, ok)
	assert.Equal(t, "/users", r.Pattern)
	assert.Empty(t, params)

	_, _, ok = tbl.Lookup("POST", "/users")
	assert.False(t, ok)

	_, _, ok = tbl.Lookup("GET", "/users/")
	assert.False(t, ok, "trailing slash must not normalize")

	_, _, ok = tbl.Lookup("GET", "/Users")
	assert.False(t, ok, "path matching is case sensitive")
}

func TestLookupParams(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add("GET", "/users/:id/posts/:postId", nil, noop)
	assert.NoError(t, err)

	_, params, ok := tbl.Lookup("GET", "/users/42/posts/7")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"id": "42", "postId": "7"}, params)

	_, _, ok = tbl.Lookup("GET", "/users//posts/7")
	assert.False(t, ok, "empty segment must not bind a parameter")

	_, _, ok = tbl.Lookup("GET", "/users/42/posts")
	assert.False(t, ok, "segment counts must match")
}

func TestExactMatchWins(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add("GET", "/users/:id", nil, noop)
	assert.NoError(t, err)
	_, err = tbl.Add("GET", "/users/me", nil, noop)
	assert.NoError(t, err)

	r, params, ok := tbl.Lookup("GET", "/users/me")
	assert.True(t, ok)
	assert.Equal(t, "/users/me", r.Pattern)
	assert.Empty(t, params)

	r, params, ok = tbl.Lookup("GET", "/users/42")
	assert.True(t, ok)
	assert.Equal(t, "/users/:id", r.Pattern)
	assert.Equal(t, "42", params["id"])
}

func TestInsertionOrderWins(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add("GET", "/files/:name", nil, noop)
	assert.NoError(t, err)
	_, err = tbl.Add("GET", "/files/:other", nil, noop)
	assert.NoError(t, err)

	r, _, ok := tbl.Lookup("GET", "/files/report")
	assert.True(t, ok)
	assert.Equal(t, "/files/:name", r.Pattern)
}

func TestAllMethod(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add("all", "/ping", nil, noop)
	assert.NoError(t, err)

	for _, m := range []string{"GET", "POST", "DELETE", "PATCH"} {
		_, _, ok := tbl.Lookup(m, "/ping")
		assert.True(t, ok, m)
	}
}

func TestRegexRoutes(t *testing.T) {
	tbl := NewTable()

	re := regexp.MustCompile(`^/v(\d+)/items/(\w+)$`)
	_, err := tbl.AddRegex("GET", re, []string{"version", "slug"}, nil, noop)
	assert.NoError(t, err)

	_, params, ok := tbl.Lookup("GET", "/v2/items/widget")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"version": "2", "slug": "widget"}, params)

	_, _, ok = tbl.Lookup("GET", "/v2/items/widget/extra")
	assert.False(t, ok, "regex must match the full path")
}

func TestRegexNamedCaptures(t *testing.T) {
	tbl := NewTable()

	re := regexp.MustCompile(`^/orders/(?P<id>\d+)$`)
	_, err := tbl.AddRegex("GET", re, nil, nil, noop)
	assert.NoError(t, err)

	_, params, ok := tbl.Lookup("GET", "/orders/99")
	assert.True(t, ok)
	assert.Equal(t, "99", params["id"])
}

func TestRegexPositionalFallback(t *testing.T) {
	tbl := NewTable()

	re := regexp.MustCompile(`^/x/(\w+)/(\w+)$`)
	_, err := tbl.AddRegex("GET", re, nil, nil, noop)
	assert.NoError(t, err)

	_, params, ok := tbl.Lookup("GET", "/x/a/b")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"param1": "a", "param2": "b"}, params)
}

func TestRouteStats(t *testing.T) {
	tbl := NewTable()
	r, err := tbl.Add("GET", "/s", nil, noop)
	assert.NoError(t, err)

	assert.Equal(t, uint64(0), r.Stats.Invocations())
	assert.Equal(t, time.Duration(0), r.Stats.AvgLatency())

	r.Stats.Record(10 * time.Millisecond)
	r.Stats.Record(20 * time.Millisecond)
	assert.Equal(t, uint64(2), r.Stats.Invocations())
	assert.Equal(t, 15*time.Millisecond, r.Stats.AvgLatency())
}
