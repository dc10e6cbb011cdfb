package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/ccss/internal/callback"
	"github.com/dyluth/ccss/internal/dispatch"
	"github.com/dyluth/ccss/pkg/critical"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRules = critical.RuleSet{Revision: 1, Rules: []critical.Rule{
	{Type: critical.RuleIndividual, ObjectKind: critical.RuleKindPostType, Values: []string{"post"}},
	{Type: critical.RuleShared, ObjectKind: critical.RuleKindTaxonomy, Values: []string{"category"}},
}}

type fakeDispatcher struct {
	mu      sync.Mutex
	targets []critical.Target
	err     error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ critical.Object, target critical.Target) (*dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Result{Target: target}, nil
}

func (f *fakeDispatcher) Targets() []critical.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]critical.Target(nil), f.targets...)
}

func (f *fakeDispatcher) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testEnv struct {
	srv        *httptest.Server
	store      *critical.Client
	protocol   *callback.Protocol
	dispatcher *fakeDispatcher
	mr         *miniredis.Miniredis
	now        time.Time
}

func setup(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := critical.NewClient(&redis.Options{Addr: mr.Addr()}, "test-site")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	protocol := callback.NewProtocol(callback.NewMemoryTokenStore(clock), store, callback.Options{Now: clock})
	fd := &fakeDispatcher{}

	opts := Options{
		Rules:             func() (critical.RuleSet, error) { return testRules, nil },
		GenerationEnabled: true,
		DeferralEnabled:   true,
		Now:               clock,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv := httptest.NewServer(New(store, protocol, fd, opts).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, protocol: protocol, dispatcher: fd, mr: mr, now: now}
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func callbackJSON(csrf, objectType, objectID string, result interface{}) string {
	body, _ := json.Marshal(map[string]interface{}{
		"input":  map[string]interface{}{"args": map[string]interface{}{"meta": map[string]string{"csrf": csrf, "object_type": objectType, "object_id": objectID}}},
		"result": result,
	})
	return string(body)
}

func TestCallback_Single(t *testing.T) {
	env := setup(t, nil)
	tok, err := env.protocol.Issue(context.Background(), critical.ObjectField(critical.KindPost, "42"))
	require.NoError(t, err)

	resp, body := env.post(t, "/update/single", callbackJSON(tok.Value, "post", "42", "body{}"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["result"])
	assert.Equal(t, "", body["message"])

	css, err := env.store.ObjectCSS(context.Background(), critical.KindPost, "42")
	require.NoError(t, err)
	assert.Equal(t, "body{}", css)

	resp, body = env.post(t, "/update/single", callbackJSON(tok.Value, "post", "42", "body{}"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "error", body["result"])
	assert.Equal(t, "CSRF Token failure.", body["message"])
}

func TestCallback_Shared(t *testing.T) {
	env := setup(t, nil)
	tok, err := env.protocol.Issue(context.Background(), critical.SharedCache(critical.RuleKindTaxonomy, "category"))
	require.NoError(t, err)

	resp, _ := env.post(t, "/update/shared", callbackJSON(tok.Value, "taxonomy", "taxonomy:category", ".x{}"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entry, err := env.store.GetShared(context.Background(), "taxonomy:category")
	require.NoError(t, err)
	assert.Equal(t, ".x{}", entry.CSS)
	assert.True(t, entry.ExpiresAt.Equal(env.now.Add(24*time.Hour)))
}

func TestCallback_Rejections(t *testing.T) {
	env := setup(t, nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"null result", "/update/single", `{"input":{"args":{"meta":{"csrf":"X"}}}, "result": null}`, http.StatusBadRequest},
		{"malformed json", "/update/shared", `{"result"`, http.StatusBadRequest},
		{"unknown token", "/update/shared", callbackJSON("X", "taxonomy", "taxonomy:category", "a{}"), http.StatusForbidden},
		{"unknown object type", "/update/single", callbackJSON("", "user", "1", "a{}"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.post(t, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "error", body["result"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestCallback_MethodNotAllowed(t *testing.T) {
	env := setup(t, nil)
	resp, err := http.Get(env.srv.URL + "/update/single")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSaveEvent_DispatchesResolvedTarget(t *testing.T) {
	env := setup(t, nil)

	resp, body := env.post(t, "/events/save", `{"kind":"term","id":"7","type_name":"category","url":"https://example.edu/c/news/"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["result"])
	assert.Equal(t, true, body["dispatched"])
	assert.Equal(t, "taxonomy:category", body["target"].(map[string]interface{})["key"])

	require.Len(t, env.dispatcher.Targets(), 1)
	assert.Equal(t, critical.SharedCache(critical.RuleKindTaxonomy, "category"), env.dispatcher.Targets()[0])

	// The object is now a representative for its taxonomy
	rep, err := env.store.Representative(context.Background(), critical.RuleKindTaxonomy, "category")
	require.NoError(t, err)
	assert.Equal(t, "7", rep.ID)
}

func TestSaveEvent_NoMatchIsSkipped(t *testing.T) {
	env := setup(t, nil)

	resp, body := env.post(t, "/events/save", `{"kind":"post","id":"3","type_name":"event","url":"https://example.edu/e/"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", body["result"])
	assert.Empty(t, env.dispatcher.Targets())

	// Still catalogued
	_, err := env.store.GetObject(context.Background(), critical.KindPost, "3")
	assert.NoError(t, err)
}

func TestSaveEvent_GenerationDisabled(t *testing.T) {
	env := setup(t, func(o *Options) { o.GenerationEnabled = false })

	resp, body := env.post(t, "/events/save", `{"kind":"post","id":"1","type_name":"post","url":"https://example.edu/p/"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["dispatched"])
	assert.Empty(t, env.dispatcher.Targets())
}

func TestSaveEvent_DispatchFailureIsNotSurfaced(t *testing.T) {
	env := setup(t, nil)
	env.dispatcher.Fail(errors.New("service down"))

	resp, body := env.post(t, "/events/save", `{"kind":"post","id":"1","type_name":"post","url":"https://example.edu/p/"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["dispatched"])
}

func TestSaveEvent_BadRequests(t *testing.T) {
	env := setup(t, nil)

	for name, body := range map[string]string{
		"not json":     `{"kind":`,
		"unknown kind": `{"kind":"user","id":"1","type_name":"x"}`,
		"missing id":   `{"kind":"post","type_name":"post"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, decoded := env.post(t, "/events/save", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "error", decoded["result"])
		})
	}
}

func TestSaveEvent_RulesUnavailable(t *testing.T) {
	env := setup(t, func(o *Options) {
		o.Rules = func() (critical.RuleSet, error) { return critical.RuleSet{}, errors.New("unreadable") }
	})

	resp, _ := env.post(t, "/events/save", `{"kind":"post","id":"1","type_name":"post","url":"https://example.edu/p/"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestLookup(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, env.store.SaveObject(ctx, critical.ObjectRecord{Kind: critical.KindPost, ID: "1", TypeName: "post"}, env.now))
	require.NoError(t, env.store.SaveObject(ctx, critical.ObjectRecord{Kind: critical.KindTerm, ID: "7", TypeName: "category"}, env.now))
	require.NoError(t, env.store.SaveObject(ctx, critical.ObjectRecord{Kind: critical.KindPost, ID: "2", TypeName: "event"}, env.now))

	t.Run("not stored yet", func(t *testing.T) {
		resp, _ := env.get(t, "/critical-css/post/1")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	require.NoError(t, env.store.WriteObjectCSS(ctx, critical.KindPost, "1", "p{}", env.now))
	require.NoError(t, env.store.WriteShared(ctx, &critical.SharedEntry{Key: "taxonomy:category", CSS: "c{}", ExpiresAt: env.now.Add(-time.Minute)}))

	t.Run("object field", func(t *testing.T) {
		resp, body := env.get(t, "/critical-css/post/1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "p{}", body["css"])
		assert.Equal(t, `<style id="critical-css">p{}</style>`, body["style_tag"])
		assert.Equal(t, false, body["expired"])
	})

	t.Run("expired shared entry is still served", func(t *testing.T) {
		resp, body := env.get(t, "/critical-css/term/7")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "c{}", body["css"])
		assert.Equal(t, true, body["expired"])

		entry, err := env.store.GetShared(ctx, "taxonomy:category")
		require.NoError(t, err)
		assert.True(t, entry.ExpiresAt.Equal(env.now.Add(-time.Minute)), "reads never refresh expiration")
	})

	t.Run("no matching rule", func(t *testing.T) {
		resp, _ := env.get(t, "/critical-css/post/2")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown object", func(t *testing.T) {
		resp, _ := env.get(t, "/critical-css/post/999")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("invalid kind", func(t *testing.T) {
		resp, _ := env.get(t, "/critical-css/user/1")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func deferBody(kind, id string) string {
	return fmt.Sprintf(`{"kind":%q,"id":%q,"tags":[
		{"html":"<link rel='stylesheet' href='/a.css' media='all' />","handle":"theme","href":"/a.css","media":"all"},
		{"html":"<link rel='stylesheet' href='/f.css' media='all' />","handle":"fonts","href":"/f.css","media":"all"},
		{"html":"<link rel='stylesheet' href='/p.css' media='print' />","handle":"print","href":"/p.css","media":"print"}
	]}`, kind, id)
}

func TestDefer(t *testing.T) {
	env := setup(t, func(o *Options) { o.DeferralExceptions = []string{"fonts"} })
	ctx := context.Background()
	require.NoError(t, env.store.SaveObject(ctx, critical.ObjectRecord{Kind: critical.KindPost, ID: "1", TypeName: "post"}, env.now))
	require.NoError(t, env.store.WriteObjectCSS(ctx, critical.KindPost, "1", "p{}", env.now))

	resp, body := env.post(t, "/styles/defer", deferBody("post", "1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["has_critical_css"])

	tags := body["tags"].([]interface{})
	require.Len(t, tags, 3)
	assert.Contains(t, tags[0], "<noscript>")
	assert.Equal(t, "<link rel='stylesheet' href='/f.css' media='all' />", tags[1])
	assert.Equal(t, "<link rel='stylesheet' href='/p.css' media='print' />", tags[2])
}

func TestDefer_Unchanged(t *testing.T) {
	t.Run("no critical css", func(t *testing.T) {
		env := setup(t, nil)
		resp, body := env.post(t, "/styles/defer", deferBody("post", "1"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["has_critical_css"])
		assert.NotContains(t, body["tags"].([]interface{})[0], "<noscript>")
	})

	t.Run("deferral disabled", func(t *testing.T) {
		env := setup(t, func(o *Options) { o.DeferralEnabled = false })
		ctx := context.Background()
		require.NoError(t, env.store.SaveObject(ctx, critical.ObjectRecord{Kind: critical.KindPost, ID: "1", TypeName: "post"}, env.now))
		require.NoError(t, env.store.WriteObjectCSS(ctx, critical.KindPost, "1", "p{}", env.now))

		_, body := env.post(t, "/styles/defer", deferBody("post", "1"))
		assert.Equal(t, false, body["has_critical_css"])
	})

	t.Run("bad kind", func(t *testing.T) {
		env := setup(t, nil)
		resp, _ := env.post(t, "/styles/defer", deferBody("page", "1"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHealthz(t *testing.T) {
	env := setup(t, nil)

	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	env.mr.SetError("connection refused")
	resp, body = env.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestStartAndShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := critical.NewClient(&redis.Options{Addr: mr.Addr()}, "test-site")
	require.NoError(t, err)
	defer store.Close()

	s := New(store, nil, nil, Options{Addr: "127.0.0.1:0", Rules: func() (critical.RuleSet, error) { return testRules, nil }})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	// Address in use
	first := New(store, nil, nil, Options{Addr: "127.0.0.1:0"})
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())
	clash := New(store, nil, nil, Options{Addr: first.Addr()})
	assert.Error(t, clash.Start())
}
