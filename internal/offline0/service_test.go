package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/hub"
	"offline0/internal/notify"
	"offline0/internal/store"
)

// fakeOrigin is an httptest origin with per-route handlers, hit counting and
// a switch that makes every request fail at the transport level.
type fakeOrigin struct {
	srv  *httptest.Server
	down atomic.Bool

	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	hits   map[string]int
	bodies map[string][]string
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{
		routes: map[string]http.HandlerFunc{},
		hits:   map[string]int{},
		bodies: map[string][]string{},
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *fakeOrigin) handle(key string, h http.HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[key] = h
}

func (o *fakeOrigin) text(key, contentType, body string) {
	o.handle(key, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	})
}

func (o *fakeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	if o.down.Load() {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	key := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)

	o.mu.Lock()
	o.hits[key]++
	o.bodies[key] = append(o.bodies[key], string(body))
	h := o.routes[key]
	o.mu.Unlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (o *fakeOrigin) hitCount(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *fakeOrigin) received(key string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.bodies[key]...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, origin, extra string) Config {
	t.Helper()
	doc := fmt.Sprintf(`
server:
  origin: %s
storage:
  path: %s
  ram:
    max: 1mb
network:
  timeout: 2s
  breaker:
    failures: 1000
%s`, origin, t.TempDir(), extra)
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T, cfg Config, opts Options) *Service {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	svc, err := NewService(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestStartInstallsAndActivates(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /index.html", "text/html", "<h1>app</h1>")

	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/index.html]
`)
	svc := newTestService(t, cfg, Options{})

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.ready.Load())
	assert.NotEmpty(t, svc.versions.Current())
	assert.Equal(t, 1, svc.cache.Count(svc.versions.Current()))
}

func TestStartKeepsServingWhenInstallFails(t *testing.T) {
	o := newFakeOrigin(t)
	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/missing.js]
`)
	svc := newTestService(t, cfg, Options{})

	err := svc.Start(context.Background())
	require.ErrorIs(t, err, ErrInstall)
	assert.True(t, svc.ready.Load())
	assert.Empty(t, svc.versions.Current())
}

func TestHandlerServesCachedAssetWithSourceHeader(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /app.css", "text/css", "body{}")

	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/app.css]
`)
	svc := newTestService(t, cfg, Options{})
	require.NoError(t, svc.Start(context.Background()))

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.css", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())
	assert.Equal(t, "hit", rec.Header().Get("X-Offline0"))
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Offline0")
	assert.Equal(t, 1, o.hitCount("GET /app.css"))
}

func TestHandlerBadGatewayWhenNothingCanAnswer(t *testing.T) {
	o := newFakeOrigin(t)
	cfg := testConfig(t, o.srv.URL, `
routes:
  cacheable: [/api/items]
`)
	svc := newTestService(t, cfg, Options{})
	require.NoError(t, svc.Start(context.Background()))
	o.down.Store(true)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad-gateway", rec.Header().Get("X-Offline0"))
}

func TestHandlerControlPrefixIsNotProxied(t *testing.T) {
	o := newFakeOrigin(t)
	svc := newTestService(t, testConfig(t, o.srv.URL, ""), Options{})

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__offline0/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, o.hitCount("GET /__offline0/nope"))
}

func TestHandlerQueueAndRequeue(t *testing.T) {
	o := newFakeOrigin(t)
	svc := newTestService(t, testConfig(t, o.srv.URL, ""), Options{})

	op, err := svc.queue.Enqueue(store.PendingOperation{LocalID: "dead", Tag: "sync-queue", Method: "POST", Path: "/api/x"})
	require.NoError(t, err)
	op.AttemptCount = 10
	require.NoError(t, svc.queue.Bury(op))

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__offline0/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Pending []store.PendingOperation `json:"pending"`
		Failed  []store.PendingOperation `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Pending)
	require.Len(t, listing.Failed, 1)
	assert.Equal(t, "dead", listing.Failed[0].LocalID)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline0/queue/requeue?id=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline0/queue/requeue?id=dead", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got store.PendingOperation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "dead", got.LocalID)
	assert.Zero(t, got.AttemptCount)
	assert.Zero(t, svc.queue.BuriedLen())
}

func TestHandlerSyncUnknownTag(t *testing.T) {
	o := newFakeOrigin(t)
	svc := newTestService(t, testConfig(t, o.srv.URL, ""), Options{})

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline0/sync?tag=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline0/sync?tag=sync-queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var res SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, SyncResult{}, res)
}

type recordingSurface struct {
	mu     sync.Mutex
	shown  []notify.Notification
	closed []string
	views  []notify.View
	opened []string
	focus  []string
}

func (s *recordingSurface) Show(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, n)
	return nil
}

func (s *recordingSurface) Close(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, id)
	return nil
}

func (s *recordingSurface) Views(context.Context) ([]notify.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.View(nil), s.views...), nil
}

func (s *recordingSurface) Focus(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus = append(s.focus, id)
	return nil
}

func (s *recordingSurface) Open(_ context.Context, u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, u)
	return nil
}

func TestHandlerPushAndClick(t *testing.T) {
	o := newFakeOrigin(t)
	surface := &recordingSurface{views: []notify.View{{ID: "v1", URL: "/inbox"}}}
	cfg := testConfig(t, o.srv.URL, `
notifications:
  title: Default
  icon: /icon.png
`)
	svc := newTestService(t, cfg, Options{Displayer: surface, Clients: surface})

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline0/push",
		strings.NewReader(`{"title":"X","data":{"url":"/inbox"}}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var pushed struct {
		Notification notify.Notification `json:"notification"`
		Displayed    bool                `json:"displayed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pushed))
	assert.True(t, pushed.Displayed)
	assert.Equal(t, "X", pushed.Notification.Title)
	assert.Equal(t, "/icon.png", pushed.Notification.Icon)
	require.Len(t, surface.shown, 1)

	click, err := json.Marshal(pushed.Notification)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline0/notifications/click", strings.NewReader(string(click))))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{pushed.Notification.ID}, surface.closed)
	assert.Equal(t, []string{"v1"}, surface.focus)
	assert.Empty(t, surface.opened)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline0/notifications/click", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMetrics(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /app.css", "text/css", "body{}")
	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/app.css]
`)
	svc := newTestService(t, cfg, Options{})
	require.NoError(t, svc.Start(context.Background()))

	h := svc.Handler()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/app.css", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__offline0/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `offline0_requests_total{route="static-asset",source="hit"} 1`)
	assert.Contains(t, body, "offline0_queue_pending 0")
}

type capturePublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev hub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, "X-Offline0", h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, "x-offline0")
	assert.Equal(t, "X-Offline0", h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, "X-Offline0-Operation")
	assert.Equal(t, "X-Offline0, X-Offline0-Operation", h.Get("Access-Control-Expose-Headers"))
}
