package offline0

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/store"
)

func seedVersion(t *testing.T, svc *Service, v store.Version, path, body string) {
	t.Helper()
	st := svc.cache.Stage(v)
	require.NoError(t, st.Put(store.Fingerprint(http.MethodGet, &url.URL{Path: path}), store.Entry{
		Status: http.StatusOK,
		Header: []store.HeaderField{{Name: "Content-Type", Value: "text/html"}},
		Body:   []byte(body),
	}))
	require.NoError(t, st.Commit())
}

func TestActivateDeletesPreviousVersions(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /index.html", "text/html", "<h1>v1</h1>")
	o.text("GET /app.css", "text/css", "body{}")
	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/index.html, /app.css]
`)
	svc := newTestService(t, cfg, Options{})

	seedVersion(t, svc, "v0", "/index.html", "<h1>v0</h1>")
	require.NoError(t, svc.Activate(context.Background(), "v0"))
	require.Equal(t, store.Version("v0"), svc.versions.Current())

	v, err := svc.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.Version("v0"), svc.versions.Current(), "install must not switch the current version")
	require.NoError(t, svc.Activate(context.Background(), v))

	assert.Equal(t, v, svc.versions.Current())
	versions, err := svc.cache.Versions()
	require.NoError(t, err)
	assert.Equal(t, []store.Version{v}, versions)
	_, err = svc.cache.Match("v0", "GET /index.html")
	assert.ErrorIs(t, err, store.ErrNotFound)

	o.down.Store(true)
	resp, err := fetch(t, svc, http.MethodGet, "/index.html", "", http.Header{"Accept": {"text/html"}})
	require.NoError(t, err)
	assert.Equal(t, "hit", resp.Source)
	assert.Equal(t, "<h1>v1</h1>", string(resp.Body))
}

func TestInstallAbortLeavesNoVersion(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /a.js", "text/javascript", "a()")
	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/a.js, /b.js]
`)
	svc := newTestService(t, cfg, Options{})

	_, err := svc.Install(context.Background())
	require.ErrorIs(t, err, ErrInstall)
	assert.Contains(t, err.Error(), "/b.js")

	versions, err := svc.cache.Versions()
	require.NoError(t, err)
	assert.Empty(t, versions)
	assert.Empty(t, svc.versions.Current())
}

func TestInstallFailureKeepsCurrentVersion(t *testing.T) {
	o := newFakeOrigin(t)
	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/index.html]
`)
	svc := newTestService(t, cfg, Options{})
	seedVersion(t, svc, "v0", "/index.html", "<h1>v0</h1>")
	require.NoError(t, svc.Activate(context.Background(), "v0"))

	o.down.Store(true)
	require.ErrorIs(t, svc.Start(context.Background()), ErrInstall)
	assert.Equal(t, store.Version("v0"), svc.versions.Current())

	resp, err := fetch(t, svc, http.MethodGet, "/index.html", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "<h1>v0</h1>", string(resp.Body))
}

func TestActivateUnknownVersion(t *testing.T) {
	o := newFakeOrigin(t)
	svc := newTestService(t, testConfig(t, o.srv.URL, ""), Options{})

	err := svc.Activate(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrUnknownVersion)
	assert.False(t, svc.ready.Load())
}

func TestInstallUsesConfiguredVersionName(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /", "text/html", "home")
	cfg := testConfig(t, o.srv.URL, `
cache:
  version: release-42
  manifest: [/]
`)
	svc := newTestService(t, cfg, Options{})

	v, err := svc.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.Version("release-42"), v)
}

func TestGeneratedVersionNames(t *testing.T) {
	o := newFakeOrigin(t)
	svc := newTestService(t, testConfig(t, o.srv.URL, ""), Options{})

	a, b := svc.newVersionName(), svc.newVersionName()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(string(a), "offline0-"), a)
}

func TestMemoryVersionManagerCanBeInjected(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /index.html", "text/html", "home")
	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/index.html]
`)
	versions := store.NewMemoryVersions("")
	svc := newTestService(t, cfg, Options{Versions: versions})

	require.NoError(t, svc.Start(context.Background()))
	assert.NotEmpty(t, versions.Current())
	assert.Equal(t, 1, svc.cache.Count(versions.Current()))
}

func TestActivatedVersionSurvivesRestart(t *testing.T) {
	o := newFakeOrigin(t)
	o.text("GET /index.html", "text/html", "home")
	cfg := testConfig(t, o.srv.URL, `
cache:
  manifest: [/index.html]
`)

	first, err := NewService(cfg, Options{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	v := first.versions.Current()
	first.Close()

	second := newTestService(t, cfg, Options{})
	assert.Equal(t, v, second.versions.Current())

	o.down.Store(true)
	second.ready.Store(true)
	resp, err := fetch(t, second, http.MethodGet, "/index.html", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "home", string(resp.Body))
}
