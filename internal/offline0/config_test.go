package offline0

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.local:3000/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://origin.local:3000", cfg.Server.Origin)
	assert.Equal(t, "origin.local:3000", cfg.OriginURL().Host)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Zero(t, cfg.ramMaxBytes)
	assert.Equal(t, 30*time.Second, cfg.timeoutDur)
	assert.Equal(t, 5, cfg.Network.Breaker.Failures)
	assert.Equal(t, 15*time.Second, cfg.breakerCooldown)
	assert.Equal(t, "/api/", cfg.Routes.API)
	assert.Equal(t, "offline0", cfg.Cache.Name)
	assert.Equal(t, 4, cfg.Cache.InstallConcurrency)
	assert.Equal(t, "sync-queue", cfg.Sync.DefaultTag)
	assert.Equal(t, defaultMaxAttempts, cfg.maxAttempts)
	assert.Zero(t, cfg.syncEveryDur)
	assert.Zero(t, cfg.refreshEveryDur)
	assert.Equal(t, "New notification", cfg.Notifications.Title)
	assert.Equal(t, "/", cfg.Notifications.URL)
	assert.Equal(t, []int{100, 50, 100}, cfg.Notifications.Vibrate)
	assert.Equal(t, "offline0:events", cfg.Observers.Redis.Channel)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 9000
  origin: https://app.example.com
storage:
  path: /var/lib/offline0
  ram:
    max: 64mb
    policy: lfu
network:
  timeout: 5s
  breaker:
    failures: 3
    cooldown: 1m
routes:
  api: /v1/
  auth: PathPrefix(/v1/auth)|PathPrefix(/login)
  cacheable: [/v1/items]
cache:
  manifest: [/, /index.html]
  offlinePage: /offline.html
sync:
  every: 30s
  maxAttempts: 3
  tags:
    - name: late
      match: PathPrefix(/v1/saved)
      priority: 10
    - name: early
      match: PathPrefix(/v1/submissions)|PathPrefix(/v1/forms)
      priority: 1
  refresh:
    path: /v1/items
    every: 5m
logging:
  level: debug
  logStatsEvery: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, int64(64<<20), cfg.ramMaxBytes)
	assert.Equal(t, 5*time.Second, cfg.timeoutDur)
	assert.Equal(t, time.Minute, cfg.breakerCooldown)
	require.Len(t, cfg.authMatchers, 2)
	assert.Equal(t, "/login", cfg.authMatchers[1].Prefix)
	assert.Equal(t, 30*time.Second, cfg.syncEveryDur)
	assert.Equal(t, 3, cfg.maxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.refreshEveryDur)
	assert.Equal(t, time.Minute, cfg.logStatsEveryDur)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())

	require.Len(t, cfg.Sync.Tags, 2)
	assert.Equal(t, "early", cfg.Sync.Tags[0].Name)
	assert.Equal(t, "early", cfg.tagFor("/v1/forms/7"))
	assert.Equal(t, "late", cfg.tagFor("/v1/saved"))
	assert.Equal(t, "sync-queue", cfg.tagFor("/v1/other"))
	assert.True(t, cfg.knownTag("late"))
	assert.True(t, cfg.knownTag("sync-queue"))
	assert.False(t, cfg.knownTag("nope"))
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing origin":   "server:\n  port: 1\n",
		"relative origin":  "server:\n  origin: /app\n",
		"bad scheme":       "server:\n  origin: ftp://x\n",
		"bad size":         "server:\n  origin: http://x\nstorage:\n  ram:\n    max: lots\n",
		"bad policy":       "server:\n  origin: http://x\nstorage:\n  ram:\n    policy: fifo\n",
		"bad timeout":      "server:\n  origin: http://x\nnetwork:\n  timeout: soon\n",
		"negative timeout": "server:\n  origin: http://x\nnetwork:\n  timeout: -1s\n",
		"api prefix":       "server:\n  origin: http://x\nroutes:\n  api: api\n",
		"auth syntax":      "server:\n  origin: http://x\nroutes:\n  auth: Host(x)\n",
		"manifest path":    "server:\n  origin: http://x\ncache:\n  manifest: [index.html]\n",
		"negative cap":     "server:\n  origin: http://x\nsync:\n  maxAttempts: -1\n",
		"unnamed tag":      "server:\n  origin: http://x\nsync:\n  tags:\n    - match: PathPrefix(/a)\n",
		"duplicate tag":    "server:\n  origin: http://x\nsync:\n  tags:\n    - name: sync-queue\n      match: PathPrefix(/a)\n",
		"tag match":        "server:\n  origin: http://x\nsync:\n  tags:\n    - name: t\n",
		"refresh path":     "server:\n  origin: http://x\nsync:\n  refresh:\n    every: 1m\n",
		"log level":        "server:\n  origin: http://x\nlogging:\n  level: loud\n",
		"yaml":             "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://origin\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://origin", cfg.Server.Origin)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseMatch(t *testing.T) {
	ms, err := parseMatch(" PathPrefix(/a) | PathPrefix( /b/c ) ")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "/a", ms[0].Prefix)
	assert.Equal(t, "/b/c", ms[1].Prefix)
	assert.True(t, matchAny(ms, "/b/c/d"))
	assert.False(t, matchAny(ms, "/b"))

	for _, bad := range []string{"", "|", "PathPrefix()", "PathPrefix(a)", "Path(/a)"} {
		_, err := parseMatch(bad)
		assert.Error(t, err, bad)
	}
}

func TestNotificationTemplate(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://x
notifications:
  title: Hello
  body: There
  icon: /i.png
  badge: /b.png
  url: /inbox
  vibrate: [200]
`))
	require.NoError(t, err)
	n := cfg.notificationTemplate()
	assert.Equal(t, "Hello", n.Title)
	assert.Equal(t, "There", n.Body)
	assert.Equal(t, "/i.png", n.Icon)
	assert.Equal(t, "/b.png", n.Badge)
	assert.Equal(t, "/inbox", n.URL)
	assert.Equal(t, []int{200}, n.Vibrate)
	assert.Empty(t, n.ID)
}
