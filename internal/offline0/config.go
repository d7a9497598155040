package offline0

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"offline0/internal/notify"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max     string `yaml:"max"`
			Policy  string `yaml:"policy"`
			Entries int    `yaml:"entries"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`
		Breaker struct {
			Failures int    `yaml:"failures"`
			Cooldown string `yaml:"cooldown"`
		} `yaml:"breaker"`
	} `yaml:"network"`

	Routes struct {
		API       string   `yaml:"api"`
		Auth      string   `yaml:"auth"`
		Cacheable []string `yaml:"cacheable"`
	} `yaml:"routes"`

	Cache struct {
		Name               string   `yaml:"name"`
		Version            string   `yaml:"version"`
		Manifest           []string `yaml:"manifest"`
		OfflinePage        string   `yaml:"offlinePage"`
		InstallConcurrency int      `yaml:"installConcurrency"`
	} `yaml:"cache"`

	Sync struct {
		Every       string    `yaml:"every"`
		MaxAttempts *int      `yaml:"maxAttempts"`
		DefaultTag  string    `yaml:"defaultTag"`
		Tags        []SyncTag `yaml:"tags"`
		Refresh     struct {
			Path  string `yaml:"path"`
			Every string `yaml:"every"`
		} `yaml:"refresh"`
	} `yaml:"sync"`

	Notifications struct {
		Title   string `yaml:"title"`
		Body    string `yaml:"body"`
		Icon    string `yaml:"icon"`
		Badge   string `yaml:"badge"`
		URL     string `yaml:"url"`
		Vibrate []int  `yaml:"vibrate"`
	} `yaml:"notifications"`

	Observers struct {
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Channel  string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"observers"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	originURL        *url.URL
	ramMaxBytes      int64
	timeoutDur       time.Duration
	breakerCooldown  time.Duration
	authMatchers     []pathPrefixMatcher
	syncEveryDur     time.Duration
	refreshEveryDur  time.Duration
	logStatsEveryDur time.Duration
	maxAttempts      int
}

// SyncTag names one replay routine and the paths whose writes it owns.
type SyncTag struct {
	Name     string `yaml:"name"`
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

const defaultMaxAttempts = 10

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes a YAML document, applies defaults and compiles
// durations, sizes and path matchers.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: absolute http(s) url required, got %q", cfg.Server.Origin)
	}
	cfg.originURL = u

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max != "" {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.ramMaxBytes = n
	}
	switch cfg.Storage.RAM.Policy {
	case "", "lru", "lfu":
	default:
		return fmt.Errorf("storage.ram.policy: unknown policy %q", cfg.Storage.RAM.Policy)
	}

	if cfg.timeoutDur, err = parseDurationDefault(cfg.Network.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if cfg.Network.Breaker.Failures == 0 {
		cfg.Network.Breaker.Failures = 5
	}
	if cfg.breakerCooldown, err = parseDurationDefault(cfg.Network.Breaker.Cooldown, 15*time.Second); err != nil {
		return fmt.Errorf("network.breaker.cooldown: %w", err)
	}

	if cfg.Routes.API == "" {
		cfg.Routes.API = "/api/"
	}
	if !strings.HasPrefix(cfg.Routes.API, "/") {
		return fmt.Errorf("routes.api: must start with /, got %q", cfg.Routes.API)
	}
	if strings.TrimSpace(cfg.Routes.Auth) != "" {
		ms, err := parseMatch(cfg.Routes.Auth)
		if err != nil {
			return fmt.Errorf("routes.auth: %w", err)
		}
		cfg.authMatchers = ms
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "offline0"
	}
	if cfg.Cache.InstallConcurrency <= 0 {
		cfg.Cache.InstallConcurrency = 4
	}
	for i, p := range cfg.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.manifest[%d]: must start with /, got %q", i, p)
		}
	}

	if cfg.syncEveryDur, err = parseDurationDefault(cfg.Sync.Every, 0); err != nil {
		return fmt.Errorf("sync.every: %w", err)
	}
	cfg.maxAttempts = defaultMaxAttempts
	if cfg.Sync.MaxAttempts != nil {
		if *cfg.Sync.MaxAttempts < 0 {
			return fmt.Errorf("sync.maxAttempts: must not be negative")
		}
		cfg.maxAttempts = *cfg.Sync.MaxAttempts
	}
	if cfg.Sync.DefaultTag == "" {
		cfg.Sync.DefaultTag = "sync-queue"
	}
	seen := map[string]struct{}{cfg.Sync.DefaultTag: {}}
	for i := range cfg.Sync.Tags {
		tg := &cfg.Sync.Tags[i]
		if tg.Name == "" {
			return fmt.Errorf("sync.tags[%d].name: required", i)
		}
		if _, dup := seen[tg.Name]; dup {
			return fmt.Errorf("sync.tags[%d].name: duplicate tag %q", i, tg.Name)
		}
		seen[tg.Name] = struct{}{}
		ms, err := parseMatch(tg.Match)
		if err != nil {
			return fmt.Errorf("sync.tags[%d].match: %w", i, err)
		}
		tg.matchers = ms
	}
	sort.SliceStable(cfg.Sync.Tags, func(i, j int) bool {
		return cfg.Sync.Tags[i].Priority < cfg.Sync.Tags[j].Priority
	})
	if cfg.refreshEveryDur, err = parseDurationDefault(cfg.Sync.Refresh.Every, 0); err != nil {
		return fmt.Errorf("sync.refresh.every: %w", err)
	}
	if cfg.refreshEveryDur > 0 && cfg.Sync.Refresh.Path == "" {
		return fmt.Errorf("sync.refresh.path: required when sync.refresh.every is set")
	}

	if cfg.Notifications.Title == "" {
		cfg.Notifications.Title = "New notification"
	}
	if cfg.Notifications.URL == "" {
		cfg.Notifications.URL = "/"
	}
	if cfg.Notifications.Vibrate == nil {
		cfg.Notifications.Vibrate = []int{100, 50, 100}
	}

	if cfg.Observers.Redis.Channel == "" {
		cfg.Observers.Redis.Channel = "offline0:events"
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

// OriginURL is the parsed server.origin.
func (cfg Config) OriginURL() *url.URL { return cfg.originURL }

func (cfg Config) notificationTemplate() notify.Notification {
	n := cfg.Notifications
	return notify.Notification{
		Title:   n.Title,
		Body:    n.Body,
		Icon:    n.Icon,
		Badge:   n.Badge,
		URL:     n.URL,
		Vibrate: n.Vibrate,
	}
}

// tagFor returns the sync tag owning writes to path.
func (cfg Config) tagFor(path string) string {
	for _, tg := range cfg.Sync.Tags {
		if tg.Matches(path) {
			return tg.Name
		}
	}
	return cfg.Sync.DefaultTag
}

func (cfg Config) knownTag(name string) bool {
	if name == cfg.Sync.DefaultTag {
		return true
	}
	for _, tg := range cfg.Sync.Tags {
		if tg.Name == name {
			return true
		}
	}
	return false
}

// LogLevel is the parsed logging.level.
func (cfg Config) LogLevel() slog.Level {
	l, _ := parseLevel(cfg.Logging.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	err := l.UnmarshalText([]byte(s))
	return l, err
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// parseMatch compiles "PathPrefix(/a)|PathPrefix(/b)".
func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func matchAny(ms []pathPrefixMatcher, path string) bool {
	for _, m := range ms {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (t *SyncTag) Matches(path string) bool {
	return matchAny(t.matchers, path)
}
