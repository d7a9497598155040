package offline0

import (
	"net/http"
	"net/url"
	"strings"
)

type RouteClass int

const (
	StaticAsset RouteClass = iota
	CacheableAPI
	NonCacheableAPI
	AuthExcluded
)

func (c RouteClass) String() string {
	switch c {
	case StaticAsset:
		return "static-asset"
	case CacheableAPI:
		return "cacheable-api"
	case NonCacheableAPI:
		return "non-cacheable-api"
	case AuthExcluded:
		return "auth-excluded"
	}
	return "unknown"
}

// Classifier maps a request to the strategy the interceptor applies to it.
// It is pure: the result depends only on method, URL and configuration.
type Classifier struct {
	originHost string
	apiPrefix  string
	auth       []pathPrefixMatcher
	cacheable  []string
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		originHost: cfg.originURL.Host,
		apiPrefix:  cfg.Routes.API,
		auth:       cfg.authMatchers,
		cacheable:  cfg.Routes.Cacheable,
	}
}

func (c *Classifier) Classify(method string, u *url.URL) RouteClass {
	if c.crossOrigin(u) {
		return AuthExcluded
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if matchAny(c.auth, path) {
		return AuthExcluded
	}
	if !isReadMethod(method) {
		return NonCacheableAPI
	}
	if strings.HasPrefix(path, c.apiPrefix) {
		for _, s := range c.cacheable {
			if s != "" && strings.Contains(path, s) {
				return CacheableAPI
			}
		}
		return NonCacheableAPI
	}
	return StaticAsset
}

// crossOrigin reports whether u names a host other than the origin. Requests
// in origin form (no host) are same-origin.
func (c *Classifier) crossOrigin(u *url.URL) bool {
	return u.Host != "" && !strings.EqualFold(u.Host, c.originHost)
}

func isReadMethod(method string) bool {
	m := strings.ToUpper(method)
	return m == http.MethodGet || m == http.MethodHead
}

func isMutatingMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
