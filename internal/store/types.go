package store

import (
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// Version names one generation of the response cache.
type Version string

type HeaderField struct {
	Name  string
	Value string
}

// Entry is a captured origin response.
type Entry struct {
	Status     int
	Header     []HeaderField
	Body       []byte
	CapturedAt time.Time
}

// HeaderFields flattens h into name/value pairs. Names are sorted, and repeated
// values of one name keep their original order.
func HeaderFields(h http.Header) []HeaderField {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]HeaderField, 0, len(h))
	for _, k := range names {
		for _, v := range h[k] {
			out = append(out, HeaderField{Name: k, Value: v})
		}
	}
	return out
}

func (e Entry) HTTPHeader() http.Header {
	h := make(http.Header, len(e.Header))
	for _, f := range e.Header {
		h.Add(f.Name, f.Value)
	}
	return h
}

// Fingerprint returns the cache key of a request: the upper-cased method and
// the path plus its query with parameters sorted by name. Scheme, host and
// fragment do not take part.
func Fingerprint(method string, u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	trailing := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if trailing && p != "/" {
		p += "/"
	}
	key := strings.ToUpper(method) + " " + p
	if u.RawQuery != "" {
		// Encode sorts by key and keeps the order of repeated values.
		key += "?" + u.Query().Encode()
	}
	return key
}
