package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"offline0/internal/store"
)

// Write bodies larger than this cannot be held for queuing.
const maxBodyBytes = 8 << 20

const offlineDocument = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page has not been saved for offline use. It will load once the connection is back.</p>
</body>
</html>
`

// Fetch resolves one intercepted request. The route class picks the strategy:
// cache-first for static assets, network-first for cacheable API reads,
// network-only with queuing of failed writes for the rest of the API, and a
// plain pass-through for auth-sensitive and cross-origin requests.
func (s *Service) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	class := s.classifier.Classify(r.Method, r.URL)
	cross := s.classifier.crossOrigin(r.URL)
	ready := s.ready.Load()
	req := outbound{Method: r.Method, Header: r.Header}

	// Only a write that may be queued is buffered; the rest stream through.
	if ready && !cross && class == NonCacheableAPI && isMutatingMethod(r.Method) {
		body, err := readBody(r)
		if err != nil {
			s.metrics.observe(class, nil, err)
			return nil, err
		}
		req.Body = body
	} else if r.Body != nil && r.Body != http.NoBody {
		req.Stream = r.Body
		req.Length = r.ContentLength
	}

	var (
		resp *Response
		err  error
	)
	switch {
	case cross:
		req.URL = r.URL.String()
		resp, err = s.origin.direct(ctx, req)
		if err == nil {
			resp.Source = "bypass"
		}
	case !ready || class == AuthExcluded:
		// Until activation the agent does not control requests.
		req.URL = s.origin.target(r.URL)
		resp, err = s.origin.do(ctx, req)
		if err == nil {
			resp.Source = "bypass"
		}
	case class == StaticAsset:
		req.URL = s.origin.target(r.URL)
		resp, err = s.cacheFirst(ctx, r, req)
	case class == CacheableAPI:
		req.URL = s.origin.target(r.URL)
		resp, err = s.networkFirst(ctx, r, req)
	default:
		req.URL = s.origin.target(r.URL)
		resp, err = s.networkOnly(ctx, r, req)
	}

	s.metrics.observe(class, resp, err)
	return resp, err
}

func (s *Service) cacheFirst(ctx context.Context, r *http.Request, req outbound) (*Response, error) {
	v := s.versions.Current()
	fp := store.Fingerprint(r.Method, r.URL)

	ent, err := s.cache.Match(v, fp)
	if err == nil {
		return responseFromEntry(ent, "hit"), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.warnLog.Warn("cache read failed", "version", v, "fingerprint", fp, "error", err)
	}

	// Concurrent misses for one fingerprint share a single origin fetch.
	res, err, _ := s.flight.Do(string(v)+"\x00"+fp, func() (any, error) {
		resp, err := s.origin.do(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		if resp.ok() {
			s.putEntry(v, fp, resp)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, ErrNetwork) {
			return s.offlineFallback(v, r), nil
		}
		return nil, err
	}
	resp := res.(*Response).clone()
	resp.Source = "miss"
	return resp, nil
}

func (s *Service) networkFirst(ctx context.Context, r *http.Request, req outbound) (*Response, error) {
	v := s.versions.Current()
	fp := store.Fingerprint(r.Method, r.URL)

	resp, err := s.origin.do(ctx, req)
	if err == nil {
		if resp.ok() {
			s.putEntry(v, fp, resp)
		}
		return resp, nil
	}

	ent, merr := s.cache.Match(v, fp)
	if merr == nil {
		return responseFromEntry(ent, "stale"), nil
	}
	if !errors.Is(merr, store.ErrNotFound) {
		s.warnLog.Warn("cache read failed", "version", v, "fingerprint", fp, "error", merr)
	}
	return nil, err
}

func (s *Service) networkOnly(ctx context.Context, r *http.Request, req outbound) (*Response, error) {
	resp, err := s.origin.do(ctx, req)
	if err == nil || !isMutatingMethod(r.Method) || !errors.Is(err, ErrNetwork) {
		return resp, err
	}

	op, qerr := s.queue.Enqueue(store.PendingOperation{
		Tag:     s.cfg.tagFor(r.URL.Path),
		Method:  strings.ToUpper(r.Method),
		Path:    r.URL.RequestURI(),
		Header:  cloneHeader(r.Header),
		Payload: req.Body,
	})
	if qerr != nil {
		s.log.Error("enqueue failed", "method", r.Method, "path", r.URL.Path, "error", qerr)
		return nil, fmt.Errorf("%w (enqueue: %v)", err, qerr)
	}
	s.log.Info("write queued for sync", "id", op.LocalID, "tag", op.Tag, "method", op.Method, "path", op.Path)
	return queuedResponse(op), nil
}

// putEntry writes a cache entry. Failures are logged and never reach the caller.
func (s *Service) putEntry(v store.Version, fp string, resp *Response) {
	if v == "" {
		return
	}
	if err := s.cache.Put(v, fp, resp.entry()); err != nil {
		s.warnLog.Warn("cache write failed", "version", v, "fingerprint", fp, "error", err)
	}
}

// offlineFallback answers a request that neither the cache nor the network
// could serve: the offline document for navigations, a synthetic 408 otherwise.
func (s *Service) offlineFallback(v store.Version, r *http.Request) *Response {
	if !acceptsHTML(r) {
		return &Response{
			Status: http.StatusRequestTimeout,
			Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:   []byte("offline: the request could not be completed\n"),
			Source: "timeout",
		}
	}
	if page := s.cfg.Cache.OfflinePage; page != "" {
		if u, err := url.Parse(page); err == nil {
			if ent, err := s.cache.Match(v, store.Fingerprint(http.MethodGet, u)); err == nil {
				return responseFromEntry(ent, "offline")
			}
		}
	}
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:   []byte(offlineDocument),
		Source: "offline",
	}
}

func queuedResponse(op store.PendingOperation) *Response {
	body, _ := json.Marshal(struct {
		Queued  bool   `json:"queued"`
		LocalID string `json:"localId"`
		Tag     string `json:"tag"`
	}{true, op.LocalID, op.Tag})
	return &Response{
		Status:      http.StatusAccepted,
		Header:      http.Header{"Content-Type": {"application/json"}},
		Body:        body,
		Source:      "queued",
		OperationID: op.LocalID,
	}
}

func acceptsHTML(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/html") {
			return true
		}
	}
	return false
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, maxBodyBytes)
	}
	return b, nil
}
