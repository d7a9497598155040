package offline0

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/sony/gobreaker"
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outbound is a request on its way to the network. Body holds a buffered
// payload; Stream is read once instead when the request is not kept.
type outbound struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	Stream io.Reader
	Length int64
}

// originClient is the single path to the network used by live requests,
// install and replay alike. Calls to the origin go through a circuit breaker
// so a dead origin fails fast instead of costing a full timeout per request.
type originClient struct {
	base    *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	offline    atomic.Bool
	onRestored func()
}

func newOriginClient(cfg Config, log *slog.Logger) *originClient {
	o := &originClient{
		base:   cfg.originURL,
		client: &http.Client{Timeout: cfg.timeoutDur},
		log:    log,
	}
	failures := uint32(cfg.Network.Breaker.Failures)
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "origin",
		MaxRequests: 1,
		Timeout:     cfg.breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A cancelled caller says nothing about the origin.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return o
}

// target resolves a same-origin request URL against the origin.
func (o *originClient) target(u *url.URL) string {
	return strings.TrimRight(o.base.String(), "/") + u.RequestURI()
}

// do sends req to the origin through the breaker.
func (o *originClient) do(ctx context.Context, req outbound) (*Response, error) {
	v, err := o.breaker.Execute(func() (interface{}, error) {
		return o.roundTrip(ctx, req)
	})
	if err != nil {
		// A caller that went away says nothing about the origin.
		if ctx.Err() == nil {
			o.markOffline()
		}
		if !errors.Is(err, ErrNetwork) {
			err = fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return nil, err
	}
	o.markOnline()
	return v.(*Response), nil
}

// direct sends req without the origin breaker. Used for cross-origin pass-through.
func (o *originClient) direct(ctx context.Context, req outbound) (*Response, error) {
	return o.roundTrip(ctx, req)
}

func (o *originClient) roundTrip(ctx context.Context, req outbound) (*Response, error) {
	var body io.Reader
	switch {
	case req.Stream != nil:
		body = req.Stream
	case len(req.Body) > 0:
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	if req.Stream != nil {
		hr.ContentLength = req.Length
	}
	copyHeaders(hr.Header, req.Header)
	hr.Header.Set("Accept-Encoding", "identity")

	resp, err := o.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: h, Body: b, Source: "network"}, nil
}

func (o *originClient) markOffline() {
	if !o.offline.Swap(true) {
		o.log.Info("origin unreachable, serving offline")
	}
}

func (o *originClient) markOnline() {
	if o.offline.CompareAndSwap(true, false) {
		o.log.Info("origin reachable again")
		if o.onRestored != nil {
			o.onRestored()
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
