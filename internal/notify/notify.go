// Package notify turns inbound push payloads into display requests and
// routes notification clicks to an existing client view or a new one.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"

	"github.com/google/uuid"
)

// ErrNoViews is returned by Clients and Displayer implementations when no
// client view is connected.
var ErrNoViews = errors.New("no client views connected")

// Notification is what gets displayed. It is built per push event and never persisted.
type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	URL     string `json:"url"`
	Vibrate []int  `json:"vibrate,omitempty"`
}

// View is one open client window.
type View struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Displayer interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

type Clients interface {
	Views(ctx context.Context) ([]View, error)
	Focus(ctx context.Context, viewID string) error
	Open(ctx context.Context, rawURL string) error
}

// payload is the wire shape of a push message. Every field is optional.
type payload struct {
	Title *string `json:"title"`
	Body  *string `json:"body"`
	Icon  *string `json:"icon"`
	Badge *string `json:"badge"`
	Data  *struct {
		URL *string `json:"url"`
	} `json:"data"`
}

type Dispatcher struct {
	template Notification
	display  Displayer
	clients  Clients
	log      *slog.Logger
}

func NewDispatcher(template Notification, display Displayer, clients Clients, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{template: template, display: display, clients: clients, log: logger}
}

// Build merges a push payload over the default template. A payload that is not
// a JSON object yields the template unchanged.
func (d *Dispatcher) Build(raw []byte) Notification {
	n := d.template
	n.Vibrate = append([]int(nil), d.template.Vibrate...)
	n.ID = uuid.NewString()

	var p payload
	if len(raw) == 0 {
		return n
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		d.log.Debug("push payload ignored", "error", err)
		return n
	}
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Body != nil {
		n.Body = *p.Body
	}
	if p.Icon != nil {
		n.Icon = *p.Icon
	}
	if p.Badge != nil {
		n.Badge = *p.Badge
	}
	if p.Data != nil && p.Data.URL != nil {
		n.URL = *p.Data.URL
	}
	return n
}

// Push builds the notification for raw and asks the display surface to show it.
func (d *Dispatcher) Push(ctx context.Context, raw []byte) (Notification, error) {
	n := d.Build(raw)
	if err := d.display.Show(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Click closes n, then focuses a view already showing n.URL or opens a new one.
func (d *Dispatcher) Click(ctx context.Context, n Notification) error {
	if n.ID != "" {
		if err := d.display.Close(ctx, n.ID); err != nil && !errors.Is(err, ErrNoViews) {
			d.log.Debug("close notification", "id", n.ID, "error", err)
		}
	}
	target := n.URL
	if target == "" {
		target = d.template.URL
	}

	views, err := d.clients.Views(ctx)
	if err != nil && !errors.Is(err, ErrNoViews) {
		return err
	}
	for _, v := range views {
		if SameTarget(v.URL, target) {
			return d.clients.Focus(ctx, v.ID)
		}
	}
	return d.clients.Open(ctx, target)
}

// SameTarget reports whether two URLs point at the same page. Hosts are only
// compared when both URLs carry one, so a relative target matches an absolute
// view URL with the same path and query.
func SameTarget(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	if ua.Host != "" && ub.Host != "" && ua.Host != ub.Host {
		return false
	}
	pa, pb := ua.Path, ub.Path
	if pa == "" {
		pa = "/"
	}
	if pb == "" {
		pb = "/"
	}
	return pa == pb && ua.RawQuery == ub.RawQuery
}
