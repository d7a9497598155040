package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"offline0/internal/hub"
)

type refreshData struct {
	Path   string `json:"path"`
	Status int    `json:"status"`
	Body   any    `json:"body"`
}

// Refresh re-fetches the primary collection through the interceptor, so the
// cache is updated as for a live request, and pushes the result to observers.
// It only publishes what came from the network.
func (s *Service) Refresh(ctx context.Context) error {
	path := s.cfg.Sync.Refresh.Path
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	r.Header.Set("Accept", "application/json")

	resp, err := s.Fetch(ctx, r)
	if err != nil {
		return err
	}
	if resp.Source != "network" && resp.Source != "miss" && resp.Source != "bypass" {
		return fmt.Errorf("%w: refresh %s served from %s", ErrNetwork, path, resp.Source)
	}
	if !resp.ok() {
		return fmt.Errorf("refresh %s: origin answered %d", path, resp.Status)
	}

	var body any = string(resp.Body)
	if json.Valid(resp.Body) {
		body = json.RawMessage(resp.Body)
	}
	s.publish(ctx, hub.Event{Type: "refresh", Data: refreshData{Path: path, Status: resp.Status, Body: body}})
	return nil
}

func (s *Service) refreshLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.timeoutDur)
			if err := s.Refresh(ctx); err != nil {
				s.log.Debug("periodic refresh skipped", "path", s.cfg.Sync.Refresh.Path, "error", err)
			}
			cancel()
		}
	}
}
