package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"offline0/internal/hub"
	"offline0/internal/store"
)

const syncPassTimeout = 5 * time.Minute

// Sync replays the queued operations of tag, or of every tag when tag is
// empty, in enqueue order. Delivered operations are deleted; failed ones stay
// with their attempt count raised. An operation moves to the dead-letter list
// once the origin has rejected it sync.maxAttempts times; attempts that never
// reached the origin do not count toward that cap. One pass runs at a time.
func (s *Service) Sync(ctx context.Context, tag string) (SyncResult, error) {
	if tag != "" && !s.cfg.knownTag(tag) {
		return SyncResult{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	ops, err := s.queue.List(tag)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list pending: %w", err)
	}

	var res SyncResult
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rerr := s.replay(ctx, op)
		if rerr != nil && ctx.Err() != nil {
			// Interrupted, not failed: the attempt is not recorded.
			return res, ctx.Err()
		}
		res.Replayed++

		if rerr == nil {
			if err := s.queue.Delete(op.LocalID); err != nil {
				// Delivered but still queued: it will be delivered again.
				s.log.Error("delete replayed operation", "id", op.LocalID, "error", err)
			}
			res.Delivered++
			s.metrics.replays.WithLabelValues("delivered").Inc()
			continue
		}

		res.Failed++
		s.metrics.replays.WithLabelValues("failed").Inc()
		op.AttemptCount++
		op.LastError = rerr.Error()

		if !errors.Is(rerr, ErrNetwork) {
			op.Rejections++
		}
		if s.cfg.maxAttempts > 0 && op.Rejections >= s.cfg.maxAttempts {
			if err := s.queue.Bury(op); err != nil {
				s.log.Error("bury operation", "id", op.LocalID, "error", err)
				continue
			}
			res.Buried++
			s.metrics.replays.WithLabelValues("buried").Inc()
			s.log.Error("operation gave up after max attempts",
				"id", op.LocalID, "tag", op.Tag, "method", op.Method, "path", op.Path,
				"attempts", op.AttemptCount, "rejections", op.Rejections, "error", rerr)
			s.publish(ctx, hub.Event{Type: "sync.failed", Data: op})
			continue
		}
		if err := s.queue.Update(op); err != nil {
			s.log.Error("update operation", "id", op.LocalID, "error", err)
		}
	}

	if res.Replayed > 0 {
		s.log.Info("sync pass done", "tag", tag, "replayed", res.Replayed,
			"delivered", res.Delivered, "failed", res.Failed, "buried", res.Buried)
		s.publish(ctx, hub.Event{Type: "sync.done", Data: struct {
			Tag string `json:"tag"`
			SyncResult
		}{tag, res}})
	}
	return res, nil
}

// replay sends op to the origin. Anything but a 2xx answer is a failure.
func (s *Service) replay(ctx context.Context, op store.PendingOperation) error {
	h := cloneHeader(op.Header)
	if h == nil {
		h = http.Header{}
	}
	// Lets the origin drop a write it already applied.
	h.Set("X-Operation-Id", op.LocalID)

	resp, err := s.origin.do(ctx, outbound{
		Method: op.Method,
		URL:    s.origin.base.String() + op.Path,
		Header: h,
		Body:   op.Payload,
	})
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("origin answered %d", resp.Status)
	}
	return nil
}

// kickSync asks the sync loop for a full pass without waiting for it.
func (s *Service) kickSync() {
	select {
	case s.syncKick <- struct{}{}:
	default:
	}
}

func (s *Service) syncLoop(every time.Duration) {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.stopCh:
			return
		case <-tick:
		case <-s.syncKick:
		}
		if s.queue.Len() == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), syncPassTimeout)
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if _, err := s.Sync(ctx, ""); err != nil {
			s.log.Warn("background sync", "error", err)
		}
		cancel()
	}
}
