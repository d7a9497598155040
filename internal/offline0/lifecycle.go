package offline0

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"offline0/internal/store"
)

func (s *Service) newVersionName() store.Version {
	if s.cfg.Cache.Version != "" {
		return store.Version(s.cfg.Cache.Version)
	}
	return store.Version(fmt.Sprintf("%s-%s-%s",
		s.cfg.Cache.Name,
		time.Now().UTC().Format("20060102T150405"),
		uuid.NewString()[:8],
	))
}

// Install fetches every manifest asset into a new cache version. The version
// is committed only if all of them succeed; otherwise nothing is written.
func (s *Service) Install(ctx context.Context) (store.Version, error) {
	v := s.newVersionName()
	manifest := s.cfg.Cache.Manifest
	started := time.Now()

	urls := make([]*url.URL, len(manifest))
	for i, p := range manifest {
		u, err := url.Parse(p)
		if err != nil {
			return "", fmt.Errorf("%w: manifest %q: %v", ErrInstall, p, err)
		}
		urls[i] = u
	}

	fetched := make([]*Response, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Cache.InstallConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			resp, err := s.origin.do(gctx, outbound{
				Method: http.MethodGet,
				URL:    s.origin.target(u),
				Header: http.Header{"Accept": {"*/*"}},
			})
			if err != nil {
				return fmt.Errorf("%s: %w", manifest[i], err)
			}
			if !resp.ok() {
				return fmt.Errorf("%s: unexpected status %d", manifest[i], resp.Status)
			}
			fetched[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInstall, err)
	}

	stage := s.cache.Stage(v)
	for i, u := range urls {
		if err := stage.Put(store.Fingerprint(http.MethodGet, u), fetched[i].entry()); err != nil {
			return "", fmt.Errorf("%w: stage %s: %v", ErrInstall, manifest[i], err)
		}
	}
	if err := stage.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", ErrInstall, err)
	}
	s.log.Info("cache version installed", "version", v, "assets", stage.Len(), "took", time.Since(started))
	return v, nil
}

// Activate makes v current and deletes every other version. Requests are
// intercepted from then on.
func (s *Service) Activate(ctx context.Context, v store.Version) error {
	if !s.cache.HasVersion(v) {
		return fmt.Errorf("activate %s: %w", v, store.ErrUnknownVersion)
	}
	// Readers switch to v before anything is deleted.
	if err := s.versions.Activate(v); err != nil {
		return fmt.Errorf("activate %s: %w", v, err)
	}
	all, err := s.cache.Versions()
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	for _, old := range all {
		if old == v {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.cache.DeleteVersion(old); err != nil {
			return fmt.Errorf("delete version %s: %w", old, err)
		}
		s.log.Info("cache version deleted", "version", old)
	}
	s.ready.Store(true)
	s.log.Info("cache version activated", "version", v)
	return nil
}
