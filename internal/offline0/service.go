package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"offline0/internal/hub"
	"offline0/internal/notify"
	"offline0/internal/store"
)

// Agent is the set of events the hosting runtime delivers to the agent.
type Agent interface {
	Install(ctx context.Context) (store.Version, error)
	Activate(ctx context.Context, v store.Version) error
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
	Sync(ctx context.Context, tag string) (SyncResult, error)
	Push(ctx context.Context, payload []byte) (notify.Notification, error)
	NotificationClick(ctx context.Context, n notify.Notification) error
}

var _ Agent = (*Service)(nil)

const controlPrefix = "/__offline0/"

// Options carries collaborators that tests or embedders may substitute.
type Options struct {
	Logger *slog.Logger

	// Versions defaults to a LevelDB-backed pointer.
	Versions store.VersionManager

	// Displayer and Clients default to the built-in websocket hub.
	Displayer notify.Displayer
	Clients   notify.Clients

	// Publishers receive agent events in addition to the hub.
	Publishers []hub.Publisher
}

type Service struct {
	cfg Config
	log *slog.Logger

	classifier *Classifier
	origin     *originClient

	db       *store.DB
	cache    *store.CacheStore
	versions store.VersionManager
	queue    *store.Queue

	hub        *hub.Hub
	publishers []hub.Publisher
	redis      *hub.RedisPublisher
	dispatcher *notify.Dispatcher

	flight singleflight.Group
	ready  atomic.Bool

	syncMu   sync.Mutex
	syncKick chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	warnLog *rateLimitedLogger
	stats   *servedStats
	metrics *metrics
}

func NewService(cfg Config, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	cache, err := store.NewCacheStore(db, store.RAMConfig{
		Policy:     cfg.Storage.RAM.Policy,
		MaxBytes:   cfg.ramMaxBytes,
		MaxEntries: cfg.Storage.RAM.Entries,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	versions := opts.Versions
	if versions == nil {
		pv, err := store.NewPersistentVersions(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		versions = pv
	}
	queue, err := store.NewQueue(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		log:        logger,
		classifier: NewClassifier(cfg),
		origin:     newOriginClient(cfg, logger),
		db:         db,
		cache:      cache,
		versions:   versions,
		queue:      queue,
		hub:        hub.New(logger),
		syncKick:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		warnLog:    newRateLimitedLogger(logger, time.Minute),
		stats:      newServedStats(),
	}
	s.origin.onRestored = s.kickSync

	s.publishers = append([]hub.Publisher{s.hub}, opts.Publishers...)
	if addr := cfg.Observers.Redis.Addr; addr != "" {
		rp, err := hub.NewRedisPublisher(addr, cfg.Observers.Redis.Password, cfg.Observers.Redis.DB, cfg.Observers.Redis.Channel)
		if err != nil {
			// Observers are optional; the agent works without the mirror.
			logger.Warn("redis observer disabled", "addr", addr, "error", err)
		} else {
			s.redis = rp
			s.publishers = append(s.publishers, rp)
		}
	}

	display, clients := opts.Displayer, opts.Clients
	if display == nil {
		display = s.hub
	}
	if clients == nil {
		clients = s.hub
	}
	s.dispatcher = notify.NewDispatcher(cfg.notificationTemplate(), display, clients, logger)
	s.metrics = newMetrics(s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncLoop(cfg.syncEveryDur)
	}()

	if cfg.refreshEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshLoop(cfg.refreshEveryDur)
		}()
	}

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}

	return s, nil
}

// Start runs install then activate. When install fails the previously
// activated version, if any, keeps being served and the error is returned.
func (s *Service) Start(ctx context.Context) error {
	v, err := s.Install(ctx)
	if err != nil {
		s.log.Error("install failed, keeping current cache version",
			"current", s.versions.Current(), "error", err)
		s.ready.Store(true)
		return err
	}
	return s.Activate(ctx, v)
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.hub.Shutdown()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	_ = s.db.Close()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+controlPrefix+"sync", s.handleSync)
	mux.HandleFunc("POST "+controlPrefix+"push", s.handlePush)
	mux.HandleFunc("POST "+controlPrefix+"notifications/click", s.handleClick)
	mux.HandleFunc("GET "+controlPrefix+"queue", s.handleQueue)
	mux.HandleFunc("POST "+controlPrefix+"queue/requeue", s.handleRequeue)
	mux.Handle("GET "+controlPrefix+"ws", s.hub)
	mux.Handle("GET "+controlPrefix+"metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, controlPrefix) {
		http.NotFound(w, r)
		return
	}
	resp, err := s.Fetch(r.Context(), r)
	if errors.Is(err, ErrBodyTooLarge) {
		setOfflineHeaders(w.Header(), "too-large")
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		setOfflineHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeResponseWithStats(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "X-Offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), resp.Source)
	if resp.OperationID != "" {
		w.Header().Set("X-Offline0-Operation", resp.OperationID)
		ensureExposedHeader(w.Header(), "X-Offline0-Operation")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOfflineHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Offline0", source)
	}
	// Custom headers are not readable by JS in a CORS context unless exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) writeResponseWithStats(w http.ResponseWriter, resp *Response) {
	writeResponse(w, resp)
	s.stats.Observe(resp.Source, len(resp.Body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sync(r.Context(), r.URL.Query().Get("tag"))
	switch {
	case errors.Is(err, ErrUnknownTag):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "read payload", http.StatusBadRequest)
		return
	}
	n, err := s.Push(r.Context(), body)
	writeJSON(w, http.StatusAccepted, struct {
		Notification notify.Notification `json:"notification"`
		Displayed    bool                `json:"displayed"`
	}{n, err == nil})
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&n); err != nil {
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	if err := s.NotificationClick(r.Context(), n); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.List(r.URL.Query().Get("tag"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	failed, err := s.queue.Failed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Pending []store.PendingOperation `json:"pending"`
		Failed  []store.PendingOperation `json:"failed"`
	}{pending, failed})
}

func (s *Service) handleRequeue(w http.ResponseWriter, r *http.Request) {
	op, err := s.queue.Requeue(r.URL.Query().Get("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		s.kickSync()
		writeJSON(w, http.StatusOK, op)
	}
}

// Push shows the notification carried by an inbound push payload.
func (s *Service) Push(ctx context.Context, payload []byte) (notify.Notification, error) {
	n, err := s.dispatcher.Push(ctx, payload)
	s.metrics.notifications.WithLabelValues("push").Inc()
	if err != nil {
		// Display is best effort.
		s.log.Info("notification not displayed", "title", n.Title, "error", err)
	}
	return n, err
}

// NotificationClick focuses or opens the client view for n.
func (s *Service) NotificationClick(ctx context.Context, n notify.Notification) error {
	s.metrics.notifications.WithLabelValues("click").Inc()
	return s.dispatcher.Click(ctx, n)
}

func (s *Service) publish(ctx context.Context, ev hub.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			s.warnLog.Warn("publish event failed", "type", ev.Type, "error", err)
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			v := s.versions.Current()
			s.log.Info("stats",
				"version", v,
				"entries", s.cache.Count(v),
				"ram", formatBytes(uint64(s.cache.RAMSize())),
				"pending", s.queue.Len(),
				"failed", s.queue.BuriedLen(),
				"views", s.hub.Len(),
				"hit", ss.Sources["hit"],
				"miss", ss.Sources["miss"],
				"stale", ss.Sources["stale"],
				"offline", ss.Sources["offline"]+ss.Sources["timeout"],
				"queued", ss.Sources["queued"],
				"respMin", formatBytes(ss.MinBytes),
				"respAvg", formatBytes(ss.AvgBytes),
				"respMax", formatBytes(ss.MaxBytes),
			)
		}
	}
}
