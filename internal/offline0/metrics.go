package offline0

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	registry      *prometheus.Registry
	resolutions   *prometheus.CounterVec
	replays       *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

func newMetrics(s *Service) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "requests_total",
			Help:      "Intercepted requests by route class and response source.",
		}, []string{"route", "source"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "replays_total",
			Help:      "Queued operation replays by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "notifications_total",
			Help:      "Notification events by kind.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resolutions,
		m.replays,
		m.notifications,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "offline0",
			Name:      "queue_pending",
			Help:      "Operations waiting for replay.",
		}, func() float64 { return float64(s.queue.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "offline0",
			Name:      "queue_failed",
			Help:      "Operations that exhausted their replay attempts.",
		}, func() float64 { return float64(s.queue.BuriedLen()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "offline0",
			Name:      "cache_ram_bytes",
			Help:      "Bytes held by the in-memory cache tier.",
		}, func() float64 { return float64(s.cache.RAMSize()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "offline0",
			Name:      "client_views",
			Help:      "Connected client views.",
		}, func() float64 { return float64(s.hub.Len()) }),
	)
	return m
}

func (m *metrics) observe(class RouteClass, resp *Response, err error) {
	source := "error"
	if err == nil && resp != nil {
		source = resp.Source
	}
	m.resolutions.WithLabelValues(class.String(), source).Inc()
}
