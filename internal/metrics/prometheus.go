package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authguard/internal/model"
)

// Exporter mirrors published stats into Prometheus gauges on a private
// registry.
type Exporter struct {
	registry *prometheus.Registry

	mu      sync.Mutex
	lastSeq uint64

	failedAttempts prometheus.Gauge
	attemptRate    *prometheus.GaugeVec
	bruteForce     prometheus.Gauge
	blocked        *prometheus.GaugeVec
	lockouts       prometheus.Gauge
	lockoutSeconds prometheus.Gauge
	sessions       prometheus.Gauge
	origins        prometheus.Gauge
	events         prometheus.Gauge
	alerts         prometheus.Gauge
	updates        *prometheus.CounterVec
	stale          prometheus.Counter
}

func NewExporter(namespace string) *Exporter {
	if namespace == "" {
		namespace = "authguard"
	}
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		failedAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_password_attempts",
			Help:      "Failed password attempts recorded since start.",
		}),
		attemptRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attempts_in_window",
			Help:      "Failed attempts inside the trailing window.",
		}, []string{"window"}),
		bruteForce: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "brute_force_detected",
			Help:      "1 once brute force has been confirmed.",
		}),
		blocked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Entries in the block registry.",
		}, []string{"kind"}),
		lockouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lockouts",
			Help:      "Origins currently locked out.",
		}),
		lockoutSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lockout_remaining_seconds",
			Help:      "Longest remaining lockout.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions active within the session timeout.",
		}),
		origins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrent_origins",
			Help:      "Distinct origins with an active session.",
		}),
		events: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retained_events",
			Help:      "Events retained in the event store.",
		}),
		alerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Unacknowledged alerts.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_published_total",
			Help:      "Updates published to subscribers by reason.",
		}, []string{"reason"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_updates_dropped_total",
			Help:      "Updates delivered after a newer one and ignored.",
		}),
	}
	e.registry.MustRegister(
		e.failedAttempts, e.attemptRate, e.bruteForce, e.blocked,
		e.lockouts, e.lockoutSeconds, e.sessions, e.origins,
		e.events, e.alerts, e.updates, e.stale,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Observe is a notify subscriber. Sequenced updates older than the last one
// applied are counted and ignored.
func (e *Exporter) Observe(update model.Update) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if update.Seq != 0 {
		if update.Seq <= e.lastSeq {
			e.stale.Inc()
			return nil
		}
		e.lastSeq = update.Seq
	}
	s := update.Stats
	e.failedAttempts.Set(float64(s.FailedPasswordAttempts))
	e.attemptRate.WithLabelValues("1m").Set(float64(s.AttemptsLastMinute))
	e.attemptRate.WithLabelValues("60m").Set(float64(s.AttemptsLastHour))
	if s.BruteForceDetected {
		e.bruteForce.Set(1)
	} else {
		e.bruteForce.Set(0)
	}
	e.blocked.WithLabelValues("origin").Set(float64(s.BlockedOrigins))
	e.blocked.WithLabelValues("device").Set(float64(s.BlockedDevices))
	e.lockouts.Set(float64(s.ActiveLockouts))
	e.lockoutSeconds.Set(s.LockoutRemainingSeconds)
	e.sessions.Set(float64(s.ActiveSessions))
	e.origins.Set(float64(s.ConcurrentOrigins))
	e.events.Set(float64(s.TotalEvents))
	e.alerts.Set(float64(s.ActiveAlerts))
	reason := update.Reason
	if reason == "" {
		reason = "unknown"
	}
	e.updates.WithLabelValues(reason).Inc()
	return nil
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
