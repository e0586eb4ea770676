package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"authguard/internal/alerts"
	"authguard/internal/config"
	"authguard/internal/events"
	"authguard/internal/fingerprint"
	"authguard/internal/metrics"
	"authguard/internal/model"
	"authguard/internal/notify"
	"authguard/internal/sessions"
	"authguard/internal/storage"
)

const unknownOrigin = "unknown"

type Options struct {
	Logger *slog.Logger
	Store  storage.Store
	Bus    *notify.Bus
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// DetectionOutcome describes what one reported event caused.
type DetectionOutcome struct {
	Event       model.SecurityEvent     `json:"event"`
	Fingerprint model.DeviceFingerprint `json:"fingerprint"`
	Session     model.SecuritySession   `json:"session"`
	Alert       *model.SecurityAlert    `json:"alert,omitempty"`
	BruteForce  bool                    `json:"brute_force"`
	Duplicate   bool                    `json:"duplicate,omitempty"`
}

type Status struct {
	StartedAt        time.Time `json:"started_at"`
	Uptime           string    `json:"uptime"`
	Fingerprints     int       `json:"fingerprints"`
	TrackedSessions  int       `json:"tracked_sessions"`
	TrackedOrigins   int       `json:"tracked_origins"`
	AlertCooldowns   int       `json:"alert_cooldowns"`
	DedupeEntries    int       `json:"dedupe_entries"`
	Subscribers      int       `json:"subscribers"`
	PersistenceOn    bool      `json:"persistence_enabled"`
	LastPersistAt    time.Time `json:"last_persist_at,omitempty"`
	LastPersistError string    `json:"last_persist_error,omitempty"`
}

// Engine is the monitor's single authoritative state. Every mutation takes the
// write lock; queries take the read lock. Subscribers are notified after the
// lock is released.
type Engine struct {
	logger *slog.Logger
	store  storage.Store
	bus    *notify.Bus
	now    func() time.Time
	cfg    atomic.Value

	mu           sync.RWMutex
	fingerprints *fingerprint.Generator
	events       *events.Store
	sessions     *sessions.Tracker
	blocks       *BlockRegistry
	detector     *Detector
	alerts       *alerts.Manager
	failedTotal  int64
	updateSeq    uint64
	started      time.Time

	deDupe *DedupeCache

	persistCh   chan struct{}
	persistMu   sync.Mutex
	lastPersist time.Time
	persistErr  string

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	bus := opts.Bus
	if bus == nil {
		bus = notify.NewBus(logger)
	}
	blocks := NewBlockRegistry()
	e := &Engine{
		logger:       logger,
		store:        opts.Store,
		bus:          bus,
		now:          now,
		fingerprints: fingerprint.NewGenerator(),
		events:       events.NewStore(cfg.Detection.EventCapacity),
		sessions:     sessions.NewTracker(cfg.Detection.SessionTimeout),
		blocks:       blocks,
		detector:     NewDetector(cfg.Detection, blocks),
		alerts:       alerts.NewManager(cfg.Alerts),
		started:      now(),
		deDupe:       NewDedupeCache(),
		persistCh:    make(chan struct{}, 1),
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	prev := e.config()
	e.cfg.Store(cfg)
	e.mu.Lock()
	e.detector.SetConfig(cfg.Detection)
	e.alerts.SetConfig(cfg.Alerts)
	e.sessions.SetTimeout(cfg.Detection.SessionTimeout)
	e.mu.Unlock()
	if cfg.Detection.EventCapacity != prev.Detection.EventCapacity {
		e.logger.Warn("event capacity change requires restart",
			"current", prev.Detection.EventCapacity,
			"requested", cfg.Detection.EventCapacity,
		)
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Start restores persisted state and launches the maintenance tick, the
// persister and, when in is non-nil, a consumer for ingested reports.
func (e *Engine) Start(ctx context.Context, in <-chan model.Report) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.Restore(ctx); err != nil {
		e.logger.Warn("restore state incomplete", "err", err)
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.tickLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.persistLoop(ctx)
	}()
	if in != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Consume(ctx, in)
		}()
	}
}

// Stop halts background work and flushes state one last time.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.runMu.Unlock()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.persist(ctx)
}

// Consume feeds reports into the engine until ctx is done or in is closed.
func (e *Engine) Consume(ctx context.Context, in <-chan model.Report) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-in:
			if !ok {
				return
			}
			e.RecordEvent(r)
		}
	}
}

// RecordFailedLogin is the primary ingestion point for failed authentication.
func (e *Engine) RecordFailedLogin(origin, signature string, hints *model.Hints) DetectionOutcome {
	r := model.Report{Kind: model.KindFailedLogin, Origin: origin, Signature: signature}
	if hints != nil {
		r.Hints = *hints
	}
	return e.RecordEvent(r)
}

// RecordEvent records any reported event. Only failed logins feed brute-force
// detection; every kind feeds sessions and alert clustering.
func (e *Engine) RecordEvent(r model.Report) DetectionOutcome {
	cfg := e.config()
	now := e.now()
	if key := reportKey(r); key != "" && cfg.Detection.DedupeWindow > 0 {
		if e.deDupe.Seen(key, now, cfg.Detection.DedupeWindow) {
			e.logger.Debug("duplicate report dropped", "id", r.ID, "source", r.Source)
			return DetectionOutcome{Duplicate: true}
		}
	}
	if !r.Kind.Valid() {
		r.Kind = model.KindSuspiciousActivity
	}
	origin := normalizeOrigin(r.Origin)
	if origin == "" {
		origin = unknownOrigin
	}
	failed := r.Kind == model.KindFailedLogin

	e.mu.Lock()
	fp := e.fingerprints.Resolve(r.Signature, origin, r.Hints, now)
	ev := model.SecurityEvent{
		ID:            uuid.NewString(),
		Kind:          r.Kind,
		Timestamp:     now,
		Origin:        origin,
		FingerprintID: fp.ID,
		Location:      r.Hints.Location,
		Details:       r.Details,
		Severity:      baseSeverity(r.Kind),
	}
	var res DetectionResult
	if failed {
		e.failedTotal++
		res = e.detector.Evaluate(origin, fp, now)
		ev.Severity = res.Severity
		ev.Details.AttemptCount = res.AttemptCount
		if ev.Details.Reason == "" {
			ev.Details.Reason = "invalid credentials"
		}
		if res.BruteForce {
			ev.Blocked = true
			ev.ResponseAction = res.ResponseAction
			e.fingerprints.MarkBlocked(fp.ID, true)
			fp.Blocked = true
		}
	}
	e.events.Record(ev)
	sess := e.sessions.Touch(origin, fp.ID, r.Hints.Location, failed, now)
	cluster := e.events.ByOriginKind(origin, ev.Kind, now.Add(-e.alerts.Window()))
	alert := e.alerts.Evaluate(ev, cluster, fp, now)
	update := e.updateLocked(string(r.Kind), now)
	e.mu.Unlock()

	if res.BruteForce && (res.OriginBlocked || res.DeviceBlocked) {
		e.logger.Warn("brute force detected",
			"origin", origin,
			"device_id", fp.ID,
			"attempts", res.AttemptCount,
			"lockout_until", res.LockoutUntil,
		)
	}
	if alert != nil {
		e.logger.Warn("alert triggered",
			"alert_id", alert.ID,
			"kind", alert.Kind,
			"origin", alert.Origin,
			"severity", alert.Severity,
			"events", len(alert.Events),
		)
	}
	e.bus.Publish(update)
	e.schedulePersist()

	return DetectionOutcome{
		Event:       ev,
		Fingerprint: fp,
		Session:     sess,
		Alert:       alert,
		BruteForce:  res.BruteForce,
	}
}

func (e *Engine) IsOriginBlocked(origin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocks.IsOriginBlocked(origin)
}

func (e *Engine) IsDeviceBlocked(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocks.IsDeviceBlocked(id)
}

func (e *Engine) BlockedOrigins() []model.BlockEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocks.Origins()
}

func (e *Engine) BlockedDevices() []model.BlockEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocks.Devices()
}

func (e *Engine) Stats() model.SecurityStats {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.statsLocked(now, e.sessions.Active(now))
}

func (e *Engine) RecentEvents(limit int) []model.SecurityEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.events.Recent(limit)
}

func (e *Engine) ActiveAlerts() []model.SecurityAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.alerts.Active()
}

func (e *Engine) AlertHistory(limit int) []model.SecurityAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.alerts.History(limit)
}

func (e *Engine) ActiveSessions() []model.SecuritySession {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions.Active(now)
}

func (e *Engine) Fingerprint(id string) (model.DeviceFingerprint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fingerprints.Get(id)
}

func (e *Engine) Subscribe(fn notify.Subscriber) func() {
	return e.bus.Subscribe(fn)
}

// AcknowledgeAlert resolves an alert. Unknown ids are a no-op and report false.
func (e *Engine) AcknowledgeAlert(id string) bool {
	return e.mutate("alert_acknowledged", func(now time.Time) bool {
		return e.alerts.Acknowledge(id, now)
	})
}

// PurgeFingerprint removes a fingerprint record. Blocks on its id stay in
// place until removed with UnblockDevice.
func (e *Engine) PurgeFingerprint(id string) bool {
	ok := e.mutate("fingerprint_purged", func(time.Time) bool {
		return e.fingerprints.Purge(id)
	})
	if ok {
		e.logger.Info("fingerprint purged", "device_id", id)
	}
	return ok
}

func (e *Engine) UnblockOrigin(origin string) bool {
	ok := e.mutate("origin_unblocked", func(time.Time) bool {
		return e.blocks.UnblockOrigin(origin)
	})
	if ok {
		e.logger.Info("origin unblocked", "origin", origin)
	}
	return ok
}

func (e *Engine) UnblockDevice(id string) bool {
	ok := e.mutate("device_unblocked", func(time.Time) bool {
		if !e.blocks.UnblockDevice(id) {
			return false
		}
		e.fingerprints.MarkBlocked(id, false)
		return true
	})
	if ok {
		e.logger.Info("device unblocked", "device_id", id)
	}
	return ok
}

func (e *Engine) Status() Status {
	now := e.now()
	e.mu.RLock()
	st := Status{
		StartedAt:       e.started,
		Uptime:          now.Sub(e.started).Round(time.Second).String(),
		Fingerprints:    e.fingerprints.Len(),
		TrackedSessions: e.sessions.Len(),
		TrackedOrigins:  e.detector.TrackedOrigins(),
		AlertCooldowns:  e.alerts.Cooldowns(),
		PersistenceOn:   e.store != nil,
	}
	e.mu.RUnlock()
	st.DedupeEntries = e.deDupe.Len()
	st.Subscribers = e.bus.Len()
	e.persistMu.Lock()
	st.LastPersistAt = e.lastPersist
	st.LastPersistError = e.persistErr
	e.persistMu.Unlock()
	return st
}

// mutate runs fn under the write lock and, when it reports a change,
// publishes an update and schedules a save.
func (e *Engine) mutate(reason string, fn func(now time.Time) bool) bool {
	now := e.now()
	e.mu.Lock()
	changed := fn(now)
	var update model.Update
	if changed {
		update = e.updateLocked(reason, now)
	}
	e.mu.Unlock()
	if !changed {
		return false
	}
	e.bus.Publish(update)
	e.schedulePersist()
	return true
}

func (e *Engine) tickLoop(ctx context.Context) {
	interval := e.config().Notify.TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
			if next := e.config().Notify.TickInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Tick runs maintenance and publishes a periodic update.
func (e *Engine) Tick() {
	cfg := e.config()
	now := e.now()
	e.mu.Lock()
	e.detector.Prune(now)
	e.alerts.Compact(now)
	swept := e.sessions.Sweep(now, cfg.Detection.SessionSweepAfter)
	update := e.updateLocked("tick", now)
	e.mu.Unlock()
	if cfg.Detection.DedupeWindow > 0 {
		e.deDupe.Compact(now, cfg.Detection.DedupeWindow)
	}
	if swept > 0 {
		e.logger.Debug("idle sessions swept", "count", swept)
	}
	e.bus.Publish(update)
}

// updateLocked must run under the write lock: Seq orders updates that are
// published after the lock is released.
func (e *Engine) updateLocked(reason string, now time.Time) model.Update {
	active := e.sessions.Active(now)
	e.updateSeq++
	return model.Update{
		Seq:            e.updateSeq,
		Reason:         reason,
		At:             now,
		Stats:          e.statsLocked(now, active),
		RecentEvents:   e.events.Recent(e.config().Notify.RecentEvents),
		ActiveAlerts:   e.alerts.Active(),
		ActiveSessions: active,
	}
}

func (e *Engine) statsLocked(now time.Time, active []model.SecuritySession) model.SecurityStats {
	lastMinute, lastHour := e.detector.AttemptCounts(now)
	lockouts, remaining := e.detector.Lockouts(now)
	origins, devices := e.blocks.Counts()
	return metrics.Aggregate(metrics.Inputs{
		FailedAttempts:     e.failedTotal,
		AttemptsLastMinute: lastMinute,
		AttemptsLastHour:   lastHour,
		BruteForceDetected: e.detector.BruteForceDetected(),
		BlockedOrigins:     origins,
		BlockedDevices:     devices,
		ActiveLockouts:     lockouts,
		LockoutRemaining:   remaining,
		ActiveSessions:     active,
		TotalEvents:        e.events.Len(),
		ActiveAlerts:       e.alerts.ActiveCount(),
		Now:                now,
	})
}

func baseSeverity(kind model.EventKind) model.Severity {
	switch kind {
	case model.KindBruteForce:
		return model.SeverityCritical
	case model.KindUnauthorizedAccess:
		return model.SeverityHigh
	case model.KindPasswordViolation:
		return model.SeverityLow
	}
	return model.SeverityMedium
}
