package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authguard/internal/config"
	"authguard/internal/model"
	"authguard/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.DedupeWindow = time.Minute
	cfg.Notify.TickInterval = time.Hour
	return cfg
}

func newEngineForTest(cfg *config.Config, clock *fakeClock) *Engine {
	return New(cfg, Options{Now: clock.Now})
}

func TestBruteForceBlocksOnFifthAttempt(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	const origin = "198.51.100.20"
	var deviceID string
	for i := 1; i <= 5; i++ {
		out := eng.RecordFailedLogin(origin, "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0", nil)
		deviceID = out.Fingerprint.ID
		if i < 5 {
			if eng.IsOriginBlocked(origin) || eng.IsDeviceBlocked(deviceID) {
				t.Fatalf("blocked after %d attempts", i)
			}
			if out.Event.Blocked {
				t.Fatalf("event marked blocked after %d attempts", i)
			}
		} else {
			if !out.BruteForce || !out.Event.Blocked || out.Event.ResponseAction == "" {
				t.Fatalf("expected brute force outcome, got %+v", out)
			}
		}
		clock.Advance(30 * time.Second)
	}
	if !eng.IsOriginBlocked(origin) {
		t.Fatalf("expected origin blocked")
	}
	if !eng.IsDeviceBlocked(deviceID) {
		t.Fatalf("expected device blocked")
	}
	fp, ok := eng.Fingerprint(deviceID)
	if !ok || !fp.Blocked {
		t.Fatalf("expected fingerprint flagged blocked")
	}
	stats := eng.Stats()
	if stats.ActiveLockouts != 1 || stats.LockoutRemainingSeconds <= 0 {
		t.Fatalf("expected an active lockout, got %+v", stats)
	}
}

func TestSeverityEscalatesAtThird(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	want := []model.Severity{model.SeverityMedium, model.SeverityMedium, model.SeverityHigh, model.SeverityHigh}
	for i, sev := range want {
		out := eng.RecordFailedLogin("192.0.2.44", "curl/8.0", nil)
		if out.Event.Severity != sev {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, sev, out.Event.Severity)
		}
		if out.Event.Details.AttemptCount != i+1 {
			t.Fatalf("attempt %d: attempt count %d", i+1, out.Event.Details.AttemptCount)
		}
	}
}

func TestWindowExpiryPreventsBlock(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	const origin = "192.0.2.10"
	for i := 0; i < 4; i++ {
		eng.RecordFailedLogin(origin, "UA-Y", nil)
		clock.Advance(5*time.Minute + time.Second)
	}
	if eng.IsOriginBlocked(origin) {
		t.Fatalf("origin should not be blocked when attempts are spread out")
	}
	if eng.Stats().BruteForceDetected {
		t.Fatalf("brute force must not be flagged")
	}
}

func TestIdenticalTimestampsAllCount(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	for i := 0; i < 5; i++ {
		eng.RecordFailedLogin("192.0.2.11", "UA-Z", nil)
	}
	if !eng.IsOriginBlocked("192.0.2.11") {
		t.Fatalf("five attempts at the same instant must block")
	}
}

func TestFingerprintIdempotent(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	first := eng.RecordFailedLogin("192.0.2.12", "UA-Q", nil)
	clock.Advance(time.Minute)
	second := eng.RecordFailedLogin("192.0.2.12", "UA-Q", nil)
	if first.Fingerprint.ID != second.Fingerprint.ID {
		t.Fatalf("fingerprint ids differ: %s vs %s", first.Fingerprint.ID, second.Fingerprint.ID)
	}
	if !second.Fingerprint.LastSeen.After(first.Fingerprint.LastSeen) {
		t.Fatalf("last seen not updated")
	}
	if eng.Status().Fingerprints != 1 {
		t.Fatalf("expected one fingerprint record")
	}
}

func TestAlertClusteringFiresOnce(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	var fired int
	for i := 0; i < 4; i++ {
		out := eng.RecordFailedLogin("192.0.2.13", "UA-C", nil)
		if out.Alert != nil {
			fired++
			if i != 2 {
				t.Fatalf("alert fired on attempt %d", i+1)
			}
		}
		clock.Advance(20 * time.Second)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one alert, got %d", fired)
	}
	if n := len(eng.ActiveAlerts()); n != 1 {
		t.Fatalf("expected one active alert, got %d", n)
	}
}

func TestAcknowledgeRemovesFromActive(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	for i := 0; i < 3; i++ {
		eng.RecordFailedLogin("192.0.2.14", "UA-A", nil)
	}
	active := eng.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected one alert, got %d", len(active))
	}
	clock.Advance(2 * time.Minute)
	if !eng.AcknowledgeAlert(active[0].ID) {
		t.Fatalf("acknowledge failed")
	}
	if eng.AcknowledgeAlert("does-not-exist") {
		t.Fatalf("unknown id must be a no-op")
	}
	if len(eng.ActiveAlerts()) != 0 {
		t.Fatalf("acknowledged alert still active")
	}
	history := eng.AlertHistory(0)
	if len(history) != 1 || !history[0].Acknowledged {
		t.Fatalf("alert missing from history: %+v", history)
	}
	if history[0].ResolutionTime < 0 || history[0].ResolutionTime != 2*time.Minute {
		t.Fatalf("unexpected resolution time %s", history[0].ResolutionTime)
	}
}

func TestFailedAttemptsMonotonic(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	var prev int64
	for i := 0; i < 20; i++ {
		eng.RecordFailedLogin("192.0.2.15", "UA-M", nil)
		if i == 10 {
			for _, a := range eng.ActiveAlerts() {
				eng.AcknowledgeAlert(a.ID)
			}
			eng.UnblockOrigin("192.0.2.15")
			eng.Tick()
		}
		clock.Advance(time.Minute)
		got := eng.Stats().FailedPasswordAttempts
		if got < prev {
			t.Fatalf("failed attempts decreased: %d -> %d", prev, got)
		}
		prev = got
	}
	if prev != 20 {
		t.Fatalf("expected 20 failed attempts, got %d", prev)
	}
}

func TestRetentionBound(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	var last model.SecurityEvent
	for i := 0; i < 1200; i++ {
		out := eng.RecordEvent(model.Report{
			Kind:   model.KindSuspiciousActivity,
			Origin: "192.0.2.16",
		})
		last = out.Event
		clock.Advance(time.Millisecond)
	}
	got := eng.RecentEvents(2000)
	if len(got) != 1000 {
		t.Fatalf("expected 1000 events, got %d", len(got))
	}
	if got[0].ID != last.ID {
		t.Fatalf("newest event not first")
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("events not newest first at %d", i)
		}
	}
	if eng.Stats().TotalEvents != 1000 {
		t.Fatalf("stats total events mismatch")
	}
}

func TestScenarioBruteForceSingleAlert(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	for i := 0; i < 5; i++ {
		eng.RecordFailedLogin("203.0.113.5", "UA-X/ChromeTest", nil)
		clock.Advance(12 * time.Second)
	}
	if !eng.IsOriginBlocked("203.0.113.5") {
		t.Fatalf("expected origin blocked")
	}
	if !eng.Stats().BruteForceDetected {
		t.Fatalf("expected brute force detected")
	}
	active := eng.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected exactly one active alert, got %d", len(active))
	}
	if active[0].Severity != model.SeverityHigh {
		t.Fatalf("expected high severity, got %s", active[0].Severity)
	}
}

func TestSessionsAndStats(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	hints := &model.Hints{Location: "Lisbon", Language: "pt-PT"}
	eng.RecordFailedLogin("192.0.2.20", "UA-1", hints)
	eng.RecordFailedLogin("192.0.2.21", "UA-2", nil)
	eng.RecordEvent(model.Report{Kind: model.KindUnauthorizedAccess, Origin: "192.0.2.20"})

	sessions := eng.ActiveSessions()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	stats := eng.Stats()
	if stats.ConcurrentOrigins != 2 || stats.ActiveSessions != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.AttemptsLastMinute != 2 || stats.AttemptsLastHour != 2 {
		t.Fatalf("unexpected attempt counts %+v", stats)
	}

	clock.Advance(2 * time.Minute)
	stats = eng.Stats()
	if stats.AttemptsLastMinute != 0 || stats.AttemptsLastHour != 2 {
		t.Fatalf("unexpected attempt counts after 2m %+v", stats)
	}

	clock.Advance(31 * time.Minute)
	if n := len(eng.ActiveSessions()); n != 0 {
		t.Fatalf("expected sessions to expire, got %d", n)
	}
	if eng.Stats().AttemptsLastHour != 2 {
		t.Fatalf("hourly count should still include attempts")
	}
}

func TestDuplicateReportsDropped(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	r := model.Report{ID: "evt-1", Source: "kafka", Kind: model.KindFailedLogin, Origin: "192.0.2.30"}
	if out := eng.RecordEvent(r); out.Duplicate {
		t.Fatalf("first delivery flagged duplicate")
	}
	if out := eng.RecordEvent(r); !out.Duplicate {
		t.Fatalf("redelivery not deduplicated")
	}
	clock.Advance(2 * time.Minute)
	if out := eng.RecordEvent(r); out.Duplicate {
		t.Fatalf("report outside dedupe window should be processed")
	}
	if got := eng.Stats().FailedPasswordAttempts; got != 2 {
		t.Fatalf("expected 2 processed attempts, got %d", got)
	}
}

func TestAdminOperations(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	var out DetectionOutcome
	for i := 0; i < 5; i++ {
		out = eng.RecordFailedLogin("192.0.2.40", "UA-B", nil)
	}
	id := out.Fingerprint.ID
	if !eng.UnblockOrigin("192.0.2.40") || eng.IsOriginBlocked("192.0.2.40") {
		t.Fatalf("unblock origin failed")
	}
	if eng.UnblockOrigin("192.0.2.40") {
		t.Fatalf("second unblock must report false")
	}
	if !eng.UnblockDevice(id) || eng.IsDeviceBlocked(id) {
		t.Fatalf("unblock device failed")
	}
	if fp, _ := eng.Fingerprint(id); fp.Blocked {
		t.Fatalf("fingerprint still flagged blocked")
	}
	if !eng.PurgeFingerprint(id) {
		t.Fatalf("purge failed")
	}
	if _, ok := eng.Fingerprint(id); ok {
		t.Fatalf("fingerprint still present")
	}
	if !eng.Stats().BruteForceDetected {
		t.Fatalf("brute force flag must remain set")
	}
}

func TestSubscribersNotified(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	var reasons []string
	unsub := eng.Subscribe(func(u model.Update) error {
		reasons = append(reasons, u.Reason)
		return nil
	})
	eng.Subscribe(func(model.Update) error { return errors.New("broken dashboard") })

	eng.RecordFailedLogin("192.0.2.50", "UA-S", nil)
	eng.Tick()
	unsub()
	eng.RecordFailedLogin("192.0.2.50", "UA-S", nil)

	if len(reasons) != 2 || reasons[0] != "failed_login" || reasons[1] != "tick" {
		t.Fatalf("unexpected notifications %v", reasons)
	}
}

func TestUpdateConfigChangesThreshold(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	cfg := testConfig()
	cfg.Detection.BruteForceThreshold = 3
	eng.UpdateConfig(cfg)
	for i := 0; i < 3; i++ {
		eng.RecordFailedLogin("192.0.2.60", "UA-U", nil)
	}
	if !eng.IsOriginBlocked("192.0.2.60") {
		t.Fatalf("expected block at lowered threshold")
	}
}

func TestPersistAndRestore(t *testing.T) {
	store, err := storage.NewFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Storage.EventsLimit = 3

	eng := New(cfg, Options{Now: clock.Now, Store: store})
	eng.Start(ctx, nil)
	for i := 0; i < 5; i++ {
		eng.RecordFailedLogin("203.0.113.9", "UA-P", nil)
	}
	eng.Stop()
	if eng.Status().LastPersistAt.IsZero() {
		t.Fatalf("expected a completed save")
	}

	restored := New(cfg, Options{Now: clock.Now, Store: store})
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.IsOriginBlocked("203.0.113.9") {
		t.Fatalf("block set not restored")
	}
	if n := len(restored.RecentEvents(0)); n != 3 {
		t.Fatalf("expected trimmed events, got %d", n)
	}
	if n := len(restored.ActiveAlerts()); n != 1 {
		t.Fatalf("expected restored alert, got %d", n)
	}
	if restored.Status().Fingerprints != 1 {
		t.Fatalf("fingerprints not restored")
	}
	if st := restored.Status(); st.AlertCooldowns != 1 {
		t.Fatalf("expected restored alert cooldown, got %d", st.AlertCooldowns)
	}
	if out := restored.RecordFailedLogin("203.0.113.9", "UA-P", nil); out.Alert != nil {
		t.Fatalf("restored cluster raised a second alert")
	}
	if n := len(restored.AlertHistory(0)); n != 1 {
		t.Fatalf("expected one alert after restart, got %d", n)
	}
}

// failingStore fails every save. While hold is open, saves block until it is
// closed or their context ends.
type failingStore struct {
	saves atomic.Int32
	hold  chan struct{}
}

func (s *failingStore) Init(context.Context) error { return nil }
func (s *failingStore) Close() error               { return nil }

func (s *failingStore) Load(context.Context) (model.PersistedState, error) {
	return model.PersistedState{}, nil
}

func (s *failingStore) Save(ctx context.Context, _ model.PersistedState) error {
	s.saves.Add(1)
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("disk full")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPersistFailureIsReported(t *testing.T) {
	store := &failingStore{}
	clock := newFakeClock()
	eng := New(testConfig(), Options{Now: clock.Now, Store: store})
	eng.Start(context.Background(), nil)
	defer eng.Stop()

	eng.RecordFailedLogin("192.0.2.80", "UA-F", nil)
	waitFor(t, 2*time.Second, func() bool { return eng.Status().LastPersistError != "" })

	st := eng.Status()
	if !strings.Contains(st.LastPersistError, "disk full") {
		t.Fatalf("unexpected persist error %q", st.LastPersistError)
	}
	if !st.LastPersistAt.IsZero() {
		t.Fatalf("failed saves must not record a persist time")
	}
	if eng.Stats().FailedPasswordAttempts != 1 {
		t.Fatalf("detection state lost after failed save")
	}
}

func TestBlockedStoreDoesNotStallDetection(t *testing.T) {
	store := &failingStore{hold: make(chan struct{})}
	clock := newFakeClock()
	eng := New(testConfig(), Options{Now: clock.Now, Store: store})
	eng.Start(context.Background(), nil)

	eng.RecordFailedLogin("192.0.2.81", "UA-G", nil)
	waitFor(t, 2*time.Second, func() bool { return store.saves.Load() == 1 })

	start := time.Now()
	for i := 0; i < 50; i++ {
		eng.RecordFailedLogin("192.0.2.81", "UA-G", nil)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("recording stalled behind a blocked save: %s", elapsed)
	}
	if !eng.IsOriginBlocked("192.0.2.81") {
		t.Fatalf("expected block while the store is stuck")
	}
	if n := store.saves.Load(); n != 1 {
		t.Fatalf("saves should coalesce while one is in flight, got %d", n)
	}

	close(store.hold)
	eng.Stop()
	if eng.Status().LastPersistError == "" {
		t.Fatalf("expected persist error after release")
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	eng.Subscribe(func(model.Update) error { return nil })

	const workers, iterations = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			origin := fmt.Sprintf("192.0.2.%d", 100+w%4)
			for i := 0; i < iterations; i++ {
				eng.RecordFailedLogin(origin, "UA-R", nil)
				switch i % 5 {
				case 0:
					eng.Stats()
				case 1:
					eng.Snapshot()
				case 2:
					eng.Tick()
				case 3:
					for _, a := range eng.ActiveAlerts() {
						eng.AcknowledgeAlert(a.ID)
					}
				case 4:
					eng.RecentEvents(10)
					eng.ActiveSessions()
					clock.Advance(time.Second)
				}
			}
		}(w)
	}
	wg.Wait()

	stats := eng.Stats()
	if stats.FailedPasswordAttempts != workers*iterations {
		t.Fatalf("expected %d attempts, got %d", workers*iterations, stats.FailedPasswordAttempts)
	}
	if stats.BlockedOrigins != 4 || !stats.BruteForceDetected {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUpdatesAreSequenced(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	var seqs []uint64
	eng.Subscribe(func(u model.Update) error {
		seqs = append(seqs, u.Seq)
		return nil
	})
	eng.RecordFailedLogin("192.0.2.90", "UA-S", nil)
	eng.Tick()
	eng.UnblockOrigin("192.0.2.90")
	eng.RecordEvent(model.Report{Kind: model.KindUnauthorizedAccess, Origin: "192.0.2.90"})
	if len(seqs) != 3 {
		t.Fatalf("expected 3 updates, got %v", seqs)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not increasing: %v", seqs)
		}
	}
}

func TestStatusCountsCooldownsAndDedupe(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	for i := 0; i < 3; i++ {
		eng.RecordEvent(model.Report{ID: fmt.Sprintf("evt-%d", i), Source: "kafka", Kind: model.KindFailedLogin, Origin: "192.0.2.91"})
	}
	st := eng.Status()
	if st.AlertCooldowns != 1 || st.DedupeEntries != 3 {
		t.Fatalf("unexpected status %+v", st)
	}
	clock.Advance(10 * time.Minute)
	eng.Tick()
	st = eng.Status()
	if st.AlertCooldowns != 0 || st.DedupeEntries != 0 {
		t.Fatalf("expected compaction on tick, got %+v", st)
	}
}

func TestStartDrivesTicksUntilStop(t *testing.T) {
	cfg := testConfig()
	cfg.Notify.TickInterval = 20 * time.Millisecond
	eng := New(cfg, Options{})
	var ticks atomic.Int32
	eng.Subscribe(func(u model.Update) error {
		if u.Reason == "tick" {
			ticks.Add(1)
		}
		return nil
	})

	eng.Start(context.Background(), nil)
	waitFor(t, 2*time.Second, func() bool { return ticks.Load() >= 2 })
	eng.Stop()

	stopped := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	if got := ticks.Load(); got != stopped {
		t.Fatalf("ticks continued after Stop: %d -> %d", stopped, got)
	}
}

func TestConsumeStopsOnClose(t *testing.T) {
	clock := newFakeClock()
	eng := newEngineForTest(testConfig(), clock)
	in := make(chan model.Report, 3)
	in <- model.Report{Kind: model.KindFailedLogin, Origin: "192.0.2.70"}
	in <- model.Report{Kind: model.KindPasswordViolation, Origin: "192.0.2.70"}
	in <- model.Report{Kind: "nonsense", Origin: ""}
	close(in)
	eng.Consume(context.Background(), in)

	got := eng.RecentEvents(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Kind != model.KindSuspiciousActivity || got[0].Origin != unknownOrigin {
		t.Fatalf("unexpected normalization %+v", got[0])
	}
	if got[1].Severity != model.SeverityLow {
		t.Fatalf("password violation severity %s", got[1].Severity)
	}
}

func TestWindowStateEviction(t *testing.T) {
	w := NewWindowState(time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		w.Add(AttemptEntry{Timestamp: base.Add(time.Duration(i) * 10 * time.Second), Origin: "a"})
	}
	if w.Count() != 10 {
		t.Fatalf("expected 10, got %d", w.Count())
	}
	w.Observe(base.Add(100 * time.Second))
	if w.Count() != 6 {
		t.Fatalf("expected 6 after eviction, got %d", w.Count())
	}
	if w.CountSince(base.Add(80*time.Second)) != 2 {
		t.Fatalf("unexpected CountSince")
	}
	w.Observe(base.Add(time.Hour))
	if !w.Empty() {
		t.Fatalf("expected empty window")
	}
}
