package engine

import (
	"fmt"
	"time"

	"authguard/internal/config"
	"authguard/internal/model"
)

type DetectionResult struct {
	Severity       model.Severity
	AttemptCount   int
	BruteForce     bool
	OriginBlocked  bool
	DeviceBlocked  bool
	ResponseAction string
	LockoutUntil   time.Time
}

// Detector counts failed attempts per origin and confirms brute force once the
// windowed count reaches the threshold. Access is serialized by the engine.
type Detector struct {
	cfg        config.DetectionConfig
	attempts   *WindowState
	windows    map[string]*WindowState
	lockouts   map[string]time.Time
	blocks     *BlockRegistry
	bruteForce bool
}

func NewDetector(cfg config.DetectionConfig, blocks *BlockRegistry) *Detector {
	return &Detector{
		cfg:      cfg,
		attempts: NewWindowState(cfg.AttemptRetention),
		windows:  make(map[string]*WindowState),
		lockouts: make(map[string]time.Time),
		blocks:   blocks,
	}
}

func (d *Detector) SetConfig(cfg config.DetectionConfig) {
	d.cfg = cfg
	d.attempts.SetDuration(cfg.AttemptRetention)
	for _, w := range d.windows {
		w.SetDuration(cfg.BruteForceWindow)
	}
}

// Evaluate records one failed attempt from origin by device and classifies it.
func (d *Detector) Evaluate(origin string, fp model.DeviceFingerprint, now time.Time) DetectionResult {
	entry := AttemptEntry{Timestamp: now, Origin: origin, DeviceID: fp.ID}
	d.attempts.Observe(now)
	d.attempts.Add(entry)

	w, ok := d.windows[origin]
	if !ok {
		w = NewWindowState(d.cfg.BruteForceWindow)
		d.windows[origin] = w
	}
	w.Observe(now)
	w.Add(entry)
	count := w.Count()

	res := DetectionResult{Severity: model.SeverityMedium, AttemptCount: count}
	if count >= d.cfg.HighSeverityThreshold {
		res.Severity = model.SeverityHigh
	}
	if count < d.cfg.BruteForceThreshold {
		return res
	}

	d.bruteForce = true
	res.BruteForce = true
	reason := fmt.Sprintf("brute force: %d failed attempts within %s", count, d.cfg.BruteForceWindow)
	res.OriginBlocked = d.blocks.BlockOrigin(origin, reason, now)
	if fp.ID != "" {
		res.DeviceBlocked = d.blocks.BlockDevice(fp.ID, reason, now)
	}
	res.LockoutUntil = now.Add(d.cfg.LockoutDuration)
	d.lockouts[origin] = res.LockoutUntil
	res.ResponseAction = fmt.Sprintf("origin %s and device %s blocked after %d failed attempts; locked out until %s",
		origin, fp.ID, count, res.LockoutUntil.UTC().Format(time.RFC3339))
	return res
}

func (d *Detector) BruteForceDetected() bool {
	return d.bruteForce
}

// AttemptCounts returns attempts in the last minute and the last hour. It does
// not evict, so it is safe under the engine's read lock.
func (d *Detector) AttemptCounts(now time.Time) (lastMinute, lastHour int) {
	return d.attempts.CountSince(now.Add(-time.Minute)), d.attempts.CountSince(now.Add(-time.Hour))
}

// Lockouts returns the number of unexpired lockouts and the longest remaining
// lockout.
func (d *Detector) Lockouts(now time.Time) (int, time.Duration) {
	active := 0
	var longest time.Duration
	for _, until := range d.lockouts {
		remaining := until.Sub(now)
		if remaining <= 0 {
			continue
		}
		active++
		if remaining > longest {
			longest = remaining
		}
	}
	return active, longest
}

// Prune drops empty origin windows and expired lockouts.
func (d *Detector) Prune(now time.Time) {
	d.attempts.Observe(now)
	for origin, w := range d.windows {
		w.Observe(now)
		if w.Empty() {
			delete(d.windows, origin)
		}
	}
	for origin, until := range d.lockouts {
		if !until.After(now) {
			delete(d.lockouts, origin)
		}
	}
}

func (d *Detector) TrackedOrigins() int {
	return len(d.windows)
}
