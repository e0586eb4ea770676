package engine

import (
	"context"
	"time"

	"authguard/internal/model"
)

const saveTimeout = 10 * time.Second

// Restore loads persisted state into the engine. Parts that fail to decode
// are left empty; the returned error lists them.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	state, err := e.store.Load(ctx)
	now := e.now()
	e.mu.Lock()
	e.events.Restore(state.Events)
	e.alerts.Restore(state.Alerts)
	e.fingerprints.Restore(state.Fingerprints)
	e.blocks.Restore(state.BlockedOrigins, state.BlockedDevices, now)
	update := e.updateLocked("restored", now)
	e.mu.Unlock()

	e.logger.Info("state restored",
		"events", len(state.Events),
		"alerts", len(state.Alerts),
		"fingerprints", len(state.Fingerprints),
		"blocked_origins", len(state.BlockedOrigins),
		"blocked_devices", len(state.BlockedDevices),
	)
	e.bus.Publish(update)
	return err
}

// schedulePersist queues a save without blocking. Requests arriving while one
// is pending coalesce into it.
func (e *Engine) schedulePersist() {
	if e.store == nil {
		return
	}
	select {
	case e.persistCh <- struct{}{}:
	default:
	}
}

func (e *Engine) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.persistCh:
			saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
			e.persist(saveCtx)
			cancel()
		}
	}
}

func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	state := e.Snapshot()
	err := e.store.Save(ctx, state)

	e.persistMu.Lock()
	if err != nil {
		e.persistErr = err.Error()
	} else {
		e.persistErr = ""
		e.lastPersist = state.SavedAt
	}
	e.persistMu.Unlock()

	if err != nil {
		e.logger.Error("persist state failed", "err", err)
		return
	}
	e.logger.Debug("state persisted", "events", len(state.Events), "alerts", len(state.Alerts))
}

// Snapshot returns the trimmed state that is persisted.
func (e *Engine) Snapshot() model.PersistedState {
	cfg := e.config()
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.PersistedState{
		Version:        model.StateVersion,
		SavedAt:        now,
		Events:         e.events.Recent(cfg.Storage.EventsLimit),
		Alerts:         e.alerts.History(cfg.Storage.AlertsLimit),
		Fingerprints:   e.fingerprints.All(),
		BlockedOrigins: e.blocks.OriginKeys(),
		BlockedDevices: e.blocks.DeviceKeys(),
	}
}
