package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"authguard/internal/config"
	"authguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

const (
	keyVersion        = "version"
	keyEvents         = "events"
	keyAlerts         = "alerts"
	keyFingerprints   = "fingerprints"
	keyBlockedOrigins = "blocked_origins"
	keyBlockedDevices = "blocked_devices"
	keySavedAt        = "saved_at"
)

// Store persists the monitor snapshot as one entry per key. Load decodes every
// key on its own: a missing or corrupt key leaves that part empty and is
// reported in the joined error while the rest still loads.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Save(ctx context.Context, state model.PersistedState) error
	Load(ctx context.Context) (model.PersistedState, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "file":
		return NewFile(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// encodeState flattens state into its persisted key set.
func encodeState(state model.PersistedState) (map[string]string, error) {
	if state.Version == 0 {
		state.Version = model.StateVersion
	}
	if state.SavedAt.IsZero() {
		state.SavedAt = nowUTC()
	}
	values := map[string]any{
		keyVersion:        state.Version,
		keySavedAt:        state.SavedAt,
		keyEvents:         nonNil(state.Events),
		keyAlerts:         nonNil(state.Alerts),
		keyFingerprints:   nonNilMap(state.Fingerprints),
		keyBlockedOrigins: nonNil(state.BlockedOrigins),
		keyBlockedDevices: nonNil(state.BlockedDevices),
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = string(data)
	}
	return out, nil
}

// decodeState rebuilds state from raw key values. Each key fails on its own.
func decodeState(raw map[string]string) (model.PersistedState, error) {
	state := model.PersistedState{
		Events:         []model.SecurityEvent{},
		Alerts:         []model.SecurityAlert{},
		Fingerprints:   map[string]model.DeviceFingerprint{},
		BlockedOrigins: []string{},
		BlockedDevices: []string{},
	}
	if len(raw) == 0 {
		return state, nil
	}
	var errs []error
	decode := func(key string, dst any) {
		v, ok := raw[key]
		if !ok || v == "" {
			return
		}
		if err := json.Unmarshal([]byte(v), dst); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", key, err))
		}
	}
	decode(keyVersion, &state.Version)
	decode(keySavedAt, &state.SavedAt)
	if state.Version > model.StateVersion {
		errs = append(errs, fmt.Errorf("state version %d is newer than supported %d", state.Version, model.StateVersion))
	}

	var evs []model.SecurityEvent
	decode(keyEvents, &evs)
	if evs != nil {
		state.Events = evs
	}
	var alerts []model.SecurityAlert
	decode(keyAlerts, &alerts)
	if alerts != nil {
		state.Alerts = alerts
	}
	var fps map[string]model.DeviceFingerprint
	decode(keyFingerprints, &fps)
	if fps != nil {
		state.Fingerprints = fps
	}
	var origins []string
	decode(keyBlockedOrigins, &origins)
	if origins != nil {
		state.BlockedOrigins = origins
	}
	var devices []string
	decode(keyBlockedDevices, &devices)
	if devices != nil {
		state.BlockedDevices = devices
	}
	return state, errors.Join(errs...)
}

type baseStore struct {
	db     *sql.DB
	upsert string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Save(ctx context.Context, state model.PersistedState) error {
	if b.db == nil {
		return nil
	}
	values, err := encodeState(state)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, b.upsert)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()
	ts := nowUTC()
	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v, ts); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (b *baseStore) Load(ctx context.Context) (model.PersistedState, error) {
	if b.db == nil {
		return decodeState(nil)
	}
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM authguard_state`)
	if err != nil {
		state, _ := decodeState(nil)
		return state, fmt.Errorf("load state: %w", err)
	}
	defer rows.Close()
	raw := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			state, _ := decodeState(nil)
			return state, fmt.Errorf("scan state: %w", err)
		}
		raw[k] = v
	}
	if err := rows.Err(); err != nil {
		state, _ := decodeState(nil)
		return state, fmt.Errorf("read state: %w", err)
	}
	return decodeState(raw)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
