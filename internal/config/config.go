package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig     `json:"rest" yaml:"rest"`
	Syslog        SyslogConfig   `json:"syslog" yaml:"syslog"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig   `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone      string `json:"timezone" yaml:"timezone"`
	DefaultOrigin string `json:"default_origin" yaml:"default_origin"`
}

type DetectionConfig struct {
	BruteForceWindow      time.Duration `json:"brute_force_window" yaml:"brute_force_window"`
	BruteForceThreshold   int           `json:"brute_force_threshold" yaml:"brute_force_threshold"`
	HighSeverityThreshold int           `json:"high_severity_threshold" yaml:"high_severity_threshold"`
	AttemptRetention      time.Duration `json:"attempt_retention" yaml:"attempt_retention"`
	SessionTimeout        time.Duration `json:"session_timeout" yaml:"session_timeout"`
	SessionSweepAfter     time.Duration `json:"session_sweep_after" yaml:"session_sweep_after"`
	EventCapacity         int           `json:"event_capacity" yaml:"event_capacity"`
	LockoutDuration       time.Duration `json:"lockout_duration" yaml:"lockout_duration"`
	DedupeWindow          time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
}

type AlertsConfig struct {
	ClusterWindow    time.Duration `json:"cluster_window" yaml:"cluster_window"`
	ClusterThreshold int           `json:"cluster_threshold" yaml:"cluster_threshold"`
	HistoryLimit     int           `json:"history_limit" yaml:"history_limit"`
}

type NotifyConfig struct {
	TickInterval   time.Duration `json:"tick_interval" yaml:"tick_interval"`
	RecentEvents   int           `json:"recent_events" yaml:"recent_events"`
	ClientBuffer   int           `json:"client_buffer" yaml:"client_buffer"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
}

// APIConfig controls the control API. Admin routes answer 403 while
// AdminToken is empty. TrustProxy makes client addresses come from
// X-Forwarded-For and friends; leave it off unless a proxy sets them.
type APIConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Addr              string `json:"addr" yaml:"addr"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
	AdminToken        string `json:"admin_token" yaml:"admin_token"`
	TrustProxy        bool   `json:"trust_proxy" yaml:"trust_proxy"`
}

type StorageConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Driver      string `json:"driver" yaml:"driver"`
	DSN         string `json:"dsn" yaml:"dsn"`
	EventsLimit int    `json:"events_limit" yaml:"events_limit"`
	AlertsLimit int    `json:"alerts_limit" yaml:"alerts_limit"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Log:      LogConfig{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Syslog:        SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultOrigin: "unknown"},
		},
		Detection: DetectionConfig{
			BruteForceWindow:      5 * time.Minute,
			BruteForceThreshold:   5,
			HighSeverityThreshold: 3,
			AttemptRetention:      60 * time.Minute,
			SessionTimeout:        30 * time.Minute,
			SessionSweepAfter:     24 * time.Hour,
			EventCapacity:         1000,
			LockoutDuration:       15 * time.Minute,
			DedupeWindow:          10 * time.Minute,
		},
		Alerts: AlertsConfig{
			ClusterWindow:    5 * time.Minute,
			ClusterThreshold: 3,
			HistoryLimit:     100,
		},
		Notify: NotifyConfig{
			TickInterval: 10 * time.Second,
			RecentEvents: 20,
			ClientBuffer: 16,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081", RequestsPerMinute: 600},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:authguard.db?_pragma=busy_timeout(5000)", EventsLimit: 100, AlertsLimit: 50},
		Metrics: MetricsConfig{Enabled: true, Namespace: "authguard"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults (plus environment
// overrides) when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := DefaultConfig()
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyEnv reads an optional .env file and overlays AUTHGUARD_* variables.
func applyEnv(cfg *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("AUTHGUARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTHGUARD_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("AUTHGUARD_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("AUTHGUARD_API_ADMIN_TOKEN"); v != "" {
		cfg.API.AdminToken = v
	}
	if v := os.Getenv("AUTHGUARD_INGEST_ADDR"); v != "" {
		cfg.Ingest.REST.Addr = v
	}
	if v := os.Getenv("AUTHGUARD_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
		cfg.Storage.Enabled = true
	}
	if v := os.Getenv("AUTHGUARD_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("AUTHGUARD_KAFKA_BROKERS"); v != "" {
		cfg.Ingest.Kafka.Brokers = splitList(v)
		cfg.Ingest.Kafka.Enabled = true
	}
	if v := os.Getenv("AUTHGUARD_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.Kafka.Topic = v
	}
	if v := os.Getenv("AUTHGUARD_KAFKA_GROUP_ID"); v != "" {
		cfg.Ingest.Kafka.GroupID = v
	}
	if v := os.Getenv("AUTHGUARD_BRUTE_FORCE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.BruteForceThreshold = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultOrigin == "" {
		cfg.Ingest.Parser.DefaultOrigin = "unknown"
	}
	d := &cfg.Detection
	if d.BruteForceWindow <= 0 {
		d.BruteForceWindow = def.Detection.BruteForceWindow
	}
	if d.BruteForceThreshold <= 0 {
		d.BruteForceThreshold = def.Detection.BruteForceThreshold
	}
	if d.HighSeverityThreshold <= 0 {
		d.HighSeverityThreshold = def.Detection.HighSeverityThreshold
	}
	if d.AttemptRetention <= 0 {
		d.AttemptRetention = def.Detection.AttemptRetention
	}
	if d.SessionTimeout <= 0 {
		d.SessionTimeout = def.Detection.SessionTimeout
	}
	if d.SessionSweepAfter <= 0 {
		d.SessionSweepAfter = def.Detection.SessionSweepAfter
	}
	if d.EventCapacity <= 0 {
		d.EventCapacity = def.Detection.EventCapacity
	}
	if d.LockoutDuration <= 0 {
		d.LockoutDuration = def.Detection.LockoutDuration
	}
	if cfg.Alerts.ClusterWindow <= 0 {
		cfg.Alerts.ClusterWindow = def.Alerts.ClusterWindow
	}
	if cfg.Alerts.ClusterThreshold <= 0 {
		cfg.Alerts.ClusterThreshold = def.Alerts.ClusterThreshold
	}
	if cfg.Alerts.HistoryLimit <= 0 {
		cfg.Alerts.HistoryLimit = def.Alerts.HistoryLimit
	}
	if cfg.Notify.TickInterval <= 0 {
		cfg.Notify.TickInterval = def.Notify.TickInterval
	}
	if cfg.Notify.RecentEvents <= 0 {
		cfg.Notify.RecentEvents = def.Notify.RecentEvents
	}
	if cfg.Notify.ClientBuffer <= 0 {
		cfg.Notify.ClientBuffer = def.Notify.ClientBuffer
	}
	if cfg.Storage.EventsLimit <= 0 {
		cfg.Storage.EventsLimit = def.Storage.EventsLimit
	}
	if cfg.Storage.AlertsLimit <= 0 {
		cfg.Storage.AlertsLimit = def.Storage.AlertsLimit
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = def.Metrics.Namespace
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog.udp_addr or tcp_addr required when ingest.syslog.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Detection.HighSeverityThreshold > cfg.Detection.BruteForceThreshold {
		return fmt.Errorf("detection.high_severity_threshold (%d) must not exceed brute_force_threshold (%d)",
			cfg.Detection.HighSeverityThreshold, cfg.Detection.BruteForceThreshold)
	}
	if cfg.Detection.AttemptRetention < cfg.Detection.BruteForceWindow {
		return errors.New("detection.attempt_retention must be >= detection.brute_force_window")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql", "file":
		default:
			return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager wraps an already built config; Reload and Watch are no-ops
// without a backing path.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

// NeedsReload reports whether the file changed after the manager last loaded
// or wrote it.
func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
