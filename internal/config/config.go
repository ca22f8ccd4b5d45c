package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string        `json:"log_level" yaml:"log_level"`
	LogFormat string        `json:"log_format" yaml:"log_format"`
	API       APIConfig     `json:"api" yaml:"api"`
	Ingest    IngestConfig  `json:"ingest" yaml:"ingest"`
	Engine    EngineConfig  `json:"engine" yaml:"engine"`
	Storage   StorageConfig `json:"storage" yaml:"storage"`
	Notify    NotifyConfig  `json:"notify" yaml:"notify"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type EngineConfig struct {
	// PendingTTL is the window a deferred attempt stays open for a human
	// response before the sweep expires it.
	PendingTTL    time.Duration `json:"pending_ttl" yaml:"pending_ttl"`
	VisitTimeout  time.Duration `json:"visit_timeout" yaml:"visit_timeout"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	PlatePattern  string        `json:"plate_pattern" yaml:"plate_pattern"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	ConciergeRole string `json:"concierge_role" yaml:"concierge_role"`
	Buffer        int    `json:"buffer" yaml:"buffer"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		API:       APIConfig{Enabled: true, Addr: ":8080"},
		Ingest: IngestConfig{
			Kafka: KafkaConfig{Enabled: false},
		},
		Engine: EngineConfig{
			PendingTTL:    5 * time.Minute,
			VisitTimeout:  3 * time.Second,
			SweepInterval: 30 * time.Second,
			DedupeWindow:  0,
			PlatePattern:  `^[A-Z0-9]{3,8}$`,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:gatewatch.db?_pragma=busy_timeout(5000)"},
		Notify:  NotifyConfig{ConciergeRole: "concierge", Buffer: 1000},
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
		return nil, decodeErr
	}
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

func applyDefaults(cfg *Config) {
	if cfg.Engine.PendingTTL <= 0 {
		cfg.Engine.PendingTTL = 5 * time.Minute
	}
	if cfg.Engine.VisitTimeout <= 0 {
		cfg.Engine.VisitTimeout = 3 * time.Second
	}
	if cfg.Engine.SweepInterval <= 0 {
		cfg.Engine.SweepInterval = 30 * time.Second
	}
	if cfg.Engine.PlatePattern == "" {
		cfg.Engine.PlatePattern = `^[A-Z0-9]{3,8}$`
	}
	if cfg.Notify.ConciergeRole == "" {
		cfg.Notify.ConciergeRole = "concierge"
	}
	if cfg.Notify.Buffer <= 0 {
		cfg.Notify.Buffer = 1000
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("storage.driver unsupported: %s", cfg.Storage.Driver)
	}
	if _, err := regexp.Compile(cfg.Engine.PlatePattern); err != nil {
		return fmt.Errorf("engine.plate_pattern invalid: %w", err)
	}
	if cfg.Engine.DedupeWindow < 0 {
		return errors.New("engine.dedupe_window must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file. Used by
// tests and by main when no config path is given.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
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
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
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
