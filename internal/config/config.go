// Package config loads master and watcher configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// environment variables, then command line flags. Every setting has one
// key used both as the flag name and to look up its environment variable.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/folderagg/folderagg/internal/timings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Master holds the aggregator configuration.
type Master struct {
	// Listeners
	WatcherAddr string `yaml:"watcher_address"`
	ClientAddr  string `yaml:"client_address"`
	MetricsAddr string `yaml:"metrics_address"`
	StaticDir   string `yaml:"static_dir"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Staleness and expiry
	StaleAfter      time.Duration `yaml:"stale_after"`
	ExpireAfter     time.Duration `yaml:"expire_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // 0 = ExpireAfter

	// Intake
	MaxBodyBytes     int64   `yaml:"max_body_bytes"`
	IntakeRate       float64 `yaml:"intake_rate"` // reports/sec per source, 0 = unlimited
	IntakeBurst      int     `yaml:"intake_burst"`
	RateLimitSources int     `yaml:"rate_limit_sources"`

	// NATS (optional)
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// DefaultMaster returns the built-in master defaults.
func DefaultMaster() *Master {
	return &Master{
		WatcherAddr:      "0.0.0.0:10000",
		ClientAddr:       "0.0.0.0:8080",
		MetricsAddr:      ":9090",
		LogLevel:         "info",
		LogFormat:        "json",
		StaleAfter:       timings.Stale,
		ExpireAfter:      timings.Expiration,
		MaxBodyBytes:     8 << 20,
		IntakeBurst:      10,
		RateLimitSources: 1024,
		NATSSubject:      "folderagg",
	}
}

func (m *Master) fields() []field {
	return []field{
		stringField("watcher-address", "WATCHER_ADDR", &m.WatcherAddr),
		stringField("client-address", "CLIENT_ADDR", &m.ClientAddr),
		stringField("metrics-address", "METRICS_ADDR", &m.MetricsAddr),
		stringField("static", "STATIC_DIR", &m.StaticDir),
		stringField("log-level", "LOG_LEVEL", &m.LogLevel),
		stringField("log-format", "LOG_FORMAT", &m.LogFormat),
		durationField("stale-after", "STALE_AFTER", &m.StaleAfter),
		durationField("expire-after", "EXPIRE_AFTER", &m.ExpireAfter),
		durationField("cleanup-interval", "CLEANUP_INTERVAL", &m.CleanupInterval),
		int64Field("max-body-bytes", "MAX_BODY_BYTES", &m.MaxBodyBytes),
		floatField("intake-rate", "INTAKE_RATE", &m.IntakeRate),
		intField("intake-burst", "INTAKE_BURST", &m.IntakeBurst),
		intField("rate-limit-sources", "RATE_LIMIT_SOURCES", &m.RateLimitSources),
		stringField("nats-url", "NATS_URL", &m.NATSURL),
		stringField("nats-subject", "NATS_SUBJECT", &m.NATSSubject),
	}
}

// LoadMaster reads defaults, the YAML file at path (if any) and the
// environment. Call Validate after applying flags.
func LoadMaster(path string) (*Master, error) {
	cfg := DefaultMaster()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg.fields()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Set assigns the setting named key from its string form.
func (m *Master) Set(key, value string) error {
	return set(m.fields(), key, value)
}

// Validate checks the configuration and fills derived defaults.
func (m *Master) Validate() error {
	if m.WatcherAddr == "" {
		return fmt.Errorf("%w: watcher address is required", ErrInvalid)
	}
	if m.ClientAddr == "" {
		return fmt.Errorf("%w: client address is required", ErrInvalid)
	}
	if m.StaleAfter <= 0 || m.ExpireAfter <= 0 {
		return fmt.Errorf("%w: stale and expire thresholds must be positive", ErrInvalid)
	}
	if m.StaleAfter >= m.ExpireAfter {
		return fmt.Errorf("%w: stale threshold (%s) must be below expire threshold (%s)",
			ErrInvalid, m.StaleAfter, m.ExpireAfter)
	}
	if m.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup interval must not be negative", ErrInvalid)
	}
	if m.CleanupInterval == 0 {
		m.CleanupInterval = m.ExpireAfter
	}
	if m.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max body bytes must be positive", ErrInvalid)
	}
	if m.IntakeRate < 0 {
		return fmt.Errorf("%w: intake rate must not be negative", ErrInvalid)
	}
	if m.IntakeRate > 0 && (m.IntakeBurst < 1 || m.RateLimitSources < 1) {
		return fmt.Errorf("%w: intake burst and rate limit sources must be at least 1", ErrInvalid)
	}
	if m.StaticDir != "" {
		info, err := os.Stat(m.StaticDir)
		if err != nil {
			return fmt.Errorf("%w: static dir: %v", ErrInvalid, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: static dir %s is not a directory", ErrInvalid, m.StaticDir)
		}
	}
	return nil
}

// Watcher holds the watcher agent configuration.
type Watcher struct {
	Folder    string `yaml:"folder"`
	MasterURL string `yaml:"master_url"`
	ID        string `yaml:"id"` // empty = random, chosen at startup

	TickInterval   time.Duration `yaml:"tick_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxInFlight    int           `yaml:"max_in_flight"` // 0 = unbounded
	Notify         bool          `yaml:"notify"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_address"` // empty = disabled
}

// DefaultWatcher returns the built-in watcher defaults.
func DefaultWatcher() *Watcher {
	return &Watcher{
		Folder:         ".",
		MasterURL:      "http://127.0.0.1:10000",
		TickInterval:   timings.UpdateInterval,
		RequestTimeout: 2 * time.Second,
		MaxInFlight:    1,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

func (w *Watcher) fields() []field {
	return []field{
		stringField("folder", "WATCH_FOLDER", &w.Folder),
		stringField("master", "MASTER_URL", &w.MasterURL),
		stringField("id", "WATCHER_ID", &w.ID),
		durationField("tick", "TICK_INTERVAL", &w.TickInterval),
		durationField("request-timeout", "REQUEST_TIMEOUT", &w.RequestTimeout),
		intField("max-in-flight", "MAX_IN_FLIGHT", &w.MaxInFlight),
		boolField("notify", "WATCH_NOTIFY", &w.Notify),
		stringField("log-level", "LOG_LEVEL", &w.LogLevel),
		stringField("log-format", "LOG_FORMAT", &w.LogFormat),
		stringField("metrics-address", "METRICS_ADDR", &w.MetricsAddr),
	}
}

// LoadWatcher reads defaults, the YAML file at path (if any) and the
// environment. Call Validate after applying flags.
func LoadWatcher(path string) (*Watcher, error) {
	cfg := DefaultWatcher()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg.fields()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Set assigns the setting named key from its string form.
func (w *Watcher) Set(key, value string) error {
	return set(w.fields(), key, value)
}

// Validate checks the configuration. The watched folder must exist.
func (w *Watcher) Validate() error {
	info, err := os.Stat(w.Folder)
	if err != nil {
		return fmt.Errorf("%w: watch folder: %v", ErrInvalid, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: watch folder %s is not a directory", ErrInvalid, w.Folder)
	}
	u, err := url.Parse(w.MasterURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: master URL %q must be absolute", ErrInvalid, w.MasterURL)
	}
	if w.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalid)
	}
	if w.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalid)
	}
	if w.MaxInFlight < 0 {
		return fmt.Errorf("%w: max in flight must not be negative", ErrInvalid)
	}
	return nil
}

// field binds one setting to its flag key and environment variable.
type field struct {
	key string
	env string
	set func(string) error
}

func stringField(key, env string, p *string) field {
	return field{key, env, func(v string) error {
		*p = v
		return nil
	}}
}

func boolField(key, env string, p *bool) field {
	return field{key, env, func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}}
}

func intField(key, env string, p *int) field {
	return field{key, env, func(v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = i
		return nil
	}}
}

func int64Field(key, env string, p *int64) field {
	return field{key, env, func(v string) error {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*p = i
		return nil
	}}
}

func floatField(key, env string, p *float64) field {
	return field{key, env, func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p = f
		return nil
	}}
}

func durationField(key, env string, p *time.Duration) field {
	return field{key, env, func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}}
}

func set(fields []field, key, value string) error {
	for _, f := range fields {
		if f.key != key {
			continue
		}
		if err := f.set(value); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown setting %q", ErrInvalid, key)
}

func applyEnv(fields []field) error {
	for _, f := range fields {
		v := os.Getenv(f.env)
		if v == "" {
			continue
		}
		if err := f.set(v); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, f.env, v, err)
		}
	}
	return nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return nil
}
