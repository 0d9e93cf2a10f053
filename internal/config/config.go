// Package config loads the cdcsink YAML configuration and watches it for changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/cdcsink/internal/kafka"
	"github.com/lsm/cdcsink/internal/naming"
	"github.com/lsm/cdcsink/internal/spool"
)

// PathEnv names the config file when -config is not given.
const PathEnv = "CDCSINK_CONFIG"

// Mode selects the delivery path.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeSpool  Mode = "spool"
)

// Defaults applied by Parse.
const (
	DefaultSpoolPrefix = "/tmp/csvpool_"
	DefaultMaxRetries  = 3
	DefaultUnit        = time.Second
	DefaultBatchSize   = 500
	DefaultMetricsAddr = ":9090"
)

// Config is the complete cdcsink configuration.
type Config struct {
	Mode        Mode             `yaml:"mode"`
	BatchSize   int              `yaml:"batchSize"`
	MetricsAddr string           `yaml:"metricsAddr"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Destination naming.Resolver  `yaml:"destination"`
	Spool       spool.Config     `yaml:"spool"`
	Upload      UploadConfig     `yaml:"upload"`
	Announce    TopicConfig      `yaml:"announce"`
	DLQ         TopicConfig      `yaml:"dlq"`
}

// ClickHouseConfig holds the direct path connection.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

// UploadConfig holds the ingestion endpoint settings.
type UploadConfig struct {
	Host       string        `yaml:"host"`
	Token      string        `yaml:"token"`
	Table      string        `yaml:"table"`
	MaxRetries int           `yaml:"maxRetries"`
	Unit       time.Duration `yaml:"unit"`
	RateLimit  float64       `yaml:"rateLimit"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TopicConfig is a Kafka cluster plus the topic to publish to. A config
// without brokers disables the feature.
type TopicConfig struct {
	kafka.ClusterConfig `yaml:",inline"`
	Topic               string `yaml:"topic"`
}

// Parse decodes YAML and applies defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Upload: UploadConfig{MaxRetries: DefaultMaxRetries}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDirect
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.Spool.Path == "" && c.Spool.PathPrefix == "" {
		c.Spool.PathPrefix = DefaultSpoolPrefix
	}
	if c.Upload.Unit <= 0 {
		c.Upload.Unit = DefaultUnit
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeDirect:
		if c.ClickHouse.DSN == "" {
			errs = append(errs, errors.New("clickhouse.dsn is required in direct mode"))
		}
	case ModeSpool:
		if c.Upload.Host == "" {
			errs = append(errs, errors.New("upload.host is required in spool mode"))
		}
		if c.Upload.Token == "" {
			errs = append(errs, errors.New("upload.token is required in spool mode"))
		}
		if c.Upload.MaxRetries < 0 {
			errs = append(errs, errors.New("upload.maxRetries must not be negative"))
		}
		if c.Upload.RateLimit < 0 {
			errs = append(errs, errors.New("upload.rateLimit must not be negative"))
		}
		if c.Spool.Path != "" {
			errs = append(errs, errors.New("spool.path cannot be used in spool mode: a fixed file is never cleared, so every upload would resend delivered rows"))
		}
	default:
		errs = append(errs, fmt.Errorf("mode %q is not valid (must be direct or spool)", c.Mode))
	}

	if c.Announce.Enabled() {
		if err := c.Announce.ClusterConfig.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("announce: %w", err))
		}
		if c.Announce.Topic == "" {
			errs = append(errs, errors.New("announce.topic is required when brokers are set"))
		}
	}
	if c.DLQ.Enabled() {
		if err := c.DLQ.ClusterConfig.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("dlq: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Loader loads the config file and watches it for changes.
type Loader struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	logger   *slog.Logger
	onChange func(prev, next *Config)
}

// NewLoader creates a loader for the file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger}
}

// ResolvePath returns flagPath, or the CDCSINK_CONFIG environment variable.
func ResolvePath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no config file: pass -config or set %s", PathEnv)
}

// OnChange registers a callback that fires after a valid reload with the
// config that was current before it.
func (l *Loader) OnChange(fn func(prev, next *Config)) {
	l.onChange = fn
}

// Load reads, parses and validates the config file.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded config, nil before the first Load.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the file when it changes. Blocks until done is closed.
// The parent directory is watched so that editors replacing the file are seen.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	l.logger.Info("watching config file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
			prev := l.Current()
			cfg, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload config, keeping previous", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(prev, cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}
