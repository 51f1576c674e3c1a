// Package config loads and watches the drift configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/drift/internal/kafka"
)

// Config is the complete drift configuration.
type Config struct {
	Target TargetConfig `yaml:"target"`
	Source SourceConfig `yaml:"source"`
	Drain  DrainConfig  `yaml:"drain"`

	// GreedySink suppresses sink retirement on schema drift, always reusing
	// the active sink. Escape hatch for taps that emit fluctuating schemas.
	GreedySink bool `yaml:"greedySink"`

	// AddRecordMetadata adds _sdc_received_at and _sdc_sequence columns to
	// every persisted record.
	AddRecordMetadata bool `yaml:"addRecordMetadata"`

	DeadLetterTopic string `yaml:"deadLetterTopic,omitempty"`
	LogLevel        string `yaml:"logLevel,omitempty"`
	MetricsAddr     string `yaml:"metricsAddr,omitempty"`
}

// TargetConfig selects and configures the destination store.
type TargetConfig struct {
	Type   string `yaml:"type"`             // postgres, sqlite, stdout
	DSN    string `yaml:"dsn,omitempty"`    // postgres connection string
	Path   string `yaml:"path,omitempty"`   // sqlite database file
	Schema string `yaml:"schema,omitempty"` // table namespace (postgres)
}

// SourceConfig selects and configures the message source.
type SourceConfig struct {
	Type  string             `yaml:"type"` // stdin (default), kafka
	Kafka *KafkaSourceConfig `yaml:"kafka,omitempty"`
}

// KafkaSourceConfig configures the Kafka message source.
type KafkaSourceConfig struct {
	Cluster       kafka.ClusterConfig `yaml:"cluster"`
	Topic         string              `yaml:"topic"`
	ConsumerGroup string              `yaml:"consumerGroup"`
	StartOffset   string              `yaml:"startOffset,omitempty"`
}

// DrainConfig controls drain cycle scheduling.
type DrainConfig struct {
	// Interval between periodic drains. Ignored when Cron is set.
	Interval time.Duration `yaml:"interval,omitempty"`
	// Cron is an optional cron spec for drain scheduling.
	Cron string `yaml:"cron,omitempty"`
	// FlushActive also flushes active sinks on every cycle, not only on
	// shutdown.
	FlushActive bool `yaml:"flushActive"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Target.Type {
	case "postgres":
		if c.Target.DSN == "" {
			errs = append(errs, errors.New("target.dsn is required for postgres"))
		}
	case "sqlite":
		if c.Target.Path == "" {
			errs = append(errs, errors.New("target.path is required for sqlite"))
		}
	case "stdout":
	default:
		errs = append(errs, fmt.Errorf("unsupported target.type: %q", c.Target.Type))
	}

	switch c.Source.Type {
	case "stdin":
	case "kafka":
		if c.Source.Kafka == nil {
			errs = append(errs, errors.New("source.kafka is required for kafka source"))
			break
		}
		if err := c.Source.Kafka.Cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source.kafka.cluster: %w", err))
		}
		if c.Source.Kafka.Topic == "" {
			errs = append(errs, errors.New("source.kafka.topic is required"))
		}
		if c.Source.Kafka.ConsumerGroup == "" {
			errs = append(errs, errors.New("source.kafka.consumerGroup is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported source.type: %q", c.Source.Type))
	}

	if c.Drain.Interval < 0 {
		errs = append(errs, errors.New("drain.interval must not be negative"))
	}

	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = "stdin"
	}
	if c.Target.Schema == "" {
		c.Target.Schema = "public"
	}
	if c.Drain.Interval == 0 {
		c.Drain.Interval = time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Loader loads the configuration file and watches it for changes. Settings
// that support live reload (currently greedySink) are re-read through the
// Loader on every use rather than cached by consumers.
type Loader struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

// NewLoader creates a loader for the given configuration file.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger}
}

// OnChange registers a callback that fires when the file is reloaded.
func (l *Loader) OnChange(fn func(*Config)) {
	l.onChange = fn
}

// Load reads, defaults and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}

	cfg := &Config{AddRecordMetadata: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// GreedySink reports the live greedy-sink setting. The DRIFT_GREEDY_SINK
// environment variable, when set, overrides the file value; otherwise the
// value from the last successful reload applies.
func (l *Loader) GreedySink() bool {
	if env := os.Getenv("DRIFT_GREEDY_SINK"); env != "" {
		return strings.EqualFold(env, "true")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current != nil && l.current.GreedySink
}

// Watch watches the configuration file for changes and reloads it. Blocks
// until done is closed. A reload that fails validation keeps the previous
// configuration in place.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	// Watch the directory: editors and configmap mounts replace the file
	// rather than writing it in place.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watch dir %s: %w", filepath.Dir(l.path), err)
	}

	l.logger.Info("watching config file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Info("config change detected", "op", event.Op)
				cfg, err := l.Load()
				if err != nil {
					l.logger.Error("failed to reload config, keeping previous", "error", err)
					continue
				}
				if l.onChange != nil {
					l.onChange(cfg)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}
