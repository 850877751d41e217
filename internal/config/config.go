// Package config loads the supervisor's YAML configuration, applies
// environment overrides and watches the file for changes.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"

	"workerscheduler/internal/domain"
)

const (
	EnvPrefix = "WORKERSCHEDULER_"

	DefaultTimeout      = 30 * time.Minute
	DefaultTickInterval = time.Second
	DefaultListen       = ":8080"
	DefaultHistory      = "workerscheduler.db"

	// HistoryOff disables the run history database.
	HistoryOff = "off"
)

var ErrInvalid = errors.New("invalid config")

// Config is the validated configuration.
type Config struct {
	Timeout          time.Duration
	TickInterval     time.Duration
	Listen           string
	History          string
	HistoryRetention time.Duration
	LogLevel         zerolog.Level
	LogFormat        string
	Debug            bool
	Workers          []Worker
}

type Worker struct {
	Name     string
	Task     domain.TaskRef
	Interval time.Duration
	Enabled  bool
}

// HistoryEnabled reports whether runs should be recorded.
func (c *Config) HistoryEnabled() bool { return c.History != "" && c.History != HistoryOff }

// Worker returns the worker entry named name.
func (c *Config) Worker(name string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}

type fileConfig struct {
	Timeout          string         `yaml:"timeout"`
	TickInterval     string         `yaml:"tick_interval"`
	Listen           string         `yaml:"listen"`
	History          string         `yaml:"history"`
	HistoryRetention string         `yaml:"history_retention"`
	LogLevel         string         `yaml:"log_level"`
	LogFormat        string         `yaml:"log_format"`
	Debug            bool           `yaml:"debug"`
	Workers          []workerConfig `yaml:"workers"`
}

type workerConfig struct {
	Name     string `yaml:"name"`
	Task     string `yaml:"task"`
	Interval string `yaml:"interval"`
	Args     any    `yaml:"args"`
	Enabled  *bool  `yaml:"enabled"`
}

// Loader reads and validates configuration files. KnownTask, when set,
// rejects workers naming a task that isn't registered.
type Loader struct {
	KnownTask func(name string) bool
	// Getenv defaults to os.LookupEnv.
	Getenv    func(key string) (string, bool)
}

// Load reads the file at path. An empty path yields the defaults plus
// environment overrides.
func (l Loader) Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = b
	}
	cfg, err := l.Parse(data)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, applies environment overrides and validates.
func (l Loader) Parse(data []byte) (*Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	l.applyEnv(&fc)
	return l.build(&fc)
}

func (l Loader) lookup(key string) (string, bool) {
	if l.Getenv != nil {
		return l.Getenv(key)
	}
	return os.LookupEnv(key)
}

func (l Loader) getEnv(key, defaultVal string) string {
	if val, ok := l.lookup(EnvPrefix + key); ok {
		return val
	}
	return defaultVal
}

func (l Loader) applyEnv(fc *fileConfig) {
	fc.Timeout = l.getEnv("TIMEOUT", fc.Timeout)
	fc.TickInterval = l.getEnv("TICK_INTERVAL", fc.TickInterval)
	fc.Listen = l.getEnv("LISTEN", fc.Listen)
	fc.History = l.getEnv("HISTORY", fc.History)
	fc.HistoryRetention = l.getEnv("HISTORY_RETENTION", fc.HistoryRetention)
	fc.LogLevel = l.getEnv("LOG_LEVEL", fc.LogLevel)
	fc.LogFormat = l.getEnv("LOG_FORMAT", fc.LogFormat)
	if v, ok := l.lookup(EnvPrefix + "DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			fc.Debug = b
		}
	}
}

func (l Loader) build(fc *fileConfig) (*Config, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	cfg := &Config{
		Listen:    orDefault(fc.Listen, DefaultListen),
		History:   orDefault(fc.History, DefaultHistory),
		LogFormat: orDefault(strings.ToLower(fc.LogFormat), "console"),
		Debug:     fc.Debug,
	}

	var err error
	if cfg.Timeout, err = parseDuration("timeout", fc.Timeout, DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.TickInterval, err = parseDuration("tick_interval", fc.TickInterval, DefaultTickInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.HistoryRetention, err = parseDuration("history_retention", fc.HistoryRetention, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.LogLevel, err = zerolog.ParseLevel(strings.ToLower(orDefault(fc.LogLevel, "info"))); err != nil {
		fail("log_level: %v", err)
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		fail("log_format: must be console or json, got %q", fc.LogFormat)
	}

	seen := make(map[string]bool, len(fc.Workers))
	for i, wc := range fc.Workers {
		path := fmt.Sprintf("workers[%d]", i)
		if wc.Name == "" {
			fail("%s: name is required", path)
		} else {
			path = fmt.Sprintf("workers[%s]", wc.Name)
			if seen[wc.Name] {
				fail("%s: duplicate name", path)
			}
			seen[wc.Name] = true
		}
		if wc.Task == "" {
			fail("%s: task is required", path)
		} else if l.KnownTask != nil && !l.KnownTask(wc.Task) {
			fail("%s: unknown task %q", path, wc.Task)
		}
		interval, err := ParseInterval(wc.Interval)
		if err != nil {
			fail("%s: %v", path, err)
		}
		args, err := argsJSON(wc.Args)
		if err != nil {
			fail("%s: args: %v", path, err)
		}
		cfg.Workers = append(cfg.Workers, Worker{
			Name:     wc.Name,
			Task:     domain.TaskRef{Name: wc.Task, Args: args},
			Interval: interval,
			Enabled:  wc.Enabled == nil || *wc.Enabled,
		})
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// argsJSON converts decoded YAML into the JSON blob handed to the task.
func argsJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, err
	}
	return b, nil
}

// normalizeYAML makes every map key a string so the value can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding existing ones. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
