package app

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// Config is read once at startup and never mutated afterwards.
type Config struct {
	Threshold     int
	Window        time.Duration
	Whitelist     []string
	SweepInterval time.Duration

	Simulate       bool
	CommandTimeout time.Duration
	RatePerSecond  float64

	AuthLogPath   string
	SourceCommand []string
	LossGrace     time.Duration

	StopTimeout time.Duration
	LogLevel    string

	MetricsEnabled bool
	MetricsAddr    string
	JournalPath    string
	JSONFeedPath   string
}

// SetDefaults registers every key so env overrides (SSHGUARD_*) resolve
// even without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("detection.threshold", 5)
	v.SetDefault("detection.window_seconds", 60)
	v.SetDefault("detection.whitelist", []string{})
	v.SetDefault("detection.sweep_interval", time.Minute)
	v.SetDefault("firewall.simulate", false)
	v.SetDefault("firewall.command_timeout", 5*time.Second)
	v.SetDefault("firewall.rate_per_second", 10.0)
	v.SetDefault("source.auth_log", "/var/log/auth.log")
	v.SetDefault("source.command", []string{})
	v.SetDefault("source.loss_grace", 30*time.Second)
	v.SetDefault("shutdown.timeout", 2*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("output.metrics.enabled", false)
	v.SetDefault("output.metrics.addr", ":9110")
	v.SetDefault("output.journal.path", "")
	v.SetDefault("output.json.path", "")

	v.SetEnvPrefix("SSHGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func LoadConfig(v *viper.Viper) Config {
	return Config{
		Threshold:      v.GetInt("detection.threshold"),
		Window:         time.Duration(v.GetInt("detection.window_seconds")) * time.Second,
		Whitelist:      splitList(v.GetStringSlice("detection.whitelist")),
		SweepInterval:  v.GetDuration("detection.sweep_interval"),
		Simulate:       v.GetBool("firewall.simulate"),
		CommandTimeout: v.GetDuration("firewall.command_timeout"),
		RatePerSecond:  v.GetFloat64("firewall.rate_per_second"),
		AuthLogPath:    v.GetString("source.auth_log"),
		SourceCommand:  v.GetStringSlice("source.command"),
		LossGrace:      v.GetDuration("source.loss_grace"),
		StopTimeout:    v.GetDuration("shutdown.timeout"),
		LogLevel:       v.GetString("logging.level"),
		MetricsEnabled: v.GetBool("output.metrics.enabled"),
		MetricsAddr:    v.GetString("output.metrics.addr"),
		JournalPath:    v.GetString("output.journal.path"),
		JSONFeedPath:   v.GetString("output.json.path"),
	}
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate returns the first invalid field as a *domain.ConfigurationError.
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return &domain.ConfigurationError{Field: "detection.threshold", Value: c.Threshold, Reason: "must be positive"}
	}
	if c.Window <= 0 {
		return &domain.ConfigurationError{Field: "detection.window_seconds", Value: int(c.Window / time.Second), Reason: "must be positive"}
	}
	if c.SweepInterval < 0 {
		return &domain.ConfigurationError{Field: "detection.sweep_interval", Value: c.SweepInterval, Reason: "must not be negative"}
	}
	if c.CommandTimeout < 0 {
		return &domain.ConfigurationError{Field: "firewall.command_timeout", Value: c.CommandTimeout, Reason: "must not be negative"}
	}
	if c.RatePerSecond < 0 {
		return &domain.ConfigurationError{Field: "firewall.rate_per_second", Value: c.RatePerSecond, Reason: "must not be negative"}
	}
	if c.StopTimeout < 0 {
		return &domain.ConfigurationError{Field: "shutdown.timeout", Value: c.StopTimeout, Reason: "must not be negative"}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return &domain.ConfigurationError{Field: "logging.level", Value: c.LogLevel, Reason: "must be debug, info, warn or error"}
	}
	return nil
}

// ConfigWatcher reports edits of the config file. Configuration is fixed
// for the process lifetime, so a change only produces a warning.
type ConfigWatcher struct {
	v        *viper.Viper
	logger   zerolog.Logger
	mu       sync.Mutex
	changes  int
	stopped  bool
	stopOnce sync.Once
}

func NewConfigWatcher(v *viper.Viper, logger zerolog.Logger) *ConfigWatcher {
	return &ConfigWatcher{v: v, logger: logger.With().Str("component", "config").Logger()}
}

// Start is a no-op when no config file was loaded.
func (w *ConfigWatcher) Start() {
	path := w.v.ConfigFileUsed()
	if path == "" {
		return
	}

	w.v.OnConfigChange(w.onChange)
	w.v.WatchConfig()
	w.logger.Debug().Str("config", path).Msg("Watching config file")
}

func (w *ConfigWatcher) onChange(e fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.changes++
	w.logger.Warn().
		Str("file", e.Name).
		Str("op", e.Op.String()).
		Msg("Config file changed; restart required to apply")
}

// Changes returns how many change events were observed.
func (w *ConfigWatcher) Changes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changes
}

// Stop silences further change events; viper offers no way to end the
// underlying watch.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	})
}
