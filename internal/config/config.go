package config

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/snapshot/providers"
)

type Point struct {
	X int `mapstructure:"x" yaml:"x"`
	Y int `mapstructure:"y" yaml:"y"`
}

type Size struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

type Crop struct {
	X      int `mapstructure:"x" yaml:"x"`
	Y      int `mapstructure:"y" yaml:"y"`
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

type SourceConfig struct {
	Kind     string `mapstructure:"kind" yaml:"kind"`
	Locator  string `mapstructure:"locator" yaml:"locator"`
	API      string `mapstructure:"api" yaml:"api,omitempty"`
	Cursor   *bool  `mapstructure:"cursor" yaml:"cursor,omitempty"`
	Position *Point `mapstructure:"position" yaml:"position,omitempty"`
	Crop     *Crop  `mapstructure:"crop" yaml:"crop,omitempty"`
}

type OverlayConfig struct {
	SourceConfig `mapstructure:",squash" yaml:",inline"`
	Anchor       string `mapstructure:"anchor" yaml:"anchor,omitempty"`
	Offset       Point  `mapstructure:"offset" yaml:"offset,omitempty"`
	Size         Size   `mapstructure:"size" yaml:"size,omitempty"`
}

type SnapshotConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	IntervalSeconds  int    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	Prefix           string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Retention        int    `mapstructure:"retention" yaml:"retention"`
	providers.Config `mapstructure:",squash" yaml:",inline"`
}

type Config struct {
	Sources  []SourceConfig  `mapstructure:"sources" yaml:"sources"`
	Overlays []OverlayConfig `mapstructure:"overlays" yaml:"overlays,omitempty"`

	AcquireTimeoutMs   int `mapstructure:"acquire_timeout_ms" yaml:"acquire_timeout_ms"`
	PollIntervalMs     int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	BackendTimeoutMs   int `mapstructure:"backend_timeout_ms" yaml:"backend_timeout_ms"`
	WriteLockTimeoutMs int `mapstructure:"write_lock_timeout_ms" yaml:"write_lock_timeout_ms"`

	RestartOnExpectedError bool `mapstructure:"restart_on_expected_error" yaml:"restart_on_expected_error"`
	RestartBackoffMs       int  `mapstructure:"restart_backoff_ms" yaml:"restart_backoff_ms"`
	MaxRestarts            int  `mapstructure:"max_restarts" yaml:"max_restarts"`

	// Logging
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	EventFeedAddr        string `mapstructure:"event_feed_addr" yaml:"event_feed_addr,omitempty"`
	StatsIntervalSeconds int    `mapstructure:"stats_interval_seconds" yaml:"stats_interval_seconds"`

	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
}

func Default() *Config {
	return &Config{
		AcquireTimeoutMs:       100,
		PollIntervalMs:         16,
		BackendTimeoutMs:       100,
		WriteLockTimeoutMs:     100,
		RestartOnExpectedError: true,
		RestartBackoffMs:       1000,
		MaxRestarts:            5,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           50,
		LogMaxBackups:          3,
		StatsIntervalSeconds:   10,
		Snapshot: SnapshotConfig{
			IntervalSeconds: 60,
			Prefix:          "snapshots",
			Retention:       100,
			Config:          providers.Config{Provider: providers.NameLocal},
		},
	}
}

// scalar keys registered with viper so BREEZE_CAPTURE_* variables override
// them even when the file does not mention them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("acquire_timeout_ms", cfg.AcquireTimeoutMs)
	v.SetDefault("poll_interval_ms", cfg.PollIntervalMs)
	v.SetDefault("backend_timeout_ms", cfg.BackendTimeoutMs)
	v.SetDefault("write_lock_timeout_ms", cfg.WriteLockTimeoutMs)
	v.SetDefault("restart_on_expected_error", cfg.RestartOnExpectedError)
	v.SetDefault("restart_backoff_ms", cfg.RestartBackoffMs)
	v.SetDefault("max_restarts", cfg.MaxRestarts)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("event_feed_addr", cfg.EventFeedAddr)
	v.SetDefault("stats_interval_seconds", cfg.StatsIntervalSeconds)

	v.SetDefault("snapshot.enabled", cfg.Snapshot.Enabled)
	v.SetDefault("snapshot.interval_seconds", cfg.Snapshot.IntervalSeconds)
	v.SetDefault("snapshot.prefix", cfg.Snapshot.Prefix)
	v.SetDefault("snapshot.retention", cfg.Snapshot.Retention)
	v.SetDefault("snapshot.provider", cfg.Snapshot.Provider)
	for _, key := range []string{
		"path", "bucket", "region", "endpoint", "access_key_id", "secret_access_key",
		"session_token", "credentials_file", "connection_string", "container",
		"account_id", "application_key",
	} {
		v.SetDefault("snapshot."+key, "")
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("capture")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BREEZE_CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveTo writes cfg as YAML. Secrets are never written.
func SaveTo(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = filepath.Join(configDir(), "capture.yaml")
	}
	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(cfgFile, data, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) AcquireTimeout() time.Duration   { return ms(c.AcquireTimeoutMs) }
func (c *Config) PollInterval() time.Duration     { return ms(c.PollIntervalMs) }
func (c *Config) BackendTimeout() time.Duration   { return ms(c.BackendTimeoutMs) }
func (c *Config) WriteLockTimeout() time.Duration { return ms(c.WriteLockTimeoutMs) }
func (c *Config) RestartBackoff() time.Duration   { return ms(c.RestartBackoffMs) }
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

// Descriptor converts a configured source into a capture descriptor.
func (s SourceConfig) Descriptor() (capture.Descriptor, error) {
	kind, err := capture.ParseKind(s.Kind)
	if err != nil {
		return capture.Descriptor{}, err
	}
	if strings.TrimSpace(s.Locator) == "" {
		return capture.Descriptor{}, fmt.Errorf("%s source requires a locator", kind)
	}
	api, err := capture.ParseAPI(s.API)
	if err != nil {
		return capture.Descriptor{}, err
	}
	desc := capture.Descriptor{
		Kind:          kind,
		Locator:       s.Locator,
		API:           api,
		CursorCapture: s.Cursor,
	}
	if s.Position != nil {
		p := image.Pt(s.Position.X, s.Position.Y)
		desc.Position = &p
	}
	if s.Crop != nil {
		if s.Crop.Width <= 0 || s.Crop.Height <= 0 {
			return capture.Descriptor{}, fmt.Errorf("crop of %s must have a positive size", s.Locator)
		}
		r := image.Rect(s.Crop.X, s.Crop.Y, s.Crop.X+s.Crop.Width, s.Crop.Y+s.Crop.Height)
		desc.Crop = &r
	}
	return desc, nil
}

// Descriptor converts a configured overlay into an overlay descriptor.
func (o OverlayConfig) Descriptor() (capture.OverlayDescriptor, error) {
	src, err := o.SourceConfig.Descriptor()
	if err != nil {
		return capture.OverlayDescriptor{}, err
	}
	anchor, err := capture.ParseAnchor(o.Anchor)
	if err != nil {
		return capture.OverlayDescriptor{}, err
	}
	if o.Size.Width < 0 || o.Size.Height < 0 {
		return capture.OverlayDescriptor{}, fmt.Errorf("overlay size of %s must not be negative", o.Locator)
	}
	return capture.OverlayDescriptor{
		Source: src,
		Anchor: anchor,
		Offset: image.Pt(o.Offset.X, o.Offset.Y),
		Size:   image.Pt(o.Size.Width, o.Size.Height),
	}, nil
}

// Descriptors converts every configured source and overlay.
func (c *Config) Descriptors() ([]capture.Descriptor, []capture.OverlayDescriptor, error) {
	sources := make([]capture.Descriptor, 0, len(c.Sources))
	for i, s := range c.Sources {
		desc, err := s.Descriptor()
		if err != nil {
			return nil, nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		sources = append(sources, desc)
	}
	overlays := make([]capture.OverlayDescriptor, 0, len(c.Overlays))
	for i, o := range c.Overlays {
		desc, err := o.Descriptor()
		if err != nil {
			return nil, nil, fmt.Errorf("overlays[%d]: %w", i, err)
		}
		overlays = append(overlays, desc)
	}
	return sources, overlays, nil
}
