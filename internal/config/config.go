// Package config loads the server configuration from a YAML file.
//
// Config file locations (priority order):
//  1. $LOSTFOUND_CONFIG
//  2. ./lostfound.yaml
//  3. $XDG_CONFIG_HOME/lostfound/config.yaml
//  4. ~/.config/lostfound/config.yaml
//  5. /etc/lostfound/config.yaml
//
// When no file is found the defaults are used. Command-line flags override
// whatever the file says.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/erazemk/lostfound/internal/imaging"
	"github.com/erazemk/lostfound/internal/moderation"
)

// Config is the top-level configuration file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Moderation ModerationConfig `yaml:"moderation"`
	Images     ImagesConfig     `yaml:"images"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string   `yaml:"addr"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ReadTimeout       Duration `yaml:"read_timeout"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
	SessionTTL        Duration `yaml:"session_ttl"`
}

// DatabaseConfig configures the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// ModerationConfig holds the strike thresholds. It is reloaded while the
// server runs.
type ModerationConfig struct {
	DefaultStatus         string   `yaml:"default_status"`
	TempBlockStrikes      int      `yaml:"temp_block_strikes"`
	PermanentBlockStrikes int      `yaml:"permanent_block_strikes"`
	TempBlockDuration     Duration `yaml:"temp_block_duration"`
}

// ImagesConfig configures how uploaded photos are normalized.
type ImagesConfig struct {
	MaxDimension int `yaml:"max_dimension"`
	JPEGQuality  int `yaml:"jpeg_quality"`
}

// AdminConfig names the account created on first run.
type AdminConfig struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

// Duration wraps time.Duration for YAML unmarshaling ("30s", "168h").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load finds and loads the config file, or returns defaults if none is
// found. The second result is the path that was loaded, if any.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return Default(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = Duration(10 * time.Second)
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(120 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.Server.SessionTTL == 0 {
		c.Server.SessionTTL = Duration(7 * 24 * time.Hour)
	}
	if c.Database.Path == "" {
		c.Database.Path = "lostfound.sqlite3"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	def := moderation.DefaultPolicy()
	if c.Moderation.DefaultStatus == "" {
		c.Moderation.DefaultStatus = def.DefaultStatus
	}
	if c.Moderation.TempBlockStrikes == 0 {
		c.Moderation.TempBlockStrikes = def.TempBlockStrikes
	}
	if c.Moderation.PermanentBlockStrikes == 0 {
		c.Moderation.PermanentBlockStrikes = def.PermanentBlockStrikes
	}
	if c.Moderation.TempBlockDuration == 0 {
		c.Moderation.TempBlockDuration = Duration(def.TempBlockDuration)
	}

	if c.Images.MaxDimension == 0 {
		c.Images.MaxDimension = imaging.DefaultMaxDimension
	}
	if c.Images.JPEGQuality == 0 {
		c.Images.JPEGQuality = imaging.DefaultJPEGQuality
	}

	if c.Admin.Email == "" {
		c.Admin.Email = "admin@lostfound.local"
	}
	if c.Admin.Name == "" {
		c.Admin.Name = "Admin"
	}
}

// Validate checks values that defaults cannot fix.
func (c *Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if err := c.Moderation.Policy().Validate(); err != nil {
		return fmt.Errorf("moderation: %w", err)
	}
	if c.Images.JPEGQuality < 1 || c.Images.JPEGQuality > 100 {
		return fmt.Errorf("images: jpeg_quality must be between 1 and 100")
	}
	if c.Images.MaxDimension < 1 {
		return fmt.Errorf("images: max_dimension must be positive")
	}
	return nil
}

// Policy converts the moderation section into a moderation.Policy.
func (m ModerationConfig) Policy() moderation.Policy {
	return moderation.Policy{
		DefaultStatus:         m.DefaultStatus,
		TempBlockStrikes:      m.TempBlockStrikes,
		PermanentBlockStrikes: m.PermanentBlockStrikes,
		TempBlockDuration:     m.TempBlockDuration.Duration(),
	}
}

// SlogLevel parses the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log: invalid level %q", l.Level)
	}
	return level, nil
}
