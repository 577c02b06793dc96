// Package config loads the automation daemon's configuration with viper.
// Sources in precedence order: defaults, a TOML config file, then
// AUTOMATION_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/airloft/automation/errors"
)

// Config is the daemon configuration.
type Config struct {
	Database Database `mapstructure:"database"`
	Engine   Engine   `mapstructure:"engine"`
	Feed     Feed     `mapstructure:"feed"`
	Log      Log      `mapstructure:"log"`
}

// Database configures the sqlite store.
type Database struct {
	Path string `mapstructure:"path"`
}

// Engine configures engine behavior at startup.
type Engine struct {
	// Paused starts the engine with triggering suspended.
	Paused bool `mapstructure:"paused"`

	// ExecutionPaused starts the engine with execution suspended.
	ExecutionPaused bool `mapstructure:"execution_paused"`

	// Constraints are the frequency constraints to install at startup.
	Constraints []Constraint `mapstructure:"constraints"`
}

// Constraint is one frequency constraint definition.
type Constraint struct {
	ID    string        `mapstructure:"id"`
	Range time.Duration `mapstructure:"range"`
	Count int           `mapstructure:"count"`
}

// Feed configures the event feed.
type Feed struct {
	// Buffer is the event channel capacity; events beyond it are dropped.
	Buffer int `mapstructure:"buffer"`
}

// Log configures logging output.
type Log struct {
	JSON bool `mapstructure:"json"`
}

// SetDefaults configures default values for all options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "automation.db")

	v.SetDefault("engine.paused", false)
	v.SetDefault("engine.execution_paused", false)

	v.SetDefault("feed.buffer", 256)

	v.SetDefault("log.json", false)
}

// Load reads configuration from defaults and environment variables only.
func Load() (*Config, error) {
	v := newViper()
	return unmarshal(v)
}

// LoadFromFile reads configuration from a specific TOML file, layered over
// defaults and under environment variables.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AUTOMATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
