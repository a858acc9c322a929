// Package config loads turnguard settings from flags, TURNGUARD_* environment
// variables and an optional YAML file, through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/logging"
	"github.com/go-go-golems/turnguard/pkg/notify"
	"github.com/go-go-golems/turnguard/pkg/params"
	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
	"github.com/go-go-golems/turnguard/pkg/provider/subprocess"
	"github.com/go-go-golems/turnguard/pkg/supervisor"
	"github.com/go-go-golems/turnguard/pkg/watchdog"
)

const EnvPrefix = "TURNGUARD"

type Config struct {
	State     StateConfig      `mapstructure:"state"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	ActionLog ActionLogConfig  `mapstructure:"actionlog"`
	Params    ParamsConfig     `mapstructure:"params"`
	Watchdog  WatchdogConfig   `mapstructure:"watchdog"`
	Provider  ProviderConfig   `mapstructure:"provider"`
	Locks     LocksConfig      `mapstructure:"locks"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Log       logging.Settings `mapstructure:"log"`
}

type StateConfig struct {
	Dir        string `mapstructure:"dir"`
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite-path"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

type BreakerConfig struct {
	MaxCrashes int `mapstructure:"max-crashes"`
}

type ActionLogConfig struct {
	MaxTurns int `mapstructure:"max-turns"`
}

type ParamsConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default-timeout"`
}

type WatchdogConfig struct {
	Analyst        bool          `mapstructure:"analyst"`
	AnalystTimeout time.Duration `mapstructure:"analyst-timeout"`

	watchdog.HeuristicConfig `mapstructure:",squash"`
}

type ProviderConfig struct {
	Kind         string        `mapstructure:"kind"`
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Dir          string        `mapstructure:"dir"`
	Stateless    bool          `mapstructure:"stateless"`
	HistoryTurns int           `mapstructure:"history-turns"`
	AbortGrace   time.Duration `mapstructure:"abort-grace"`
	EchoDelay    time.Duration `mapstructure:"echo-delay"`
}

type LocksConfig struct {
	IdleEvict     time.Duration `mapstructure:"idle-evict"`
	EvictInterval time.Duration `mapstructure:"evict-interval"`
}

type NotifyConfig struct {
	Backend  string `mapstructure:"backend"`
	Topic    string `mapstructure:"topic"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	ProviderSubprocess = "subprocess"
	ProviderEcho       = "echo"
)

// DefaultStateDir is $HOME/.turnguard, or .turnguard when HOME is unknown.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".turnguard"
	}
	return filepath.Join(home, ".turnguard")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state.dir", DefaultStateDir())
	v.SetDefault("state.backend", "file")
	v.SetDefault("state.sqlite-path", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "turnguard")
	v.SetDefault("breaker.max-crashes", journal.DefaultMaxCrashes)
	v.SetDefault("actionlog.max-turns", 100)
	v.SetDefault("params.default-timeout", params.DefaultTimeout)

	h := watchdog.DefaultHeuristicConfig()
	v.SetDefault("watchdog.analyst", false)
	v.SetDefault("watchdog.analyst-timeout", watchdog.DefaultAnalystTimeout)
	v.SetDefault("watchdog.repetition-window", h.RepetitionWindow)
	v.SetDefault("watchdog.repetition-min-calls", h.RepetitionMinCalls)
	v.SetDefault("watchdog.error-window", h.ErrorWindow)
	v.SetDefault("watchdog.error-min-count", h.ErrorMinCount)

	v.SetDefault("provider.kind", ProviderEcho)
	v.SetDefault("provider.command", "")
	v.SetDefault("provider.args", []string{})
	v.SetDefault("provider.dir", "")
	v.SetDefault("provider.stateless", false)
	v.SetDefault("provider.history-turns", supervisor.DefaultHistoryTurns)
	v.SetDefault("provider.abort-grace", subprocess.DefaultAbortGrace)
	v.SetDefault("provider.echo-delay", time.Duration(0))

	v.SetDefault("locks.idle-evict", supervisor.DefaultEvictIdle)
	v.SetDefault("locks.evict-interval", supervisor.DefaultEvictInterval)

	v.SetDefault("notify.backend", notify.BackendGoChannel)
	v.SetDefault("notify.topic", notify.DefaultTopic)
	v.SetDefault("notify.group", "turnguard")
	v.SetDefault("notify.consumer", "turnguard-1")

	v.SetDefault("http.addr", ":8089")

	l := logging.DefaultSettings()
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size", l.MaxSizeMB)
	v.SetDefault("log.max-backups", l.MaxBackups)
	v.SetDefault("log.max-age", l.MaxAgeDays)
}

// Setup prepares v: defaults, env binding and the config file. configFile
// may be empty, in which case the default path is used if it exists.
func Setup(v *viper.Viper, configFile string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		configFile = DefaultConfigPath()
		if _, err := os.Stat(configFile); err != nil {
			return nil
		}
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "config: read %s", configFile)
	}
	return nil
}

// Decode unmarshals v without validating, for commands that must work on a
// broken configuration.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	return &c, nil
}

func Load(v *viper.Viper) (*Config, error) {
	c, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.State.Backend {
	case "", "file", "sqlite", "redis", "memory":
	default:
		return errors.Errorf("config: unknown state.backend %q", c.State.Backend)
	}
	switch c.Provider.Kind {
	case ProviderEcho:
	case ProviderSubprocess:
		if strings.TrimSpace(c.Provider.Command) == "" {
			return errors.New("config: provider.command is required for the subprocess provider")
		}
	default:
		return errors.Errorf("config: unknown provider.kind %q", c.Provider.Kind)
	}
	switch c.Notify.Backend {
	case "", notify.BackendGoChannel, notify.BackendRedis:
	default:
		return errors.Errorf("config: unknown notify.backend %q", c.Notify.Backend)
	}
	if c.Breaker.MaxCrashes < 1 {
		return errors.New("config: breaker.max-crashes must be at least 1")
	}
	return nil
}

func (c *Config) StateSettings() statestore.Settings {
	return statestore.Settings{
		Backend:     c.State.Backend,
		Dir:         c.State.Dir,
		SQLitePath:  c.State.SQLitePath,
		RedisAddr:   c.Redis.Addr,
		RedisPrefix: c.Redis.Prefix,
	}
}

func (c *Config) NotifySettings() notify.Settings {
	return notify.Settings{
		Backend:   c.Notify.Backend,
		Topic:     c.Notify.Topic,
		RedisAddr: c.Redis.Addr,
		Group:     c.Notify.Group,
		Consumer:  c.Notify.Consumer,
	}
}

func (c *Config) SubprocessConfig() subprocess.Config {
	return subprocess.Config{
		Command:    c.Provider.Command,
		Args:       c.Provider.Args,
		Dir:        c.Provider.Dir,
		AbortGrace: c.Provider.AbortGrace,
	}
}
