// Package config loads the service configuration from a YAML file,
// ENGAGEMENT_* environment variables and command line flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/internal/logging"
	"github.com/campuslink/engagement/realtime"
)

const EnvPrefix = "ENGAGEMENT"

const (
	ReconcileFull        = "full"
	ReconcileIncremental = "incremental"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Realtime RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Migrate bool   `mapstructure:"migrate" yaml:"migrate"`
}

type RealtimeConfig struct {
	Backend             string      `mapstructure:"backend" yaml:"backend"`
	OutputChannelBuffer int64       `mapstructure:"output_channel_buffer" yaml:"output_channel_buffer"`
	Redis               RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type SyncConfig struct {
	TopN          int           `mapstructure:"top_n" yaml:"top_n"`
	Reconcile     string        `mapstructure:"reconcile" yaml:"reconcile"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout" yaml:"remote_timeout"`
	AllowedKinds  []string      `mapstructure:"allowed_kinds" yaml:"allowed_kinds"`
	MaxBodyLength int           `mapstructure:"max_body_length" yaml:"max_body_length"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// SetDefaults registers the default of every key on v.
// Keys without a default are not picked up from the environment by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "file:engagement.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.migrate", true)

	v.SetDefault("realtime.backend", realtime.BackendGoChannel)
	v.SetDefault("realtime.output_channel_buffer", 64)
	v.SetDefault("realtime.redis.addr", "")
	v.SetDefault("realtime.redis.password", "")
	v.SetDefault("realtime.redis.db", 0)

	v.SetDefault("sync.top_n", engagement.DefaultTopN)
	v.SetDefault("sync.reconcile", ReconcileFull)
	v.SetDefault("sync.remote_timeout", 5*time.Second)
	v.SetDefault("sync.allowed_kinds", kindsToStrings(engagement.DefaultReactionKinds))
	v.SetDefault("sync.max_body_length", 2000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatText)

	v.SetDefault("metrics.namespace", "engagement")
}

// Load reads the config file (if any) and the environment into a validated Config.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "cannot read config file %s", file)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "cannot decode config")
	}

	if err := c.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}

	return c, nil
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http.shutdown_timeout must be positive")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	switch c.Realtime.Backend {
	case realtime.BackendGoChannel:
	case realtime.BackendRedis:
		if c.Realtime.Redis.Addr == "" {
			return errors.New("realtime.redis.addr is required for the redis backend")
		}
	default:
		return errors.Errorf("unknown realtime.backend %q", c.Realtime.Backend)
	}

	if c.Sync.TopN < 0 {
		return errors.New("sync.top_n must not be negative")
	}
	if c.Sync.Reconcile != ReconcileFull && c.Sync.Reconcile != ReconcileIncremental {
		return errors.Errorf("unknown sync.reconcile %q", c.Sync.Reconcile)
	}
	if c.Sync.RemoteTimeout < 0 {
		return errors.New("sync.remote_timeout must not be negative")
	}
	if len(c.Sync.AllowedKinds) == 0 {
		return errors.New("sync.allowed_kinds must not be empty")
	}
	if c.Sync.MaxBodyLength <= 0 {
		return errors.New("sync.max_body_length must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil && !strings.EqualFold(c.Log.Level, logging.LevelOff) {
		return err
	}

	return nil
}

func (c Config) ReactionKinds() []engagement.ReactionKind {
	kinds := make([]engagement.ReactionKind, 0, len(c.Sync.AllowedKinds))
	for _, k := range c.Sync.AllowedKinds {
		kinds = append(kinds, engagement.ReactionKind(strings.TrimSpace(k)))
	}
	return kinds
}

func (c Config) PubSubConfig() realtime.PubSubConfig {
	return realtime.PubSubConfig{
		Backend:             c.Realtime.Backend,
		OutputChannelBuffer: c.Realtime.OutputChannelBuffer,
		RedisAddr:           c.Realtime.Redis.Addr,
		RedisPassword:       c.Realtime.Redis.Password,
		RedisDB:             c.Realtime.Redis.DB,
	}
}

func (c Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
	}
}

// YAML renders c the way it would be written in a config file.
func (c Config) YAML() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal config to yaml")
	}
	return b, nil
}

func kindsToStrings(kinds []engagement.ReactionKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
