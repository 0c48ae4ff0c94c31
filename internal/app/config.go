package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvironmentProduction is the environment name that enables production behaviour.
const EnvironmentProduction = "production"

// Config represents the runtime configuration for the CollabHub gateway.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Chat        ChatConfig        `mapstructure:"chat"`
	Signaling   SignalingConfig   `mapstructure:"signaling"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           int             `mapstructure:"port"`
	Environment    string          `mapstructure:"environment"`
	LogLevel       string          `mapstructure:"log_level"`
	ShutdownGrace  time.Duration   `mapstructure:"shutdown_grace"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds websocket upgrades per client IP. Zero upgrades disables it.
type RateLimitConfig struct {
	Upgrades int           `mapstructure:"upgrades"`
	Window   time.Duration `mapstructure:"window"`
}

// LoggingConfig controls the optional file sink.
type LoggingConfig struct {
	ToFile bool   `mapstructure:"to_file"`
	Dir    string `mapstructure:"dir"`
}

// StoreConfig selects the document store by URI scheme. An empty URI disables persistence.
type StoreConfig struct {
	URI        string        `mapstructure:"uri"`
	FlushSize  int           `mapstructure:"flush_size"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
	QueueSize  int           `mapstructure:"queue_size"`
	Workers    int           `mapstructure:"workers"`
}

// SyncConfig tunes document-sync connections.
type SyncConfig struct {
	GC           bool          `mapstructure:"gc"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

// ChatConfig configures the chat and presence endpoint.
type ChatConfig struct {
	Prefix       string `mapstructure:"prefix"`
	Archive      bool   `mapstructure:"archive"`
	ArchiveQueue int    `mapstructure:"archive_queue"`
	QueueSize    int    `mapstructure:"queue_size"`
}

// SignalingConfig configures the PeerJS relay.
type SignalingConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	Key            string        `mapstructure:"key"`
	AllowDiscovery bool          `mapstructure:"allow_discovery"`
	AliveTimeout   time.Duration `mapstructure:"alive_timeout"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options. Redis carries the room backplane and the
// shared upgrade rate limit.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Channel  string        `mapstructure:"channel"`
}

// AuthConfig captures the optional access-token settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens. Upgrades are unauthenticated when Secret is empty.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles the probe endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MaintenanceConfig holds cron specs for background jobs. An empty spec disables the job.
type MaintenanceConfig struct {
	FlushSchedule      string `mapstructure:"flush_schedule"`
	PeerExpirySchedule string `mapstructure:"peer_expiry_schedule"`
}

// IsProduction reports whether the production environment is selected.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Server.Environment), EnvironmentProduction)
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// envAliases lists bare environment variables accepted next to the COLLABHUB_ prefixed ones.
var envAliases = map[string][]string{
	"server.port":         {"PORT"},
	"server.environment":  {"ENVIRONMENT"},
	"store.uri":           {"STORE_URI", "MONGODB_URI"},
	"logging.to_file":     {"LOG_TO_FILE"},
	"cache.redis.address": {"REDIS_ADDR"},
	"auth.jwt.secret":     {"JWT_SECRET"},
}

// NewFlagSet defines the command-line flags understood by LoadConfigWithFlags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file or a directory containing config.yaml")
	fs.Int("port", 0, "listen port (overrides server.port)")
	fs.String("log-level", "", "log level (overrides server.log_level)")
	return fs
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	return load(nil, paths)
}

// LoadConfigWithFlags loads configuration and applies the flags of a parsed NewFlagSet.
func LoadConfigWithFlags(fs *pflag.FlagSet) (*Config, error) {
	return load(fs, nil)
}

func load(fs *pflag.FlagSet, paths []string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			if filepath.Ext(path) != "" {
				v.SetConfigFile(path)
			} else {
				v.AddConfigPath(path)
			}
		}
		if err := bindFlag(v, fs, "server.port", "port"); err != nil {
			return nil, err
		}
		if err := bindFlag(v, fs, "server.log_level", "log-level"); err != nil {
			return nil, err
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("COLLABHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{"COLLABHUB_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyRuntimeDefaults(&config)
	return &config, nil
}

// bindFlag binds a flag only when it was set, so an unset flag never masks env or file values.
func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, name string) error {
	flag := fs.Lookup(name)
	if flag == nil || !flag.Changed {
		return nil
	}
	if err := v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("config: bind flag %s: %w", name, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.log_level", "")
	v.SetDefault("server.shutdown_grace", "15s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit.upgrades", 0)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("logging.to_file", false)
	v.SetDefault("logging.dir", "./logs")

	v.SetDefault("store.uri", "")
	v.SetDefault("store.flush_size", 100)
	v.SetDefault("store.collection", "yjs-documents")
	v.SetDefault("store.timeout", "10s")
	v.SetDefault("store.queue_size", 1024)
	v.SetDefault("store.workers", 4)

	v.SetDefault("sync.gc", true)
	v.SetDefault("sync.ping_interval", "30s")
	v.SetDefault("sync.send_buffer", 64)

	v.SetDefault("chat.prefix", "/socket.io/")
	v.SetDefault("chat.archive", false)
	v.SetDefault("chat.archive_queue", 256)
	v.SetDefault("chat.queue_size", 1024)

	v.SetDefault("signaling.prefix", "/peerjs")
	v.SetDefault("signaling.key", "peerjs")
	v.SetDefault("signaling.allow_discovery", false)
	v.SetDefault("signaling.alive_timeout", "60s")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.channel", "collabhub:rooms")

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "collabhub")
	v.SetDefault("auth.jwt.access_token_ttl", "1h")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("maintenance.flush_schedule", "@every 30s")
	v.SetDefault("maintenance.peer_expiry_schedule", "@every 1m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
