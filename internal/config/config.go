package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-sync-relay/internal/idgen"
	pkgconfig "github.com/weiawesome/wes-sync-relay/pkg/config"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	WebSocket WebSocketConfig
	Heartbeat HeartbeatConfig
	Relay     RelayConfig
	CORS      CORSConfig
	OAuth     OAuthConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type WebSocketConfig struct {
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

type HeartbeatConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
}

type RelayConfig struct {
	ImplicitJoin bool   `mapstructure:"implicit_join"`
	IDStrategy   string `mapstructure:"id_strategy"`
	EventBuffer  int    `mapstructure:"event_buffer"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type OAuthConfig struct {
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURI  string        `mapstructure:"redirect_uri"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables the room directory when Address is set.
type RedisConfig struct {
	Address           string
	Password          string
	DB                int
	KeyPrefix         string        `mapstructure:"key_prefix"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
}

// KafkaConfig enables the room event stream when Brokers is set.
type KafkaConfig struct {
	Brokers    string
	Topic      string
	Partitions int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads ./config/config.yaml (optional), .env and the environment.
func Load() (*Config, error) {
	cfg, _, err := load("./config", "config")
	return cfg, err
}

// LoadAndWatch loads the config and re-applies the log level whenever the
// config file changes. Other settings require a restart.
func LoadAndWatch() (*Config, error) {
	cfg, v, err := load("./config", "config")
	if err != nil {
		return nil, err
	}

	pkgconfig.Watch(v, func(e fsnotify.Event) {
		l := log.L()
		level := v.GetString("log.level")
		lvl := log.SetLevel(level)
		l.Info().Str("file", e.Name).Str("level", lvl.String()).Msg("config changed, log level reloaded")
	})
	return cfg, nil
}

func load(path, name string) (*Config, *viper.Viper, error) {
	v, err := pkgconfig.Load(path, name)
	if err != nil {
		return nil, nil, err
	}
	setDefaults(v)
	bindEnv(v)

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("heartbeat.probe_interval", "25s")
	v.SetDefault("heartbeat.ack_timeout", "10s")
	v.SetDefault("relay.implicit_join", true)
	v.SetDefault("relay.id_strategy", idgen.StrategyUUID)
	v.SetDefault("relay.event_buffer", 1024)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("oauth.token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_uri", "")
	v.SetDefault("oauth.timeout", "10s")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "relay:rooms")
	v.SetDefault("redis.heartbeat_interval", "10s")
	v.SetDefault("redis.key_ttl", "30s")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "relay-room-events")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("grpc.enabled", "GRPC_ENABLED")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("heartbeat.probe_interval", "HEARTBEAT_INTERVAL")
	v.BindEnv("heartbeat.ack_timeout", "HEARTBEAT_ACK_TIMEOUT")
	v.BindEnv("relay.implicit_join", "IMPLICIT_JOIN")
	v.BindEnv("relay.id_strategy", "ID_STRATEGY")
	v.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
	v.BindEnv("oauth.token_url", "OAUTH_TOKEN_URL")
	v.BindEnv("oauth.client_id", "SPOTIFY_CLIENT_ID")
	v.BindEnv("oauth.client_secret", "SPOTIFY_CLIENT_SECRET")
	v.BindEnv("oauth.redirect_uri", "REDIRECT_URI")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.pretty", "LOG_PRETTY")
}

func decode(v *viper.Viper) (*Config, error) {
	// Durations are checked first so a bad value is reported by key.
	durations := []struct {
		key        string
		defaultVal time.Duration
		dst        func(*Config) *time.Duration
	}{
		{"server.shutdown_timeout", 10 * time.Second, func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout }},
		{"websocket.write_wait", 10 * time.Second, func(c *Config) *time.Duration { return &c.WebSocket.WriteWait }},
		{"heartbeat.probe_interval", 25 * time.Second, func(c *Config) *time.Duration { return &c.Heartbeat.ProbeInterval }},
		{"heartbeat.ack_timeout", 10 * time.Second, func(c *Config) *time.Duration { return &c.Heartbeat.AckTimeout }},
		{"oauth.timeout", 10 * time.Second, func(c *Config) *time.Duration { return &c.OAuth.Timeout }},
		{"redis.heartbeat_interval", 10 * time.Second, func(c *Config) *time.Duration { return &c.Redis.HeartbeatInterval }},
		{"redis.key_ttl", 30 * time.Second, func(c *Config) *time.Duration { return &c.Redis.KeyTTL }},
	}
	parsed := make([]time.Duration, len(durations))
	var errs []error
	for i, d := range durations {
		val, err := parseDuration(v, d.key, d.defaultVal)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parsed[i] = val
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	for i, d := range durations {
		*d.dst(&cfg) = parsed[i]
	}

	// Comma-separated env values arrive as a single element.
	if len(cfg.CORS.AllowedOrigins) == 1 && strings.Contains(cfg.CORS.AllowedOrigins[0], ",") {
		cfg.CORS.AllowedOrigins = splitList(cfg.CORS.AllowedOrigins[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		errs = append(errs, fmt.Errorf("grpc.port out of range: %d", c.GRPC.Port))
	}
	if c.Heartbeat.ProbeInterval <= 0 {
		errs = append(errs, errors.New("heartbeat.probe_interval must be positive"))
	}
	if c.Heartbeat.AckTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat.ack_timeout must be positive"))
	}
	if c.WebSocket.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket.write_wait must be positive"))
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("websocket.max_message_size must be positive"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer must be positive"))
	}
	if _, err := idgen.New(c.Relay.IDStrategy); err != nil {
		errs = append(errs, err)
	}
	if c.Redis.Address != "" && c.Redis.KeyTTL <= c.Redis.HeartbeatInterval {
		errs = append(errs, errors.New("redis.key_ttl must exceed redis.heartbeat_interval"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr returns host:port for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Addr returns host:port for the gRPC server.
func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// parseDuration returns defaultVal for an unset key and an error naming the
// key for a value time.ParseDuration rejects.
func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) (time.Duration, error) {
	str := strings.TrimSpace(v.GetString(key))
	if str == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, str)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
