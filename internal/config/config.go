package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string      `mapstructure:"mode"`
	Port           int         `mapstructure:"port"`
	LogLevel       string      `mapstructure:"log_level"`
	StaticPath     string      `mapstructure:"static_path"`
	Secret         string      `mapstructure:"secret"`
	AllowedOrigins []string    `mapstructure:"allowed_origins"`
	Signal         Signal      `mapstructure:"signal"`
	Room           Room        `mapstructure:"room"`
	Auth           Auth        `mapstructure:"auth"`
	Redis          Redis       `mapstructure:"redis"`
	Client         Client      `mapstructure:"client"`
	ICEServers     []ICEServer `mapstructure:"ice_servers"`
}

// Signal tunes the WebSocket signaling channel.
type Signal struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type Room struct {
	MaxParticipants   int           `mapstructure:"max_participants"`
	InitiatorFailover bool          `mapstructure:"initiator_failover"`
	DisconnectGrace   time.Duration `mapstructure:"disconnect_grace"`
	ChatRate          float64       `mapstructure:"chat_rate"`
	ChatBurst         int           `mapstructure:"chat_burst"`
}

// Auth enables JWT identity verification when JWTSecret is set.
type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Redis struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Client configures the headless participant.
type Client struct {
	ServerURL          string        `mapstructure:"server_url"`
	Room               string        `mapstructure:"room"`
	Identity           string        `mapstructure:"identity"`
	Token              string        `mapstructure:"token"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	SpeakerThreshold   float64       `mapstructure:"speaker_threshold"`
	SpeakerInterval    time.Duration `mapstructure:"speaker_interval"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

var ErrInvalid = errors.New("invalid config")

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) over the defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v := viper.New()
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	return LoadFrom(v)
}

// LoadFrom applies defaults and MESH_* environment overrides to v and decodes it.
// Flags bound to v by the caller take precedence.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config file not found, using defaults")
		} else {
			log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Bool("auth", cfg.Auth.JWTSecret != "").
		Bool("redis", cfg.Redis.Enabled).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("signal.read_limit", 65536)
	v.SetDefault("signal.ping_period", "20s")
	v.SetDefault("signal.pong_wait", "45s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.send_buffer", 64)

	v.SetDefault("room.max_participants", 8)
	v.SetDefault("room.initiator_failover", false)
	v.SetDefault("room.disconnect_grace", "5s")
	v.SetDefault("room.chat_rate", 5.0)
	v.SetDefault("room.chat_burst", 10)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.room", "main")
	v.SetDefault("client.identity", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.negotiation_timeout", "15s")
	v.SetDefault("client.max_retries", 1)
	v.SetDefault("client.speaker_threshold", 0.1)
	v.SetDefault("client.speaker_interval", "100ms")

	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if c.Signal.PongWait <= 0 {
		return fmt.Errorf("%w: signal.pong_wait must be positive", ErrInvalid)
	}
	if c.Signal.PingPeriod <= 0 || c.Signal.PingPeriod >= c.Signal.PongWait {
		c.Signal.PingPeriod = c.Signal.PongWait / 2
	}
	if c.Signal.SendBuffer < 1 {
		c.Signal.SendBuffer = 1
	}
	if c.Client.SpeakerThreshold < 0 || c.Client.SpeakerThreshold >= 1 {
		return fmt.Errorf("%w: client.speaker_threshold %v outside [0,1)", ErrInvalid, c.Client.SpeakerThreshold)
	}
	if c.Client.MaxRetries < 0 {
		c.Client.MaxRetries = 0
	}
	return nil
}

// Level maps log_level to a zerolog level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
