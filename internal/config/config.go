package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/agentvoice/internal/ratelimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ClassLimit tunes one rate limit class. Zero values keep the built-in ones.
type ClassLimit struct {
	Window time.Duration `mapstructure:"window"`
	Limit  int64         `mapstructure:"limit"`
}

type RateLimits struct {
	ConnectionAuth ClassLimit `mapstructure:"connection_auth"`
	RoomCreation   ClassLimit `mapstructure:"room_creation"`
	RoomJoin       ClassLimit `mapstructure:"room_join"`
	Streaming      ClassLimit `mapstructure:"streaming"`
	Health         ClassLimit `mapstructure:"health"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	// RegistrationSecret gates POST /api/agents/register; empty disables it.
	RegistrationSecret string        `mapstructure:"registration_secret"`
	AuthTimeout        time.Duration `mapstructure:"auth_timeout"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	// Backpressure is "disconnect" or "drop".
	Backpressure string `mapstructure:"backpressure"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	RoomDefaultCapacity int           `mapstructure:"room_default_capacity"`
	RoomIdleGrace       time.Duration `mapstructure:"room_idle_grace"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`

	RateLimits RateLimits `mapstructure:"rate_limits"`

	ICEServers        []string      `mapstructure:"ice_servers"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
}

var rateLimitKeys = map[string]ratelimit.Config{
	"connection_auth": ratelimit.ConnectionAuth,
	"room_creation":   ratelimit.RoomCreation,
	"room_join":       ratelimit.RoomJoin,
	"streaming":       ratelimit.Streaming,
	"health":          ratelimit.Health,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("registration_secret", "")
	v.SetDefault("auth_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("backpressure", "disconnect")

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("room_default_capacity", 10)
	v.SetDefault("room_idle_grace", "5m")
	v.SetDefault("sweep_interval", "30s")

	for key, c := range rateLimitKeys {
		v.SetDefault("rate_limits."+key+".window", c.Window)
		v.SetDefault("rate_limits."+key+".limit", c.Limit)
	}

	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_backoff", "500ms")
}

// Load reads config/config.<CONFIG_ENV>.yaml and applies VOICE_* environment
// overrides, e.g. VOICE_REDIS_ADDR or VOICE_RATE_LIMITS_ROOM_JOIN_LIMIT.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod <= 0 {
		return nil, fmt.Errorf("ping_period must be positive, got %s", cfg.PingPeriod)
	}
	if err := cfg.RateLimits.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Bool("redis", cfg.RedisAddr != "").Msg("config ready")
	return &cfg, nil
}

func (r RateLimits) byName() map[string]ClassLimit {
	return map[string]ClassLimit{
		ratelimit.ConnectionAuth.Name: r.ConnectionAuth,
		ratelimit.RoomCreation.Name:   r.RoomCreation,
		ratelimit.RoomJoin.Name:       r.RoomJoin,
		ratelimit.Streaming.Name:      r.Streaming,
		ratelimit.Health.Name:         r.Health,
	}
}

func (r RateLimits) validate() error {
	for name, c := range r.byName() {
		if c.Window < time.Millisecond {
			return fmt.Errorf("rate limit %s: window must be at least 1ms, got %s", name, c.Window)
		}
		if c.Limit <= 0 {
			return fmt.Errorf("rate limit %s: limit must be positive, got %d", name, c.Limit)
		}
	}
	return nil
}

// Limit returns base with its window and ceiling replaced by the configured
// values.
func (r RateLimits) Limit(base ratelimit.Config) ratelimit.Config {
	c, ok := r.byName()[base.Name]
	if !ok {
		return base
	}
	if c.Window > 0 {
		base.Window = c.Window
	}
	if c.Limit > 0 {
		base.Limit = c.Limit
	}
	return base
}
