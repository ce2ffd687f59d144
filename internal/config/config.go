package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	SlowStrikes  int           `mapstructure:"slow_strikes"`

	Redis Redis `mapstructure:"redis"`
	Mesh  Mesh  `mapstructure:"mesh"`
}

// Redis enables cross-node fan-out when Addr is set.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Mesh holds the client-side timings of the classroom core. The defaults are
// reasonable values, not a compatibility requirement.
type Mesh struct {
	HubURL             string        `mapstructure:"hub_url"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	NegotiationRetries int           `mapstructure:"negotiation_retries"`
	LivenessWindow     time.Duration `mapstructure:"liveness_window"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap"`
	ConnectRetries     int           `mapstructure:"connect_retries"`
	MediaTimeout       time.Duration `mapstructure:"media_timeout"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	DedupWindow        int           `mapstructure:"dedup_window"`
	ChatHistory        int           `mapstructure:"chat_history"`
	RecordingDir       string        `mapstructure:"recording_dir"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit", 200)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("slow_strikes", 1)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mesh.hub_url", "ws://localhost:8080")
	v.SetDefault("mesh.negotiation_timeout", "15s")
	v.SetDefault("mesh.negotiation_retries", 1)
	v.SetDefault("mesh.liveness_window", "30s")
	v.SetDefault("mesh.heartbeat_interval", "10s")
	v.SetDefault("mesh.backoff_base", "500ms")
	v.SetDefault("mesh.backoff_cap", "8s")
	v.SetDefault("mesh.connect_retries", 5)
	v.SetDefault("mesh.media_timeout", "10s")
	v.SetDefault("mesh.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("mesh.dedup_window", 1024)
	v.SetDefault("mesh.chat_history", 200)
	v.SetDefault("mesh.recording_dir", "")
}

func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith reads config/config.<CONFIG_ENV>.yaml into v, so callers can bind
// flags to the same instance first.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CLASSMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

// Level maps log_level to a zerolog level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
