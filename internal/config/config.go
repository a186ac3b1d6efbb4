package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	AdminKey   string        `mapstructure:"admin_key"`

	Rooms RoomsConfig `mapstructure:"rooms"`
	Media MediaConfig `mapstructure:"media"`
	Calls CallsConfig `mapstructure:"calls"`
}

type RoomsConfig struct {
	MaxGroupSize     int           `mapstructure:"max_group_size"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

type CodecConfig struct {
	MimeType  string `mapstructure:"mime_type"`
	ClockRate uint32 `mapstructure:"clock_rate"`
	Channels  uint16 `mapstructure:"channels"`
}

type MediaConfig struct {
	ICEServers          []string      `mapstructure:"ice_servers"`
	Codecs              []CodecConfig `mapstructure:"codecs"`
	SubscriptionTimeout time.Duration `mapstructure:"subscription_timeout"`
}

type CallsConfig struct {
	StaleCacheSize int `mapstructure:"stale_cache_size"`
}

// DefaultCodecs is the room capability set used when none is configured.
func DefaultCodecs() []CodecConfig {
	return []CodecConfig{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{MimeType: "video/VP8", ClockRate: 90000},
		{MimeType: "video/H264", ClockRate: 90000},
	}
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
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

	v.SetEnvPrefix("confer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("rooms.max_group_size", 16)
	v.SetDefault("rooms.join_rate_limit", 5)
	v.SetDefault("rooms.join_rate_interval", "10s")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.subscription_timeout", "10s")
	v.SetDefault("calls.stale_cache_size", 1024)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Media.Codecs) == 0 {
		cfg.Media.Codecs = DefaultCodecs()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Int("max_group_size", cfg.Rooms.MaxGroupSize).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Rooms.MaxGroupSize < 2 {
		return errors.New("rooms.max_group_size must be at least 2")
	}
	if c.Media.SubscriptionTimeout <= 0 {
		return errors.New("media.subscription_timeout must be positive")
	}
	for _, codec := range c.Media.Codecs {
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("invalid codec %+v", codec)
		}
	}
	return nil
}
