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

	Negotiation Negotiation `mapstructure:"negotiation"`
	Supervisor  Supervisor  `mapstructure:"supervisor"`
	RateLimit   RateLimit   `mapstructure:"ratelimit"`
}

type Negotiation struct {
	GraceTimeout    time.Duration `mapstructure:"grace_timeout"`
	GapTimeout      time.Duration `mapstructure:"gap_timeout"`
	GlareWindow     time.Duration `mapstructure:"glare_window"`
	SendMaxAttempts int           `mapstructure:"send_max_attempts"`
	SendBackoffBase time.Duration `mapstructure:"send_backoff_base"`
	OutboxLimit     int           `mapstructure:"outbox_limit"`
	InboxSize       int           `mapstructure:"inbox_size"`
}

type Supervisor struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	JoinTimeout   time.Duration `mapstructure:"join_timeout"`
}

type RateLimit struct {
	CreateLimit    int           `mapstructure:"create_limit"`
	CreateInterval time.Duration `mapstructure:"create_interval"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). A missing file
// is not an error; defaults and RENDEZVOUS_* variables still apply.
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
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("RENDEZVOUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("negotiation.grace_timeout", "30s")
	v.SetDefault("negotiation.gap_timeout", "10s")
	v.SetDefault("negotiation.glare_window", "250ms")
	v.SetDefault("negotiation.send_max_attempts", 5)
	v.SetDefault("negotiation.send_backoff_base", "100ms")
	v.SetDefault("negotiation.outbox_limit", 64)
	v.SetDefault("negotiation.inbox_size", 128)

	v.SetDefault("supervisor.idle_ttl", "10m")
	v.SetDefault("supervisor.sweep_interval", "5s")
	v.SetDefault("supervisor.join_timeout", "2m")

	v.SetDefault("ratelimit.create_limit", 10)
	v.SetDefault("ratelimit.create_interval", "1m")
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: port %d out of range", c.Port)
	case c.Negotiation.GraceTimeout <= 0:
		return errors.New("config: negotiation.grace_timeout must be positive")
	case c.Negotiation.GlareWindow <= 0:
		return errors.New("config: negotiation.glare_window must be positive")
	case c.Negotiation.SendMaxAttempts < 1:
		return errors.New("config: negotiation.send_max_attempts must be at least 1")
	case c.Supervisor.SweepInterval <= 0:
		return errors.New("config: supervisor.sweep_interval must be positive")
	}
	return nil
}
