package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	ICEServers []string      `mapstructure:"ice_servers"`

	Session   SessionConfig   `mapstructure:"session"`
	Calls     CallsConfig     `mapstructure:"calls"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Mixer     MixerConfig     `mapstructure:"mixer"`
	Events    EventsConfig    `mapstructure:"events"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

type SessionConfig struct {
	// GraceWindow is how long a broadcaster may be gone before the session ends.
	GraceWindow time.Duration `mapstructure:"grace_window"`
}

type CallsConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RateLimit     int           `mapstructure:"rate_limit"`
	RateWindow    time.Duration `mapstructure:"rate_window"`
}

type ReconnectConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxJitter          time.Duration `mapstructure:"max_jitter"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
}

type QualityConfig struct {
	SamplePeriod time.Duration `mapstructure:"sample_period"`
	Workers      int           `mapstructure:"workers"`
}

type MixerConfig struct {
	Ramp         time.Duration `mapstructure:"ramp"`
	MaxForwarded int           `mapstructure:"max_forwarded"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("session.grace_window", "30s")

	v.SetDefault("calls.timeout", "3m")
	v.SetDefault("calls.sweep_interval", "5s")
	v.SetDefault("calls.rate_limit", 5)
	v.SetDefault("calls.rate_window", "1m")

	v.SetDefault("reconnect.max_attempts", 3)
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_jitter", "250ms")
	v.SetDefault("reconnect.negotiation_timeout", "10s")

	v.SetDefault("quality.sample_period", "3s")
	v.SetDefault("quality.workers", 8)

	v.SetDefault("mixer.ramp", "30ms")
	v.SetDefault("mixer.max_forwarded", 8)

	v.SetDefault("events.buffer", 256)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "onair:events")
}

// Default returns the configuration with every default applied and no file read.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func Load() (*Config, error) {
	// .env is optional; real environment wins over it.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("ONAIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Calls.Timeout <= 0 {
		return fmt.Errorf("calls.timeout must be positive, got %s", c.Calls.Timeout)
	}
	if c.Quality.SamplePeriod <= 0 {
		return fmt.Errorf("quality.sample_period must be positive, got %s", c.Quality.SamplePeriod)
	}
	return nil
}
