package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		JoinTimeout  time.Duration `yaml:"join_timeout"`
	} `yaml:"signal"`

	Capture struct {
		Binary       string        `yaml:"binary"`
		OutputRoot   string        `yaml:"output_root"`
		SegmentTime  time.Duration `yaml:"segment_time"`
		PlaylistSize int           `yaml:"playlist_size"`
		StartTimeout time.Duration `yaml:"start_timeout"`
		StopGrace    time.Duration `yaml:"stop_grace"`
		Framerate    int           `yaml:"framerate"`
	} `yaml:"capture"`

	Tunnel struct {
		Enabled     bool          `yaml:"enabled"`
		Binary      string        `yaml:"binary"`
		APIAddress  string        `yaml:"api_address"`
		BindTimeout time.Duration `yaml:"bind_timeout"`
	} `yaml:"tunnel"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.JoinTimeout <= 0 {
		return fmt.Errorf("signal.join_timeout must be > 0")
	}

	if c.Capture.Binary == "" {
		return fmt.Errorf("capture.binary must not be empty")
	}
	if c.Capture.SegmentTime <= 0 {
		return fmt.Errorf("capture.segment_time must be > 0")
	}
	if c.Capture.PlaylistSize <= 0 {
		return fmt.Errorf("capture.playlist_size must be > 0")
	}
	if c.Capture.StartTimeout <= 0 {
		return fmt.Errorf("capture.start_timeout must be > 0")
	}

	if c.Tunnel.Enabled {
		if c.Tunnel.Binary == "" {
			return fmt.Errorf("tunnel.binary must not be empty when tunnel.enabled=true")
		}
		if c.Tunnel.APIAddress == "" {
			return fmt.Errorf("tunnel.api_address must not be empty when tunnel.enabled=true")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8553"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.JoinTimeout = 10 * time.Second

	cfg.Capture.Binary = "ffmpeg"
	cfg.Capture.OutputRoot = "" // empty means a fresh os.MkdirTemp per start
	cfg.Capture.SegmentTime = 2 * time.Second
	cfg.Capture.PlaylistSize = 5
	cfg.Capture.StartTimeout = 15 * time.Second
	cfg.Capture.StopGrace = 3 * time.Second
	cfg.Capture.Framerate = 30

	cfg.Tunnel.Enabled = false
	cfg.Tunnel.Binary = "ngrok"
	cfg.Tunnel.APIAddress = "http://127.0.0.1:4040"
	cfg.Tunnel.BindTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CASTRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CASTRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if bin := os.Getenv("CASTRELAY_CAPTURE_BINARY"); bin != "" {
		c.Capture.Binary = bin
	}
	if bin := os.Getenv("CASTRELAY_TUNNEL_BINARY"); bin != "" {
		c.Tunnel.Binary = bin
	}
}
