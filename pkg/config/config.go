package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	API struct {
		BaseURL        string        `yaml:"base_url"`
		Token          string        `yaml:"token"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		RatePerSecond  float64       `yaml:"rate_per_second"`
		RateBurst      int           `yaml:"rate_burst"`
	} `yaml:"api"`

	Queue struct {
		PollInterval       time.Duration `yaml:"poll_interval"`
		MaxPollFailures    int           `yaml:"max_poll_failures"`
		HeartbeatLowWater  time.Duration `yaml:"heartbeat_low_water"`
		BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"queue"`

	WebRTC struct {
		STUNServers      []string      `yaml:"stun_servers"`
		ICEGatherTimeout time.Duration `yaml:"ice_gather_timeout"`
		WhipURL          string        `yaml:"whip_url,omitempty"`
		WhepURL          string        `yaml:"whep_url,omitempty"`
		PLIInterval      time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Media struct {
		Video     bool    `yaml:"video"`
		Audio     bool    `yaml:"audio"`
		Width     int     `yaml:"width"`
		Height    int     `yaml:"height"`
		FrameRate float32 `yaml:"frame_rate"`
	} `yaml:"media"`

	Playback struct {
		Sink     string `yaml:"sink"`      // "file" or "null"
		VideoOut string `yaml:"video_out"` // IVF path for the file sink
		AudioOut string `yaml:"audio_out"` // OGG path for the file sink
	} `yaml:"playback"`

	Store struct {
		Backend string `yaml:"backend"` // "file", "redis" or "memory"
		Path    string `yaml:"path"`

		Redis struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Control struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"control"`

	Tracing struct {
		Enabled        bool   `yaml:"enabled"`
		JaegerEndpoint string `yaml:"jaeger_endpoint"`
		ServiceName    string `yaml:"service_name"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be > 0")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}
	if c.Queue.MaxPollFailures < 1 {
		return fmt.Errorf("queue.max_poll_failures must be >= 1")
	}
	if c.Queue.HeartbeatLowWater <= 0 {
		return fmt.Errorf("queue.heartbeat_low_water must be > 0")
	}
	if c.WebRTC.ICEGatherTimeout <= 0 {
		return fmt.Errorf("webrtc.ice_gather_timeout must be > 0")
	}
	if len(c.WebRTC.STUNServers) == 0 {
		return fmt.Errorf("webrtc.stun_servers must not be empty")
	}
	if !c.Media.Video && !c.Media.Audio {
		return fmt.Errorf("media: at least one of video or audio must be enabled")
	}
	switch c.Store.Backend {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("store.backend must be one of file, redis, memory")
	}
	if c.Store.Backend == "file" && c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty for the file backend")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Address == "" {
		return fmt.Errorf("store.redis.address must not be empty for the redis backend")
	}
	if c.Control.Enabled && c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty when control is enabled")
	}
	switch c.Playback.Sink {
	case "file", "null":
	default:
		return fmt.Errorf("playback.sink must be one of file, null")
	}
	return nil
}

// Load reads configuration from a yaml file, overlaying defaults and
// environment overrides. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
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

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.BaseURL = "http://localhost:8080/api/v1"
	cfg.API.RequestTimeout = 10 * time.Second
	cfg.API.RatePerSecond = 10
	cfg.API.RateBurst = 20

	cfg.Queue.PollInterval = 3 * time.Second
	cfg.Queue.MaxPollFailures = 3
	cfg.Queue.HeartbeatLowWater = 3 * time.Second
	cfg.Queue.BreakerCooldown = 3 * time.Second

	cfg.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	cfg.WebRTC.ICEGatherTimeout = 2 * time.Second
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Media.Video = true
	cfg.Media.Audio = true
	cfg.Media.Width = 1280
	cfg.Media.Height = 720
	cfg.Media.FrameRate = 30

	cfg.Playback.Sink = "file"
	cfg.Playback.VideoOut = "playback.ivf"
	cfg.Playback.AudioOut = "playback.ogg"

	cfg.Store.Backend = "file"
	cfg.Store.Path = ".charstream.json"
	cfg.Store.Redis.Address = "localhost:6379"

	cfg.Control.Enabled = true
	cfg.Control.Address = ":7070"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.ServiceName = "charstream"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHARSTREAM_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("CHARSTREAM_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("CHARSTREAM_WHIP_URL"); v != "" {
		c.WebRTC.WhipURL = v
	}
	if v := os.Getenv("CHARSTREAM_WHEP_URL"); v != "" {
		c.WebRTC.WhepURL = v
	}
	if v := os.Getenv("CHARSTREAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHARSTREAM_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("CHARSTREAM_REDIS_ADDRESS"); v != "" {
		c.Store.Redis.Address = v
	}
	if v := os.Getenv("CHARSTREAM_CONTROL_ADDRESS"); v != "" {
		c.Control.Address = v
	}
	if v := os.Getenv("CHARSTREAM_QUEUE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.PollInterval = d
		}
	}
	if v := os.Getenv("CHARSTREAM_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}
