package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPingAttempts   = 8
	defaultPingTimeout    = 2 * time.Second
	defaultPingCeiling    = 800 * time.Millisecond
	defaultStreamDuration = 10 * time.Second
	defaultUploadChunk    = 64 * 1024

	defaultGeoTimeout = 3 * time.Second

	defaultHistoryPath  = "getmyspeed.db"
	defaultHistoryLimit = 20

	defaultControlAddr = "127.0.0.1"
	defaultControlPort = 8090

	ProbeKindHead = "head"
	ProbeKindGet  = "get"
	ProbeKindICMP = "icmp"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Ping     PingConfig    `yaml:"ping"`
	Download StreamConfig  `yaml:"download"`
	Upload   UploadConfig  `yaml:"upload"`
	Geo      GeoConfig     `yaml:"geo"`
	History  HistoryConfig `yaml:"history"`
	Control  ControlConfig `yaml:"control"`
}

type PingConfig struct {
	Attempts  int              `yaml:"attempts"`
	Timeout   Duration         `yaml:"timeout"`
	Ceiling   Duration         `yaml:"ceiling"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

type EndpointConfig struct {
	URL    string  `yaml:"url"`
	Kind   string  `yaml:"kind"`
	Weight float64 `yaml:"weight"`
}

type StreamConfig struct {
	URL      string   `yaml:"url"`
	Duration Duration `yaml:"duration"`
}

type UploadConfig struct {
	URL       string   `yaml:"url"`
	Duration  Duration `yaml:"duration"`
	ChunkSize int      `yaml:"chunk_size"`
}

type GeoConfig struct {
	Services []string `yaml:"services"`
	Database string   `yaml:"database"`
	Timeout  Duration `yaml:"timeout"`
}

type HistoryConfig struct {
	Path  string `yaml:"path"`
	Limit int    `yaml:"limit"`
}

type ControlConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

// Default returns a configuration usable without any config file.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML config file. Missing fields are filled
// from defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Ping.Attempts <= 0 {
		c.Ping.Attempts = defaultPingAttempts
	}
	if c.Ping.Timeout <= 0 {
		c.Ping.Timeout = Duration(defaultPingTimeout)
	}
	if c.Ping.Ceiling <= 0 {
		c.Ping.Ceiling = Duration(defaultPingCeiling)
	}
	if len(c.Ping.Endpoints) == 0 {
		c.Ping.Endpoints = []EndpointConfig{
			{URL: "https://www.gstatic.com/generate_204", Kind: ProbeKindHead, Weight: 1.0},
			{URL: "https://www.cloudflare.com/cdn-cgi/trace", Kind: ProbeKindGet, Weight: 1.0},
			{URL: "https://www.google.com/generate_204", Kind: ProbeKindHead, Weight: 0.9},
		}
	}
	for i := range c.Ping.Endpoints {
		if c.Ping.Endpoints[i].Kind == "" {
			c.Ping.Endpoints[i].Kind = ProbeKindHead
		}
		if c.Ping.Endpoints[i].Weight <= 0 {
			c.Ping.Endpoints[i].Weight = 1.0
		}
	}
	if c.Download.URL == "" {
		c.Download.URL = "https://speed.cloudflare.com/__down?bytes=104857600"
	}
	if c.Download.Duration <= 0 {
		c.Download.Duration = Duration(defaultStreamDuration)
	}
	if c.Upload.URL == "" {
		c.Upload.URL = "https://speed.cloudflare.com/__up"
	}
	if c.Upload.Duration <= 0 {
		c.Upload.Duration = Duration(defaultStreamDuration)
	}
	if c.Upload.ChunkSize <= 0 {
		c.Upload.ChunkSize = defaultUploadChunk
	}
	if len(c.Geo.Services) == 0 {
		c.Geo.Services = []string{
			"https://ipapi.co/json/",
			"http://ip-api.com/json/",
			"https://ipinfo.io/json",
		}
	}
	if c.Geo.Timeout <= 0 {
		c.Geo.Timeout = Duration(defaultGeoTimeout)
	}
	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath
	}
	if c.History.Limit <= 0 {
		c.History.Limit = defaultHistoryLimit
	}
	if c.Control.Addr == "" {
		c.Control.Addr = defaultControlAddr
	}
	if c.Control.Port == 0 {
		c.Control.Port = defaultControlPort
	}
}

func (c *Config) Validate() error {
	if c.Ping.Attempts <= 0 {
		return fmt.Errorf("ping.attempts must be > 0")
	}
	if len(c.Ping.Endpoints) == 0 {
		return fmt.Errorf("ping.endpoints must not be empty")
	}
	for _, ep := range c.Ping.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("ping endpoint url must not be empty")
		}
		switch ep.Kind {
		case ProbeKindHead, ProbeKindGet, ProbeKindICMP:
		default:
			return fmt.Errorf("unknown probe kind %q", ep.Kind)
		}
	}
	if strings.TrimSpace(c.Download.URL) == "" {
		return fmt.Errorf("download.url must not be empty")
	}
	if strings.TrimSpace(c.Upload.URL) == "" {
		return fmt.Errorf("upload.url must not be empty")
	}
	if c.Control.Port < 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port out of range: %d", c.Control.Port)
	}
	return nil
}

// ControlEnabled reports whether the control server should run.
func (c *Config) ControlEnabled() bool {
	if c.Control.Enabled == nil {
		return true
	}
	return *c.Control.Enabled
}
