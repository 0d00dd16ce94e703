package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportPolling   = "polling"
	TransportWebsocket = "websocket"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Agent        AgentConfig        `yaml:"agent"`
	Blocking     BlockingConfig     `yaml:"blocking"`
	FileTransfer FileTransferConfig `yaml:"filetransfer"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	URL            string        `yaml:"url"`
	SocketPath     string        `yaml:"socket_path"`
	Transport      string        `yaml:"transport"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AgentConfig holds the intervals the server may push in auth_success.
// ScreenshotInterval, ActivityLogInterval and KeystrokeBufferSize are kept
// for server compatibility; nothing in this agent consumes them.
type AgentConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ProcessListInterval time.Duration `yaml:"process_list_interval"`
	ScreenshotInterval  time.Duration `yaml:"screenshot_interval"`
	ActivityLogInterval time.Duration `yaml:"activity_log_interval"`
	KeystrokeBufferSize int           `yaml:"keystroke_buffer_size"`
}

type BlockingConfig struct {
	EnforceInterval time.Duration `yaml:"enforce_interval"`
	HostsPath       string        `yaml:"hosts_path"`
}

type FileTransferConfig struct {
	MaxFileSize int64         `yaml:"max_file_size"`
	ChunkSize   int           `yaml:"chunk_size"`
	ChunkDelay  time.Duration `yaml:"chunk_delay"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ServerPatch is the partial config the server sends with auth_success.
// Intervals arrive in milliseconds; nil fields leave the current value alone.
type ServerPatch struct {
	ScreenshotInterval  *uint64 `json:"screenshotInterval,omitempty"`
	ActivityLogInterval *uint64 `json:"activityLogInterval,omitempty"`
	KeystrokeBufferSize *int    `json:"keystrokeBufferSize,omitempty"`
	HeartbeatInterval   *uint64 `json:"heartbeatInterval,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SocketPath:     "/socket.io",
			Transport:      TransportPolling,
			RequestTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval:   30 * time.Second,
			ProcessListInterval: 60 * time.Second,
			ScreenshotInterval:  60 * time.Second,
			ActivityLogInterval: 60 * time.Second,
			KeystrokeBufferSize: 100,
		},
		Blocking: BlockingConfig{
			EnforceInterval: 2 * time.Second,
		},
		FileTransfer: FileTransferConfig{
			MaxFileSize: 50 << 20,
			ChunkSize:   1 << 20,
			ChunkDelay:  100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NETWATCH_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("NETWATCH_TRANSPORT"); v != "" {
		c.Server.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("NETWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks values that would otherwise break the transport. An empty
// server URL is not an error here; the transport reports it on connect.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportPolling, TransportWebsocket:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Server.Transport)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if c.Blocking.EnforceInterval <= 0 {
		return fmt.Errorf("config: enforce_interval must be positive")
	}
	return nil
}

// apply merges the non-nil fields of p into c.
func (c *Config) apply(p ServerPatch) {
	if p.ScreenshotInterval != nil {
		c.Agent.ScreenshotInterval = time.Duration(*p.ScreenshotInterval) * time.Millisecond
	}
	if p.ActivityLogInterval != nil {
		c.Agent.ActivityLogInterval = time.Duration(*p.ActivityLogInterval) * time.Millisecond
	}
	if p.KeystrokeBufferSize != nil {
		c.Agent.KeystrokeBufferSize = *p.KeystrokeBufferSize
	}
	if p.HeartbeatInterval != nil && *p.HeartbeatInterval > 0 {
		c.Agent.HeartbeatInterval = time.Duration(*p.HeartbeatInterval) * time.Millisecond
	}
}
