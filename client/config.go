package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("client: invalid config")

// Config is the JSON document a gateway is constructed from.
type Config struct {
	// Addr is the chat server endpoint. Addrs lists additional endpoints; the
	// balancer chooses among all of them on every (re)connect.
	Addr  string   `json:"addr"`
	Addrs []string `json:"addrs,omitempty"`

	// EtcdEndpoints switches discovery to etcd; ServiceName is the key under
	// which servers register. ServiceName is also sent in the handshake.
	EtcdEndpoints []string `json:"etcd_endpoints,omitempty"`
	ServiceName   string   `json:"service_name,omitempty"`
	VerifyKey     string   `json:"verify_key,omitempty"`

	TimeoutMS    int `json:"timeout_ms,omitempty"`
	HeartbeatMS  int `json:"heartbeat_ms,omitempty"`
	ReconnectMS  int `json:"reconnect_ms,omitempty"`
	MaxReconnect int `json:"max_reconnect,omitempty"` // 0 retries forever

	Codec    string `json:"codec,omitempty"` // "json" or "binary"
	Compress bool   `json:"compress,omitempty"`
	Balancer string `json:"balancer,omitempty"`

	MaxTasks int    `json:"max_tasks,omitempty"`
	LogLevel string `json:"log_level,omitempty"`
}

const (
	DefaultServiceName = "chat"
	defaultTimeout     = 5 * time.Second
	defaultHeartbeat   = 30 * time.Second
	defaultReconnect   = time.Second
	defaultMaxTasks    = 64
)

// ParseConfig decodes and validates a JSON configuration.
func ParseConfig(text string) (*Config, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after config object", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields and fills in defaults.
func (c *Config) Validate() error {
	if c.Addr == "" && len(c.Addrs) == 0 && len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("%w: one of addr, addrs or etcd_endpoints is required", ErrInvalidConfig)
	}
	if c.TimeoutMS < 0 || c.HeartbeatMS < 0 || c.ReconnectMS < 0 || c.MaxReconnect < 0 || c.MaxTasks < 0 {
		return fmt.Errorf("%w: durations and limits must not be negative", ErrInvalidConfig)
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.MaxTasks == 0 {
		c.MaxTasks = defaultMaxTasks
	}
	return nil
}

func millis(ms int, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) Timeout() time.Duration   { return millis(c.TimeoutMS, defaultTimeout) }
func (c *Config) Heartbeat() time.Duration { return millis(c.HeartbeatMS, defaultHeartbeat) }
func (c *Config) Reconnect() time.Duration { return millis(c.ReconnectMS, defaultReconnect) }

// Endpoints lists the statically configured server addresses, Addr first.
func (c *Config) Endpoints() []string {
	var out []string
	if c.Addr != "" {
		out = append(out, c.Addr)
	}
	for _, a := range c.Addrs {
		if a != "" && a != c.Addr {
			out = append(out, a)
		}
	}
	return out
}
