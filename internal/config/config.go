package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

var (
	// ErrSharedWSWithoutHTTP is returned for "ws": true without an http listener.
	ErrSharedWSWithoutHTTP = errors.New(`"ws": true requires an "http" listener to share`)
	// ErrNoListener is returned when neither http nor ws is configured.
	ErrNoListener = errors.New(`at least one of "http" or "ws" must be configured`)
)

// Listen is a host/port pair to bind. An empty host binds all interfaces.
type Listen struct {
	Port uint16 `json:"port"`
	Host string `json:"host,omitempty"`
}

// Addr returns host:port for net.Listen.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(int(l.Port)))
}

// WSMode selects how the WebSocket transport is served.
type WSMode int

const (
	// WSDisabled serves no WebSocket transport.
	WSDisabled WSMode = iota
	// WSShared upgrades connections on the HTTP listener.
	WSShared
	// WSStandalone binds a listener of its own.
	WSStandalone
)

func (m WSMode) String() string {
	switch m {
	case WSShared:
		return "shared"
	case WSStandalone:
		return "standalone"
	default:
		return "disabled"
	}
}

// WSConfig is decoded from `true`, `false` or `{"port": ..., "host": ...}`.
type WSConfig struct {
	Mode   WSMode
	Listen Listen
}

func (w *WSConfig) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false":
		*w = WSConfig{Mode: WSDisabled}
		return nil
	case "true":
		*w = WSConfig{Mode: WSShared}
		return nil
	}

	var l Listen
	if err := json.Unmarshal(data, &l); err != nil {
		return fmt.Errorf("ws: expected boolean or {port, host}: %w", err)
	}
	*w = WSConfig{Mode: WSStandalone, Listen: l}
	return nil
}

func (w WSConfig) MarshalJSON() ([]byte, error) {
	switch w.Mode {
	case WSShared:
		return []byte("true"), nil
	case WSStandalone:
		return json.Marshal(w.Listen)
	default:
		return []byte("false"), nil
	}
}

// Duration accepts "1m30s" style strings or a number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration: expected string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	HTTP *Listen  `json:"http,omitempty"`
	WS   WSConfig `json:"ws"`
	// Setuid names the user to switch to once listeners are bound.
	Setuid string `json:"setuid,omitempty"`
	// Metrics enables the admin listener with /metrics, /status and /healthz.
	Metrics  *Listen `json:"metrics,omitempty"`
	LogLevel string  `json:"logLevel,omitempty"`
	// CreateRate limits tunnel creations per second per client IP. 0 disables.
	CreateRate  float64  `json:"createRate,omitempty"`
	DialTimeout Duration `json:"dialTimeout,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		DialTimeout: Duration(30 * time.Second),
	}
}

// Decode decodes a JSON configuration over the defaults without
// validating it, so overrides can still be applied.
func Decode(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// DecodeFile reads and decodes a JSON configuration file without
// validating it.
func DecodeFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(data)
}

// Parse decodes a JSON configuration over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadFromEnv applies BIFROST_* environment overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("BIFROST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIFROST_SETUID"); v != "" {
		cfg.Setuid = v
	}
	if v := os.Getenv("BIFROST_HTTP_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("BIFROST_HTTP_PORT: %w", err)
		}
		if cfg.HTTP == nil {
			cfg.HTTP = &Listen{}
		}
		cfg.HTTP.Port = uint16(port)
	}
	if v := os.Getenv("BIFROST_CREATE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BIFROST_CREATE_RATE: %w", err)
		}
		cfg.CreateRate = rate
	}
	return nil
}

// Validate reports configuration mistakes.
func (c *Config) Validate() error {
	if c.WS.Mode == WSShared && c.HTTP == nil {
		return ErrSharedWSWithoutHTTP
	}
	if c.HTTP == nil && c.WS.Mode == WSDisabled {
		return ErrNoListener
	}
	if c.CreateRate < 0 {
		return fmt.Errorf("createRate must not be negative: %v", c.CreateRate)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("dialTimeout must not be negative: %v", time.Duration(c.DialTimeout))
	}
	return nil
}
