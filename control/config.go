// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed configuration with file loading and environment overrides.

package control

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-rpc/api"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvEndpoint = "YSRV_ENDPOINT"
	EnvScript   = "YSRV_SCRIPT"
	EnvCodec    = "YSRV_CODEC"
)

// Defaults.
const (
	DefaultEndpoint        = "ws://127.0.0.1:23456/api/token"
	DefaultScript          = "ysrc.js"
	DefaultCodec           = "json"
	DefaultMaxFramePayload = 1 << 20
)

// Config is the process configuration.
type Config struct {
	Endpoint           string `toml:"endpoint" yaml:"endpoint"`
	Script             string `toml:"script" yaml:"script"`
	Codec              string `toml:"codec" yaml:"codec"`
	CallTimeoutMs      int    `toml:"call_timeout_ms" yaml:"call_timeout_ms"`
	MaxFramePayload    int64  `toml:"max_frame_payload" yaml:"max_frame_payload"`
	ReplyUnknownMethod bool   `toml:"reply_unknown_method" yaml:"reply_unknown_method"`
	Verbosity          int    `toml:"verbosity" yaml:"verbosity"`
	LogFile            string `toml:"log_file" yaml:"log_file"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:        DefaultEndpoint,
		Script:          DefaultScript,
		Codec:           DefaultCodec,
		MaxFramePayload: DefaultMaxFramePayload,
	}
}

// LoadConfig reads path on top of the defaults. The format follows the
// extension: .toml, .yaml or .yml. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, api.ErrNotSupported.WithContext("config", path)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the YSRV_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Endpoint = v
	}
	if v, ok := lookup(EnvScript); ok && v != "" {
		c.Script = v
	}
	if v, ok := lookup(EnvCodec); ok && v != "" {
		c.Codec = v
	}
}

// Validate checks field ranges and formats.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme != "ws" || u.Host == "" {
		return api.ErrInvalidArgument.WithContext("endpoint", c.Endpoint)
	}
	switch strings.ToLower(c.Codec) {
	case "json", "cbor":
	default:
		return api.ErrInvalidArgument.WithContext("codec", c.Codec)
	}
	if c.CallTimeoutMs < 0 {
		return api.ErrInvalidArgument.WithContext("call_timeout_ms", c.CallTimeoutMs)
	}
	if c.MaxFramePayload <= 0 {
		return api.ErrInvalidArgument.WithContext("max_frame_payload", c.MaxFramePayload)
	}
	return nil
}

// CallTimeout converts CallTimeoutMs; zero means no timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}
