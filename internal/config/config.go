// Package config provides configuration management for the gateway.
// It handles loading and parsing YAML configuration files, and provides structured
// access to server settings, the Amazon Q account pool, and streaming tunables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`
	// AuthDir is the directory where Amazon Q account credential files are stored.
	AuthDir string `yaml:"auth-dir"`
	// AuthStore selects the credential backend: "file" (one JSON file per
	// account under AuthDir) or "bbolt" (a single accounts.db under AuthDir).
	AuthStore string `yaml:"auth-store"`
	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`
	// APIKeys is a list of keys for authenticating clients to this gateway.
	APIKeys []string `yaml:"api-keys"`
	// RequestLog is accepted in the config file but no component reads it;
	// raw request/response bodies are not logged.
	RequestLog bool `yaml:"request-log"`
	// AmazonQ holds settings specific to the Amazon Q transcoding/dispatch pipeline.
	AmazonQ AmazonQConfig `yaml:"amazonq"`
}

// AmazonQConfig configures the core transcoder/decoder/dispatcher pipeline.
type AmazonQConfig struct {
	// Endpoint is the Amazon Q streaming conversation endpoint.
	Endpoint string `yaml:"endpoint"`
	// MaxDecodeErrors bounds how many consecutive event-stream recovery
	// attempts are tolerated before a stream is abandoned.
	MaxDecodeErrors int `yaml:"max-decode-errors"`
	// ValidateCRC controls whether prelude/message CRC32C checks are enforced.
	// Disabling this is only useful against known-broken upstream mirrors.
	ValidateCRC bool `yaml:"validate-crc"`
	// RequestTimeoutSeconds bounds the time allowed to establish the upstream
	// connection.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds"`
	// ReadTimeoutSeconds is an overall deadline on one upstream call, from
	// sending the request to the end of the streamed body. It is not a
	// per-read idle timeout: a stream still running when it expires is cut off.
	ReadTimeoutSeconds int `yaml:"read-timeout-seconds"`
	// OIDCRegion names an AWS region for the SSO OIDC endpoints. No component
	// reads it: the OIDC client always uses the us-east-1 endpoints.
	OIDCRegion string `yaml:"oidc-region"`
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8317
	}
	if cfg.AuthDir == "" {
		cfg.AuthDir = "~/.amazonq-gateway/accounts"
	}
	if cfg.AuthStore == "" {
		cfg.AuthStore = "file"
	}
	if cfg.AmazonQ.Endpoint == "" {
		cfg.AmazonQ.Endpoint = "https://q.us-east-1.amazonaws.com/SendMessageStreaming"
	}
	if cfg.AmazonQ.MaxDecodeErrors == 0 {
		cfg.AmazonQ.MaxDecodeErrors = 5
	}
	if cfg.AmazonQ.RequestTimeoutSeconds == 0 {
		cfg.AmazonQ.RequestTimeoutSeconds = 15
	}
	if cfg.AmazonQ.ReadTimeoutSeconds == 0 {
		cfg.AmazonQ.ReadTimeoutSeconds = 300
	}
	if cfg.AmazonQ.OIDCRegion == "" {
		cfg.AmazonQ.OIDCRegion = "us-east-1"
	}
}
