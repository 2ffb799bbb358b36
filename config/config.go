// Package config loads the gateway configuration: YAML file first, then
// environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the public edge HTTP server.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen"`
	PublicURL     string        `yaml:"publicUrl"`
	WsURL         string        `yaml:"wsUrl"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	DrainTimeout  time.Duration `yaml:"drainTimeout"`
	TLSCertFile   string        `yaml:"tlsCertFile"`
	TLSKeyFile    string        `yaml:"tlsKeyFile"`
}

// AuthConfig carries the shared-secret surface for signed control calls.
type AuthConfig struct {
	SharedSecret        string        `yaml:"sharedSecret"`
	SharedSecretVersion int           `yaml:"sharedSecretVersion"`
	SignatureTolerance  time.Duration `yaml:"signatureTolerance"`
}

// EscrowConfig points at the escrow service and its database.
type EscrowConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	ClientID           string        `yaml:"clientId"`
	SigningSecret      string        `yaml:"signingSecret"`
	Timeout            time.Duration `yaml:"timeout"`
	DatabaseURL        string        `yaml:"databaseUrl"`
	ClientCAFile       string        `yaml:"clientCAFile"`
	ClientCertFile     string        `yaml:"clientCertFile"`
	ClientKeyFile      string        `yaml:"clientKeyFile"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	SweepInterval      time.Duration `yaml:"sweepInterval"`
	RenewBefore        time.Duration `yaml:"renewBefore"`
}

// TokenConfig tunes the token service.
type TokenConfig struct {
	DefaultTTL time.Duration `yaml:"defaultTtl"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RegistryConfig tunes relay registry liveness.
type RegistryConfig struct {
	Staleness     time.Duration `yaml:"staleness"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// DispatchConfig mirrors the scheduler knobs.
type DispatchConfig struct {
	MaxConcurrentJobsPerPeer int           `yaml:"maxConcurrentJobsPerPeer"`
	MaxFailureRate           float64       `yaml:"maxFailureRate"`
	ReassignOnLagBlocks      float64       `yaml:"reassignOnLagBlocks"`
	CircuitBreakerThreshold  int           `yaml:"circuitBreakerThreshold"`
	CircuitBreakerDuration   time.Duration `yaml:"circuitBreakerDuration"`
}

// MirrorConfig is the blind-peer subsystem.
type MirrorConfig struct {
	Enabled          bool   `yaml:"enabled"`
	StorageDir       string `yaml:"storageDir"`
	TrustedPeersPath string `yaml:"trustedPeersPath"`
	KeySeed          string `yaml:"keySeed"`
}

// DiscoveryConfig is the swarm advertiser.
type DiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	OpenAccess      bool          `yaml:"openAccess"`
	ListenAddress   string        `yaml:"listen"`
	KeySeed         string        `yaml:"keySeed"`
	DisplayName     string        `yaml:"displayName"`
	Region          string        `yaml:"region"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	TTL             time.Duration `yaml:"ttl"`
}

// RateLimitConfig is a token-bucket limit applied per route group.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// ObservabilityConfig covers logging and telemetry export.
type ObservabilityConfig struct {
	Environment  string `yaml:"environment"`
	LogFile      string `yaml:"logFile"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	OTLPHeaders  string `yaml:"otlpHeaders"`
	Traces       bool   `yaml:"traces"`
	Metrics      bool   `yaml:"metrics"`
}

// Config is the whole gateway configuration document.
type Config struct {
	GatewayID     string              `yaml:"gatewayId"`
	DataDir       string              `yaml:"dataDir"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Escrow        EscrowConfig        `yaml:"escrow"`
	Token         TokenConfig         `yaml:"token"`
	Registry      RegistryConfig      `yaml:"registry"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Mirror        MirrorConfig        `yaml:"mirror"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	TokenLimit    RateLimitConfig     `yaml:"tokenRateLimit"`
	ControlLimit  RateLimitConfig     `yaml:"controlRateLimit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads the YAML file (optional), layers environment overrides on top,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		GatewayID: "hypertuna-gateway",
		DataDir:   "data",
		Server: ServerConfig{
			ListenAddress: ":8443",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
			DrainTimeout:  15 * time.Second,
		},
		Escrow: EscrowConfig{
			Timeout:       10 * time.Second,
			SweepInterval: 15 * time.Second,
			RenewBefore:   time.Minute,
		},
		Token: TokenConfig{
			DefaultTTL: time.Hour,
			Timeout:    5 * time.Second,
		},
		Registry: RegistryConfig{
			Staleness:     90 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			RefreshInterval: 30 * time.Second,
			TTL:             60 * time.Second,
		},
		TokenLimit:   RateLimitConfig{RatePerSecond: 2, Burst: 10},
		ControlLimit: RateLimitConfig{RatePerSecond: 10, Burst: 30},
		Observability: ObservabilityConfig{
			Environment: "dev",
			Metrics:     true,
		},
	}
}

func (cfg *Config) applyEnv() {
	cfg.GatewayID = getenvDefault("HYPERTUNA_GATEWAY_ID", cfg.GatewayID)
	cfg.DataDir = getenvDefault("HYPERTUNA_DATA_DIR", cfg.DataDir)
	cfg.Server.ListenAddress = getenvDefault("HYPERTUNA_LISTEN", cfg.Server.ListenAddress)
	cfg.Server.PublicURL = getenvDefault("HYPERTUNA_PUBLIC_URL", cfg.Server.PublicURL)
	cfg.Server.WsURL = getenvDefault("HYPERTUNA_WS_URL", cfg.Server.WsURL)
	cfg.Auth.SharedSecret = getenvDefault("HYPERTUNA_SHARED_SECRET", cfg.Auth.SharedSecret)
	if raw := strings.TrimSpace(os.Getenv("HYPERTUNA_SHARED_SECRET_VERSION")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Auth.SharedSecretVersion = v
		}
	}
	cfg.Escrow.Endpoint = getenvDefault("ESCROW_ENDPOINT", cfg.Escrow.Endpoint)
	cfg.Escrow.ClientID = getenvDefault("ESCROW_CLIENT_ID", cfg.Escrow.ClientID)
	cfg.Escrow.SigningSecret = getenvDefault("ESCROW_SIGNING_SECRET", cfg.Escrow.SigningSecret)
	cfg.Escrow.DatabaseURL = getenvDefault("ESCROW_DATABASE_URL", cfg.Escrow.DatabaseURL)
	cfg.Observability.OTLPEndpoint = getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observability.OTLPEndpoint)
	cfg.Observability.OTLPHeaders = getenvDefault("OTEL_EXPORTER_OTLP_HEADERS", cfg.Observability.OTLPHeaders)
	cfg.Observability.Environment = getenvDefault("HYPERTUNA_ENV", cfg.Observability.Environment)
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.DrainTimeout <= 0 {
		cfg.Server.DrainTimeout = 15 * time.Second
	}
	if cfg.Auth.SignatureTolerance <= 0 {
		cfg.Auth.SignatureTolerance = 5 * time.Minute
	}
	if cfg.Mirror.Enabled {
		if cfg.Mirror.StorageDir == "" {
			cfg.Mirror.StorageDir = cfg.DataDir + "/mirror"
		}
		if cfg.Mirror.TrustedPeersPath == "" {
			cfg.Mirror.TrustedPeersPath = cfg.DataDir + "/trusted-peers.json"
		}
	}
}

// Validate rejects configurations the gateway cannot run with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.GatewayID) == "" {
		return fmt.Errorf("gatewayId required")
	}
	if strings.TrimSpace(cfg.Server.ListenAddress) == "" {
		return fmt.Errorf("server.listen required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("dataDir required")
	}
	if (cfg.Server.TLSCertFile == "") != (cfg.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tlsCertFile and server.tlsKeyFile must be set together")
	}
	if cfg.Discovery.Enabled && cfg.Discovery.OpenAccess {
		if strings.TrimSpace(cfg.Server.PublicURL) == "" {
			return fmt.Errorf("server.publicUrl required when discovery advertising is on")
		}
	}
	if cfg.Escrow.Endpoint != "" {
		if strings.TrimSpace(cfg.Escrow.ClientID) == "" {
			return fmt.Errorf("escrow.clientId required when escrow.endpoint is set")
		}
		if strings.TrimSpace(cfg.Escrow.SigningSecret) == "" {
			return fmt.Errorf("escrow.signingSecret required when escrow.endpoint is set")
		}
	}
	if cfg.TokenLimit.RatePerSecond <= 0 || cfg.TokenLimit.Burst <= 0 {
		return fmt.Errorf("tokenRateLimit must be positive")
	}
	if cfg.ControlLimit.RatePerSecond <= 0 || cfg.ControlLimit.Burst <= 0 {
		return fmt.Errorf("controlRateLimit must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
