package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for a cold-chain ledger node.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		MaxBodyBytes           int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Storage struct {
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		SQLitePath  string `yaml:"sqlite_path"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Ledger struct {
		AdminAccount    string   `yaml:"admin_account"`
		SafetyThreshold *float64 `yaml:"safety_threshold"`
		CarrierRoles    []string `yaml:"carrier_roles"`
		RetailerRoles   []string `yaml:"retailer_roles"`
	} `yaml:"ledger"`

	Accounts struct {
		RegistryPath string `yaml:"registry_path"`
	} `yaml:"accounts"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Security struct {
		RequireSignatures   *bool `yaml:"require_signatures"`
		MaxClockSkewSeconds int   `yaml:"max_clock_skew_seconds"`
		EnforceSecureTLS    *bool `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Export struct {
		Driver          string `yaml:"driver"`
		Dir             string `yaml:"dir"`
		Bucket          string `yaml:"bucket"`
		Prefix          string `yaml:"prefix"`
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		UsePathStyle    bool   `yaml:"use_path_style"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"export"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
		NodeID  string `yaml:"node_id"`
		Level   string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Export.Driver == "fs" {
		if err := os.MkdirAll(cfg.Export.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create export directory: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if len(c.Ledger.CarrierRoles) == 0 {
		c.Ledger.CarrierRoles = []string{"CARRIER"}
	}
	if len(c.Ledger.RetailerRoles) == 0 {
		c.Ledger.RetailerRoles = []string{"RETAILER"}
	}
	if c.Security.RequireSignatures == nil {
		c.Security.RequireSignatures = boolPtr(true)
	}
	if c.Security.MaxClockSkewSeconds <= 0 {
		c.Security.MaxClockSkewSeconds = 300
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	c.Export.Driver = strings.ToLower(c.Export.Driver)
	if c.Export.Driver == "" {
		c.Export.Driver = "fs"
	}
	if c.Export.Driver == "fs" && c.Export.Dir == "" {
		c.Export.Dir = "./exports"
	}
	if c.Export.Driver == "s3" && c.Export.Region == "" {
		c.Export.Region = "us-east-1"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "coldchain-ledger"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	default:
		return errors.New("storage.driver must be one of memory|postgres|sqlite")
	}
	if c.Storage.MinConns > c.Storage.MaxConns {
		return errors.New("storage.min_conns must not exceed storage.max_conns")
	}

	if strings.TrimSpace(c.Ledger.AdminAccount) == "" {
		return errors.New("ledger.admin_account is required")
	}
	if t := c.Ledger.SafetyThreshold; t != nil && (math.IsNaN(*t) || math.IsInf(*t, 0)) {
		return errors.New("ledger.safety_threshold must be a finite number")
	}
	for i, r := range append(append([]string(nil), c.Ledger.CarrierRoles...), c.Ledger.RetailerRoles...) {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("ledger role class entry %d is empty", i)
		}
	}

	if *c.Security.RequireSignatures {
		if c.Accounts.RegistryPath == "" {
			return errors.New("accounts.registry_path is required when security.require_signatures is enabled")
		}
	} else if *c.Security.EnforceSecureTLS {
		host, _, err := net.SplitHostPort(strings.TrimSpace(c.Server.Listen))
		if err != nil {
			return fmt.Errorf("server.listen is invalid: %w", err)
		}
		if !isLocalHost(host) {
			return fmt.Errorf("server.listen must be loopback when security.require_signatures is disabled, got %q", host)
		}
	}
	if c.Keys.SigningPublicKeyPath != "" && c.Keys.SigningPrivateKeyPath == "" {
		return errors.New("keys.signing_private_key_path is required when a public key is configured")
	}

	switch c.Export.Driver {
	case "fs":
		if c.Export.Dir == "" {
			return errors.New("export.dir is required for the fs driver")
		}
	case "s3":
		if c.Export.Bucket == "" {
			return errors.New("export.bucket is required for the s3 driver")
		}
		if c.Export.Endpoint != "" && *c.Security.EnforceSecureTLS && !secureOrLocalURL(c.Export.Endpoint) {
			return errors.New("export.endpoint must use https when enforce_secure_transport is enabled")
		}
	default:
		return errors.New("export.driver must be one of fs|s3")
	}
	if c.Export.IntervalSeconds < 0 {
		return errors.New("export.interval_seconds must not be negative")
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Storage.SQLitePath = os.ExpandEnv(strings.TrimSpace(c.Storage.SQLitePath))
	c.Ledger.AdminAccount = os.ExpandEnv(strings.TrimSpace(c.Ledger.AdminAccount))
	c.Accounts.RegistryPath = os.ExpandEnv(strings.TrimSpace(c.Accounts.RegistryPath))
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	c.Export.Dir = os.ExpandEnv(strings.TrimSpace(c.Export.Dir))
	c.Export.Bucket = os.ExpandEnv(strings.TrimSpace(c.Export.Bucket))
	c.Export.Endpoint = os.ExpandEnv(strings.TrimSpace(c.Export.Endpoint))
}

func boolPtr(v bool) *bool {
	return &v
}
