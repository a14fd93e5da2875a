package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FeedConfig configures coldchain-feed, the client that pushes sensor
// readings to a ledger node as signed ingest calls.
type FeedConfig struct {
	Node struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"node"`

	Account struct {
		ID                    string `yaml:"id"`
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
	} `yaml:"account"`

	Feed struct {
		ChunkSize int `yaml:"chunk_size"`
	} `yaml:"feed"`

	Security struct {
		EnforceSecureTLS *bool `yaml:"enforce_secure_transport"`
	} `yaml:"security"`
}

func LoadFeed(path string) (*FeedConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed config: %w", err)
	}
	var cfg FeedConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse feed config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FeedConfig) applyDefaults() {
	if c.Node.BaseURL == "" {
		c.Node.BaseURL = "http://127.0.0.1:8080"
	}
	c.Node.BaseURL = strings.TrimRight(c.Node.BaseURL, "/")
	if c.Node.TimeoutSeconds <= 0 {
		c.Node.TimeoutSeconds = 15
	}
	if c.Feed.ChunkSize <= 0 {
		c.Feed.ChunkSize = 500
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
}

func (c *FeedConfig) validate() error {
	if c.Account.ID == "" {
		return errors.New("account.id is required")
	}
	if c.Account.SigningPrivateKeyPath == "" {
		return errors.New("account.signing_private_key_path is required")
	}
	if *c.Security.EnforceSecureTLS && !secureOrLocalURL(c.Node.BaseURL) {
		return errors.New("node.base_url must be https when enforce_secure_transport is enabled")
	}
	return nil
}

func (c *FeedConfig) expandEnv() {
	c.Node.BaseURL = os.ExpandEnv(strings.TrimSpace(c.Node.BaseURL))
	c.Account.ID = os.ExpandEnv(strings.TrimSpace(c.Account.ID))
	c.Account.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Account.SigningPrivateKeyPath))
}
