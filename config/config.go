// Package config loads and validates the switch configuration file.
//
// Configs are YAML or JSON. Environment references like ${ILP_AUTH_TOKEN}
// are expanded before parsing so secrets stay out of the file.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/settler"
)

// Config is the complete switch configuration.
type Config struct {
	// MaxInFlightUSD caps unsettled value per uplink, in US dollars.
	// Kept as a string so YAML and JSON parse it without losing
	// precision.
	MaxInFlightUSD string `json:"max_in_flight_usd" yaml:"max_in_flight_usd"`

	// Rates maps asset tickers to fixed USD prices. Empty entries fall
	// through to whatever live rate source the caller wires in.
	Rates map[string]string `json:"rates,omitempty" yaml:"rates,omitempty"`

	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Credentials lists the uplinks to connect at startup.
	Credentials []CredentialConfig `json:"credentials" yaml:"credentials"`
}

// NATSConfig locates the NATS server backing balance persistence.
type NATSConfig struct {
	URL    string `json:"url" yaml:"url"`
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	// ListenAddress serves Prometheus metrics when non-empty, e.g.
	// ":9464".
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty"`
}

// CredentialConfig describes one uplink credential.
type CredentialConfig struct {
	// ID uniquely names the credential; balances persist under it.
	ID string `json:"id" yaml:"id"`
	// SettlementType selects the settlement mechanism.
	SettlementType settler.SettlementType `json:"settlement_type" yaml:"settlement_type"`
	// URL is the connector's websocket endpoint.
	URL string `json:"url" yaml:"url"`
	// AuthToken authenticates the websocket connection.
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	// Secret seeds the payment server deterministically so issued
	// destinations survive restarts.
	Secret string `json:"secret" yaml:"secret"`
}

// Load reads, expands, and parses the config at path. Files ending in
// .json parse as JSON; everything else parses as YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read config file")
	}
	return Parse([]byte(os.ExpandEnv(string(raw))), filepath.Ext(path))
}

// Parse decodes raw config bytes. ext selects the format the way Load
// does; YAML is the default.
func Parse(raw []byte, ext string) (*Config, error) {
	var cfg Config
	decode := yaml.Unmarshal
	if ext == ".json" {
		decode = json.Unmarshal
	}
	if err := decode(raw, &cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%s: %w", err.Error(), errors.ErrInvalidConfig),
			"config", "Parse", "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for completeness and coherence.
func (c *Config) Validate() error {
	if _, err := c.MaxInFlight(); err != nil {
		return err
	}

	for code, price := range c.Rates {
		if _, err := decimal.NewFromString(price); err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("rate for %s is not a number: %w", code, errors.ErrInvalidConfig),
				"Config", "Validate", "rates check")
		}
	}

	if c.NATS.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("nats.url is required: %w", errors.ErrMissingConfig),
			"Config", "Validate", "nats check")
	}

	seen := make(map[string]struct{}, len(c.Credentials))
	for i := range c.Credentials {
		cred := &c.Credentials[i]
		if err := cred.Validate(); err != nil {
			return err
		}
		if _, dup := seen[cred.ID]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate credential id %q: %w", cred.ID, errors.ErrInvalidConfig),
				"Config", "Validate", "credentials check")
		}
		seen[cred.ID] = struct{}{}
	}
	return nil
}

// MaxInFlight parses the USD cap.
func (c *Config) MaxInFlight() (decimal.Decimal, error) {
	if c.MaxInFlightUSD == "" {
		return decimal.Zero, errors.WrapInvalid(
			fmt.Errorf("max_in_flight_usd is required: %w", errors.ErrMissingConfig),
			"Config", "MaxInFlight", "amount check")
	}
	usd, err := decimal.NewFromString(c.MaxInFlightUSD)
	if err != nil {
		return decimal.Zero, errors.WrapInvalid(
			fmt.Errorf("max_in_flight_usd %q is not a number: %w", c.MaxInFlightUSD, errors.ErrInvalidConfig),
			"Config", "MaxInFlight", "amount check")
	}
	if !usd.IsPositive() {
		return decimal.Zero, errors.WrapInvalid(
			fmt.Errorf("max_in_flight_usd must be positive: %w", errors.ErrInvalidConfig),
			"Config", "MaxInFlight", "amount check")
	}
	return usd, nil
}

// RateSource builds a map of parsed USD prices. Validate must have
// passed.
func (c *Config) RateSource() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(c.Rates))
	for code, price := range c.Rates {
		if parsed, err := decimal.NewFromString(price); err == nil {
			prices[code] = parsed
		}
	}
	return prices
}

// Validate checks one credential entry.
func (c *CredentialConfig) Validate() error {
	if c.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("credential id is required: %w", errors.ErrMissingConfig),
			"CredentialConfig", "Validate", "id check")
	}
	if c.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("credential %q: url is required: %w", c.ID, errors.ErrMissingConfig),
			"CredentialConfig", "Validate", "url check")
	}
	if c.Secret == "" {
		return errors.WrapInvalid(
			fmt.Errorf("credential %q: secret is required: %w", c.ID, errors.ErrMissingConfig),
			"CredentialConfig", "Validate", "secret check")
	}
	switch c.SettlementType {
	case settler.Lightning, settler.Machinomy, settler.XRPPaychan:
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("credential %q: unknown settlement type %q: %w", c.ID, c.SettlementType, errors.ErrInvalidConfig),
			"CredentialConfig", "Validate", "settlement type check")
	}
}

// ServerSecret derives the fixed-size payment server seed from the
// configured secret string.
func (c *CredentialConfig) ServerSecret() [32]byte {
	return sha256.Sum256([]byte(c.Secret))
}
