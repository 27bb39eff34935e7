// Package config loads server configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/fhirforge/smartauth/domain"
	"github.com/fhirforge/smartauth/token"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort  string `mapstructure:"HTTP_PORT"`
	PublicURL string `mapstructure:"PUBLIC_URL"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// JWTSecret signs ID tokens. The default is a well-known development
	// value and must be changed for any real deployment.
	JWTSecret string `mapstructure:"JWT_SECRET"`

	// KeyFetchTTLMin bounds how long fetched client key sets (jku) are
	// served from cache.
	KeyFetchTTLMin int `mapstructure:"KEY_FETCH_TTL_MIN"`

	Tenants []domain.TenantConfig `mapstructure:"TENANTS"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/smartauth/")
	v.AddConfigPath("$HOME/.smartauth")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "5826")
	v.SetDefault("PUBLIC_URL", "http://localhost:5826")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("JWT_SECRET", token.DevSecret)
	v.SetDefault("KEY_FETCH_TTL_MIN", 5)

	if err := v.ReadInConfig(); err != nil {
		// a missing config file is fine, defaults and env vars apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// with no tenants configured, serve a single SMART-enabled R4 tenant
	if len(cfg.Tenants) == 0 {
		cfg.Tenants = []domain.TenantConfig{{
			Name:          "r4",
			BaseURL:       strings.TrimSuffix(cfg.PublicURL, "/") + "/fhir/r4",
			SmartRequired: true,
		}}
	}

	return &cfg, nil
}

// TenantMap indexes the configured tenants by name.
func (c *ServerConfig) TenantMap() map[string]domain.TenantConfig {
	tenants := make(map[string]domain.TenantConfig, len(c.Tenants))
	for _, t := range c.Tenants {
		tenants[t.Name] = t
	}
	return tenants
}
