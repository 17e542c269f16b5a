// Package config loads gateway settings from defaults, an optional config
// file and GATEWAY_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type BackendConfig struct {
	// URL is the GraphQL endpoint of the backend service.
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type CredentialsConfig struct {
	// Dir is the badger directory holding provisioned credentials. When
	// empty, the in-memory store seeded with Dev is used instead.
	Dir string            `mapstructure:"dir"`
	Dev map[string]string `mapstructure:"dev"`
}

type SentryConfig struct {
	// DSN empty keeps fault reporting disabled.
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type Config struct {
	ListenAddr  string            `mapstructure:"listen_addr"`
	SchemaFile  string            `mapstructure:"schema_file"`
	LogLevel    string            `mapstructure:"log_level"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
}

// Load reads the configuration. path may be empty, then only defaults and
// environment variables apply. Every key must have a default, otherwise
// viper does not consider it during Unmarshal and the matching environment
// variable is ignored.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("schema_file", "schema.graphql")
	v.SetDefault("log_level", "info")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("credentials.dir", "")
	v.SetDefault("credentials.dev", map[string]string{})
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return config, nil
}

// Validate checks the settings a gateway cannot start without.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.SchemaFile == "" {
		return errors.New("schema_file is required")
	}
	return nil
}
