// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogConfig controls the default slog handler's verbosity.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SecretsConfig locates the local wrapped-secrets file.
type SecretsConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig selects the local encrypted database backend.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func (d *DatabaseConfig) validate() error {
	d.Type = strings.ToLower(d.Type)
	if d.Type == "" {
		d.Type = "sqlite"
	}
	if d.Type != "sqlite" && d.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", d.Type)
	}
	if d.Type == "postgres" && d.DSN == "" {
		return errors.New("database configuration error: dsn is required for the postgres backend")
	}
	return nil
}

// RemoteConfig configures the client talking to the shared recovery
// database. A zero-value RemoteConfig disables remote sync entirely:
// Bootstrap then only ever consults the local secrets file.
type RemoteConfig struct {
	URL   string `mapstructure:"url"`
	UUID  string `mapstructure:"uuid"`
	Token string `mapstructure:"token"`
}

func (r *RemoteConfig) enabled() bool {
	return r.URL != ""
}

func (r *RemoteConfig) validate() error {
	if !r.enabled() {
		return nil
	}
	if r.UUID == "" {
		return errors.New("remote configuration error: uuid is required when a remote url is set")
	}
	if r.Token == "" {
		return errors.New("remote configuration error: token is required when a remote url is set")
	}
	return nil
}

// TLSConfig configures certificate validation for the shared recovery
// database client.
type TLSConfig struct {
	PinnedCAPath       string `mapstructure:"pinned_ca"`
	InsecureSkipVerify bool   `mapstructure:"insecure"`
}

// Config is the top-level configuration for the keyvaultd CLI.
type Config struct {
	Log        LogConfig      `mapstructure:"log"`
	Secrets    SecretsConfig  `mapstructure:"secrets"`
	DB         DatabaseConfig `mapstructure:"db"`
	Remote     RemoteConfig   `mapstructure:"remote"`
	TLS        TLSConfig      `mapstructure:"tls"`
	Passphrase string         `mapstructure:"-"`
}

// loadConfigFile binds cmd's flags into viper and, if --config points at a
// file, reads it. The flags are bound before the file is read; a flag set
// on the command line still takes precedence over the file, matching
// viper's own precedence rules.
func loadConfigFile(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	if configFilePath == "" {
		return nil
	}

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("configuration file read failed: %w", err)
	}
	return nil
}

// decodeSection fills dst from the config file's nested section name (e.g.
// "remote", "db") using an untyped map-to-struct decode. Flat CLI flags
// are applied over the result afterward, so a config file only supplies
// defaults.
func decodeSection(name string, dst interface{}) error {
	raw := viper.Get(name)
	if raw == nil {
		return nil
	}
	if err := mapstructure.Decode(raw, dst); err != nil {
		return fmt.Errorf("decoding %q section of configuration file: %w", name, err)
	}
	return nil
}

// loadConfig assembles a Config from viper after loadConfigFile has bound
// flags and (optionally) read a config file. It also resolves the
// passphrase, which is never accepted as a bare flag value to avoid
// leaking it via process listings.
func loadConfig() (*Config, error) {
	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}

	cfg := &Config{}
	if err := decodeSection("db", &cfg.DB); err != nil {
		return nil, err
	}
	if err := decodeSection("remote", &cfg.Remote); err != nil {
		return nil, err
	}
	if err := decodeSection("tls", &cfg.TLS); err != nil {
		return nil, err
	}

	// Flat CLI flags, when set, override whatever the config file supplied.
	if viper.IsSet("secrets") {
		cfg.Secrets.Path = viper.GetString("secrets")
	}
	if viper.IsSet("local-db") {
		cfg.DB.Path = viper.GetString("local-db")
	}
	if viper.IsSet("db-type") {
		cfg.DB.Type = viper.GetString("db-type")
	}
	if viper.IsSet("db-dsn") {
		cfg.DB.DSN = viper.GetString("db-dsn")
	}
	if viper.IsSet("remote-url") {
		cfg.Remote.URL = viper.GetString("remote-url")
	}
	if viper.IsSet("uuid") {
		cfg.Remote.UUID = viper.GetString("uuid")
	}
	if viper.IsSet("token") {
		cfg.Remote.Token = viper.GetString("token")
	}
	if viper.IsSet("pinned-ca") {
		cfg.TLS.PinnedCAPath = viper.GetString("pinned-ca")
	}
	if viper.IsSet("insecure-tls") {
		cfg.TLS.InsecureSkipVerify = viper.GetBool("insecure-tls")
	}

	if cfg.Secrets.Path == "" {
		return nil, errors.New("missing required path to the secrets file (--secrets)")
	}
	if cfg.DB.Path == "" {
		return nil, errors.New("missing required path to the local database (--local-db)")
	}
	if err := cfg.DB.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Remote.validate(); err != nil {
		return nil, err
	}

	passphraseFile := viper.GetString("passphrase-file")
	if passphraseFile == "" {
		return nil, errors.New("missing required passphrase source (--passphrase-file)")
	}
	raw, err := os.ReadFile(passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	cfg.Passphrase = strings.TrimRight(string(raw), "\n")
	if cfg.Passphrase == "" {
		return nil, errors.New("passphrase file is empty")
	}

	return cfg, nil
}
