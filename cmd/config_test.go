// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDatabaseConfigValidateDefaultsToSQLite(t *testing.T) {
	d := &DatabaseConfig{Path: "/tmp/local.db"}
	if err := d.validate(); err != nil {
		t.Fatal(err)
	}
	if d.Type != "sqlite" {
		t.Fatalf("expected default type sqlite, got %s", d.Type)
	}
}

func TestDatabaseConfigValidateRejectsUnknownType(t *testing.T) {
	d := &DatabaseConfig{Path: "/tmp/local.db", Type: "mongodb"}
	if err := d.validate(); err == nil {
		t.Fatal("expected an error for an unsupported database type")
	}
}

func TestDatabaseConfigValidateRequiresDSNForPostgres(t *testing.T) {
	d := &DatabaseConfig{Path: "/tmp/local.db", Type: "postgres"}
	if err := d.validate(); err == nil {
		t.Fatal("expected an error when postgres has no dsn")
	}
}

func TestRemoteConfigDisabledByDefault(t *testing.T) {
	r := &RemoteConfig{}
	if r.enabled() {
		t.Fatal("expected remote to be disabled with no url")
	}
	if err := r.validate(); err != nil {
		t.Fatalf("a disabled remote must always validate cleanly, got %v", err)
	}
}

func TestRemoteConfigRequiresCredsWhenEnabled(t *testing.T) {
	r := &RemoteConfig{URL: "https://example.org"}
	if !r.enabled() {
		t.Fatal("expected remote to be enabled once a url is set")
	}
	if err := r.validate(); err == nil {
		t.Fatal("expected an error when uuid/token are missing")
	}
	r.UUID = "u-1"
	r.Token = "tok"
	if err := r.validate(); err != nil {
		t.Fatalf("expected validate to succeed once uuid and token are set, got %v", err)
	}
}

func TestLoadConfigReadsPassphraseFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	dir := t.TempDir()
	passFile := filepath.Join(dir, "pass")
	if err := os.WriteFile(passFile, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	viper.Set("secrets", filepath.Join(dir, "secrets.json"))
	viper.Set("local-db", filepath.Join(dir, "local.db"))
	viper.Set("passphrase-file", passFile)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Passphrase != "hunter2" {
		t.Fatalf("expected trimmed passphrase %q, got %q", "hunter2", cfg.Passphrase)
	}
}

func TestLoadConfigRequiresSecretsPath(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("local-db", "/tmp/local.db")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected an error when --secrets is not set")
	}
}
