// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"hermannm.dev/devlog"
)

var (
	debug    bool
	logLevel slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "keyvaultd",
	Short: "Client-side key-management core for encrypted document sync",
	Long: `keyvaultd bootstraps and manages the passphrase-wrapped master
secret a device uses to encrypt documents before they leave it, and to
derive the key protecting its local replica.
`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
	rootCmd.PersistentFlags().String("config", "", "Pathname of the configuration file")
	rootCmd.PersistentFlags().String("secrets", "", "Path to the local wrapped-secrets file")
	rootCmd.PersistentFlags().String("local-db", "", "Path to the local encrypted database")
	rootCmd.PersistentFlags().String("db-type", "sqlite", "Local database backend ('sqlite' or 'postgres')")
	rootCmd.PersistentFlags().String("db-dsn", "", "Local database DSN (defaults to --local-db for sqlite)")
	rootCmd.PersistentFlags().String("passphrase-file", "", "Path to a file containing the user passphrase")
	rootCmd.PersistentFlags().String("uuid", "", "User identity uuid")
	rootCmd.PersistentFlags().String("token", "", "Shared recovery database auth token")
	rootCmd.PersistentFlags().String("remote-url", "", "Base url of the shared recovery database (empty disables remote sync)")
	rootCmd.PersistentFlags().String("pinned-ca", "", "Path to a PEM file pinning the shared recovery database's CA")
	rootCmd.PersistentFlags().Bool("insecure-tls", false, "Skip TLS certificate validation talking to the shared recovery database")
}
