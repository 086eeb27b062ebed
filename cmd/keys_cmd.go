// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leapcode/keyvaultd/internal/secretstore"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and exchange the local wrapped master secret",
}

var keysIncludeUUID bool

var keysShowIDCmd = &cobra.Command{
	Use:   "show-id",
	Short: "Print the active secret's id",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := secretstore.New(cfg.Secrets.Path, []byte(cfg.Passphrase))
		usable, err := store.HasUsableSecret()
		if err != nil {
			return err
		}
		if !usable {
			return errors.New("no usable secret at the configured path")
		}
		fmt.Println(store.ActiveSecretID())
		return nil
	},
}

var keysExportRecoveryCmd = &cobra.Command{
	Use:   "export-recovery",
	Short: "Print the recovery document for the local secrets, as pushed to the shared recovery database",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := secretstore.New(cfg.Secrets.Path, []byte(cfg.Passphrase))
		if usable, err := store.HasUsableSecret(); err != nil {
			return err
		} else if !usable {
			return errors.New("no usable secret at the configured path")
		}

		doc := store.ExportRecovery(cfg.Remote.UUID, keysIncludeUUID)
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var keysImportRecoveryCmd = &cobra.Command{
	Use:   "import-recovery <file>",
	Short: "Merge a recovery document exported on another device into the local secrets file",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading recovery document: %w", err)
		}
		var doc secretstore.RecoveryDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parsing recovery document: %w", err)
		}

		store := secretstore.New(cfg.Secrets.Path, []byte(cfg.Passphrase))
		// Load tolerates a missing file: importing onto a fresh device is
		// the common case.
		if err := store.Load(); err != nil && !errors.Is(err, secretstore.ErrNotFound) {
			return err
		}

		uuid, err := store.ImportRecovery(doc)
		if err != nil {
			return fmt.Errorf("importing recovery document: %w", err)
		}
		if uuid != "" {
			fmt.Println(uuid)
		}
		return nil
	},
}

func init() {
	keysExportRecoveryCmd.Flags().BoolVar(&keysIncludeUUID, "include-uuid", false, "Attach the configured uuid to the exported document")

	keysCmd.AddCommand(keysShowIDCmd)
	keysCmd.AddCommand(keysExportRecoveryCmd)
	keysCmd.AddCommand(keysImportRecoveryCmd)
	rootCmd.AddCommand(keysCmd)
}
