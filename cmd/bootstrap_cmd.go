// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/leapcode/keyvaultd/internal/bootstrap"
	"github.com/leapcode/keyvaultd/internal/identity"
	"github.com/leapcode/keyvaultd/internal/localdb"
	"github.com/leapcode/keyvaultd/internal/shareddb"
	"github.com/leapcode/keyvaultd/internal/tlsconfig"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Discover or generate the local master secret and open the local database",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		b, err := newBootstrap(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				slog.Warn("closing local database", "err", err)
			}
		}()

		if err := b.Run(context.Background()); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}

		fmt.Println(b.ActiveSecretID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}

// slogSink is an eventsink.Sink that logs each lifecycle signal through the
// default slog logger.
type slogSink struct{}

func (slogSink) CreatingKeys(uuid string)        { slog.Info("generating a new master secret", "uuid", uuid) }
func (slogSink) DoneCreatingKeys(uuid string)    { slog.Info("master secret generated", "uuid", uuid) }
func (slogSink) DownloadingKeys(uuid string)     { slog.Debug("fetching recovery document", "uuid", uuid) }
func (slogSink) DoneDownloadingKeys(uuid string) { slog.Debug("recovery document fetch done", "uuid", uuid) }
func (slogSink) UploadingKeys(uuid string)       { slog.Debug("pushing recovery document", "uuid", uuid) }
func (slogSink) DoneUploadingKeys(uuid string)   { slog.Debug("recovery document push done", "uuid", uuid) }

// newBootstrap assembles a bootstrap.Bootstrap from a loaded Config,
// building the shared-db client only when a remote url is configured.
func newBootstrap(cfg *Config) (*bootstrap.Bootstrap, error) {
	id := identity.UserIdentity{UUID: cfg.Remote.UUID, Token: cfg.Remote.Token}
	if id.UUID == "" {
		id = identity.New(cfg.Remote.Token)
	}

	var shared shareddb.Store
	if cfg.Remote.enabled() {
		tlsCfg := tlsconfig.TlsConfig{
			PinnedCAPath:       cfg.TLS.PinnedCAPath,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}
		store, err := shareddb.NewHTTPStore(cfg.Remote.URL, shareddb.Creds{UUID: id.UUID, Token: id.Token}, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("building shared recovery database client: %w", err)
		}
		shared = store
	}

	bcfg := bootstrap.Config{
		Identity:    id,
		Passphrase:  []byte(cfg.Passphrase),
		SecretsPath: cfg.Secrets.Path,
		LocalDBPath: cfg.DB.Path,
		LocalDBOpts: localdb.Options{Backend: cfg.DB.Type, DSN: cfg.DB.DSN},
		SharedDB:    shared,
		Sink:        slogSink{},
	}

	return bootstrap.New(bcfg)
}
