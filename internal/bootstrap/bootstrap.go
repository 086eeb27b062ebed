// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package bootstrap drives the linear discover -> fetch -> generate ->
// upload -> open state machine, composing secretstore, keyderivation,
// shareddb, and localdb into a ready-to-use key-management core.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leapcode/keyvaultd/internal/eventsink"
	"github.com/leapcode/keyvaultd/internal/identity"
	"github.com/leapcode/keyvaultd/internal/keyderivation"
	"github.com/leapcode/keyvaultd/internal/localdb"
	"github.com/leapcode/keyvaultd/internal/secretstore"
	"github.com/leapcode/keyvaultd/internal/shareddb"
)

// secretsDocIDHashPrefix is prepended to the user's uuid before hashing to
// produce the shared-db document id.
const secretsDocIDHashPrefix = "uuid-"

var (
	// ErrNoSymmetricSecret is returned by DocPassphrase/DocMACKey when
	// called before the bootstrap state machine has reached Ready.
	ErrNoSymmetricSecret = errors.New("bootstrap: no symmetric secret available yet")
	// ErrIntegrity surfaces a fatal cryptographic integrity failure:
	// wrong passphrase against an existing secrets file, a corrupted
	// wrapped secret, or a secret_id mismatch.
	ErrIntegrity = secretstore.ErrIntegrity
	// ErrConfig is returned at construction time when the secrets path,
	// the local db path or the passphrase is missing. A nil SharedDB is
	// not a configuration error: FETCH and PUSH are then skipped.
	ErrConfig = errors.New("bootstrap: configuration error")
)

// Config holds everything Bootstrap needs to run once at process startup.
type Config struct {
	Identity     identity.UserIdentity
	Passphrase   []byte
	SecretsPath  string
	LocalDBPath  string
	LocalDBOpts  localdb.Options
	SharedDB     shareddb.Store // may be nil if no server url was configured
	Sink         eventsink.Sink // nil means eventsink.NoOp{}
}

// Bootstrap owns the sequence of state transitions and, once Ready, the
// narrow per-document key-derivation capabilities exposed to the rest of
// the system.
type Bootstrap struct {
	cfg   Config
	sink  eventsink.Sink
	store *secretstore.Store

	master []byte
	ready  bool

	localDB localdb.Handle
}

// New constructs a Bootstrap. It performs no I/O; call Run to execute the
// state machine.
func New(cfg Config) (*Bootstrap, error) {
	if cfg.SecretsPath == "" {
		return nil, fmt.Errorf("%w: secrets path is required", ErrConfig)
	}
	if cfg.LocalDBPath == "" {
		return nil, fmt.Errorf("%w: local db path is required", ErrConfig)
	}
	if len(cfg.Passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase is required", ErrConfig)
	}

	sink := cfg.Sink
	if sink == nil {
		sink = eventsink.NoOp{}
	}

	return &Bootstrap{
		cfg:   cfg,
		sink:  sink,
		store: secretstore.New(cfg.SecretsPath, cfg.Passphrase),
	}, nil
}

// Run executes the bootstrap state machine to completion: INIT_DIRS,
// HAS_LOCAL_SECRET?, [FETCH_SHARED_DB, IMPORT_RECOVERY|GENERATE_NEW],
// PUSH_TO_SHARED_DB, OPEN_LOCAL_DB. Call it once per process; calling it
// twice on the same Bootstrap is undefined.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.initDirs(); err != nil {
		return fmt.Errorf("bootstrap: INIT_DIRS: %w", err)
	}

	usable, err := b.store.HasUsableSecret()
	if err != nil {
		return fmt.Errorf("bootstrap: HAS_LOCAL_SECRET?: %w", err)
	}

	if !usable {
		if err := b.acquireSecret(ctx); err != nil {
			return err
		}
	}

	master, err := b.store.GetMaster()
	if err != nil {
		// HasUsableSecret already checked this, but a concurrent mutation
		// or a bug in acquireSecret could still surface it here.
		return fmt.Errorf("bootstrap: %w", err)
	}
	b.master = master
	b.ready = true

	if err := b.pushToSharedDB(ctx); err != nil {
		return fmt.Errorf("bootstrap: PUSH_TO_SHARED_DB: %w", err)
	}

	if err := b.openLocalDB(); err != nil {
		return fmt.Errorf("bootstrap: OPEN_LOCAL_DB: %w", err)
	}

	return nil
}

// acquireSecret implements HAS_LOCAL_SECRET? == false's branch: either the
// secrets file is genuinely absent (fall through to FETCH_SHARED_DB /
// GENERATE_NEW), or it exists but cannot be unwrapped with the configured
// passphrase, which is always a fatal integrity error — a wrong
// passphrase must never cause a fresh secret to be generated, which would
// orphan the existing one.
func (b *Bootstrap) acquireSecret(ctx context.Context) error {
	loadErr := b.store.Load()
	switch {
	case loadErr == nil:
		// The file exists. If it were usable, Run's HasUsableSecret call
		// above would have already returned true, so this is an
		// unwrappable (wrong-passphrase or corrupted) secret.
		return fmt.Errorf("bootstrap: %w: secrets file exists but could not be unwrapped with the configured passphrase", ErrIntegrity)
	case errors.Is(loadErr, secretstore.ErrNotFound):
		// Genuinely no local secret. Proceed to FETCH_SHARED_DB.
	default:
		return fmt.Errorf("bootstrap: loading local secrets: %w", loadErr)
	}

	doc, err := b.fetchSharedDB(ctx)
	if err != nil {
		// FETCH's own network failures are non-fatal; see fetchSharedDB.
		return err
	}

	if doc != nil {
		if err := b.importRecovery(*doc); err != nil {
			return fmt.Errorf("bootstrap: IMPORT_RECOVERY: %w", err)
		}
		return nil
	}

	if err := b.generateNew(); err != nil {
		return fmt.Errorf("bootstrap: GENERATE_NEW: %w", err)
	}
	return nil
}

// fetchSharedDB retrieves the recovery document from the shared db.
// Network errors here are logged and treated as "missing" for this probe
// only — downstream errors (integrity failures during import) remain
// fatal.
func (b *Bootstrap) fetchSharedDB(ctx context.Context) (*secretstore.RecoveryDocument, error) {
	if b.cfg.SharedDB == nil {
		return nil, nil
	}

	b.sink.DownloadingKeys(b.cfg.Identity.UUID)
	defer b.sink.DoneDownloadingKeys(b.cfg.Identity.UUID)

	id := uuidHash(b.cfg.Identity.UUID)
	doc, err := b.cfg.SharedDB.GetDoc(ctx, id)
	if err != nil {
		if errors.Is(err, shareddb.ErrRemoteUnavailable) {
			slog.Warn("shared recovery database unreachable, treating recovery document as missing", "err", err)
			return nil, nil
		}
		return nil, fmt.Errorf("bootstrap: FETCH_SHARED_DB: %w", err)
	}
	if doc == nil {
		return nil, nil
	}

	var recovery secretstore.RecoveryDocument
	if err := json.Unmarshal(doc.Content, &recovery); err != nil {
		return nil, fmt.Errorf("bootstrap: FETCH_SHARED_DB: decoding recovery document: %w", err)
	}
	return &recovery, nil
}

func (b *Bootstrap) importRecovery(doc secretstore.RecoveryDocument) error {
	uuid, err := b.store.ImportRecovery(doc)
	if err != nil {
		return err
	}
	if uuid != "" {
		b.cfg.Identity.UUID = uuid
	}
	return nil
}

func (b *Bootstrap) generateNew() error {
	b.sink.CreatingKeys(b.cfg.Identity.UUID)
	_, err := b.store.Generate()
	b.sink.DoneCreatingKeys(b.cfg.Identity.UUID)
	return err
}

// pushToSharedDB writes the current exported recovery document (without
// uuid) to the shared db. Unlike FETCH, failure here is fatal: the master
// secret must exist in both places before the local db opens, or a device
// crash between generation and upload would lose the user's data
// irrecoverably.
func (b *Bootstrap) pushToSharedDB(ctx context.Context) error {
	if b.cfg.SharedDB == nil {
		return nil
	}

	b.sink.UploadingKeys(b.cfg.Identity.UUID)
	defer b.sink.DoneUploadingKeys(b.cfg.Identity.UUID)

	recovery := b.store.ExportRecovery(b.cfg.Identity.UUID, false)
	content, err := json.Marshal(recovery)
	if err != nil {
		return fmt.Errorf("marshaling recovery document: %w", err)
	}

	doc := &shareddb.Doc{ID: uuidHash(b.cfg.Identity.UUID), Content: content}
	if err := b.cfg.SharedDB.PutDoc(ctx, doc); err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

func (b *Bootstrap) openLocalDB() error {
	key, err := keyderivation.LocalDBKey(b.master)
	if err != nil {
		return fmt.Errorf("deriving local db key: %w", err)
	}

	handle, err := localdb.Open(b.cfg.LocalDBPath, hex.EncodeToString(key), b.cfg.LocalDBOpts)
	if err != nil {
		return fmt.Errorf("opening local database: %w", err)
	}
	b.localDB = handle
	return nil
}

func (b *Bootstrap) initDirs() error {
	for _, p := range []string{b.cfg.SecretsPath, b.cfg.LocalDBPath} {
		dir := filepath.Dir(p)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
	}
	return nil
}

// LocalDB returns the opened local-database handle. Valid only after Run
// has returned successfully.
func (b *Bootstrap) LocalDB() localdb.Handle {
	return b.localDB
}

// ActiveSecretID returns the id of the secret Bootstrap is using.
func (b *Bootstrap) ActiveSecretID() string {
	return b.store.ActiveSecretID()
}

// DocPassphrase derives the symmetric passphrase used to encrypt a
// document before it leaves the device. Returns ErrNoSymmetricSecret if
// called before Run has reached Ready.
func (b *Bootstrap) DocPassphrase(docID string) ([]byte, error) {
	if !b.ready {
		return nil, ErrNoSymmetricSecret
	}
	return keyderivation.DocPassphrase(b.master, docID)
}

// DocMACKey derives the key used to authenticate a document with
// HMAC-SHA256. Returns ErrNoSymmetricSecret if called before Run has
// reached Ready.
func (b *Bootstrap) DocMACKey(docID string) ([]byte, error) {
	if !b.ready {
		return nil, ErrNoSymmetricSecret
	}
	return keyderivation.DocMACKey(b.master, docID)
}

// Close releases the local-database handle. Idempotent, matching the
// teacher's close()/__del__ pattern for the sqlite state object.
func (b *Bootstrap) Close() error {
	if b.localDB == nil {
		return nil
	}
	err := b.localDB.Close()
	b.localDB = nil
	return err
}

func uuidHash(uuid string) string {
	sum := sha256.Sum256([]byte(secretsDocIDHashPrefix + uuid))
	return hex.EncodeToString(sum[:])
}
