// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/leapcode/keyvaultd/internal/identity"
	"github.com/leapcode/keyvaultd/internal/localdb"
	"github.com/leapcode/keyvaultd/internal/secretstore"
	"github.com/leapcode/keyvaultd/internal/shareddb"
)

// fakeSharedDB is an in-memory shareddb.Store used to drive bootstrap
// without any real network I/O.
type fakeSharedDB struct {
	docs        map[string]*shareddb.Doc
	unreachable bool
}

func newFakeSharedDB() *fakeSharedDB {
	return &fakeSharedDB{docs: make(map[string]*shareddb.Doc)}
}

func (f *fakeSharedDB) GetDoc(_ context.Context, id string) (*shareddb.Doc, error) {
	if f.unreachable {
		return nil, shareddb.ErrRemoteUnavailable
	}
	return f.docs[id], nil
}

func (f *fakeSharedDB) PutDoc(_ context.Context, doc *shareddb.Doc) error {
	if f.unreachable {
		return shareddb.ErrRemoteUnavailable
	}
	f.docs[doc.ID] = doc
	return nil
}

func testConfig(t *testing.T, shared shareddb.Store) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Identity:    identity.UserIdentity{UUID: "u-1", Token: "tok"},
		Passphrase:  []byte("hunter2"),
		SecretsPath: filepath.Join(dir, "secrets.json"),
		LocalDBPath: filepath.Join(dir, "local.db"),
		LocalDBOpts: localdb.Options{Backend: "sqlite", DSN: ":memory:"},
		SharedDB:    shared,
	}
}

// A fresh user with no server record generates a new secret and pushes a
// recovery document to the shared db.
func TestFreshUserGeneratesSecretAndPushesRecovery(t *testing.T) {
	shared := newFakeSharedDB()
	cfg := testConfig(t, shared)

	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if b.ActiveSecretID() == "" {
		t.Fatal("expected an active secret id after bootstrap")
	}

	docID := uuidHash(cfg.Identity.UUID)
	doc, ok := shared.docs[docID]
	if !ok {
		t.Fatal("expected a recovery document to be pushed to the shared db")
	}
	var recovery secretstore.RecoveryDocument
	if err := json.Unmarshal(doc.Content, &recovery); err != nil {
		t.Fatal(err)
	}
	if recovery.UUID != nil {
		t.Fatal("pushed recovery document must not include uuid")
	}
	if _, ok := recovery.StorageSecrets[b.ActiveSecretID()]; !ok {
		t.Fatal("pushed recovery document must contain the generated secret")
	}
}

// A returning user with a local secrets file present reuses the existing
// secret (no new one is generated) and the local db opens with the
// derived key.
func TestReturningUserReusesExistingSecret(t *testing.T) {
	shared := newFakeSharedDB()
	cfg := testConfig(t, shared)

	first, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	firstID := first.ActiveSecretID()
	first.Close()

	second, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("Run (returning user): %v", err)
	}
	if second.ActiveSecretID() != firstID {
		t.Fatalf("expected the same secret id on the second run, got %s want %s", second.ActiveSecretID(), firstID)
	}
	if second.LocalDB() == nil {
		t.Fatal("expected the local database to be opened")
	}
}

// A device migration — local disk empty, shared db already holding a
// recovery document from an earlier bootstrap — must import the existing
// document rather than generating a new secret.
func TestDeviceMigrationImportsRecoveryDocument(t *testing.T) {
	shared := newFakeSharedDB()
	origCfg := testConfig(t, shared)

	orig, err := New(origCfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := orig.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	origID := orig.ActiveSecretID()
	orig.Close()

	// Simulate a new device: empty local disk, same shared db and
	// passphrase, different secrets file path.
	newDeviceCfg := origCfg
	newDeviceCfg.SecretsPath = filepath.Join(t.TempDir(), "secrets.json")
	newDeviceCfg.LocalDBPath = filepath.Join(filepath.Dir(newDeviceCfg.SecretsPath), "local.db")

	migrated, err := New(newDeviceCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer migrated.Close()
	if err := migrated.Run(context.Background()); err != nil {
		t.Fatalf("Run (migration): %v", err)
	}
	if migrated.ActiveSecretID() != origID {
		t.Fatalf("expected migrated secret id %s, got %s", origID, migrated.ActiveSecretID())
	}
}

// A wrong passphrase against an existing secrets file must fail with
// ErrIntegrity, never silently regenerate a secret.
func TestWrongPassphraseFailsWithIntegrityError(t *testing.T) {
	shared := newFakeSharedDB()
	cfg := testConfig(t, shared)

	orig, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := orig.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	orig.Close()

	wrongCfg := cfg
	wrongCfg.Passphrase = []byte("wrong")
	b, err := New(wrongCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	err = b.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail with the wrong passphrase")
	}
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

// Per-document keys must be stable across calls for the same master and
// doc id, and unavailable before Run has reached Ready.
func TestDocKeyDerivationStableAndGatedUntilReady(t *testing.T) {
	shared := newFakeSharedDB()
	cfg := testConfig(t, shared)

	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := b.DocPassphrase("doc-1"); !errors.Is(err, ErrNoSymmetricSecret) {
		t.Fatalf("expected ErrNoSymmetricSecret before Run, got %v", err)
	}

	if err := b.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	p1, err := b.DocPassphrase("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := b.DocPassphrase("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(p1) != string(p2) {
		t.Fatal("doc passphrase must be stable across calls")
	}
}

// PUSH_TO_SHARED_DB failure is fatal even though FETCH_SHARED_DB failure
// is tolerated.
func TestPushToSharedDBFailureIsFatal(t *testing.T) {
	shared := newFakeSharedDB()
	cfg := testConfig(t, shared)

	shared.unreachable = true
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	err = b.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail when the shared db is unreachable during PUSH")
	}
}
