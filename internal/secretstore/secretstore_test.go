// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package secretstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leapcode/keyvaultd/internal/keyderivation"
	"github.com/leapcode/keyvaultd/internal/symcrypto"
)

func tempSecretsPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "secrets.json")
}

func TestGenerateThenLoadRoundTrip(t *testing.T) {
	path := tempSecretsPath(t)
	store := New(path, []byte("hunter2"))

	id, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	master, err := store.GetMaster()
	if err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	if got := symcrypto.SHA256Hex(master); got != id {
		t.Fatalf("secret_id mismatch: got %s want %s", got, id)
	}

	// Reload from a fresh in-memory Store with the same passphrase, as a
	// returning user on the same device would.
	reloaded := New(path, []byte("hunter2"))
	ok, err := reloaded.HasUsableSecret()
	if err != nil {
		t.Fatalf("HasUsableSecret: %v", err)
	}
	if !ok {
		t.Fatal("expected usable secret after reload with correct passphrase")
	}
	if reloaded.ActiveSecretID() != id {
		t.Fatalf("expected active id %s, got %s", id, reloaded.ActiveSecretID())
	}
	reloadedMaster, err := reloaded.GetMaster()
	if err != nil {
		t.Fatal(err)
	}
	localKeyA, err := keyderivation.LocalDBKey(master)
	if err != nil {
		t.Fatal(err)
	}
	localKeyB, err := keyderivation.LocalDBKey(reloadedMaster)
	if err != nil {
		t.Fatal(err)
	}
	if string(localKeyA) != string(localKeyB) {
		t.Fatal("local_db_key must match across reload")
	}
}

func TestLoadMissingFileReturnsErrNotFound(t *testing.T) {
	store := New(tempSecretsPath(t), []byte("anything"))
	err := store.Load()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// A wrong passphrase must not regenerate a secret silently.
func TestHasUsableSecretWrongPassphrase(t *testing.T) {
	path := tempSecretsPath(t)
	original := New(path, []byte("hunter2"))
	if _, err := original.Generate(); err != nil {
		t.Fatal(err)
	}

	wrong := New(path, []byte("wrong"))
	ok, err := wrong.HasUsableSecret()
	if err != nil {
		t.Fatalf("HasUsableSecret must not surface an error here, got %v", err)
	}
	if ok {
		t.Fatal("expected HasUsableSecret to be false for the wrong passphrase")
	}

	_, err = wrong.GetMaster()
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity from GetMaster, got %v", err)
	}
}

// An embedded ':' inside the ciphertext field must not be treated as
// another separator: store.unwrap (reached via GetMaster) splits the wire
// "secret" field on the first ':' only, handing everything after it to the
// base64 decoder as a single value. If it instead split on every ':', the
// bogus ciphertext below would be truncated back down to the real,
// validly-encoded ciphertext and GetMaster would succeed; it must not.
func TestUnwrapSplitsOnFirstSeparatorOnly(t *testing.T) {
	path := tempSecretsPath(t)
	store := New(path, []byte("hunter2"))
	id, err := store.Generate()
	if err != nil {
		t.Fatal(err)
	}

	ws := store.secrets[id]
	sep := strings.IndexByte(ws.Secret, ':')
	if sep < 0 {
		t.Fatal("expected a ':' separator in generated secret")
	}
	ivB64, ctB64 := ws.Secret[:sep], ws.Secret[sep+1:]

	ws.Secret = ivB64 + ivSeparator + ctB64 + ":" + ctB64
	store.secrets[id] = ws

	_, err = store.GetMaster()
	if err == nil {
		t.Fatal("expected GetMaster to fail once the ciphertext field contains an embedded ':'")
	}
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if !strings.Contains(err.Error(), "decoding ciphertext") {
		t.Fatalf("expected the failure to come from decoding the (unsplit) ciphertext field, got %v", err)
	}
}

// A freshly generated secret is written with exactly one entry whose
// secret_id equals sha256_hex(master).
func TestGenerateWritesExactlyOneEntry(t *testing.T) {
	path := tempSecretsPath(t)
	store := New(path, []byte("hunter2"))
	id, err := store.Generate()
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var wire secretsFileWire
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if len(wire.StorageSecrets) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(wire.StorageSecrets))
	}
	if _, ok := wire.StorageSecrets[id]; !ok {
		t.Fatalf("expected entry for id %s", id)
	}
}

// Merge monotonicity: after ImportRecovery, every secret_id previously in
// the store is still present.
func TestImportRecoveryMergeMonotonic(t *testing.T) {
	path := tempSecretsPath(t)
	store := New(path, []byte("hunter2"))
	localID, err := store.Generate()
	if err != nil {
		t.Fatal(err)
	}

	// Build a recovery document with an unrelated secret id.
	otherSalt := make([]byte, keyderivation.SaltLength)
	doc := RecoveryDocument{
		StorageSecrets: map[string]WrappedSecret{
			"deadbeef": {
				KDF:       "scrypt",
				KDFSalt:   base64.StdEncoding.EncodeToString(otherSalt),
				KDFLength: 32,
				Cipher:    "aes256",
				Length:    1024,
				Secret:    "AAAAAAAA:AAAA",
			},
		},
	}

	if _, err := store.ImportRecovery(doc); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.secrets[localID]; !ok {
		t.Fatal("importing a recovery document must not remove a locally known secret")
	}
	if _, ok := store.secrets["deadbeef"]; !ok {
		t.Fatal("expected imported secret to be present")
	}
	// The active id must remain the locally generated one since it was
	// already set before import.
	if store.ActiveSecretID() != localID {
		t.Fatalf("expected active id to remain %s, got %s", localID, store.ActiveSecretID())
	}
}

// Importing a recovery document into an empty store (disk empty, as on a
// new device) adopts its first id as active when none is set locally.
func TestImportRecoveryAdoptsActiveWhenUnset(t *testing.T) {
	path := tempSecretsPath(t)
	store := New(path, []byte("hunter2"))

	salt := make([]byte, keyderivation.SaltLength)
	doc := RecoveryDocument{
		StorageSecrets: map[string]WrappedSecret{
			"abc123": {
				KDF:       "scrypt",
				KDFSalt:   base64.StdEncoding.EncodeToString(salt),
				KDFLength: 32,
				Cipher:    "aes256",
				Length:    1024,
				Secret:    "AAAAAAAA:AAAA",
			},
		},
	}

	if _, err := store.ImportRecovery(doc); err != nil {
		t.Fatal(err)
	}
	if store.ActiveSecretID() != "abc123" {
		t.Fatalf("expected active id abc123, got %s", store.ActiveSecretID())
	}
}

// A recovery document decoded from JSON with several entries must adopt
// the first one in file order, not whatever order Go's map iteration
// happens to produce.
func TestImportRecoveryAdoptsFirstEntryInFileOrder(t *testing.T) {
	path := tempSecretsPath(t)
	store := New(path, []byte("hunter2"))

	raw := []byte(`{"storage_secrets":{` +
		`"zzz-last":{"kdf":"scrypt","kdf_salt":"AAAA","kdf_length":32,"cipher":"aes256","length":1024,"secret":"AAAAAAAA:AAAA"},` +
		`"aaa-first":{"kdf":"scrypt","kdf_salt":"AAAA","kdf_length":32,"cipher":"aes256","length":1024,"secret":"AAAAAAAA:AAAA"},` +
		`"mmm-middle":{"kdf":"scrypt","kdf_salt":"AAAA","kdf_length":32,"cipher":"aes256","length":1024,"secret":"AAAAAAAA:AAAA"}` +
		`}}`)
	var doc RecoveryDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ImportRecovery(doc); err != nil {
		t.Fatal(err)
	}
	if store.ActiveSecretID() != "zzz-last" {
		t.Fatalf("expected the first entry in file order (zzz-last) to be adopted, got %s", store.ActiveSecretID())
	}
}

// A secrets file on disk with several entries must pick the first one in
// file order on Load, not whatever order Go's map iteration happens to
// produce.
func TestLoadPicksFirstEntryInFileOrder(t *testing.T) {
	path := tempSecretsPath(t)
	raw := []byte(`{"storage_secrets":{` +
		`"zzz-last":{"kdf":"scrypt","kdf_salt":"AAAA","kdf_length":32,"cipher":"aes256","length":1024,"secret":"AAAAAAAA:AAAA"},` +
		`"aaa-first":{"kdf":"scrypt","kdf_salt":"AAAA","kdf_length":32,"cipher":"aes256","length":1024,"secret":"AAAAAAAA:AAAA"}` +
		`}}`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	store := New(path, []byte("hunter2"))
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if store.ActiveSecretID() != "zzz-last" {
		t.Fatalf("expected the first entry in file order (zzz-last) to be adopted, got %s", store.ActiveSecretID())
	}
}

func TestExportRecoveryIncludeUUID(t *testing.T) {
	path := tempSecretsPath(t)
	store := New(path, []byte("hunter2"))
	if _, err := store.Generate(); err != nil {
		t.Fatal(err)
	}

	withoutUUID := store.ExportRecovery("u-1", false)
	if withoutUUID.UUID != nil {
		t.Fatal("expected nil uuid when includeUUID is false")
	}

	withUUID := store.ExportRecovery("u-1", true)
	if withUUID.UUID == nil || *withUUID.UUID != "u-1" {
		t.Fatal("expected uuid u-1 when includeUUID is true")
	}
}
