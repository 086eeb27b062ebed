// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package secretstore owns the in-memory map of wrapped master secrets, the
// active secret selection, the user passphrase, and the on-disk secrets
// file. It is the only component that persists anything to disk or holds a
// passphrase in memory; keyderivation and symcrypto beneath it are pure.
package secretstore

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapcode/keyvaultd/internal/keyderivation"
	"github.com/leapcode/keyvaultd/internal/symcrypto"
)

// randRead is a seam for tests; production code always uses crypto/rand.
var randRead = rand.Read

// ErrNotFound is returned by Load when the secrets file does not exist on
// disk. It is a control-flow signal, not a fatal error: callers (Bootstrap)
// are expected to fall through to fetching from the shared recovery
// database when they see it.
var ErrNotFound = errors.New("secretstore: secrets file not found")

// ErrIntegrity is returned when a WrappedSecret cannot be unwrapped with
// the known passphrase, or when its secret_id does not match the hash of
// its decrypted contents. Always fatal.
var ErrIntegrity = errors.New("secretstore: secret integrity check failed")

const (
	storageSecretsKey = "storage_secrets"
	kdfName           = "scrypt"
	cipherName        = "aes256"
	ivSeparator       = ":"
)

// WrappedSecret is the on-wire/on-disk form of a MasterSecret, wrapped
// under a user passphrase via scrypt + AES-256-CTR.
type WrappedSecret struct {
	KDF       string `json:"kdf"`
	KDFSalt   string `json:"kdf_salt"`
	KDFLength int    `json:"kdf_length"`
	Cipher    string `json:"cipher"`
	Length    int    `json:"length"`
	// Secret is "<base64(iv)>:<base64(ciphertext)>". Only the first ':' is
	// the separator; everything after it is decoded as one base64 value.
	Secret string `json:"secret"`
}

// secretsFileWire is the on-disk JSON shape: only the map is persisted,
// under the "storage_secrets" key. active_secret_id is never serialized.
type secretsFileWire struct {
	StorageSecrets map[string]WrappedSecret `json:"storage_secrets"`
}

// RecoveryDocument is the shared-db payload used for cross-device
// recovery. UUID is optional on export; when present on import, it
// overrides the local user identity.
type RecoveryDocument struct {
	StorageSecrets map[string]WrappedSecret `json:"storage_secrets"`
	UUID           *string                  `json:"uuid,omitempty"`

	// order records storage_secrets' key order as it appeared on the wire,
	// so ImportRecovery can pick a deterministic first entry instead of
	// relying on Go's randomized map iteration. It is populated by
	// UnmarshalJSON and is empty for documents built directly (e.g. via
	// ExportRecovery or a struct literal in tests).
	order []string
}

// UnmarshalJSON decodes doc the usual way, plus records storage_secrets'
// key order from the raw bytes before it collapses into a Go map.
func (doc *RecoveryDocument) UnmarshalJSON(data []byte) error {
	var wire struct {
		StorageSecrets json.RawMessage `json:"storage_secrets"`
		UUID           *string         `json:"uuid,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var secrets map[string]WrappedSecret
	if len(wire.StorageSecrets) > 0 {
		if err := json.Unmarshal(wire.StorageSecrets, &secrets); err != nil {
			return err
		}
	}
	order, err := orderedObjectKeys(wire.StorageSecrets)
	if err != nil {
		return fmt.Errorf("secretstore: parsing storage_secrets: %w", err)
	}

	doc.StorageSecrets = secrets
	doc.UUID = wire.UUID
	doc.order = order
	return nil
}

// orderedObjectKeys returns a JSON object's top-level keys in file order.
// Used to pick a deterministic first entry from storage_secrets maps, whose
// Go representation no longer carries that order once unmarshaled.
func orderedObjectKeys(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a json object")
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string key")
		}
		keys = append(keys, key)

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, fmt.Errorf("skipping value for %q: %w", key, err)
		}
	}
	return keys, nil
}

// Store owns the secrets map, the active secret id, and the passphrase.
// All operations assume single-threaded access; concurrent mutation from
// multiple goroutines is a caller error.
type Store struct {
	path       string
	passphrase []byte

	secrets  map[string]WrappedSecret
	activeID string
}

// New constructs a Store bound to the secrets file at path, using
// passphrase to wrap and unwrap the active secret.
func New(path string, passphrase []byte) *Store {
	return &Store{
		path:       path,
		passphrase: passphrase,
		secrets:    make(map[string]WrappedSecret),
	}
}

// ActiveSecretID returns the currently selected secret id, or "" if none
// has been selected yet.
func (s *Store) ActiveSecretID() string {
	return s.activeID
}

// HasUsableSecret reports whether a secret is selected and can be
// unwrapped with the current passphrase. If none is selected yet, it
// attempts to Load from disk first.
func (s *Store) HasUsableSecret() (bool, error) {
	if _, ok := s.secrets[s.activeID]; s.activeID == "" || !ok {
		if err := s.Load(); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	if s.activeID == "" {
		return false, nil
	}
	if _, err := s.GetMaster(); err != nil {
		if errors.Is(err, ErrIntegrity) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Load reads the secrets file from disk and merges its entries into the
// in-memory map. If no active secret id is set, it picks the first entry
// in file order (the file's actual key order, not Go's randomized map
// iteration). Returns ErrNotFound if the file does not exist.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("secretstore: reading %s: %w", s.path, err)
	}

	var raw struct {
		StorageSecrets json.RawMessage `json:"storage_secrets"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("secretstore: parsing %s: %w", s.path, err)
	}

	var secrets map[string]WrappedSecret
	if len(raw.StorageSecrets) > 0 {
		if err := json.Unmarshal(raw.StorageSecrets, &secrets); err != nil {
			return fmt.Errorf("secretstore: parsing %s: %w", s.path, err)
		}
	}
	keys, err := orderedObjectKeys(raw.StorageSecrets)
	if err != nil {
		return fmt.Errorf("secretstore: parsing %s: %w", s.path, err)
	}

	order := make([]string, 0, len(keys))
	for _, id := range keys {
		ws, ok := secrets[id]
		if !ok {
			continue
		}
		if _, exists := s.secrets[id]; !exists {
			order = append(order, id)
		}
		s.secrets[id] = ws
	}

	if s.activeID == "" && len(order) > 0 {
		s.activeID = order[0]
	}
	return nil
}

// GetMaster unwraps the active WrappedSecret using the store's passphrase
// and returns the plaintext master secret. A mismatch between the
// recovered secret_id and the hash of the decrypted bytes is a fatal
// ErrIntegrity.
func (s *Store) GetMaster() ([]byte, error) {
	ws, ok := s.secrets[s.activeID]
	if !ok {
		return nil, fmt.Errorf("%w: no active secret %q", ErrIntegrity, s.activeID)
	}
	return s.unwrap(s.activeID, ws)
}

func (s *Store) unwrap(secretID string, ws WrappedSecret) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(ws.KDFSalt)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding kdf_salt: %v", ErrIntegrity, err)
	}

	key, err := keyderivation.WrapKey(s.passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving wrap key: %v", ErrIntegrity, err)
	}

	parts := strings.SplitN(ws.Secret, ivSeparator, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed secret field", ErrIntegrity)
	}
	ivB64, ctB64 := parts[0], parts[1]

	ciphertext, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", ErrIntegrity, err)
	}

	master, err := symcrypto.DecryptSym(ciphertext, key, ivB64, symcrypto.AES256CTR)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting: %v", ErrIntegrity, err)
	}

	if got := symcrypto.SHA256Hex(master); got != secretID {
		return nil, fmt.Errorf("%w: secret_id mismatch (have %s, want %s)", ErrIntegrity, got, secretID)
	}
	return master, nil
}

// Generate draws a fresh master secret, wraps it under the store's
// passphrase, inserts it into the map as the active secret, and persists
// the result to disk. Returns the new secret's id.
func (s *Store) Generate() (string, error) {
	secret := make([]byte, keyderivation.MasterSecretLength)
	if _, err := randRead(secret); err != nil {
		return "", fmt.Errorf("secretstore: generate: drawing master secret: %w", err)
	}
	salt := make([]byte, keyderivation.SaltLength)
	if _, err := randRead(salt); err != nil {
		return "", fmt.Errorf("secretstore: generate: drawing salt: %w", err)
	}

	secretID := symcrypto.SHA256Hex(secret)

	key, err := keyderivation.WrapKey(s.passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("secretstore: generate: %w", err)
	}

	ivB64, ciphertext, err := symcrypto.EncryptSym(secret, key)
	if err != nil {
		return "", fmt.Errorf("secretstore: generate: %w", err)
	}

	s.secrets[secretID] = WrappedSecret{
		KDF:       kdfName,
		KDFSalt:   base64.StdEncoding.EncodeToString(salt),
		KDFLength: len(key),
		Cipher:    cipherName,
		Length:    len(secret),
		Secret:    ivB64 + ivSeparator + base64.StdEncoding.EncodeToString(ciphertext),
	}
	s.activeID = secretID

	if err := s.Save(); err != nil {
		return "", err
	}
	return secretID, nil
}

// Save writes the current secrets map to disk atomically: to a temp file
// in the same directory, then renamed over the target, so a crash never
// leaves a partially-written secrets file.
func (s *Store) Save() error {
	wire := secretsFileWire{StorageSecrets: s.secrets}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("secretstore: marshaling secrets file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".soledad-secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("secretstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("secretstore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("secretstore: fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secretstore: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("secretstore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("secretstore: renaming into place: %w", err)
	}
	return nil
}

// ExportRecovery returns a RecoveryDocument over the current secrets map.
// If includeUUID is true, uuid is attached to the document.
func (s *Store) ExportRecovery(uuid string, includeUUID bool) RecoveryDocument {
	doc := RecoveryDocument{StorageSecrets: copySecrets(s.secrets)}
	if includeUUID {
		doc.UUID = &uuid
	}
	return doc
}

// ImportRecovery set-union merges doc's secrets into the local map: every
// secret_id previously known locally remains present afterward. If no
// active secret id is set locally, the first id in doc's storage_secrets
// file order is adopted (see RecoveryDocument.order; a doc built directly
// rather than decoded from JSON falls back to map iteration, since no file
// order exists to recover). The merged state is persisted. Returns the
// adopted uuid, if doc carried one.
func (s *Store) ImportRecovery(doc RecoveryDocument) (importedUUID string, err error) {
	ids := doc.order
	if ids == nil {
		ids = make([]string, 0, len(doc.StorageSecrets))
		for id := range doc.StorageSecrets {
			ids = append(ids, id)
		}
	}

	order := make([]string, 0, len(ids))
	for _, id := range ids {
		ws, ok := doc.StorageSecrets[id]
		if !ok {
			continue
		}
		if _, exists := s.secrets[id]; !exists {
			order = append(order, id)
			s.secrets[id] = ws
		}
	}

	if s.activeID == "" && len(order) > 0 {
		s.activeID = order[0]
	}

	if err := s.Save(); err != nil {
		return "", err
	}

	if doc.UUID != nil {
		return *doc.UUID, nil
	}
	return "", nil
}

func copySecrets(m map[string]WrappedSecret) map[string]WrappedSecret {
	out := make(map[string]WrappedSecret, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
