// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package keyderivation maps a master secret, a user passphrase, and a
// document id to the sub-keys that protect local and remote storage. Every
// function here is pure and deterministic: no I/O, no package-level state.
//
// The offsets below partition MasterSecret and are load-bearing for
// interoperability with previously persisted secrets files — they must
// never be reordered.
package keyderivation

import (
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/leapcode/keyvaultd/internal/symcrypto"
)

const (
	// MasterSecretLength is the total length in bytes of a MasterSecret.
	MasterSecretLength = 1024
	// RemoteStorageSecretLength is the length of the remote-storage secret
	// slice at the head of the master secret.
	RemoteStorageSecretLength = 512
	// SaltLength is the length of the local-db KDF salt slice.
	SaltLength = 64
	// LocalStorageSecretLength is the length of the local-db region counted
	// from RemoteStorageSecretLength: the SaltLength-byte salt followed by
	// the KDF password material, which runs to the end of the master.
	LocalStorageSecretLength = MasterSecretLength - RemoteStorageSecretLength
	// MACKeyLength is the length of the MAC key slice used by doc_mac_key,
	// and the offset at which doc_passphrase's key slice begins.
	MACKeyLength = 64

	// derivedKeyLength is the output size of every scrypt derivation here.
	derivedKeyLength = 32

	// scrypt parameters, matched to the reference implementation's
	// interactive-login defaults.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// WrapKey derives the 256-bit key used to wrap (encrypt) a master secret
// under a user passphrase, given the salt stored alongside the wrapped
// secret.
func WrapKey(passphrase, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, derivedKeyLength)
	if err != nil {
		return nil, fmt.Errorf("keyderivation: wrap_key: %w", err)
	}
	return key, nil
}

// LocalDBKey derives the 256-bit key used to open the local encrypted
// database, from the salt and password slices embedded in master.
// Callers must hex-encode the result before handing it to the local-db
// collaborator, which expects a raw-key-hex representation.
func LocalDBKey(master []byte) ([]byte, error) {
	if len(master) != MasterSecretLength {
		return nil, fmt.Errorf("keyderivation: local_db_key: master secret must be %d bytes, got %d", MasterSecretLength, len(master))
	}
	saltStart := RemoteStorageSecretLength
	saltEnd := saltStart + SaltLength
	pwdEnd := saltStart + LocalStorageSecretLength

	salt := master[saltStart:saltEnd]
	password := master[saltEnd:pwdEnd]

	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, derivedKeyLength)
	if err != nil {
		return nil, fmt.Errorf("keyderivation: local_db_key: %w", err)
	}
	return key, nil
}

// DocPassphrase derives the 32-byte symmetric key used to encrypt a
// document's contents before it is synced, keyed with the slice of master
// between MACKeyLength and RemoteStorageSecretLength.
func DocPassphrase(master []byte, docID string) ([]byte, error) {
	if len(master) != MasterSecretLength {
		return nil, fmt.Errorf("keyderivation: doc_passphrase: master secret must be %d bytes, got %d", MasterSecretLength, len(master))
	}
	key := master[MACKeyLength:RemoteStorageSecretLength]
	return symcrypto.HMACSHA256(key, []byte(docID)), nil
}

// DocMACKey derives the 32-byte key used to MAC a document whose id is
// docID, keyed with the first MACKeyLength bytes of master.
func DocMACKey(master []byte, docID string) ([]byte, error) {
	if len(master) != MasterSecretLength {
		return nil, fmt.Errorf("keyderivation: doc_mac_key: master secret must be %d bytes, got %d", MasterSecretLength, len(master))
	}
	key := master[:MACKeyLength]
	return symcrypto.HMACSHA256(key, []byte(docID)), nil
}
