// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package symcrypto implements the symmetric cryptographic primitives used
// to wrap the master secret and, layered above it, to protect individual
// synced documents. It has no knowledge of key derivation or storage; it
// only operates on raw key and plaintext/ciphertext byte strings.
package symcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// EncryptionMethod identifies the symmetric cipher used to protect a blob.
// Carried on the wire for forward compatibility with future methods.
type EncryptionMethod string

// AES256CTR is the only encryption method currently supported.
const AES256CTR EncryptionMethod = "aes-256-ctr"

const (
	keyLength = 32 // 256 bits
	ivLength  = 8  // 64-bit IV, used as the CTR counter prefix
)

var (
	// ErrWrongKeySize is returned when a key is not 32 bytes (256 bits).
	ErrWrongKeySize = errors.New("symcrypto: wrong key size, must be 256 bits")
	// ErrMissingIV is returned by DecryptSym when no IV was supplied.
	ErrMissingIV = errors.New("symcrypto: missing initial value")
	// ErrUnknownEncryptionMethod is returned for any method tag other than AES256CTR.
	ErrUnknownEncryptionMethod = errors.New("symcrypto: unknown encryption method")
)

// EncryptSym encrypts data with key using AES-256 in CTR mode. The returned
// ivB64 is the base64 encoding of the 8-byte random IV that forms the
// counter's prefix; the remaining 64 bits of the counter start at zero.
//
// EncryptSym does not provide authentication. Callers that need integrity
// must layer an HMAC (see HMACSHA256) over the ciphertext themselves.
func EncryptSym(data, key []byte) (ivB64 string, ciphertext []byte, err error) {
	if len(key) != keyLength {
		return "", nil, fmt.Errorf("%w: got %d bits", ErrWrongKeySize, len(key)*8)
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", nil, fmt.Errorf("symcrypto: generating iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", nil, fmt.Errorf("symcrypto: creating cipher: %w", err)
	}

	ctr := cipher.NewCTR(block, counterIV(iv))
	ciphertext = make([]byte, len(data))
	ctr.XORKeyStream(ciphertext, data)

	return base64.StdEncoding.EncodeToString(iv), ciphertext, nil
}

// DecryptSym decrypts ciphertext with key and the base64-encoded IV
// previously returned by EncryptSym. It does not verify integrity.
func DecryptSym(ciphertext, key []byte, ivB64 string, method EncryptionMethod) ([]byte, error) {
	if method != AES256CTR {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncryptionMethod, method)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("%w: got %d bits", ErrWrongKeySize, len(key)*8)
	}
	if ivB64 == "" {
		return nil, ErrMissingIV
	}

	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("symcrypto: decoding iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("symcrypto: creating cipher: %w", err)
	}

	ctr := cipher.NewCTR(block, counterIV(iv))
	plaintext := make([]byte, len(ciphertext))
	ctr.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// counterIV pads an 8-byte IV prefix to the 16-byte block size CTR expects,
// mirroring a 64-bit counter starting at zero with the IV as its prefix.
func counterIV(iv []byte) []byte {
	full := make([]byte, aes.BlockSize)
	copy(full, iv)
	return full
}

// HMACSHA256 computes HMAC-SHA256(key, message).
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
