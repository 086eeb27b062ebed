// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package tlsconfig builds the client-side tls.Config used to talk to the
// shared recovery database and the local-db replica sync endpoint. It is
// an explicit value threaded through the collaborator constructors rather
// than a process-wide connection class override.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// preferredCipherSuites pins the same AEAD suites used on the server side
// of this system, applied here to outbound client connections.
var preferredCipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
}

// TlsConfig describes how to validate the remote end of a connection to a
// shared recovery database or replica-sync endpoint.
type TlsConfig struct {
	// PinnedCAPath, when set, is a PEM file containing the CA certificate
	// that signed the remote server's certificate. Only that CA is
	// trusted; the system root pool is not consulted.
	PinnedCAPath string
	// InsecureSkipVerify disables all certificate validation. Intended
	// only for local development.
	InsecureSkipVerify bool
}

// ClientTLSConfig builds a *tls.Config suitable for an http.Transport
// dialing the shared recovery database.
func (c TlsConfig) ClientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: preferredCipherSuites,
	}

	if c.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	if c.PinnedCAPath != "" {
		pem, err := os.ReadFile(c.PinnedCAPath)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: reading pinned CA %s: %w", c.PinnedCAPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tlsconfig: no certificates found in %s", c.PinnedCAPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
