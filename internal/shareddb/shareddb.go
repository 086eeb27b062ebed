// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package shareddb is the client for the untrusted shared recovery
// database: an external key-value document store holding wrapped master
// secrets indexed by a uuid-derived id, so a user can recover key material
// on a new device given only their passphrase and uuid.
//
// Store is a narrow contract (get_doc/put_doc); HTTPStore is the concrete
// implementation used in production, built on
// hashicorp/go-retryablehttp for resilience against transient network
// failures and rate-limited with golang.org/x/time/rate so a bootstrap
// storm doesn't hammer the recovery service.
package shareddb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/leapcode/keyvaultd/internal/tlsconfig"
)

// ErrRemoteUnavailable wraps any network-level failure talking to the
// shared recovery database. Whether it is tolerated (FETCH) or fatal
// (PUSH) is a decision made by the bootstrap state machine, not here.
var ErrRemoteUnavailable = errors.New("shareddb: remote unavailable")

// Doc is a document in the shared recovery database.
type Doc struct {
	ID      string
	Rev     string
	Content json.RawMessage
}

// Creds are the token-based credentials sent on every request.
type Creds struct {
	UUID  string
	Token string
}

// Store is the external shared-db collaborator contract. GetDoc returns
// (nil, nil) when no document exists at id; it does not treat a missing
// document as an error.
type Store interface {
	GetDoc(ctx context.Context, id string) (*Doc, error)
	PutDoc(ctx context.Context, doc *Doc) error
}

// HTTPStore implements Store against an HTTP key-value document service.
type HTTPStore struct {
	baseURL string
	creds   Creds
	client  *retryablehttp.Client
	limiter *rate.Limiter
}

// Option configures an HTTPStore at construction time.
type Option func(*HTTPStore)

// WithRetryMax overrides the default retry count.
func WithRetryMax(n int) Option {
	return func(s *HTTPStore) { s.client.RetryMax = n }
}

// WithRateLimit overrides the default shared-db request rate limit.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(s *HTTPStore) { s.limiter = rate.NewLimiter(r, burst) }
}

// NewHTTPStore builds an HTTPStore rooted at baseURL (e.g.
// "https://soledad.example.org/shared"), authenticating with creds and
// validating the server's TLS certificate per tlsCfg.
func NewHTTPStore(baseURL string, creds Creds, tlsCfg tlsconfig.TlsConfig, opts ...Option) (*HTTPStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("shareddb: base url is required")
	}
	tc, err := tlsCfg.ClientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("shareddb: %w", err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Transport = &http.Transport{TLSClientConfig: tc}
	client.HTTPClient.Timeout = 15 * time.Second

	s := &HTTPStore{
		baseURL: baseURL,
		creds:   creds,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetDoc fetches the document at id. A 404 response is reported as
// (nil, nil), matching the "get_doc(id) -> Doc | null" contract.
func (s *HTTPStore) GetDoc(ctx context.Context, id string) (*Doc, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.docURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrRemoteUnavailable, err)
	}
	s.authenticate(req.Request)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRemoteUnavailable, err)
	}

	var doc Doc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRemoteUnavailable, err)
	}
	doc.ID = id
	return &doc, nil
}

// PutDoc creates or overwrites the document at doc.ID.
func (s *HTTPStore) PutDoc(ctx context.Context, doc *Doc) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("shareddb: marshaling doc: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, s.docURL(doc.ID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrRemoteUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authenticate(req.Request)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: unexpected status %d", ErrRemoteUnavailable, resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) docURL(id string) string {
	return s.baseURL + "/" + url.PathEscape(id)
}

func (s *HTTPStore) authenticate(r *http.Request) {
	r.Header.Set("Authorization", "Token token="+s.creds.Token)
	r.Header.Set("X-Soledad-UUID", s.creds.UUID)
}
