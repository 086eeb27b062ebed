// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package identity holds the UserIdentity value passed unmodified to the
// remote collaborators (shared recovery db, local replica sync) as
// credentials. It has no behavior of its own beyond generating a fresh
// uuid on first run.
package identity

import "github.com/google/uuid"

// UserIdentity identifies a user to the remote collaborators. Both fields
// are opaque to the cryptographic core; they are passed through unchanged.
type UserIdentity struct {
	UUID  string
	Token string
}

// New generates a fresh UserIdentity with a random UUID and the given
// token. Used on first run, before any secrets file or shared-db record
// exists.
func New(token string) UserIdentity {
	return UserIdentity{
		UUID:  uuid.NewString(),
		Token: token,
	}
}
