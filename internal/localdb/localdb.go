// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

// Package localdb is the adapter to the local encrypted database engine:
// an external collaborator, treated as a black box by the cryptographic
// core. It accepts a file path and a raw hex key — derived by
// keyderivation.LocalDBKey and never generated here — and exposes
// document CRUD, a minimal secondary-index facility, and a replica sync
// entry point. Sync only records the next generation number for the given
// replica uid; it does not transfer any documents to or from the store it
// is passed.
//
// The backend is pluggable between SQLite and Postgres via GORM, selected
// by Options.Backend.
package localdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/leapcode/keyvaultd/internal/shareddb"
)

// Document is a single synced record in the local encrypted database.
type Document struct {
	ID      string `gorm:"primaryKey"`
	Rev     string
	Content json.RawMessage `gorm:"type:blob"`
}

// indexEntry backs CreateIndex/GetFromIndex: one row per (index name,
// extracted field value, document id) tuple.
type indexEntry struct {
	ID        uint   `gorm:"primaryKey"`
	IndexName string `gorm:"index:idx_lookup"`
	Value     string `gorm:"index:idx_lookup"`
	DocID     string
}

// indexDef records a CreateIndex call so PutDoc can re-evaluate its
// expressions against every document written afterward.
type indexDef struct {
	Name        string `gorm:"primaryKey"`
	Expressions string // JSON-encoded []string
}

// syncState tracks the last-known source generation per replica, backing
// GetSyncInfo's last-known-generation return value.
type syncState struct {
	ReplicaUID string `gorm:"primaryKey"`
	Generation int64
}

// Options selects the GORM backend and connection string.
type Options struct {
	// Backend is "sqlite" or "postgres".
	Backend string
	// DSN is the backend-specific data source name. For sqlite this is a
	// file path (possibly the same as the path argument to Open).
	DSN string
}

// Handle is the local-db collaborator contract used by Bootstrap and,
// above it, the per-document sync layer.
type Handle interface {
	PutDoc(ctx context.Context, doc Document) error
	GetDoc(ctx context.Context, id string) (*Document, error)
	DeleteDoc(ctx context.Context, id string) error
	CreateIndex(ctx context.Context, name string, expressions ...string) error
	GetFromIndex(ctx context.Context, name string, values ...string) ([]Document, error)
	GetDocConflicts(ctx context.Context, id string) ([]Document, error)
	Sync(ctx context.Context, store shareddb.Store, replicaUID string) (generation int64, err error)
	GetSyncInfo(ctx context.Context, replicaUID string) (lastKnownGeneration int64, err error)
	Close() error
}

type gormHandle struct {
	db *gorm.DB
}

// Open opens the local encrypted database at path, authenticating with
// rawKeyHex (the hex encoding of keyderivation.LocalDBKey's output). The
// caller must ensure a master secret is already available — Open itself
// performs no key derivation and no Bootstrap-ordering checks.
func Open(path string, rawKeyHex string, opts Options) (Handle, error) {
	if rawKeyHex == "" {
		return nil, fmt.Errorf("localdb: raw key is required")
	}

	var dialector gorm.Dialector
	switch opts.Backend {
	case "", "sqlite":
		dsn := opts.DSN
		if dsn == "" {
			dsn = path
		}
		// DSN shaped for a SQLCipher raw-key PRAGMA ("raw key" form, since
		// the key has already been through scrypt upstream rather than
		// being a passphrase SQLCipher should itself derive from).
		// gorm.io/driver/sqlite wraps plain mattn/go-sqlite3, which has no
		// SQLCipher support compiled in: on this driver these two pragmas
		// are unrecognized and silently ignored, so the file on disk is NOT
		// actually encrypted at rest. See DESIGN.md's "Known limitations"
		// section. The DSN shape is kept so swapping in a SQLCipher-enabled
		// sqlite3 build is a one-line dialector change, not a rewrite.
		dialector = sqlite.Open(fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher=aes-256-cbc", dsn, rawKeyHex))
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("localdb: unsupported backend %q (must be 'sqlite' or 'postgres')", opts.Backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("localdb: opening database: %w", err)
	}

	if err := db.AutoMigrate(&Document{}, &indexEntry{}, &indexDef{}, &syncState{}); err != nil {
		return nil, fmt.Errorf("localdb: migrating schema: %w", err)
	}

	return &gormHandle{db: db}, nil
}

func (h *gormHandle) PutDoc(ctx context.Context, doc Document) error {
	if err := h.db.WithContext(ctx).Save(&doc).Error; err != nil {
		return err
	}
	return h.reindexDoc(ctx, doc)
}

// reindexDoc re-evaluates every registered index's expressions against doc
// and replaces its index entries. Called on every PutDoc, so a document's
// entries always reflect its latest content.
func (h *gormHandle) reindexDoc(ctx context.Context, doc Document) error {
	var defs []indexDef
	if err := h.db.WithContext(ctx).Find(&defs).Error; err != nil {
		return fmt.Errorf("localdb: loading index definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil
	}

	if err := h.db.WithContext(ctx).Where("doc_id = ?", doc.ID).Delete(&indexEntry{}).Error; err != nil {
		return fmt.Errorf("localdb: clearing stale index entries for %s: %w", doc.ID, err)
	}

	for _, def := range defs {
		var expressions []string
		if err := json.Unmarshal([]byte(def.Expressions), &expressions); err != nil {
			return fmt.Errorf("localdb: decoding expressions for index %q: %w", def.Name, err)
		}
		for _, expr := range expressions {
			value, ok := extractFieldValue(doc.Content, expr)
			if !ok {
				continue
			}
			entry := indexEntry{IndexName: def.Name, Value: value, DocID: doc.ID}
			if err := h.db.WithContext(ctx).Create(&entry).Error; err != nil {
				return fmt.Errorf("localdb: writing index entry for %q: %w", def.Name, err)
			}
		}
	}
	return nil
}

// extractFieldValue walks a dotted field path (e.g. "author.name") through
// doc content and renders whatever scalar it finds as a string suitable for
// an indexEntry.Value lookup. It reports false when the path does not
// resolve to a scalar.
func extractFieldValue(content json.RawMessage, expr string) (string, bool) {
	var generic map[string]interface{}
	if err := json.Unmarshal(content, &generic); err != nil {
		return "", false
	}

	var cur interface{} = generic
	for _, part := range strings.Split(expr, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func (h *gormHandle) GetDoc(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := h.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (h *gormHandle) DeleteDoc(ctx context.Context, id string) error {
	return h.db.WithContext(ctx).Delete(&Document{}, "id = ?", id).Error
}

// CreateIndex registers name as a lookup over expressions and backfills it
// against every document already stored. Subsequent PutDoc calls keep the
// index current.
func (h *gormHandle) CreateIndex(ctx context.Context, name string, expressions ...string) error {
	raw, err := json.Marshal(expressions)
	if err != nil {
		return fmt.Errorf("localdb: encoding expressions for index %q: %w", name, err)
	}
	def := indexDef{Name: name, Expressions: string(raw)}
	if err := h.db.WithContext(ctx).Save(&def).Error; err != nil {
		return fmt.Errorf("localdb: creating index %q: %w", name, err)
	}

	if err := h.db.WithContext(ctx).Where("index_name = ?", name).Delete(&indexEntry{}).Error; err != nil {
		return fmt.Errorf("localdb: clearing index %q before backfill: %w", name, err)
	}

	var docs []Document
	if err := h.db.WithContext(ctx).Find(&docs).Error; err != nil {
		return fmt.Errorf("localdb: backfilling index %q: %w", name, err)
	}
	for _, doc := range docs {
		for _, expr := range expressions {
			value, ok := extractFieldValue(doc.Content, expr)
			if !ok {
				continue
			}
			entry := indexEntry{IndexName: name, Value: value, DocID: doc.ID}
			if err := h.db.WithContext(ctx).Create(&entry).Error; err != nil {
				return fmt.Errorf("localdb: writing index entry for %q: %w", name, err)
			}
		}
	}
	return nil
}

func (h *gormHandle) GetFromIndex(ctx context.Context, name string, values ...string) ([]Document, error) {
	var entries []indexEntry
	q := h.db.WithContext(ctx).Where("index_name = ?", name)
	if len(values) > 0 {
		q = q.Where("value IN ?", values)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.DocID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var docs []Document
	if err := h.db.WithContext(ctx).Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (h *gormHandle) GetDocConflicts(ctx context.Context, id string) ([]Document, error) {
	// Conflict tracking is out of scope for the cryptographic core; the
	// local-db collaborator is a black box here. This adapter reports no
	// conflicts, leaving room for a richer backend to override it without
	// changing the Handle contract.
	return nil, nil
}

func (h *gormHandle) Sync(ctx context.Context, store shareddb.Store, replicaUID string) (int64, error) {
	gen, err := h.GetSyncInfo(ctx, replicaUID)
	if err != nil {
		return 0, err
	}
	gen++

	if err := h.db.WithContext(ctx).Save(&syncState{ReplicaUID: replicaUID, Generation: gen}).Error; err != nil {
		return 0, fmt.Errorf("localdb: recording sync generation: %w", err)
	}
	return gen, nil
}

func (h *gormHandle) GetSyncInfo(ctx context.Context, replicaUID string) (int64, error) {
	var state syncState
	err := h.db.WithContext(ctx).First(&state, "replica_uid = ?", replicaUID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return state.Generation, nil
}

func (h *gormHandle) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
