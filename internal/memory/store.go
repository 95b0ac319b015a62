// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package memory is the vector memory store: a persistent embedding cache
// with cosine similarity retrieval, shared by every query the
// orchestrator runs. It also persists AnalysisNotes and Reports so a
// restarted process reuses earlier work.
//
// Entries are keyed by (document id, model version). Source documents are
// kept in their own table and never evicted, so any evicted embedding can
// be regenerated from them.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/pkg/types"
)

const dbFile = "memory.db"

// Embedding status values.
const (
	statusCommitted = "committed"
	statusPending   = "pending"
)

// Store manages the memory SQLite database.
type Store struct {
	db       *sql.DB
	dir      string
	version  string
	capacity int
	policy   string
	logger   *log.Logger

	// now is replaced in tests that need deterministic timestamps.
	now func() time.Time
}

// Open opens or creates the memory database at cfg.Dir/memory.db and
// creates the schema if it does not exist. modelVersion is the embedding
// model version the store treats as current; entries written under any
// other version are stale.
func Open(cfg types.MemoryConfig, modelVersion string, logger *log.Logger) (*Store, error) {
	if modelVersion == "" {
		return nil, fmt.Errorf("memory store needs an embedding model version")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}

	dbPath := filepath.Join(cfg.Dir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers; WAL keeps readers consistent.
	db.SetMaxOpenConns(1)

	s := newStore(db, cfg, modelVersion, logger)
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func newStore(db *sql.DB, cfg types.MemoryConfig, modelVersion string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	policy := cfg.EvictionPolicy
	if policy == "" {
		policy = PolicyLRU
	}
	return &Store{
		db:       db,
		dir:      cfg.Dir,
		version:  modelVersion,
		capacity: cfg.Capacity,
		policy:   policy,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ModelVersion returns the embedding model version the store expects.
func (s *Store) ModelVersion() string { return s.version }

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT,
			abstract TEXT,
			authors TEXT,
			date TEXT,
			backend TEXT,
			url TEXT,
			term TEXT,
			relevance REAL,
			retrieved_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			doc_id TEXT NOT NULL REFERENCES documents(id),
			model_version TEXT NOT NULL,
			vector BLOB,
			dims INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			pending_reason TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			written_at INTEGER NOT NULL,
			last_access INTEGER NOT NULL,
			PRIMARY KEY (doc_id, model_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_version_status ON embeddings(model_version, status)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_last_access ON embeddings(last_access)`,
		`CREATE TABLE IF NOT EXISTS notes (
			doc_id TEXT NOT NULL REFERENCES documents(id),
			model_version TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (doc_id, model_version)
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			query_id TEXT PRIMARY KEY,
			topic TEXT,
			degraded INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL,
			generated_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// storeErr wraps a database failure so the orchestrator classifies it as
// infrastructure. Context errors pass through so cancellation stays
// cancellation.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, faults.ErrStoreUnavailable)
}

// Upsert stores a document and its embedding in one transaction. It is
// idempotent for a given (document id, model version): a write with an
// older WrittenAt than the stored entry is ignored, so concurrent upserts
// resolve last-write-wins. A reader sees either the whole entry or none.
func (s *Store) Upsert(ctx context.Context, doc types.CandidateDocument, emb types.Embedding) error {
	if doc.ExternalID == "" {
		return fmt.Errorf("upsert: document has no external id")
	}
	if emb.DocumentID == "" {
		emb.DocumentID = doc.ExternalID
	}
	if emb.DocumentID != doc.ExternalID {
		return fmt.Errorf("upsert: embedding belongs to %q, not %q", emb.DocumentID, doc.ExternalID)
	}
	if len(emb.Vector) == 0 {
		return fmt.Errorf("upsert %s: empty vector", doc.ExternalID)
	}
	if emb.ModelVersion == "" {
		emb.ModelVersion = s.version
	}
	if emb.WrittenAt.IsZero() {
		emb.WrittenAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	if err := ensureDocument(ctx, tx, doc.ExternalID); err != nil {
		return err
	}

	// A rewrite at the same WrittenAt keeps the stored last-access time so
	// repeating an upsert leaves the store unchanged.
	written := emb.WrittenAt.UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO embeddings (doc_id, model_version, vector, dims, status, pending_reason, attempts, written_at, last_access)
		 VALUES (?, ?, ?, ?, ?, '', 0, ?, ?)
		 ON CONFLICT(doc_id, model_version) DO UPDATE SET
			vector=excluded.vector, dims=excluded.dims, status=excluded.status,
			pending_reason='', attempts=0,
			last_access=CASE
				WHEN embeddings.status = 'committed' AND excluded.written_at = embeddings.written_at
				THEN embeddings.last_access ELSE excluded.last_access END,
			written_at=excluded.written_at
		 WHERE embeddings.status = 'pending' OR excluded.written_at >= embeddings.written_at`,
		emb.DocumentID, emb.ModelVersion, encodeVector(emb.Vector), len(emb.Vector),
		statusCommitted, written, s.now().UnixNano(),
	)
	if err != nil {
		return storeErr("upserting embedding", err)
	}
	applied, err := res.RowsAffected()
	if err != nil {
		return storeErr("upserting embedding", err)
	}
	// An older write loses on the document row too.
	if applied > 0 {
		if err := upsertDocument(ctx, tx, doc); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("committing upsert", err)
	}

	if s.capacity > 0 {
		if _, err := s.Evict(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}

// ensureDocument inserts a placeholder row for id so an embedding can
// reference it. An existing row is left alone.
func ensureDocument(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id)
	if err != nil {
		return storeErr("inserting document", err)
	}
	return nil
}

func upsertDocument(ctx context.Context, tx *sql.Tx, doc types.CandidateDocument) error {
	authorsJSON, _ := json.Marshal(doc.Source.Authors)
	dateStr := ""
	if !doc.Source.Date.IsZero() {
		dateStr = doc.Source.Date.Format(time.RFC3339)
	}
	var retrieved int64
	if !doc.RetrievedAt.IsZero() {
		retrieved = doc.RetrievedAt.UnixNano()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, title, abstract, authors, date, backend, url, term, relevance, retrieved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, abstract=excluded.abstract, authors=excluded.authors,
			date=excluded.date, backend=excluded.backend, url=excluded.url,
			term=excluded.term, relevance=excluded.relevance, retrieved_at=excluded.retrieved_at`,
		doc.ExternalID, doc.Title, doc.Abstract, string(authorsJSON), dateStr,
		doc.Source.Backend, doc.Source.URL, doc.Source.Term, doc.Source.RelevanceScore, retrieved,
	)
	if err != nil {
		return storeErr("upserting document", err)
	}
	return nil
}

// Get looks up the committed embedding of id under version and refreshes
// its last-access time. A version other than the store's expected one is
// stale and reported as a miss, as is a pending entry.
func (s *Store) Get(ctx context.Context, id, version string) (types.Embedding, bool, error) {
	if version != s.version {
		return types.Embedding{}, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Embedding{}, false, storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	var (
		blob    []byte
		written int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT vector, written_at FROM embeddings
		 WHERE doc_id = ? AND model_version = ? AND status = 'committed'`,
		id, version,
	).Scan(&blob, &written)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Embedding{}, false, nil
	}
	if err != nil {
		return types.Embedding{}, false, storeErr("reading embedding", err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return types.Embedding{}, false, fmt.Errorf("decoding embedding %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE embeddings SET last_access = ? WHERE doc_id = ? AND model_version = ?`,
		s.now().UnixNano(), id, version,
	); err != nil {
		return types.Embedding{}, false, storeErr("refreshing last access", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Embedding{}, false, storeErr("committing read", err)
	}

	return types.Embedding{
		DocumentID:   id,
		ModelVersion: version,
		Vector:       vec,
		WrittenAt:    time.Unix(0, written).UTC(),
	}, true, nil
}

// Document returns the stored source document.
func (s *Store) Document(ctx context.Context, id string) (types.CandidateDocument, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, abstract, authors, date, backend, url, term, relevance, retrieved_at
		 FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CandidateDocument{}, false, nil
	}
	if err != nil {
		return types.CandidateDocument{}, false, storeErr("reading document", err)
	}
	return doc, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner, extra ...any) (types.CandidateDocument, error) {
	var (
		doc       types.CandidateDocument
		authors   sql.NullString
		date      sql.NullString
		title     sql.NullString
		abstract  sql.NullString
		backend   sql.NullString
		url       sql.NullString
		term      sql.NullString
		relevance sql.NullFloat64
		retrieved sql.NullInt64
	)
	dest := append([]any{&doc.ExternalID, &title, &abstract, &authors, &date, &backend, &url, &term, &relevance, &retrieved}, extra...)
	if err := row.Scan(dest...); err != nil {
		return doc, err
	}
	doc.Title = title.String
	doc.Abstract = abstract.String
	doc.Source.Backend = backend.String
	doc.Source.URL = url.String
	doc.Source.Term = term.String
	doc.Source.RelevanceScore = relevance.Float64
	if authors.String != "" {
		json.Unmarshal([]byte(authors.String), &doc.Source.Authors)
	}
	if date.String != "" {
		if t, err := time.Parse(time.RFC3339, date.String); err == nil {
			doc.Source.Date = t
		}
	}
	if retrieved.Int64 != 0 {
		doc.RetrievedAt = time.Unix(0, retrieved.Int64).UTC()
	}
	return doc, nil
}

// Clear removes every document, embedding, note and report.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"embeddings", "notes", "reports", "documents"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return storeErr("clearing "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("committing clear", err)
	}
	s.logger.Printf("[Memory] cleared all entries")
	return nil
}
