// Package storage persists escrow records and gateway idempotency keys in
// SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"stellarpay/escrow"
)

// ErrIdempotencyMismatch is returned when an idempotency key is reused with a
// different request payload.
var ErrIdempotencyMismatch = errors.New("storage: idempotency key reuse with different request body")

// SQLiteStore implements escrow.Store plus the gateway's idempotency cache.
type SQLiteStore struct {
	db *sql.DB
}

var _ escrow.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent compare-and-swap updates.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS escrows (
            id TEXT PRIMARY KEY,
            sender TEXT NOT NULL,
            receiver TEXT NOT NULL,
            mediator TEXT NOT NULL DEFAULT '',
            escrow_address TEXT NOT NULL,
            escrow_seed TEXT NOT NULL DEFAULT '',
            amount TEXT NOT NULL,
            status TEXT NOT NULL,
            approvals INTEGER NOT NULL DEFAULT 0,
            approved_by TEXT NOT NULL DEFAULT '[]',
            deadline INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            release_envelope TEXT NOT NULL DEFAULT '',
            release_signers TEXT NOT NULL DEFAULT '[]',
            version INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_status_deadline ON escrows(status, deadline);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const escrowColumns = `id, sender, receiver, mediator, escrow_address, escrow_seed, amount, status, approvals, approved_by, deadline, created_at, release_envelope, release_signers, version`

// Insert persists a new record, assigning a fresh id and version 0.
func (s *SQLiteStore) Insert(ctx context.Context, esc *escrow.Escrow) (string, error) {
	if esc == nil {
		return "", errors.New("storage: nil escrow")
	}
	id := strings.TrimSpace(esc.ID)
	if id == "" {
		id = uuid.NewString()
	}
	approvedBy, err := marshalList(esc.ApprovedBy)
	if err != nil {
		return "", err
	}
	signers, err := marshalList(esc.ReleaseSigners)
	if err != nil {
		return "", err
	}
	const stmt = `INSERT INTO escrows(` + escrowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
	_, err = s.db.ExecContext(ctx, stmt,
		id, esc.Sender, esc.Receiver, esc.Mediator, esc.EscrowAddress, esc.EscrowSeed,
		esc.Amount, string(esc.Status), esc.Approvals, approvedBy,
		esc.Deadline, esc.CreatedAt, esc.ReleaseEnvelope, signers,
	)
	if err != nil {
		return "", fmt.Errorf("storage: insert escrow: %w", err)
	}
	esc.ID = id
	esc.Version = 0
	return id, nil
}

// Get loads a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	const query = `SELECT ` + escrowColumns + ` FROM escrows WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	esc, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// UpdateCAS replaces the record iff the stored version matches esc.Version.
// The guard and the write are one statement, so concurrent updates on the
// same record serialize: losers observe escrow.ErrVersionConflict.
func (s *SQLiteStore) UpdateCAS(ctx context.Context, esc *escrow.Escrow) error {
	if esc == nil {
		return errors.New("storage: nil escrow")
	}
	approvedBy, err := marshalList(esc.ApprovedBy)
	if err != nil {
		return err
	}
	signers, err := marshalList(esc.ReleaseSigners)
	if err != nil {
		return err
	}
	const stmt = `UPDATE escrows SET
        status = ?, approvals = ?, approved_by = ?,
        release_envelope = ?, release_signers = ?,
        version = version + 1
        WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(esc.Status), esc.Approvals, approvedBy,
		esc.ReleaseEnvelope, signers,
		esc.ID, esc.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: update escrow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM escrows WHERE id = ?`, esc.ID)
		if err := row.Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return escrow.ErrNotFound
		}
		return escrow.ErrVersionConflict
	}
	esc.Version++
	return nil
}

// ListPending returns pending escrows in which the participant appears as
// sender, receiver or mediator.
func (s *SQLiteStore) ListPending(ctx context.Context, participant string) ([]*escrow.Escrow, error) {
	const query = `SELECT ` + escrowColumns + ` FROM escrows
        WHERE status = ? AND (sender = ? OR receiver = ? OR mediator = ?)`
	rows, err := s.db.QueryContext(ctx, query, string(escrow.StatusPending), participant, participant, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListExpiredPending returns non-terminal escrows whose deadline is at or
// before now.
func (s *SQLiteStore) ListExpiredPending(ctx context.Context, now int64) ([]*escrow.Escrow, error) {
	const query = `SELECT ` + escrowColumns + ` FROM escrows
        WHERE status IN (?, ?) AND deadline <= ?`
	rows, err := s.db.QueryContext(ctx, query, string(escrow.StatusPending), string(escrow.StatusApproved), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*escrow.Escrow, error) {
	var (
		esc        escrow.Escrow
		status     string
		approvedBy string
		signers    string
	)
	err := row.Scan(
		&esc.ID, &esc.Sender, &esc.Receiver, &esc.Mediator, &esc.EscrowAddress, &esc.EscrowSeed,
		&esc.Amount, &status, &esc.Approvals, &approvedBy,
		&esc.Deadline, &esc.CreatedAt, &esc.ReleaseEnvelope, &signers, &esc.Version,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := escrow.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	esc.Status = parsed
	if esc.ApprovedBy, err = unmarshalList(approvedBy); err != nil {
		return nil, err
	}
	if esc.ReleaseSigners, err = unmarshalList(signers); err != nil {
		return nil, err
	}
	return &esc, nil
}

func collectEscrows(rows *sql.Rows) ([]*escrow.Escrow, error) {
	var out []*escrow.Escrow
	for rows.Next() {
		esc, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalList(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalList(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("storage: corrupt identity list: %w", err)
	}
	return out, nil
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for a key, nil when unseen,
// or ErrIdempotencyMismatch when the key was used with a different payload.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var (
		status     int
		body       []byte
		storedHash string
	)
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// SaveIdempotency caches a response under an idempotency key.
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}
