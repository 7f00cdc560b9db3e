package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"github.com/ethereum/go-ethereum/common"

	"namemarket/market/register"
)

// Storage wraps the marketplace gateway's local persistence: pending
// commit-reveal commitments and the fulfilled-listing log.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("storage path must be configured")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveCommitment upserts the pending commitment for a label. One label has
// at most one live commitment; a re-commit replaces the old one.
func (s *Storage) SaveCommitment(ctx context.Context, pending register.PendingCommitment) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	label := strings.TrimSpace(pending.Label)
	if label == "" {
		return fmt.Errorf("label required")
	}
	if pending.Commitment == (common.Hash{}) {
		return fmt.Errorf("commitment hash required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO pending_commitments(label, owner, duration_seconds, secret, commitment, committed_at)
        VALUES(?, ?, ?, ?, ?, ?)
        ON CONFLICT(label) DO UPDATE SET
            owner=excluded.owner,
            duration_seconds=excluded.duration_seconds,
            secret=excluded.secret,
            commitment=excluded.commitment,
            committed_at=excluded.committed_at
    `, label, pending.Owner.Hex(), int64(pending.Duration/time.Second),
		common.Bytes2Hex(pending.Secret[:]), pending.Commitment.Hex(), pending.CommittedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("save commitment: %w", err)
	}
	return nil
}

// PendingCommitment loads the live commitment for a label, nil when absent.
func (s *Storage) PendingCommitment(ctx context.Context, label string) (*register.PendingCommitment, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT owner, duration_seconds, secret, commitment, committed_at
        FROM pending_commitments
        WHERE label = ?
    `, strings.TrimSpace(label))
	var (
		owner       string
		seconds     int64
		secretHex   string
		commitment  string
		committedAt int64
	)
	if err := row.Scan(&owner, &seconds, &secretHex, &commitment, &committedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query commitment: %w", err)
	}
	pending := &register.PendingCommitment{
		Label:       strings.TrimSpace(label),
		Owner:       common.HexToAddress(owner),
		Duration:    time.Duration(seconds) * time.Second,
		Commitment:  common.HexToHash(commitment),
		CommittedAt: time.Unix(committedAt, 0).UTC(),
	}
	copy(pending.Secret[:], common.Hex2Bytes(secretHex))
	return pending, nil
}

// DeleteCommitment removes the pending commitment for a label.
func (s *Storage) DeleteCommitment(ctx context.Context, label string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM pending_commitments WHERE label = ?
    `, strings.TrimSpace(label)); err != nil {
		return fmt.Errorf("delete commitment: %w", err)
	}
	return nil
}

// RecordPurchase remembers a fulfilled listing so it is never re-offered.
func (s *Storage) RecordPurchase(ctx context.Context, listingID string, txHash common.Hash) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return fmt.Errorf("listing id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO purchases(listing_id, tx_hash, purchased_at)
        VALUES(?, ?, ?)
        ON CONFLICT(listing_id) DO NOTHING
    `, listingID, txHash.Hex(), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	return nil
}

// HasPurchase reports whether the listing was already fulfilled locally.
func (s *Storage) HasPurchase(ctx context.Context, listingID string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT 1 FROM purchases WHERE listing_id = ?
    `, strings.TrimSpace(listingID))
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query purchase: %w", err)
	}
	return true, nil
}

// PruneCommitments removes commitments whose maximum age has long passed.
// Called periodically so abandoned registrations do not accumulate.
func (s *Storage) PruneCommitments(ctx context.Context, cutoff time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM pending_commitments WHERE committed_at < ?
    `, cutoff.UTC().Unix()); err != nil {
		return fmt.Errorf("prune commitments: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_commitments (
    label TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL,
    secret TEXT NOT NULL,
    commitment TEXT NOT NULL,
    committed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_commitments_committed ON pending_commitments(committed_at);

CREATE TABLE IF NOT EXISTS purchases (
    listing_id TEXT PRIMARY KEY,
    tx_hash TEXT NOT NULL,
    purchased_at INTEGER NOT NULL
);
`
