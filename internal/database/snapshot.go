package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/propagatehq/propagate/models"
)

// HashContent returns the 16-hex-char version hash the snapshot store keys
// on: the first 16 hex characters of SHA-256 over the canonical bytes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

// SnapshotRepo is the narrow repository the orchestrator drives the
// snapshot-advance gate through: latest() / put(), per spec.md's snapshot
// store contract.
type SnapshotRepo struct {
	db DB
}

// NewSnapshotRepo wraps db.
func NewSnapshotRepo(db DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// Latest returns the most-recently-captured snapshot, or (nil, nil) if the
// table is empty (first-ever run).
func (r *SnapshotRepo) Latest(ctx context.Context) (*models.ContractSnapshot, error) {
	var rows []models.ContractSnapshot
	err := r.db.Select(ctx, &rows, `
		SELECT id, version_hash, content, source_ref, captured_at
		FROM contract_snapshots
		ORDER BY captured_at DESC, id DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("loading latest contract snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Put inserts a new snapshot row, idempotent on version_hash: if a row with
// this hash already exists, it is returned unchanged rather than
// duplicated.
func (r *SnapshotRepo) Put(ctx context.Context, hash, content, sourceRef string) (*models.ContractSnapshot, error) {
	var existing []models.ContractSnapshot
	if err := r.db.Select(ctx, &existing, `SELECT id, version_hash, content, source_ref, captured_at FROM contract_snapshots WHERE version_hash = ?`, hash); err != nil {
		return nil, fmt.Errorf("checking existing snapshot: %w", err)
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	snap := models.ContractSnapshot{
		VersionHash: hash,
		Content:     content,
		SourceRef:   sourceRef,
		CapturedAt:  time.Now().UTC(),
	}
	id, err := r.db.Insert(ctx, "contract_snapshots", snap)
	if err != nil {
		return nil, fmt.Errorf("inserting contract snapshot: %w", err)
	}
	snap.ID = id
	return &snap, nil
}
