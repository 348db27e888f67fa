package sync

import (
	"database/sql"
	"errors"
	"time"

	"github.com/mvieira/convo/internal/store"
)

// Checkpoint keys.
const (
	CheckpointOfflineToken = "offline_token"
	CheckpointLastSync     = "last_sync_at"
)

// Reconciler persists sync checkpoints, so interrupted fetches resume
// instead of restarting.
type Reconciler struct {
	db *store.DB
}

func NewReconciler(db *store.DB) *Reconciler {
	return &Reconciler{db: db}
}

// UpdateCheckpoint upserts a checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a checkpoint value. Missing keys read as empty.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
