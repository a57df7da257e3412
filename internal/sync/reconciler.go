package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/voipsms/smsd/internal/store"
	"go.uber.org/zap"
)

const checkpointLastFullSync = "last_full_sync"

// Reconciler manages sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// RecordFullSync stores the completion time of a full sync.
func (r *Reconciler) RecordFullSync(ctx context.Context, at time.Time) error {
	if err := r.db.SetCheckpoint(ctx, checkpointLastFullSync, strconv.FormatInt(at.Unix(), 10)); err != nil {
		return fmt.Errorf("record last full sync: %w", err)
	}
	return nil
}

// LastFullSync returns the completion time of the last full sync, or the
// zero time if none was recorded.
func (r *Reconciler) LastFullSync(ctx context.Context) (time.Time, error) {
	value, ok, err := r.db.Checkpoint(ctx, checkpointLastFullSync)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.logger.Warn("ignoring malformed checkpoint", zap.String("key", checkpointLastFullSync), zap.String("value", value))
		return time.Time{}, nil
	}
	return time.Unix(sec, 0), nil
}
