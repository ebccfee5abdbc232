package cart

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncWorker periodically replays carts left with pending local records
// once the remote store answers again
type SyncWorker struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     logrus.FieldLogger
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(reconciler *Reconciler, interval time.Duration, logger logrus.FieldLogger) *SyncWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SyncWorker{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger.WithField("component", "cart_sync_worker"),
	}
}

// Run blocks until ctx is cancelled
func (w *SyncWorker) Run(ctx context.Context) {
	w.logger.WithField("interval", w.interval.String()).Info("Cart sync worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.SyncOnce(ctx)
		case <-ctx.Done():
			w.logger.Info("Cart sync worker stopped")
			return
		}
	}
}

// SyncOnce reconciles every pending cart if the remote store is reachable.
// It returns the number of carts reconciled.
func (w *SyncWorker) SyncOnce(ctx context.Context) int {
	r := w.reconciler

	users, err := r.local.PendingUsers(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to list pending carts")
		return 0
	}
	if len(users) == 0 {
		return 0
	}

	if err := r.cartGuard.Do(ctx, "ping", r.repo.Ping); err != nil {
		w.logger.WithField("pending_carts", len(users)).Debug("Remote cart store still unreachable")
		return 0
	}

	synced := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.ReconcileOnReconnect(ctx, userID); err != nil {
			w.logger.WithError(err).WithField("user_id", userID).Warn("Failed to reconcile pending cart")
			continue
		}
		synced++
	}

	if synced > 0 {
		w.logger.WithField("carts", synced).Info("Pending carts reconciled")
	}
	return synced
}
