package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/pkg/remote"
)

// ReconcileReport summarizes one reconnect reconciliation
type ReconcileReport struct {
	UserID        string             `json:"user_id"`
	ClearedRemote bool               `json:"cleared_remote"`
	Replayed      int                `json:"replayed"`
	Rejected      []RejectedMutation `json:"rejected,omitempty"`
	ReconciledAt  time.Time          `json:"reconciled_at"`
	Cart          *Cart              `json:"cart"`
}

// RejectedMutation is a local change dropped on replay because the remote
// state no longer allows it
type RejectedMutation struct {
	ProductID uint      `json:"product_id"`
	VariantID uint      `json:"variant_id"`
	Op        PendingOp `json:"op"`
	Reason    string    `json:"reason"`
	Remaining int       `json:"remaining"`
}

// ReconcileOnReconnect replays every pending local record against the
// remote store and then rewrites the local cache to exactly the remote
// state. Concurrent calls for the same user share one run.
func (r *Reconciler) ReconcileOnReconnect(ctx context.Context, userID string) (*ReconcileReport, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}

	v, err, shared := r.flights.Do(userID, func() (interface{}, error) {
		return r.reconcile(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.WithField("user_id", userID).Debug("Joined in-flight reconcile")
	}
	return v.(*ReconcileReport), nil
}

func (r *Reconciler) reconcile(ctx context.Context, userID string) (*ReconcileReport, error) {
	unlock := r.users.Lock(userID)
	defer unlock()

	log := r.logger.WithField("user_id", userID)

	lc, err := r.local.Load(ctx, userID)
	if err != nil {
		r.metrics.Reconciles.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := r.cartGuard.Do(ctx, "ping", r.repo.Ping); err != nil {
		return nil, r.reconcileFailed(log, err)
	}

	report := &ReconcileReport{UserID: userID}

	if lc.PendingClear {
		err := r.cartGuard.Do(ctx, "clear_cart", func(ctx context.Context) error {
			return r.repo.DeleteByUser(ctx, userID)
		})
		if err != nil {
			return nil, r.reconcileFailed(log, err)
		}
		if err := r.local.AckClear(ctx, userID); err != nil {
			log.WithError(err).Warn("Failed to acknowledge replayed cart clear")
		}
		report.ClearedRemote = true
	}

	for _, rec := range lc.Pending() {
		line, err := r.replay(ctx, rec)
		switch {
		case err == nil:
			report.Replayed++
			r.metrics.PendingReplayed.WithLabelValues("applied").Inc()
			r.settle(ctx, rec, line)

		case isReplayRejection(err):
			rejected := RejectedMutation{
				ProductID: rec.Line.ProductID,
				VariantID: rec.Line.VariantID,
				Op:        rec.Op,
				Reason:    err.Error(),
			}
			if se, ok := AsStockError(err); ok {
				rejected.Remaining = se.Remaining
			}
			report.Rejected = append(report.Rejected, rejected)
			r.metrics.PendingReplayed.WithLabelValues("rejected").Inc()
			log.WithFields(logrus.Fields{
				"key":    rec.Line.Key().String(),
				"op":     rec.Op,
				"reason": err.Error(),
			}).Warn("Dropped pending cart change on replay")
			r.settle(ctx, rec, nil)

		default:
			// Records not yet replayed stay pending for the next attempt
			return nil, r.reconcileFailed(log, err)
		}
	}

	var lines []CartLine
	err = r.cartGuard.Do(ctx, "list_lines", func(ctx context.Context) error {
		var err error
		lines, err = r.repo.ListLines(ctx, userID)
		return err
	})
	if err != nil {
		return nil, r.reconcileFailed(log, err)
	}
	if lines == nil {
		lines = []CartLine{}
	}

	now := r.now()
	if err := r.local.Replace(ctx, userID, lines, now); err != nil {
		r.metrics.Reconciles.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to mirror reconciled cart: %w", err)
	}

	reconciledAt := now
	if lc.LastReconciledAt.After(now) {
		reconciledAt = lc.LastReconciledAt
	}
	report.ReconciledAt = reconciledAt
	report.Cart = &Cart{UserID: userID, Lines: lines, LastReconciledAt: reconciledAt}

	r.metrics.Reconciles.WithLabelValues("ok").Inc()
	log.WithFields(logrus.Fields{
		"replayed": report.Replayed,
		"rejected": len(report.Rejected),
		"lines":    len(lines),
	}).Info("Cart reconciled")

	return report, nil
}

// replay applies one pending record to the remote store
func (r *Reconciler) replay(ctx context.Context, rec LocalRecord) (*CartLine, error) {
	key := rec.Line.Key()

	if rec.Op == OpDelete || rec.State == SyncTombstone {
		existing, err := r.remoteLineByKey(ctx, key)
		if errors.Is(err, ErrLineNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		err = r.cartGuard.Do(ctx, "delete_line", func(ctx context.Context) error {
			return r.repo.DeleteLine(ctx, key.UserID, existing.ID)
		})
		if errors.Is(err, ErrLineNotFound) {
			return nil, nil
		}
		return nil, err
	}

	stock, err := r.readStock(ctx, key.ProductID, key.VariantID)
	if err != nil {
		return nil, err
	}
	if !stock.Known || stock.Snapshot {
		return nil, fmt.Errorf("%w: stock for %s", remote.ErrUnavailable, key)
	}

	template := rec.Line
	template.SyncState = ""
	template.UnitPriceCents = stock.UnitPriceCents

	if rec.Op == OpSet {
		return r.setByKey(ctx, template, stock)
	}

	delta := rec.Delta
	if delta <= 0 {
		delta = rec.Line.Quantity
	}
	return r.mergeAdd(ctx, template, delta, stock)
}

// setByKey makes the remote line for template's key hold exactly
// template.Quantity, inserting it if it is gone
func (r *Reconciler) setByKey(ctx context.Context, template CartLine, stock stockView) (*CartLine, error) {
	key := template.Key()

	for round := 0; round < maxConflictRounds; round++ {
		existing, err := r.remoteLineByKey(ctx, key)
		switch {
		case errors.Is(err, ErrLineNotFound):
			if err := checkStock(stock, 0, template.Quantity); err != nil {
				return nil, err
			}
			line := template
			err := r.cartGuard.Do(ctx, "upsert_line", func(ctx context.Context) error {
				return r.repo.UpsertLine(ctx, &line)
			})
			if errors.Is(err, ErrUniqueViolation) {
				r.metrics.ConflictMerges.Inc()
				continue
			}
			if err != nil {
				return nil, err
			}
			return &line, nil

		case err != nil:
			return nil, err

		default:
			if err := checkStock(stock, existing.Quantity, template.Quantity); err != nil {
				return nil, err
			}
			var line *CartLine
			err := r.cartGuard.Do(ctx, "update_line", func(ctx context.Context) error {
				var err error
				line, err = r.repo.UpdateLine(ctx, key.UserID, existing.ID, template.Quantity)
				return err
			})
			if errors.Is(err, ErrLineNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return line, nil
		}
	}

	return nil, fmt.Errorf("failed to set cart line %s: %w", key, ErrStaleLine)
}

// settle marks a replayed record as done so a later failed attempt does not
// apply it twice
func (r *Reconciler) settle(ctx context.Context, rec LocalRecord, line *CartLine) {
	var err error
	if line == nil {
		err = r.local.DeleteRecord(ctx, rec.Line.Key())
	} else {
		settled := LocalRecord{Line: *line, State: SyncActive, UpdatedAt: r.now()}
		settled.Line.SyncState = SyncActive
		err = r.local.PutRecord(ctx, line.UserID, settled)
	}
	if err != nil {
		r.logger.WithError(err).WithField("key", rec.Line.Key().String()).Warn("Failed to settle replayed cart record")
	}
}

func (r *Reconciler) reconcileFailed(log logrus.FieldLogger, err error) error {
	outcome := "error"
	if remote.IsUnavailable(err) {
		outcome = "unavailable"
	}
	r.metrics.Reconciles.WithLabelValues(outcome).Inc()
	log.WithError(err).Warn("Cart reconcile aborted")
	return err
}

func isReplayRejection(err error) bool {
	if _, ok := AsStockError(err); ok {
		return true
	}
	return errors.Is(err, ErrUnknownVariant)
}
