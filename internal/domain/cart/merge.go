// internal/domain/cart/merge.go
package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/pkg/remote"
)

// MergeReport lists what happened to each guest line on login
type MergeReport struct {
	Merged  int                `json:"merged"`
	Skipped []RejectedMutation `json:"skipped,omitempty"`
	Cart    *Cart              `json:"cart"`
}

// MergeGuestCart moves a guest cart into the user's cart on login. Each
// guest line is added by addition, so it goes through the same stock check
// and conflict handling as AddLine. Lines that no longer fit are skipped.
// The guest cart must be readable from the remote store.
func (r *Reconciler) MergeGuestCart(ctx context.Context, guestID, userID string) (*MergeReport, error) {
	if guestID == "" || userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if guestID == userID {
		return nil, &ValidationError{Field: "user_id", Message: "cannot merge a cart into itself"}
	}

	guest, err := r.GetCart(ctx, guestID)
	if err != nil {
		return nil, err
	}
	if guest.Degraded {
		return nil, fmt.Errorf("%w: guest cart is only available locally", remote.ErrUnavailable)
	}

	log := r.logger.WithFields(logrus.Fields{
		"guest_id": guestID,
		"user_id":  userID,
	})

	report := &MergeReport{}
	for _, line := range guest.Lines {
		_, err := r.AddLine(ctx, userID, line.ProductID, line.VariantID, line.Quantity)
		if err == nil {
			report.Merged++
			continue
		}

		var remaining int
		if se, ok := AsStockError(err); ok {
			remaining = se.Remaining
		} else if !errors.Is(err, ErrUnknownVariant) {
			return nil, fmt.Errorf("failed to merge line %s: %w", line.Key(), err)
		}
		report.Skipped = append(report.Skipped, RejectedMutation{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Op:        OpAdd,
			Reason:    err.Error(),
			Remaining: remaining,
		})
	}

	if _, err := r.ClearCart(ctx, guestID); err != nil {
		log.WithError(err).Warn("Failed to clear guest cart after merge")
	}

	report.Cart, err = r.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"merged":  report.Merged,
		"skipped": len(report.Skipped),
	}).Info("Guest cart merged")
	return report, nil
}
