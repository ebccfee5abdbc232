package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/pkg/remote"
)

// stockView is what the reconciler knows about a variant's stock. Known is
// false when neither the inventory store nor a snapshot could answer; the
// mutation is then accepted tentatively and checked again on replay.
type stockView struct {
	inventory.Stock
	Known    bool
	Snapshot bool
}

func (r *Reconciler) readStock(ctx context.Context, productID, variantID uint) (stockView, error) {
	var stock inventory.Stock
	err := r.stockGuard.Do(ctx, "get_variant_stock", func(ctx context.Context) error {
		var err error
		stock, err = r.stock.GetVariantStock(ctx, productID, variantID)
		return err
	})

	switch {
	case err == nil:
		if err := r.local.SaveStockSnapshot(ctx, stock); err != nil {
			r.logger.WithError(err).Debug("Failed to save stock snapshot")
		}
		return stockView{Stock: stock, Known: true}, nil

	case errors.Is(err, inventory.ErrStockNotFound):
		return stockView{}, fmt.Errorf("%w: product %d variant %d", ErrUnknownVariant, productID, variantID)

	case remote.IsUnavailable(err):
		snapshot, ok, serr := r.local.StockSnapshot(ctx, productID, variantID)
		if serr != nil {
			r.logger.WithError(serr).Debug("Failed to read stock snapshot")
		}
		if serr != nil || !ok {
			r.logger.WithFields(logrus.Fields{
				"product_id": productID,
				"variant_id": variantID,
			}).Warn("Stock unknown, accepting cart change tentatively")
			return stockView{}, nil
		}
		return stockView{Stock: snapshot, Known: true, Snapshot: true}, nil

	default:
		return stockView{}, err
	}
}

// checkStock validates that the line may hold requested units when it
// currently holds existing
func checkStock(stock stockView, existing, requested int) error {
	if !stock.Known {
		return nil
	}
	if !stock.InStock || stock.AvailableQuantity <= 0 {
		return &StockError{
			ProductID:  stock.ProductID,
			VariantID:  stock.VariantID,
			Existing:   existing,
			outOfStock: true,
		}
	}
	if !stock.CanFulfill(requested) {
		remaining := stock.AvailableQuantity - existing
		if remaining < 0 {
			remaining = 0
		}
		return &StockError{
			ProductID: stock.ProductID,
			VariantID: stock.VariantID,
			Available: stock.AvailableQuantity,
			Existing:  existing,
			Remaining: remaining,
		}
	}
	return nil
}
