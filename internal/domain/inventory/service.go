// internal/domain/inventory/service.go
package inventory

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the gorm-backed inventory store
type Service struct {
	db *gorm.DB
}

// NewService creates a new inventory service
func NewService(db *gorm.DB) *Service {
	return &Service{
		db: db,
	}
}

// GetVariantStock returns the available quantity for one variant together
// with the product-wide in-stock flag
func (s *Service) GetVariantStock(ctx context.Context, productID, variantID uint) (Stock, error) {
	db := s.db.WithContext(ctx)

	var row VariantStock
	err := db.Where("product_id = ? AND variant_id = ?", productID, variantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Stock{}, ErrStockNotFound
	}
	if err != nil {
		return Stock{}, fmt.Errorf("failed to get variant stock: %w", err)
	}

	var productTotal int64
	err = db.Model(&VariantStock{}).
		Where("product_id = ?", productID).
		Select("COALESCE(SUM(available_quantity), 0)").
		Scan(&productTotal).Error
	if err != nil {
		return Stock{}, fmt.Errorf("failed to get product stock level: %w", err)
	}

	return Stock{
		ProductID:         row.ProductID,
		VariantID:         row.VariantID,
		AvailableQuantity: row.AvailableQuantity,
		UnitPriceCents:    row.UnitPriceCents,
		InStock:           productTotal > 0,
	}, nil
}

// DecrementVariantStock removes quantity units only if at least that many
// are available at the moment of the write. Returns ErrInsufficientStock
// when the compare step fails.
func (s *Service) DecrementVariantStock(ctx context.Context, productID, variantID uint, quantity int, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&VariantStock{}).
			Where("product_id = ? AND variant_id = ? AND available_quantity >= ?", productID, variantID, quantity).
			Update("available_quantity", gorm.Expr("available_quantity - ?", quantity))
		if result.Error != nil {
			return fmt.Errorf("failed to decrement stock: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&VariantStock{}).
				Where("product_id = ? AND variant_id = ?", productID, variantID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check variant stock: %w", err)
			}
			if count == 0 {
				return ErrStockNotFound
			}
			return ErrInsufficientStock
		}

		return recordMovement(tx, productID, variantID, ReasonSale, -quantity, reference)
	})
}

// IncrementVariantStock adds quantity restocked units
func (s *Service) IncrementVariantStock(ctx context.Context, productID, variantID uint, quantity int, reference string) error {
	return s.increment(ctx, productID, variantID, quantity, ReasonRestock, reference)
}

// ReleaseVariantStock gives back units taken by a sale whose order was
// never stored
func (s *Service) ReleaseVariantStock(ctx context.Context, productID, variantID uint, quantity int, reference string) error {
	return s.increment(ctx, productID, variantID, quantity, ReasonRelease, reference)
}

func (s *Service) increment(ctx context.Context, productID, variantID uint, quantity int, reason MovementReason, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&VariantStock{}).
			Where("product_id = ? AND variant_id = ?", productID, variantID).
			Update("available_quantity", gorm.Expr("available_quantity + ?", quantity))
		if result.Error != nil {
			return fmt.Errorf("failed to increment stock: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrStockNotFound
		}

		return recordMovement(tx, productID, variantID, reason, quantity, reference)
	})
}

// SetStock creates or overwrites the stock row and price of a variant. Used
// by the admin console and seeding, never by the cart path.
func (s *Service) SetStock(ctx context.Context, productID, variantID uint, sku string, unitPriceCents int64, quantity int) (*VariantStock, error) {
	if quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	if unitPriceCents < 0 {
		return nil, ErrInvalidPrice
	}

	row := &VariantStock{
		ProductID:         productID,
		VariantID:         variantID,
		SKU:               sku,
		UnitPriceCents:    unitPriceCents,
		AvailableQuantity: quantity,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}, {Name: "variant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"sku", "unit_price_cents", "available_quantity", "updated_at"}),
		}).Create(row).Error; err != nil {
			return fmt.Errorf("failed to set stock: %w", err)
		}
		return recordMovement(tx, productID, variantID, ReasonAdjustment, quantity, "")
	})
	if err != nil {
		return nil, err
	}

	return row, nil
}

// GetMovements returns the movement history for a variant, newest first
func (s *Service) GetMovements(ctx context.Context, productID, variantID uint, limit int) ([]StockMovement, error) {
	if limit <= 0 {
		limit = 50
	}

	var movements []StockMovement
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND variant_id = ?", productID, variantID).
		Order("id DESC").
		Limit(limit).
		Find(&movements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve stock movements: %w", err)
	}

	return movements, nil
}

// Ping checks the database is reachable
func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func recordMovement(tx *gorm.DB, productID, variantID uint, reason MovementReason, delta int, reference string) error {
	movement := &StockMovement{
		ProductID:   productID,
		VariantID:   variantID,
		Reason:      reason,
		Delta:       delta,
		ReferenceID: reference,
	}
	if err := tx.Create(movement).Error; err != nil {
		return fmt.Errorf("failed to record movement: %w", err)
	}
	return nil
}
