// internal/domain/cart/repository.go
package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// GormRepository is the remote cart store. The unique index on
// (user_id, product_id, variant_id) is what keeps one line per key across
// processes; everything above it only has to handle ErrUniqueViolation.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new cart repository
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{
		db: db,
	}
}

// UpsertLine inserts a new line. It never overwrites: an existing line for
// the same key yields ErrUniqueViolation.
func (r *GormRepository) UpsertLine(ctx context.Context, line *CartLine) error {
	if err := r.db.WithContext(ctx).Create(line).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrUniqueViolation
		}
		return fmt.Errorf("failed to insert cart line: %w", err)
	}
	return nil
}

// GetLineByKey returns the line for a key or ErrLineNotFound
func (r *GormRepository) GetLineByKey(ctx context.Context, key LineKey) (*CartLine, error) {
	var line CartLine
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND variant_id = ?", key.UserID, key.ProductID, key.VariantID).
		First(&line).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart line: %w", err)
	}
	return &line, nil
}

// GetLine returns a line by id, scoped to the owner
func (r *GormRepository) GetLine(ctx context.Context, userID, lineID string) (*CartLine, error) {
	var line CartLine
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", lineID, userID).First(&line).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart line: %w", err)
	}
	return &line, nil
}

// UpdateLine sets the quantity of a line
func (r *GormRepository) UpdateLine(ctx context.Context, userID, lineID string, quantity int) (*CartLine, error) {
	result := r.db.WithContext(ctx).Model(&CartLine{}).
		Where("id = ? AND user_id = ?", lineID, userID).
		Update("quantity", quantity)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update cart line: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrLineNotFound
	}
	return r.GetLine(ctx, userID, lineID)
}

// CompareAndSetQuantity moves a line from expected to quantity. If the row
// no longer holds expected it returns ErrStaleLine and changes nothing.
func (r *GormRepository) CompareAndSetQuantity(ctx context.Context, userID, lineID string, expected, quantity int) (*CartLine, error) {
	result := r.db.WithContext(ctx).Model(&CartLine{}).
		Where("id = ? AND user_id = ? AND quantity = ?", lineID, userID, expected).
		Update("quantity", quantity)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update cart line: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetLine(ctx, userID, lineID); err != nil {
			return nil, err
		}
		return nil, ErrStaleLine
	}
	return r.GetLine(ctx, userID, lineID)
}

// DeleteLine removes a line by id
func (r *GormRepository) DeleteLine(ctx context.Context, userID, lineID string) error {
	result := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", lineID, userID).Delete(&CartLine{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete cart line: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLineNotFound
	}
	return nil
}

// DeleteByUser removes every line of a cart
func (r *GormRepository) DeleteByUser(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&CartLine{}).Error; err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// ListLines returns every line of a cart, oldest first
func (r *GormRepository) ListLines(ctx context.Context, userID string) ([]CartLine, error) {
	var lines []CartLine
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve cart: %w", err)
	}
	for i := range lines {
		lines[i].SyncState = SyncActive
	}
	return lines, nil
}

// Ping checks the database is reachable
func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
