// internal/domain/order/service.go
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service persists and reads orders
type Service struct {
	db *gorm.DB
}

// NewService creates a new order service
func NewService(db *gorm.DB) *Service {
	return &Service{
		db: db,
	}
}

// OrderResponse represents order response with pagination
type OrderResponse struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}

// Pagination represents pagination information
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// Claim inserts o as a bare pending row. The primary key serializes
// commits of the same order id and the unique payment reference stops one
// payment from backing two orders. Lines are written later by Complete.
func (s *Service) Claim(ctx context.Context, o *Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.OrderNumber == "" {
		o.OrderNumber = o.GenerateOrderNumber()
	}
	o.Status = OrderStatusPending

	db := s.db.WithContext(ctx)
	err := db.Omit(clause.Associations).Create(o).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("failed to claim order: %w", err)
	}

	var count int64
	if err := db.Model(&Order{}).Where("id = ?", o.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check claimed order: %w", err)
	}
	if count > 0 {
		return ErrOrderExists
	}
	return ErrPaymentReused
}

// Complete moves a claimed order to its final status and stores its lines
// and failed lines in one transaction
func (s *Service) Complete(ctx context.Context, o *Order) error {
	if o.Status == OrderStatusPending || o.Status == "" {
		return fmt.Errorf("complete order %s: final status required", o.ID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Order{}).
			Where("id = ? AND status = ?", o.ID, OrderStatusPending).
			Updates(map[string]interface{}{
				"status":       o.Status,
				"total_amount": o.TotalAmount,
				"updated_at":   time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrOrderNotPending
		}

		if len(o.Lines) > 0 {
			if err := tx.Create(&o.Lines).Error; err != nil {
				return err
			}
		}
		if len(o.FailedLines) > 0 {
			if err := tx.Create(&o.FailedLines).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete order: %w", err)
	}
	return nil
}

// Release drops a claim that never completed, freeing its order id and
// payment reference
func (s *Service) Release(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, OrderStatusPending).
		Delete(&Order{}).Error
	if err != nil {
		return fmt.Errorf("failed to release order: %w", err)
	}
	return nil
}

// GetOrder retrieves a single order owned by userID
func (s *Service) GetOrder(ctx context.Context, id, userID string) (*Order, error) {
	var order Order
	result := s.db.WithContext(ctx).
		Preload("Lines").
		Preload("FailedLines").
		Where("id = ? AND user_id = ?", id, userID).
		First(&order)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to retrieve order: %w", result.Error)
	}

	return &order, nil
}

// GetUserOrders lists a user's settled orders, newest first
func (s *Service) GetUserOrders(ctx context.Context, userID string, page, limit int) (*OrderResponse, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Order{}).Where("user_id = ? AND status <> ?", userID, OrderStatusPending).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	var orders []Order
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status <> ?", userID, OrderStatusPending).
		Preload("Lines").
		Preload("FailedLines").
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve orders: %w", err)
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return &OrderResponse{
		Orders: orders,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
	}, nil
}
