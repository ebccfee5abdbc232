// internal/infrastructure/database/postgres/migration.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/domain/order"
	"gorm.io/gorm"
)

// Migration handles database migrations
type Migration struct {
	db     *gorm.DB
	logger logrus.FieldLogger
}

// NewMigration creates a new migration instance
func NewMigration(db *gorm.DB, logger logrus.FieldLogger) *Migration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Migration{
		db:     db,
		logger: logger.WithField("component", "migration"),
	}
}

// Models lists every table in dependency order
func Models() []interface{} {
	return []interface{}{
		// Inventory
		&inventory.VariantStock{},
		&inventory.StockMovement{},

		// Cart
		&cart.CartLine{},

		// Orders
		&order.Order{},
		&order.OrderLine{},
		&order.FailedLine{},
	}
}

// RunAutoMigrations runs GORM auto-migrations for all models
func (m *Migration) RunAutoMigrations() error {
	m.logger.Info("🔄 Running database auto-migrations...")

	for _, model := range Models() {
		m.logger.Debugf("Migrating model: %T", model)
		if err := m.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate model %T: %w", model, err)
		}
	}

	m.logger.Info("✅ Database auto-migrations completed successfully")
	return nil
}

// CreateIndexes creates the indexes the struct tags do not cover
func (m *Migration) CreateIndexes() error {
	m.logger.Info("🔄 Creating additional database indexes...")

	indexes := []string{
		// Cart lines
		"CREATE INDEX IF NOT EXISTS idx_cart_lines_user_created ON cart_lines(user_id, created_at)",

		// Orders
		"CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)",

		// Order lines
		"CREATE INDEX IF NOT EXISTS idx_order_lines_variant ON order_lines(product_id, variant_id)",

		// Stock movements
		"CREATE INDEX IF NOT EXISTS idx_stock_movements_created ON stock_movements(created_at DESC)",
	}

	failCount := 0
	for _, indexSQL := range indexes {
		if err := m.db.Exec(indexSQL).Error; err != nil {
			m.logger.WithError(err).Warn("⚠️ Failed to create index")
			failCount++
		}
	}

	m.logger.Infof("✅ Created %d indexes successfully (%d failed)", len(indexes)-failCount, failCount)
	if failCount > 0 {
		return fmt.Errorf("%d indexes failed", failCount)
	}
	return nil
}

// seedStock is the development catalog: almonds and dates in three sizes
var seedStock = []struct {
	ProductID      uint
	VariantID      uint
	SKU            string
	UnitPriceCents int64
	Quantity       int
}{
	{1, 250, "ALM-250", 1000, 40},
	{1, 500, "ALM-500", 1900, 25},
	{1, 1000, "ALM-1000", 3600, 10},
	{2, 250, "DAT-250", 650, 30},
	{2, 500, "DAT-500", 1200, 15},
	{2, 1000, "DAT-1000", 2300, 0},
}

// SeedInitialData inserts stock rows that do not exist yet. Existing rows
// are left alone so restarts never reset stock.
func (m *Migration) SeedInitialData(ctx context.Context) error {
	m.logger.Info("🌱 Seeding initial data...")

	stock := inventory.NewService(m.db)
	created := 0
	for _, s := range seedStock {
		_, err := stock.GetVariantStock(ctx, s.ProductID, s.VariantID)
		if err == nil {
			continue
		}
		if !errors.Is(err, inventory.ErrStockNotFound) {
			return fmt.Errorf("failed to check stock for %s: %w", s.SKU, err)
		}
		if _, err := stock.SetStock(ctx, s.ProductID, s.VariantID, s.SKU, s.UnitPriceCents, s.Quantity); err != nil {
			return fmt.Errorf("failed to seed stock for %s: %w", s.SKU, err)
		}
		created++
	}

	m.logger.Infof("✅ Seeded %d stock rows", created)
	return nil
}

// GetTableInfo logs row counts for every table
func (m *Migration) GetTableInfo() map[string]int64 {
	info := make(map[string]int64)
	for _, model := range Models() {
		stmt := &gorm.Statement{DB: m.db}
		if err := stmt.Parse(model); err != nil {
			m.logger.WithError(err).Warnf("Failed to parse model %T", model)
			continue
		}

		var count int64
		if err := m.db.Model(model).Count(&count).Error; err != nil {
			m.logger.WithError(err).Warnf("Failed to count %s", stmt.Schema.Table)
			continue
		}
		info[stmt.Schema.Table] = count
	}

	m.logger.WithField("tables", info).Info("📊 Table info")
	return info
}

// DropAllTables drops every table. Development only.
func (m *Migration) DropAllTables() error {
	models := Models()
	for i := len(models) - 1; i >= 0; i-- {
		if err := m.db.Migrator().DropTable(models[i]); err != nil {
			return fmt.Errorf("failed to drop %T: %w", models[i], err)
		}
	}
	m.logger.Warn("🗑️ All tables dropped")
	return nil
}
