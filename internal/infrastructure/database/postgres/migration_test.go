package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/pkg/logger"
	"github.com/your-org/cartsync/internal/testutil"
)

func TestMigrationAndSeed(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	m := NewMigration(db, logger.Discard())

	require.NoError(t, m.RunAutoMigrations())
	require.NoError(t, m.CreateIndexes())
	require.NoError(t, m.SeedInitialData(ctx))

	info := m.GetTableInfo()
	assert.Equal(t, int64(len(seedStock)), info["variant_stocks"])
	assert.Equal(t, int64(0), info["cart_lines"])

	// seeding again keeps stock that was sold in between
	stock := inventory.NewService(db)
	require.NoError(t, stock.DecrementVariantStock(ctx, 1, 250, 5, "order-1"))
	require.NoError(t, m.SeedInitialData(ctx))

	got, err := stock.GetVariantStock(ctx, 1, 250)
	require.NoError(t, err)
	assert.Equal(t, 35, got.AvailableQuantity)

	require.NoError(t, m.DropAllTables())
	assert.False(t, db.Migrator().HasTable("variant_stocks"))
}
