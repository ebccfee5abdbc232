package cart

import (
	"context"
	"time"

	"github.com/your-org/cartsync/internal/domain/inventory"
)

// Repository is the remote cart store
type Repository interface {
	UpsertLine(ctx context.Context, line *CartLine) error
	GetLineByKey(ctx context.Context, key LineKey) (*CartLine, error)
	GetLine(ctx context.Context, userID, lineID string) (*CartLine, error)
	UpdateLine(ctx context.Context, userID, lineID string, quantity int) (*CartLine, error)
	CompareAndSetQuantity(ctx context.Context, userID, lineID string, expected, quantity int) (*CartLine, error)
	DeleteLine(ctx context.Context, userID, lineID string) error
	DeleteByUser(ctx context.Context, userID string) error
	ListLines(ctx context.Context, userID string) ([]CartLine, error)
	Ping(ctx context.Context) error
}

// LocalCache is the durable local mirror of carts
type LocalCache interface {
	Load(ctx context.Context, userID string) (*LocalCart, error)
	PutRecord(ctx context.Context, userID string, rec LocalRecord) error
	DeleteRecord(ctx context.Context, key LineKey) error
	MarkCleared(ctx context.Context, userID string) error
	AckClear(ctx context.Context, userID string) error
	Replace(ctx context.Context, userID string, lines []CartLine, reconciledAt time.Time) error
	HasPending(ctx context.Context, userID string) (bool, error)
	PendingUsers(ctx context.Context) ([]string, error)
	SaveStockSnapshot(ctx context.Context, stock inventory.Stock) error
	StockSnapshot(ctx context.Context, productID, variantID uint) (inventory.Stock, bool, error)
}

// StockReader reads variant stock from the inventory store
type StockReader interface {
	GetVariantStock(ctx context.Context, productID, variantID uint) (inventory.Stock, error)
}
