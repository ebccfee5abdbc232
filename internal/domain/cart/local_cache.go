// internal/domain/cart/local_cache.go
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/your-org/cartsync/internal/domain/inventory"
)

const (
	pendingUsersKey = "cart:pending"
	metaField       = "meta"
	linePrefix      = "line:"
)

// RedisLocalCache is the durable mirror of each cart. One hash per cart:
// a field per line holding the JSON LocalRecord, plus a meta field.
// Users with unsynced records are listed in the cart:pending set.
type RedisLocalCache struct {
	client *redis.Client
	ttl    time.Duration
}

type localMeta struct {
	LastReconciledAt time.Time `json:"last_reconciled_at"`
	PendingClear     bool      `json:"pending_clear,omitempty"`
}

// NewRedisLocalCache creates a new local cache
func NewRedisLocalCache(client *redis.Client, ttl time.Duration) *RedisLocalCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisLocalCache{
		client: client,
		ttl:    ttl,
	}
}

func cartKey(userID string) string {
	return fmt.Sprintf("cart:local:%s", userID)
}

func lineField(productID, variantID uint) string {
	return fmt.Sprintf("%s%d:%d", linePrefix, productID, variantID)
}

func stockSnapshotKey(productID, variantID uint) string {
	return fmt.Sprintf("stock:snapshot:%d:%d", productID, variantID)
}

// Load reads the local mirror of a cart. A missing cart is empty, not an error.
func (c *RedisLocalCache) Load(ctx context.Context, userID string) (*LocalCart, error) {
	fields, err := c.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load local cart: %w", err)
	}

	lc := &LocalCart{UserID: userID}
	for field, raw := range fields {
		if field == metaField {
			var meta localMeta
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				return nil, fmt.Errorf("failed to decode local cart meta: %w", err)
			}
			lc.LastReconciledAt = meta.LastReconciledAt
			lc.PendingClear = meta.PendingClear
			continue
		}
		if !strings.HasPrefix(field, linePrefix) {
			continue
		}
		var rec LocalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode local cart line %s: %w", field, err)
		}
		lc.Records = append(lc.Records, rec)
	}

	return lc, nil
}

// PutRecord stores one record. Pending records put the user on the
// pending list.
func (c *RedisLocalCache) PutRecord(ctx context.Context, userID string, rec LocalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := cartKey(userID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, lineField(rec.Line.ProductID, rec.Line.VariantID), data)
		pipe.Expire(ctx, key, c.ttl)
		if rec.Pending() {
			pipe.SAdd(ctx, pendingUsersKey, userID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save local cart line: %w", err)
	}
	return nil
}

// DeleteRecord drops the record for a key
func (c *RedisLocalCache) DeleteRecord(ctx context.Context, key LineKey) error {
	if err := c.client.HDel(ctx, cartKey(key.UserID), lineField(key.ProductID, key.VariantID)).Err(); err != nil {
		return fmt.Errorf("failed to delete local cart line: %w", err)
	}
	return nil
}

// MarkCleared empties the local cart and remembers that the remote cart
// still has to be cleared
func (c *RedisLocalCache) MarkCleared(ctx context.Context, userID string) error {
	meta, err := c.meta(ctx, userID)
	if err != nil {
		return err
	}
	meta.PendingClear = true

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	key := cartKey(userID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, metaField, data)
		pipe.Expire(ctx, key, c.ttl)
		pipe.SAdd(ctx, pendingUsersKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear local cart: %w", err)
	}
	return nil
}

// AckClear records that a pending clear reached the remote store
func (c *RedisLocalCache) AckClear(ctx context.Context, userID string) error {
	meta, err := c.meta(ctx, userID)
	if err != nil {
		return err
	}
	if !meta.PendingClear {
		return nil
	}
	meta.PendingClear = false

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.client.HSet(ctx, cartKey(userID), metaField, data).Err()
}

// Replace rewrites the local cart to exactly the given remote lines and
// takes the user off the pending list. LastReconciledAt never moves back.
func (c *RedisLocalCache) Replace(ctx context.Context, userID string, lines []CartLine, reconciledAt time.Time) error {
	meta, err := c.meta(ctx, userID)
	if err != nil {
		return err
	}
	if reconciledAt.After(meta.LastReconciledAt) {
		meta.LastReconciledAt = reconciledAt
	}
	meta.PendingClear = false

	metaData, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	values := make([]interface{}, 0, 2*len(lines)+2)
	values = append(values, metaField, metaData)
	for _, line := range lines {
		line.SyncState = SyncActive
		data, err := json.Marshal(LocalRecord{
			Line:      line,
			State:     SyncActive,
			UpdatedAt: reconciledAt,
		})
		if err != nil {
			return err
		}
		values = append(values, lineField(line.ProductID, line.VariantID), data)
	}

	key := cartKey(userID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, c.ttl)
		pipe.SRem(ctx, pendingUsersKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace local cart: %w", err)
	}
	return nil
}

// HasPending reports whether the user is on the pending list
func (c *RedisLocalCache) HasPending(ctx context.Context, userID string) (bool, error) {
	return c.client.SIsMember(ctx, pendingUsersKey, userID).Result()
}

// PendingUsers lists users with records waiting for replay
func (c *RedisLocalCache) PendingUsers(ctx context.Context) ([]string, error) {
	users, err := c.client.SMembers(ctx, pendingUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending carts: %w", err)
	}
	return users, nil
}

// SaveStockSnapshot remembers the last stock level read from the inventory
// store, used to validate mutations while it is unreachable
func (c *RedisLocalCache) SaveStockSnapshot(ctx context.Context, stock inventory.Stock) error {
	data, err := json.Marshal(stock)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stockSnapshotKey(stock.ProductID, stock.VariantID), data, c.ttl).Err()
}

// StockSnapshot returns the last known stock level. ok is false when none
// was recorded.
func (c *RedisLocalCache) StockSnapshot(ctx context.Context, productID, variantID uint) (inventory.Stock, bool, error) {
	raw, err := c.client.Get(ctx, stockSnapshotKey(productID, variantID)).Result()
	if errors.Is(err, redis.Nil) {
		return inventory.Stock{}, false, nil
	}
	if err != nil {
		return inventory.Stock{}, false, err
	}

	var stock inventory.Stock
	if err := json.Unmarshal([]byte(raw), &stock); err != nil {
		return inventory.Stock{}, false, err
	}
	return stock, true, nil
}

func (c *RedisLocalCache) meta(ctx context.Context, userID string) (localMeta, error) {
	var meta localMeta
	raw, err := c.client.HGet(ctx, cartKey(userID), metaField).Result()
	if errors.Is(err, redis.Nil) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("failed to read local cart meta: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, fmt.Errorf("failed to decode local cart meta: %w", err)
	}
	return meta, nil
}
