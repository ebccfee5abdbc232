// internal/domain/cart/entity.go
package cart

import (
	"fmt"
	"sort"
	"time"
)

// SyncState tells whether a line is confirmed by the remote store
type SyncState string

const (
	// SyncActive lines mirror the remote store
	SyncActive SyncState = "active"
	// SyncPending lines were changed locally and still need to reach the remote
	SyncPending SyncState = "pending-sync"
	// SyncTombstone marks a local deletion the remote has not seen yet
	SyncTombstone SyncState = "tombstone"
)

// PendingOp is the mutation a pending local record replays on reconnect
type PendingOp string

const (
	OpNone   PendingOp = ""
	OpAdd    PendingOp = "add"    // add Delta to whatever the remote holds
	OpSet    PendingOp = "set"    // set the remote quantity to Line.Quantity
	OpDelete PendingOp = "delete" // delete the remote line for the key
)

// LineKey is the identity of a cart line
type LineKey struct {
	UserID    string `json:"user_id"`
	ProductID uint   `json:"product_id"`
	VariantID uint   `json:"variant_id"`
}

func (k LineKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.UserID, k.ProductID, k.VariantID)
}

// CartLine is one row of a user's cart. There is at most one per LineKey.
// Rows are hard-deleted; a soft-delete column would keep the unique index
// occupied after removal.
type CartLine struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	UserID         string    `gorm:"not null;size:64;uniqueIndex:idx_cart_lines_key" json:"user_id"`
	ProductID      uint      `gorm:"not null;uniqueIndex:idx_cart_lines_key" json:"product_id"`
	VariantID      uint      `gorm:"not null;uniqueIndex:idx_cart_lines_key" json:"variant_id"`
	Quantity       int       `gorm:"not null;check:chk_cart_lines_quantity,quantity > 0" json:"quantity"`
	UnitPriceCents int64     `gorm:"not null" json:"unit_price_cents"` // captured at add time
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	SyncState SyncState `gorm:"-" json:"sync_state"`
}

// TableName overrides the table name
func (CartLine) TableName() string {
	return "cart_lines"
}

// Key returns the line identity
func (l CartLine) Key() LineKey {
	return LineKey{UserID: l.UserID, ProductID: l.ProductID, VariantID: l.VariantID}
}

// SubtotalCents is quantity × unit price
func (l CartLine) SubtotalCents() int64 {
	return int64(l.Quantity) * l.UnitPriceCents
}

// Cart is a snapshot of one user's (or guest session's) cart
type Cart struct {
	UserID           string     `json:"user_id"`
	Lines            []CartLine `json:"lines"`
	LastReconciledAt time.Time  `json:"last_reconciled_at"`
	// Degraded is set when the snapshot was served from the local cache
	Degraded bool `json:"degraded"`
}

// TotalCents is Σ quantity × unit price
func (c *Cart) TotalCents() int64 {
	var total int64
	for _, line := range c.Lines {
		total += line.SubtotalCents()
	}
	return total
}

// Count is the number of units across all lines
func (c *Cart) Count() int {
	count := 0
	for _, line := range c.Lines {
		count += line.Quantity
	}
	return count
}

// Line finds the line for a product variant
func (c *Cart) Line(productID, variantID uint) (CartLine, bool) {
	for _, line := range c.Lines {
		if line.ProductID == productID && line.VariantID == variantID {
			return line, true
		}
	}
	return CartLine{}, false
}

// HasPending reports whether any line is not yet confirmed remotely
func (c *Cart) HasPending() bool {
	for _, line := range c.Lines {
		if line.SyncState == SyncPending {
			return true
		}
	}
	return false
}

// LocalRecord is how a line is kept in the local cache
type LocalRecord struct {
	Line      CartLine  `json:"line"`
	State     SyncState `json:"state"`
	Op        PendingOp `json:"op,omitempty"`
	Delta     int       `json:"delta,omitempty"` // units added while offline, replayed by addition
	UpdatedAt time.Time `json:"updated_at"`
}

// Pending reports whether the record still has to be replayed remotely
func (r LocalRecord) Pending() bool {
	return r.State == SyncPending || r.State == SyncTombstone
}

// LocalCart is the local mirror of a cart
type LocalCart struct {
	UserID           string
	Records          []LocalRecord
	LastReconciledAt time.Time
	// PendingClear means the whole cart was cleared offline; replayed
	// before any record.
	PendingClear bool
}

// Record finds the record for a key
func (lc *LocalCart) Record(key LineKey) (LocalRecord, bool) {
	for _, rec := range lc.Records {
		if rec.Line.Key() == key {
			return rec, true
		}
	}
	return LocalRecord{}, false
}

// RecordByLineID finds the record holding line id
func (lc *LocalCart) RecordByLineID(lineID string) (LocalRecord, bool) {
	for _, rec := range lc.Records {
		if rec.Line.ID == lineID {
			return rec, true
		}
	}
	return LocalRecord{}, false
}

// Pending returns the records waiting for replay, oldest change first
func (lc *LocalCart) Pending() []LocalRecord {
	var pending []LocalRecord
	for _, rec := range lc.Records {
		if rec.Pending() {
			pending = append(pending, rec)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})
	return pending
}

// HasPending reports whether anything needs to reach the remote
func (lc *LocalCart) HasPending() bool {
	return lc.PendingClear || len(lc.Pending()) > 0
}

// View turns the local mirror into a cart snapshot, hiding tombstones
func (lc *LocalCart) View() *Cart {
	c := &Cart{
		UserID:           lc.UserID,
		Lines:            []CartLine{},
		LastReconciledAt: lc.LastReconciledAt,
	}
	for _, rec := range lc.Records {
		if rec.State == SyncTombstone {
			continue
		}
		line := rec.Line
		line.SyncState = rec.State
		c.Lines = append(c.Lines, line)
	}
	sortLines(c.Lines)
	return c
}

func sortLines(lines []CartLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].CreatedAt.Equal(lines[j].CreatedAt) {
			return lines[i].CreatedAt.Before(lines[j].CreatedAt)
		}
		return lines[i].ID < lines[j].ID
	})
}
