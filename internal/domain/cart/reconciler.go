// internal/domain/cart/reconciler.go
package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/pkg/metrics"
	"github.com/your-org/cartsync/internal/pkg/remote"
	"golang.org/x/sync/singleflight"
)

// NoticeSavedLocally accompanies every degraded mutation
const NoticeSavedLocally = "saved locally, will sync"

const maxConflictRounds = 8

// Reconciler owns every cart mutation. It writes through to the remote
// store, mirrors results into the local cache and falls back to the local
// cache alone when the remote cannot be reached.
type Reconciler struct {
	repo       Repository
	local      LocalCache
	stock      StockReader
	cartGuard  *remote.Guard
	stockGuard *remote.Guard
	metrics    *metrics.CartMetrics
	logger     logrus.FieldLogger

	users   *lockTable
	lines   *lockTable
	flights singleflight.Group

	now   func() time.Time
	newID func() string
}

// ReconcilerOptions wires a Reconciler
type ReconcilerOptions struct {
	Repository Repository
	Local      LocalCache
	Stock      StockReader
	CartGuard  *remote.Guard
	StockGuard *remote.Guard
	Metrics    *metrics.CartMetrics
	Logger     logrus.FieldLogger
}

// MutationResult is returned by every cart mutation
type MutationResult struct {
	Line     *CartLine `json:"line,omitempty"`
	Degraded bool      `json:"degraded"`
	Notice   string    `json:"notice,omitempty"`
}

// NewReconciler creates a new cart reconciler
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCartMetrics(prometheus.NewRegistry())
	}

	return &Reconciler{
		repo:       opts.Repository,
		local:      opts.Local,
		stock:      opts.Stock,
		cartGuard:  opts.CartGuard,
		stockGuard: opts.StockGuard,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithField("component", "cart_reconciler"),
		users:      newLockTable(),
		lines:      newLockTable(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// AddLine adds quantity units of a variant to the cart, merging into the
// existing line for the same key. The unit price is taken from the
// inventory store when the line is first created.
func (r *Reconciler) AddLine(ctx context.Context, userID string, productID, variantID uint, quantity int) (*MutationResult, error) {
	if err := validateKey(userID, productID, variantID); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "must be greater than 0"}
	}

	behind := r.syncIfPending(ctx, userID)

	key := LineKey{UserID: userID, ProductID: productID, VariantID: variantID}
	unlock := r.lockLine(key)
	defer unlock()

	stock, err := r.readStock(ctx, productID, variantID)
	if err != nil {
		r.observe("add", err)
		return nil, err
	}

	if !behind && stock.Known {
		line, err := r.mergeAdd(ctx, CartLine{
			ID:             r.newID(),
			UserID:         userID,
			ProductID:      productID,
			VariantID:      variantID,
			UnitPriceCents: stock.UnitPriceCents,
		}, quantity, stock)
		if err == nil {
			r.writeThrough(ctx, line)
			r.observe("add", nil)
			return &MutationResult{Line: line}, nil
		}
		if !remote.IsUnavailable(err) {
			r.observe("add", err)
			return nil, err
		}
	}

	result, err := r.addLocal(ctx, key, quantity, stock)
	r.observe("add", err)
	return result, err
}

// UpdateQuantity sets the quantity of a line. Zero or less removes it.
func (r *Reconciler) UpdateQuantity(ctx context.Context, userID, lineID string, quantity int) (*MutationResult, error) {
	if quantity <= 0 {
		return r.RemoveLine(ctx, userID, lineID)
	}
	if userID == "" || lineID == "" {
		return nil, &ValidationError{Field: "line_id", Message: "is required"}
	}

	behind := r.syncIfPending(ctx, userID)

	key, err := r.lineKey(ctx, userID, lineID, behind)
	if err != nil {
		r.observe("update", err)
		return nil, err
	}
	unlock := r.lockLine(key)
	defer unlock()

	stock, err := r.readStock(ctx, key.ProductID, key.VariantID)
	if err != nil {
		r.observe("update", err)
		return nil, err
	}

	if !behind && stock.Known {
		line, err := r.remoteSet(ctx, userID, lineID, quantity, stock)
		if err == nil {
			r.writeThrough(ctx, line)
			r.observe("update", nil)
			return &MutationResult{Line: line}, nil
		}
		if !remote.IsUnavailable(err) {
			r.observe("update", err)
			return nil, err
		}
	}

	result, err := r.setLocal(ctx, key, quantity, stock)
	r.observe("update", err)
	return result, err
}

// RemoveLine deletes a line
func (r *Reconciler) RemoveLine(ctx context.Context, userID, lineID string) (*MutationResult, error) {
	if userID == "" || lineID == "" {
		return nil, &ValidationError{Field: "line_id", Message: "is required"}
	}

	behind := r.syncIfPending(ctx, userID)

	key, err := r.lineKey(ctx, userID, lineID, behind)
	if err != nil {
		r.observe("remove", err)
		return nil, err
	}
	unlock := r.lockLine(key)
	defer unlock()

	if !behind {
		err = r.cartGuard.Do(ctx, "delete_line", func(ctx context.Context) error {
			return r.repo.DeleteLine(ctx, userID, lineID)
		})
		if err == nil {
			if err := r.local.DeleteRecord(ctx, key); err != nil {
				r.logger.WithError(err).Warn("Failed to mirror line removal locally")
			}
			r.observe("remove", nil)
			return &MutationResult{}, nil
		}
		if !remote.IsUnavailable(err) {
			r.observe("remove", err)
			return nil, err
		}
	}

	result, err := r.removeLocal(ctx, key)
	r.observe("remove", err)
	return result, err
}

// ClearCart removes every line of the cart
func (r *Reconciler) ClearCart(ctx context.Context, userID string) (*MutationResult, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}

	unlock := r.users.Lock(userID)
	defer unlock()

	err := r.cartGuard.Do(ctx, "clear_cart", func(ctx context.Context) error {
		return r.repo.DeleteByUser(ctx, userID)
	})
	if err == nil {
		if err := r.local.Replace(ctx, userID, nil, r.now()); err != nil {
			r.logger.WithError(err).Warn("Failed to mirror cart clear locally")
		}
		r.observe("clear", nil)
		return &MutationResult{}, nil
	}
	if !remote.IsUnavailable(err) {
		r.observe("clear", err)
		return nil, err
	}

	if lerr := r.local.MarkCleared(ctx, userID); lerr != nil {
		r.observe("clear", lerr)
		return nil, fmt.Errorf("%w: local cache: %v", remote.ErrUnavailable, lerr)
	}
	r.metrics.DegradedWrites.WithLabelValues("clear").Inc()
	r.observe("clear", nil)
	return &MutationResult{Degraded: true, Notice: NoticeSavedLocally}, nil
}

// GetCart returns the cart from the remote store, or from the local cache
// while the remote is unreachable
func (r *Reconciler) GetCart(ctx context.Context, userID string) (*Cart, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}

	for attempt := 0; attempt < 2; attempt++ {
		if r.syncIfPending(ctx, userID) {
			return r.localView(ctx, userID, remote.ErrUnavailable)
		}
		c, err := r.remoteCart(ctx, userID)
		if !errors.Is(err, errPendingWrites) {
			return c, err
		}
	}

	// a degraded write keeps landing between replay and read
	return r.localView(ctx, userID, remote.ErrUnavailable)
}

var errPendingWrites = errors.New("cart has pending local writes")

// remoteCart lists the remote lines and mirrors them into the local cache.
// It holds the user exclusively so no degraded write lands between the list
// and the mirror, which would otherwise be erased.
func (r *Reconciler) remoteCart(ctx context.Context, userID string) (*Cart, error) {
	unlock := r.users.Lock(userID)
	defer unlock()

	if pending, err := r.local.HasPending(ctx, userID); err == nil && pending {
		return nil, errPendingWrites
	}

	var lines []CartLine
	err := r.cartGuard.Do(ctx, "list_lines", func(ctx context.Context) error {
		var err error
		lines, err = r.repo.ListLines(ctx, userID)
		return err
	})
	if err != nil {
		if !remote.IsUnavailable(err) {
			return nil, err
		}
		return r.localView(ctx, userID, err)
	}

	now := r.now()
	if err := r.local.Replace(ctx, userID, lines, now); err != nil {
		r.logger.WithError(err).Warn("Failed to refresh local cart")
	}

	if lines == nil {
		lines = []CartLine{}
	}
	return &Cart{UserID: userID, Lines: lines, LastReconciledAt: now}, nil
}

// GetTotal is Σ quantity × unit price in cents
func (r *Reconciler) GetTotal(ctx context.Context, userID string) (int64, error) {
	c, err := r.GetCart(ctx, userID)
	if err != nil {
		return 0, err
	}
	return c.TotalCents(), nil
}

// GetCount is the number of units in the cart
func (r *Reconciler) GetCount(ctx context.Context, userID string) (int, error) {
	c, err := r.GetCart(ctx, userID)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

type addPhase int

const (
	phaseLookup addPhase = iota
	phaseInsert
	phaseConflict
	phaseMerge
)

// mergeAdd adds delta units to the remote line for template's key. A unique
// violation on insert means another writer created the line first; the
// line is re-read and the quantities merged by addition.
func (r *Reconciler) mergeAdd(ctx context.Context, template CartLine, delta int, stock stockView) (*CartLine, error) {
	key := template.Key()
	phase := phaseLookup
	var existing *CartLine

	for round := 0; round < maxConflictRounds; {
		switch phase {
		case phaseLookup:
			line, err := r.remoteLineByKey(ctx, key)
			switch {
			case errors.Is(err, ErrLineNotFound):
				phase = phaseInsert
			case err != nil:
				return nil, err
			default:
				existing = line
				phase = phaseMerge
			}

		case phaseInsert:
			if err := checkStock(stock, 0, delta); err != nil {
				return nil, err
			}
			line := template
			line.Quantity = delta
			err := r.cartGuard.Do(ctx, "upsert_line", func(ctx context.Context) error {
				return r.repo.UpsertLine(ctx, &line)
			})
			if errors.Is(err, ErrUniqueViolation) {
				phase = phaseConflict
				continue
			}
			if err != nil {
				return nil, err
			}
			line.SyncState = SyncActive
			return &line, nil

		case phaseConflict:
			round++
			r.metrics.ConflictMerges.Inc()
			r.logger.WithField("key", key.String()).Info("Cart line written concurrently, merging quantities")
			if fresh, err := r.readStock(ctx, key.ProductID, key.VariantID); err == nil && fresh.Known {
				stock = fresh
			}
			phase = phaseLookup

		case phaseMerge:
			if err := checkStock(stock, existing.Quantity, existing.Quantity+delta); err != nil {
				return nil, err
			}
			var line *CartLine
			err := r.cartGuard.Do(ctx, "merge_line", func(ctx context.Context) error {
				var err error
				line, err = r.repo.CompareAndSetQuantity(ctx, key.UserID, existing.ID, existing.Quantity, existing.Quantity+delta)
				return err
			})
			if errors.Is(err, ErrStaleLine) || errors.Is(err, ErrLineNotFound) {
				phase = phaseConflict
				continue
			}
			if err != nil {
				return nil, err
			}
			line.SyncState = SyncActive
			return line, nil
		}
	}

	return nil, fmt.Errorf("failed to add to cart line %s: %w", key, ErrStaleLine)
}

func (r *Reconciler) remoteSet(ctx context.Context, userID, lineID string, quantity int, stock stockView) (*CartLine, error) {
	current, err := r.remoteLine(ctx, userID, lineID)
	if err != nil {
		return nil, err
	}
	if err := checkStock(stock, current.Quantity, quantity); err != nil {
		return nil, err
	}

	var line *CartLine
	err = r.cartGuard.Do(ctx, "update_line", func(ctx context.Context) error {
		var err error
		line, err = r.repo.UpdateLine(ctx, userID, lineID, quantity)
		return err
	})
	if err != nil {
		return nil, err
	}
	line.SyncState = SyncActive
	return line, nil
}

// addLocal records an add in the local cache. With unknown stock the price is
// zero until replay fills it in from the inventory store.
func (r *Reconciler) addLocal(ctx context.Context, key LineKey, quantity int, stock stockView) (*MutationResult, error) {
	lc, err := r.local.Load(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: local cache: %v", remote.ErrUnavailable, err)
	}

	rec, exists := lc.Record(key)
	existing := 0
	if exists && rec.State != SyncTombstone {
		existing = rec.Line.Quantity
	}
	if err := checkStock(stock, existing, existing+quantity); err != nil {
		return nil, err
	}

	now := r.now()
	switch {
	case !exists:
		rec = LocalRecord{
			Line: CartLine{
				ID:             r.newID(),
				UserID:         key.UserID,
				ProductID:      key.ProductID,
				VariantID:      key.VariantID,
				Quantity:       quantity,
				UnitPriceCents: stock.UnitPriceCents,
				CreatedAt:      now,
			},
			Op:    OpAdd,
			Delta: quantity,
		}
	case rec.State == SyncTombstone:
		// removed then added again: the remote must end up holding exactly quantity
		rec.Line.Quantity = quantity
		rec.Line.UnitPriceCents = stock.UnitPriceCents
		rec.Op = OpSet
		rec.Delta = 0
	case rec.Op == OpSet:
		rec.Line.Quantity += quantity
	default:
		rec.Line.Quantity += quantity
		rec.Op = OpAdd
		rec.Delta += quantity
	}

	return r.putPending(ctx, rec, "add")
}

func (r *Reconciler) setLocal(ctx context.Context, key LineKey, quantity int, stock stockView) (*MutationResult, error) {
	lc, err := r.local.Load(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: local cache: %v", remote.ErrUnavailable, err)
	}

	rec, ok := lc.Record(key)
	if !ok || rec.State == SyncTombstone {
		return nil, ErrLineNotFound
	}
	if err := checkStock(stock, rec.Line.Quantity, quantity); err != nil {
		return nil, err
	}

	rec.Line.Quantity = quantity
	rec.Op = OpSet
	rec.Delta = 0

	return r.putPending(ctx, rec, "update")
}

func (r *Reconciler) removeLocal(ctx context.Context, key LineKey) (*MutationResult, error) {
	lc, err := r.local.Load(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: local cache: %v", remote.ErrUnavailable, err)
	}

	rec, ok := lc.Record(key)
	if !ok || rec.State == SyncTombstone {
		return nil, ErrLineNotFound
	}

	now := r.now()
	rec.State = SyncTombstone
	rec.Op = OpDelete
	rec.Delta = 0
	rec.Line.SyncState = SyncTombstone
	rec.Line.UpdatedAt = now
	rec.UpdatedAt = now

	if err := r.local.PutRecord(ctx, key.UserID, rec); err != nil {
		return nil, fmt.Errorf("%w: local cache: %v", remote.ErrUnavailable, err)
	}
	r.metrics.DegradedWrites.WithLabelValues("remove").Inc()
	r.logger.WithField("key", key.String()).Info("Cart line removed locally, pending sync")

	return &MutationResult{Degraded: true, Notice: NoticeSavedLocally}, nil
}

func (r *Reconciler) putPending(ctx context.Context, rec LocalRecord, op string) (*MutationResult, error) {
	now := r.now()
	rec.State = SyncPending
	rec.Line.SyncState = SyncPending
	rec.Line.UpdatedAt = now
	rec.UpdatedAt = now

	if err := r.local.PutRecord(ctx, rec.Line.UserID, rec); err != nil {
		return nil, fmt.Errorf("%w: local cache: %v", remote.ErrUnavailable, err)
	}
	r.metrics.DegradedWrites.WithLabelValues(op).Inc()
	r.logger.WithFields(logrus.Fields{
		"key":      rec.Line.Key().String(),
		"op":       op,
		"quantity": rec.Line.Quantity,
	}).Info("Cart line saved locally, pending sync")

	line := rec.Line
	return &MutationResult{Line: &line, Degraded: true, Notice: NoticeSavedLocally}, nil
}

// syncIfPending replays local records before a mutation touches the remote.
// It reports whether records are still waiting, in which case the caller
// must stay on the local path to keep mutations in order.
func (r *Reconciler) syncIfPending(ctx context.Context, userID string) bool {
	pending, err := r.local.HasPending(ctx, userID)
	if err != nil {
		r.logger.WithError(err).Debug("Failed to check pending cart records")
		return false
	}
	if !pending {
		return false
	}
	if !r.cartGuard.Available() {
		return true
	}
	if _, err := r.ReconcileOnReconnect(ctx, userID); err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Debug("Reconcile before mutation failed")
		return true
	}
	return false
}

// lineKey resolves a line id to its key, from the remote when possible
func (r *Reconciler) lineKey(ctx context.Context, userID, lineID string, localOnly bool) (LineKey, error) {
	var err error = remote.ErrUnavailable
	if !localOnly {
		var line *CartLine
		line, err = r.remoteLine(ctx, userID, lineID)
		if err == nil {
			return line.Key(), nil
		}
		if !remote.IsUnavailable(err) {
			return LineKey{}, err
		}
	}

	lc, lerr := r.local.Load(ctx, userID)
	if lerr != nil {
		return LineKey{}, err
	}
	rec, ok := lc.RecordByLineID(lineID)
	if !ok || rec.State == SyncTombstone {
		return LineKey{}, ErrLineNotFound
	}
	return rec.Line.Key(), nil
}

func (r *Reconciler) localView(ctx context.Context, userID string, cause error) (*Cart, error) {
	lc, err := r.local.Load(ctx, userID)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to load local cart")
		return nil, cause
	}
	c := lc.View()
	c.Degraded = true
	return c, nil
}

func (r *Reconciler) remoteLine(ctx context.Context, userID, lineID string) (*CartLine, error) {
	var line *CartLine
	err := r.cartGuard.Do(ctx, "get_line", func(ctx context.Context) error {
		var err error
		line, err = r.repo.GetLine(ctx, userID, lineID)
		return err
	})
	return line, err
}

func (r *Reconciler) remoteLineByKey(ctx context.Context, key LineKey) (*CartLine, error) {
	var line *CartLine
	err := r.cartGuard.Do(ctx, "get_line_by_key", func(ctx context.Context) error {
		var err error
		line, err = r.repo.GetLineByKey(ctx, key)
		return err
	})
	return line, err
}

func (r *Reconciler) writeThrough(ctx context.Context, line *CartLine) {
	rec := LocalRecord{Line: *line, State: SyncActive, UpdatedAt: r.now()}
	rec.Line.SyncState = SyncActive
	if err := r.local.PutRecord(ctx, line.UserID, rec); err != nil {
		r.logger.WithError(err).WithField("key", line.Key().String()).Warn("Failed to mirror cart line locally")
	}
}

func (r *Reconciler) lockLine(key LineKey) func() {
	unlockUser := r.users.RLock(key.UserID)
	unlockLine := r.lines.Lock(key.String())
	return func() {
		unlockLine()
		unlockUser()
	}
}

func (r *Reconciler) observe(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsValidationError(err), errors.Is(err, ErrOutOfStock), errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrUnknownVariant), errors.Is(err, ErrLineNotFound):
		outcome = "rejected"
	case remote.IsUnavailable(err):
		outcome = "unavailable"
	default:
		outcome = "error"
	}
	r.metrics.Mutations.WithLabelValues(op, outcome).Inc()
}

func validateKey(userID string, productID, variantID uint) error {
	switch {
	case userID == "":
		return &ValidationError{Field: "user_id", Message: "is required"}
	case productID == 0:
		return &ValidationError{Field: "product_id", Message: "is required"}
	case variantID == 0:
		return &ValidationError{Field: "variant_id", Message: "is required"}
	}
	return nil
}
