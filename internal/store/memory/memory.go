package memory

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"possync/internal/domain"
	"possync/internal/store"
)

type orderRecord struct {
	seq    int
	order  domain.SaleOrder
	status string
}

type inventoryRecord struct {
	seq    int
	row    domain.InventoryConsumption
	status string
	// free rows come from AddInventory and are matched to sales at read time.
	free bool
}

// Store keeps sales in insertion order, which stands in for the legacy
// native key. Rows attached through AddOrder stay with their sale; rows added
// with AddInventory are matched by calendar date and branch the way the legacy
// store matches them.
type Store struct {
	mu        sync.RWMutex
	seq       int
	orders    map[string]*orderRecord
	inventory map[string]*inventoryRecord

	readErr       error
	markOrderErrs map[string]error
	markInvCalls  [][]string
}

var _ store.SourceStore = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:        make(map[string]*orderRecord),
		inventory:     make(map[string]*inventoryRecord),
		markOrderErrs: make(map[string]error),
	}
}

// NewSeeded returns a store with a handful of demo sales for running without a
// legacy database.
func NewSeeded(outletID string) *Store {
	s := New()
	now := time.Now().UTC().Truncate(time.Minute)
	branch := 1

	for i, item := range []struct {
		id    string
		name  string
		price string
		qty   int64
	}{
		{"1", "Cappuccino", "450", 2},
		{"2", "Club Sandwich", "1250", 1},
		{"3", "Fresh Lime", "380", 3},
	} {
		orderID := strconv.Itoa(1000 + i)
		saleID := strconv.Itoa(500 + i)
		price := decimal.RequireFromString(item.price)
		qty := decimal.NewFromInt(item.qty)
		s.AddOrder(domain.SaleOrder{
			PosOrderID:    orderID,
			PosSaleID:     saleID,
			OutletID:      outletID,
			SourceEventID: domain.SourceEventID(outletID, orderID),
			OccurredAt:    now.Add(time.Duration(i) * time.Minute),
			OrderType:     "Dine In",
			BillType:      "Cash",
			PriceType:     "Retail",
			BranchID:      &branch,
			Items: []domain.LineItem{
				domain.NewLineItem(item.id, item.name, qty, price, decimal.Zero, decimal.Zero),
			},
			Payments: []domain.Payment{{Method: "Cash", Amount: price.Mul(qty)}},
		})
	}
	for i, raw := range []struct {
		id  string
		qty string
	}{
		{"RM-COFFEE", "0.036"},
		{"RM-MILK", "0.300"},
	} {
		posDate := now
		s.AddInventory(domain.InventoryConsumption{
			PosID:            strconv.Itoa(9000 + i),
			RawItemID:        raw.id,
			QuantityConsumed: decimal.RequireFromString(raw.qty),
			PosDate:          &posDate,
			BranchID:         &branch,
		})
	}
	return s
}

// AddOrder registers a pending sale together with its inventory rows.
func (s *Store) AddOrder(order domain.SaleOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.orders[order.PosOrderID] = &orderRecord{seq: s.seq, order: order, status: domain.StatusPending}
	for _, row := range order.Inventory {
		if _, exists := s.inventory[row.PosID]; exists {
			continue
		}
		s.seq++
		s.inventory[row.PosID] = &inventoryRecord{seq: s.seq, row: row, status: domain.StatusPending}
	}
}

// AddInventory registers a pending consumption row that belongs to no sale
// yet. Its PosDate and BranchID decide which sales pick it up.
func (s *Store) AddInventory(row domain.InventoryConsumption) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.inventory[row.PosID]; exists {
		return
	}
	s.seq++
	s.inventory[row.PosID] = &inventoryRecord{seq: s.seq, row: row, status: domain.StatusPending, free: true}
}

// FailReads makes every subsequent ReadPendingOrders return err.
func (s *Store) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// FailMarkOrder makes MarkOrderProcessed return err for orderID.
func (s *Store) FailMarkOrder(orderID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markOrderErrs[orderID] = err
}

func (s *Store) OrderStatus(orderID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.orders[orderID]
	if !ok {
		return "", store.ErrNotFound
	}
	return rec.status, nil
}

func (s *Store) InventoryStatus(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.inventory[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return rec.status, nil
}

// MarkInventoryCalls returns the id lists passed to MarkInventoryProcessed.
func (s *Store) MarkInventoryCalls() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	calls := make([][]string, len(s.markInvCalls))
	for i, c := range s.markInvCalls {
		calls[i] = slices.Clone(c)
	}
	return calls
}

func (s *Store) ReadPendingOrders(_ context.Context, batchSize int, minOccurredAt *time.Time, maxOccurredAt *time.Time) ([]domain.SaleOrder, error) {
	if batchSize < 1 {
		return nil, store.ErrInvalidBatch
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.readErr != nil {
		return nil, s.readErr
	}

	pending := make([]*orderRecord, 0, len(s.orders))
	for _, rec := range s.orders {
		if rec.status == domain.StatusProcessed {
			continue
		}
		if minOccurredAt != nil && rec.order.OccurredAt.Before(*minOccurredAt) {
			continue
		}
		if maxOccurredAt != nil && rec.order.OccurredAt.After(*maxOccurredAt) {
			continue
		}
		pending = append(pending, rec)
	}
	slices.SortFunc(pending, func(a, b *orderRecord) int { return a.seq - b.seq })
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	orders := make([]domain.SaleOrder, 0, len(pending))
	for _, rec := range pending {
		order := rec.order
		order.Items = slices.Clone(rec.order.Items)
		order.Payments = slices.Clone(rec.order.Payments)
		order.Inventory = make([]domain.InventoryConsumption, 0, len(rec.order.Inventory))
		for _, row := range rec.order.Inventory {
			if inv, ok := s.inventory[row.PosID]; ok && inv.status == domain.StatusProcessed {
				continue
			}
			order.Inventory = append(order.Inventory, row)
		}
		order.Inventory = append(order.Inventory, s.matchInventory(order)...)
		orders = append(orders, order)
	}
	return orders, nil
}

// matchInventory picks free pending rows on the sale's calendar day, limited to
// the sale's branch when it has one. Callers hold s.mu.
func (s *Store) matchInventory(order domain.SaleOrder) []domain.InventoryConsumption {
	match := domain.MatchDateAndBranch
	note := ""
	if order.BranchID == nil {
		match = domain.MatchDateOnly
		note = domain.BranchMissingNote(order.PosSaleID, order.PosOrderID)
	}

	candidates := make([]*inventoryRecord, 0)
	for _, inv := range s.inventory {
		if !inv.free || inv.status == domain.StatusProcessed || inv.row.PosDate == nil {
			continue
		}
		if !sameDay(*inv.row.PosDate, order.OccurredAt) {
			continue
		}
		if order.BranchID != nil && (inv.row.BranchID == nil || *inv.row.BranchID != *order.BranchID) {
			continue
		}
		candidates = append(candidates, inv)
	}
	slices.SortFunc(candidates, func(a, b *inventoryRecord) int { return a.seq - b.seq })

	matched := make([]domain.InventoryConsumption, 0, len(candidates))
	for _, inv := range candidates {
		row := inv.row
		row.BranchID = order.BranchID
		row.Match = match
		row.BranchMissingNote = note
		matched = append(matched, row)
	}
	return matched
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Store) MarkOrderProcessed(_ context.Context, orderID string, saleID string) error {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(saleID) == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.markOrderErrs[orderID]; err != nil {
		return err
	}
	if rec, ok := s.orders[orderID]; ok && rec.order.PosSaleID == saleID {
		rec.status = domain.StatusProcessed
	}
	return nil
}

func (s *Store) MarkInventoryProcessed(_ context.Context, inventoryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markInvCalls = append(s.markInvCalls, slices.Clone(inventoryIDs))
	for _, id := range inventoryIDs {
		if rec, ok := s.inventory[id]; ok {
			rec.status = domain.StatusProcessed
		}
	}
	return nil
}

func (s *Store) ReadRecentProcessed(_ context.Context, limit int) ([]domain.ProcessedSummary, error) {
	if limit < 1 {
		limit = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	processed := make([]*orderRecord, 0, len(s.orders))
	for _, rec := range s.orders {
		if rec.status == domain.StatusProcessed {
			processed = append(processed, rec)
		}
	}
	slices.SortFunc(processed, func(a, b *orderRecord) int { return b.seq - a.seq })
	if len(processed) > limit {
		processed = processed[:limit]
	}

	recent := make([]domain.ProcessedSummary, 0, len(processed))
	for _, rec := range processed {
		summary := domain.ProcessedSummary{
			BillID:     rec.order.PosOrderID,
			SaleID:     rec.order.PosSaleID,
			OccurredAt: rec.order.OccurredAt,
		}
		if len(rec.order.Payments) > 0 {
			summary.PaymentType = rec.order.Payments[0].Method
			summary.PaymentAmount = decimal.NewNullDecimal(rec.order.Payments[0].Amount)
		}
		recent = append(recent, summary)
	}
	return recent, nil
}
