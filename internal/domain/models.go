package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending   = "Pending"
	StatusProcessed = "Processed"
)

const (
	StageValidation = "validation"
	StageSync       = "sync"
	StageException  = "exception"
)

type InventoryMatch string

const (
	MatchDateAndBranch InventoryMatch = "date+branch"
	MatchDateOnly      InventoryMatch = "date-only"
)

type SaleOrder struct {
	PosOrderID          string
	PosSaleID           string
	OutletID            string
	SourceEventID       string
	OccurredAt          time.Time
	OrderType           string
	BillType            string
	PriceType           string
	TotalDiscount       decimal.NullDecimal
	TotalDiscountAmount decimal.NullDecimal
	TotalGST            decimal.NullDecimal
	ServiceCharges      decimal.NullDecimal
	DeliveryCharges     decimal.NullDecimal
	Tip                 decimal.NullDecimal
	PosFee              decimal.NullDecimal
	BranchID            *int
	Items               []LineItem
	Payments            []Payment
	Customer            *Customer
	Inventory           []InventoryConsumption
}

// InventoryIDs returns the source row ids of the inventory rows matched to the order.
func (o SaleOrder) InventoryIDs() []string {
	ids := make([]string, 0, len(o.Inventory))
	for _, ic := range o.Inventory {
		ids = append(ids, ic.PosID)
	}
	return ids
}

type LineItem struct {
	PosItemID         string
	Name              string
	Quantity          decimal.Decimal
	UnitPrice         decimal.Decimal
	SalePrice         decimal.Decimal
	VatExclusivePrice decimal.Decimal
	Discount          decimal.Decimal
	Tax               decimal.Decimal
	FlavourID         *string
	ModifierID        *string
}

type Payment struct {
	Method string
	Amount decimal.Decimal
}

type Customer struct {
	Name  *string
	Phone *string
	Email *string
}

type InventoryConsumption struct {
	PosID             string
	RawItemID         string
	QuantityConsumed  decimal.Decimal
	RemainingQuantity decimal.NullDecimal
	PosDate           *time.Time
	KdsID             *string
	TypeC             *string
	BranchID          *int
	Match             InventoryMatch
	BranchMissingNote string
}

type SyncFailure struct {
	OrderID string `json:"order_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type SyncRunResult struct {
	RunID      string        `json:"run_id"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Failures   []SyncFailure `json:"failures"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

type RuntimeConfig struct {
	BatchSize     int        `json:"batch_size"`
	MinOccurredAt *time.Time `json:"min_occurred_at,omitempty"`
	MaxOccurredAt *time.Time `json:"max_occurred_at,omitempty"`
}

type ProcessedSummary struct {
	BillID        string              `json:"bill_id"`
	SaleID        string              `json:"sale_id"`
	OccurredAt    time.Time           `json:"occurred_at"`
	PaymentAmount decimal.NullDecimal `json:"payment_amount"`
	PaymentType   string              `json:"payment_type,omitempty"`
}

// WindowUpdateRequest changes the sync window. Nil fields keep their current
// value unless the matching Clear flag is set.
type WindowUpdateRequest struct {
	BatchSize     *int       `json:"batch_size,omitempty"`
	MinOccurredAt *time.Time `json:"min_occurred_at,omitempty"`
	MaxOccurredAt *time.Time `json:"max_occurred_at,omitempty"`
	ClearMin      bool       `json:"clear_min,omitempty"`
	ClearMax      bool       `json:"clear_max,omitempty"`
}
