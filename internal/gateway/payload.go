package gateway

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"possync/internal/domain"
)

type rpcEnvelope struct {
	Payload any `json:"payload"`
}

type OrderPayload struct {
	SourceEventID       string             `json:"source_event_id"`
	SaleID              string             `json:"sale_id"`
	OutletID            string             `json:"outlet_id"`
	BranchID            *int               `json:"branch_id"`
	OccurredAt          time.Time          `json:"occurred_at"`
	OrderType           string             `json:"order_type"`
	BillType            string             `json:"bill_type"`
	TotalDiscount       *json.Number       `json:"total_discount"`
	TotalDiscountAmount *json.Number       `json:"total_discount_amount"`
	TotalGST            *json.Number       `json:"total_gst"`
	ServiceCharges      *json.Number       `json:"service_charges"`
	DeliveryCharges     *json.Number       `json:"delivery_charges"`
	Tip                 *json.Number       `json:"tip"`
	PosFee              *json.Number       `json:"pos_fee"`
	PriceType           string             `json:"price_type"`
	Items               []ItemPayload      `json:"items"`
	Payments            []PaymentPayload   `json:"payments"`
	Customer            *CustomerPayload   `json:"customer"`
	InventoryConsumed   []InventoryPayload `json:"inventory_consumed"`
}

type ItemPayload struct {
	PosItemID    string      `json:"pos_item_id"`
	Name         string      `json:"name"`
	Quantity     json.Number `json:"quantity"`
	UnitPrice    json.Number `json:"unit_price"`
	SalePrice    json.Number `json:"sale_price"`
	VatExcPrice  json.Number `json:"vat_exc_price"`
	FlavourPrice json.Number `json:"flavour_price"`
	Discount     json.Number `json:"discount"`
	Tax          json.Number `json:"tax"`
	FlavourID    *string     `json:"flavour_id"`
	ModifierID   *string     `json:"modifier_id"`
	VariantID    *string     `json:"variant_id"`
	VariantKey   *string     `json:"variant_key"`
}

type PaymentPayload struct {
	Method string      `json:"method"`
	Amount json.Number `json:"amount"`
}

type CustomerPayload struct {
	Name  *string `json:"name"`
	Phone *string `json:"phone"`
	Email *string `json:"email"`
}

type InventoryPayload struct {
	PosID             string       `json:"pos_id"`
	RawItemID         string       `json:"raw_item_id"`
	QuantityConsumed  json.Number  `json:"quantity_consumed"`
	RemainingQuantity *json.Number `json:"remaining_quantity"`
	PosDate           *time.Time   `json:"pos_date"`
	KdsID             *string      `json:"kdsid"`
	TypeC             *string      `json:"typec"`
	BranchID          *int         `json:"branch_id"`
	Match             string       `json:"match"`
	BranchMissingNote *string      `json:"branch_missing_note"`
}

type FailurePayload struct {
	SourceEventID string `json:"source_event_id"`
	OutletID      string `json:"outlet_id"`
	OrderID       string `json:"order_id"`
	SaleID        string `json:"sale_id"`
	Stage         string `json:"stage"`
	Message       string `json:"message"`
	Details       any    `json:"details"`
}

// NewOrderPayload maps a sale onto the sync_pos_order argument. Money goes out
// as bare JSON numbers so no precision is lost to float conversion.
func NewOrderPayload(order domain.SaleOrder) OrderPayload {
	p := OrderPayload{
		SourceEventID:       order.SourceEventID,
		SaleID:              order.PosSaleID,
		OutletID:            order.OutletID,
		BranchID:            order.BranchID,
		OccurredAt:          order.OccurredAt,
		OrderType:           order.OrderType,
		BillType:            order.BillType,
		TotalDiscount:       nullNumber(order.TotalDiscount),
		TotalDiscountAmount: nullNumber(order.TotalDiscountAmount),
		TotalGST:            nullNumber(order.TotalGST),
		ServiceCharges:      nullNumber(order.ServiceCharges),
		DeliveryCharges:     nullNumber(order.DeliveryCharges),
		Tip:                 nullNumber(order.Tip),
		PosFee:              nullNumber(order.PosFee),
		PriceType:           order.PriceType,
		Items:               make([]ItemPayload, 0, len(order.Items)),
		Payments:            make([]PaymentPayload, 0, len(order.Payments)),
		InventoryConsumed:   make([]InventoryPayload, 0, len(order.Inventory)),
	}

	for _, item := range order.Items {
		p.Items = append(p.Items, ItemPayload{
			PosItemID:    item.PosItemID,
			Name:         item.Name,
			Quantity:     number(item.Quantity),
			UnitPrice:    number(item.UnitPrice),
			SalePrice:    number(item.SalePrice),
			VatExcPrice:  number(item.VatExclusivePrice),
			FlavourPrice: number(item.VatExclusivePrice),
			Discount:     number(item.Discount),
			Tax:          number(item.Tax),
			FlavourID:    item.FlavourID,
			ModifierID:   item.ModifierID,
		})
	}

	for _, pay := range order.Payments {
		p.Payments = append(p.Payments, PaymentPayload{Method: pay.Method, Amount: number(pay.Amount)})
	}

	if order.Customer != nil {
		p.Customer = &CustomerPayload{
			Name:  order.Customer.Name,
			Phone: order.Customer.Phone,
			Email: order.Customer.Email,
		}
	}

	for _, ic := range order.Inventory {
		row := InventoryPayload{
			PosID:             ic.PosID,
			RawItemID:         ic.RawItemID,
			QuantityConsumed:  number(ic.QuantityConsumed),
			RemainingQuantity: nullNumber(ic.RemainingQuantity),
			PosDate:           ic.PosDate,
			KdsID:             ic.KdsID,
			TypeC:             ic.TypeC,
			BranchID:          ic.BranchID,
			Match:             string(ic.Match),
		}
		if ic.BranchMissingNote != "" {
			note := ic.BranchMissingNote
			row.BranchMissingNote = &note
		}
		p.InventoryConsumed = append(p.InventoryConsumed, row)
	}

	return p
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func nullNumber(d decimal.NullDecimal) *json.Number {
	if !d.Valid {
		return nil
	}
	n := number(d.Decimal)
	return &n
}
