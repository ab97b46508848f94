package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// vatDivisor is the VAT-inclusive multiplier applied at the till (16%).
var vatDivisor = decimal.RequireFromString("1.16")

// SourceEventID is the idempotency key the remote side deduplicates on.
func SourceEventID(outletID string, orderID string) string {
	return outletID + "-" + orderID
}

// VatExclusivePrice strips VAT from a tax-inclusive sale price, rounding half away from zero to cents.
func VatExclusivePrice(salePrice decimal.Decimal) decimal.Decimal {
	return salePrice.Div(vatDivisor).Round(2)
}

// CombineOccurredAt joins the calendar date of saleDate with the time of day of saleTime.
// Without a time of day the date is returned unchanged.
func CombineOccurredAt(saleDate time.Time, saleTime *time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if saleTime == nil {
		return time.Date(saleDate.Year(), saleDate.Month(), saleDate.Day(),
			saleDate.Hour(), saleDate.Minute(), saleDate.Second(), saleDate.Nanosecond(), loc)
	}
	return time.Date(saleDate.Year(), saleDate.Month(), saleDate.Day(),
		saleTime.Hour(), saleTime.Minute(), saleTime.Second(), saleTime.Nanosecond(), loc)
}

// NewLineItem derives the sale and VAT-exclusive prices from the unit price as entered.
func NewLineItem(itemID string, name string, qty decimal.Decimal, unitPrice decimal.Decimal, discount decimal.Decimal, tax decimal.Decimal) LineItem {
	return LineItem{
		PosItemID:         itemID,
		Name:              name,
		Quantity:          qty,
		UnitPrice:         unitPrice,
		SalePrice:         unitPrice,
		VatExclusivePrice: VatExclusivePrice(unitPrice),
		Discount:          discount,
		Tax:               tax,
	}
}

// NewCustomer returns nil unless name or phone carries something.
func NewCustomer(name string, phone string) *Customer {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" && phone == "" {
		return nil
	}
	return &Customer{Name: optionalString(name), Phone: optionalString(phone)}
}

// BranchMissingNote annotates inventory rows matched on date only.
func BranchMissingNote(saleID string, billID string) string {
	return fmt.Sprintf("Branch missing for sale %s (bill %s)", saleID, billID)
}

func optionalString(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}
