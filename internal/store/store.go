package store

import (
	"context"
	"errors"
	"time"

	"possync/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidBatch = errors.New("invalid batch size")
	ErrInvalidID    = errors.New("invalid order id")
)

// SourceStore reads pending sales from the legacy POS database and flips their
// upload flags once the remote side has acknowledged them.
type SourceStore interface {
	ReadPendingOrders(ctx context.Context, batchSize int, minOccurredAt *time.Time, maxOccurredAt *time.Time) ([]domain.SaleOrder, error)
	MarkOrderProcessed(ctx context.Context, orderID string, saleID string) error
	MarkInventoryProcessed(ctx context.Context, inventoryIDs []string) error
	ReadRecentProcessed(ctx context.Context, limit int) ([]domain.ProcessedSummary, error)
}
