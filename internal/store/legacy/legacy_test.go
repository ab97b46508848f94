package legacy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/domain"
	"possync/internal/store"
)

const testOutlet = "3f2c7a5e-7d4b-4a51-9c3e-0a4f6b1d2e90"

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "pos.db")
	s, err := New(ctx, SQLite, dsn, Options{
		OutletID: testOutlet,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return time.Date(2025, 3, 20, 8, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, name := range []string{"schema.sql", "seed.sql"} {
		raw, err := os.ReadFile(filepath.Join("testdata", name))
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, string(raw))
		require.NoError(t, err, name)
	}
	return s
}

func orderIDs(orders []domain.SaleOrder) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.PosOrderID)
	}
	return ids
}

func TestReadPendingOrdersReturnsPendingInBillOrder(t *testing.T) {
	s := newSQLiteStore(t)

	orders, err := s.ReadPendingOrders(context.Background(), 50, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "101", "102"}, orderIDs(orders))
}

func TestReadPendingOrdersHonoursBatchSize(t *testing.T) {
	s := newSQLiteStore(t)

	orders, err := s.ReadPendingOrders(context.Background(), 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "101"}, orderIDs(orders))

	_, err = s.ReadPendingOrders(context.Background(), 0, nil, nil)
	require.ErrorIs(t, err, store.ErrInvalidBatch)
}

func TestReadPendingOrdersAppliesWindow(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	minAt := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	orders, err := s.ReadPendingOrders(ctx, 50, &minAt, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "102"}, orderIDs(orders))

	maxAt := time.Date(2025, 3, 14, 23, 59, 59, 0, time.UTC)
	orders, err = s.ReadPendingOrders(ctx, 50, nil, &maxAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "101"}, orderIDs(orders))

	orders, err = s.ReadPendingOrders(ctx, 50, &minAt, &maxAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, orderIDs(orders))
}

func TestReadPendingOrdersBuildsFullOrder(t *testing.T) {
	s := newSQLiteStore(t)

	orders, err := s.ReadPendingOrders(context.Background(), 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	o := orders[0]
	assert.Equal(t, "10", o.PosSaleID)
	assert.Equal(t, testOutlet, o.OutletID)
	assert.Equal(t, testOutlet+"-100", o.SourceEventID)
	assert.True(t, o.OccurredAt.Equal(time.Date(2025, 3, 14, 18, 42, 5, 0, time.UTC)), o.OccurredAt.String())
	assert.Equal(t, "Dine In", o.OrderType)
	require.NotNil(t, o.BranchID)
	assert.Equal(t, 3, *o.BranchID)

	require.Len(t, o.Payments, 1)
	assert.Equal(t, "Cash", o.Payments[0].Method)
	assert.True(t, o.Payments[0].Amount.Equal(decimal.NewFromInt(232)))

	require.NotNil(t, o.Customer)
	require.NotNil(t, o.Customer.Name)
	assert.Equal(t, "Amina", *o.Customer.Name)

	require.Len(t, o.Items, 2)
	latte := o.Items[0]
	assert.Equal(t, "1", latte.PosItemID)
	assert.Equal(t, "Latte", latte.Name)
	assert.Equal(t, "86.21", latte.VatExclusivePrice.String())
	require.NotNil(t, latte.FlavourID)
	assert.Equal(t, "4", *latte.FlavourID)
	assert.Nil(t, latte.ModifierID)

	require.Len(t, o.Inventory, 1)
	assert.Equal(t, "500", o.Inventory[0].PosID)
	assert.Equal(t, domain.MatchDateAndBranch, o.Inventory[0].Match)
	assert.Empty(t, o.Inventory[0].BranchMissingNote)
}

func TestReadPendingOrdersFlagsDateOnlyInventory(t *testing.T) {
	s := newSQLiteStore(t)

	orders, err := s.ReadPendingOrders(context.Background(), 2, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	o := orders[1]
	assert.Nil(t, o.BranchID)
	assert.Nil(t, o.Customer)
	assert.True(t, o.OccurredAt.Equal(time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)), o.OccurredAt.String())

	require.Len(t, o.Inventory, 2)
	assert.Equal(t, []string{"500", "501"}, o.InventoryIDs())
	for _, row := range o.Inventory {
		assert.Equal(t, domain.MatchDateOnly, row.Match)
		assert.Equal(t, "Branch missing for sale 11 (bill 101)", row.BranchMissingNote)
	}
}

func TestMarkOrderProcessedIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkOrderProcessed(ctx, "100", "10"))
	require.NoError(t, s.MarkOrderProcessed(ctx, "100", "10"))

	orders, err := s.ReadPendingOrders(ctx, 50, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102"}, orderIDs(orders))

	var pendingDetails int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM Saledetails WHERE saleid = 10 AND (uploadstatus IS NULL OR uploadstatus <> 'Processed')").Scan(&pendingDetails)
	require.NoError(t, err)
	assert.Zero(t, pendingDetails)

	var saleStatus string
	err = s.db.QueryRowContext(ctx, "SELECT uploadstatus FROM Sale WHERE Id = 10").Scan(&saleStatus)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, saleStatus)
}

func TestMarkOrderProcessedMissingRowsIsNoop(t *testing.T) {
	s := newSQLiteStore(t)

	require.NoError(t, s.MarkOrderProcessed(context.Background(), "999", "998"))
}

func TestMarkInventoryProcessedSkipsNonNumericIDs(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkInventoryProcessed(ctx, nil))
	require.NoError(t, s.MarkInventoryProcessed(ctx, []string{"500", "abc", " ", "501"}))

	var processed int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM InventoryConsumed WHERE uploadstatus = 'Processed'").Scan(&processed)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	orders, err := s.ReadPendingOrders(ctx, 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Empty(t, orders[0].Inventory)
}

func TestMarkInventoryProcessedIgnoresMissingRows(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkInventoryProcessed(ctx, []string{"9999"}))
	require.NoError(t, s.MarkInventoryProcessed(ctx, []string{"9999", "500"}))

	var status string
	err := s.db.QueryRowContext(ctx, "SELECT uploadstatus FROM InventoryConsumed WHERE Id = 500").Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, status)

	var missing int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM InventoryConsumed WHERE Id = 9999").Scan(&missing)
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestReadRecentProcessedNewestFirst(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkOrderProcessed(ctx, "100", "10"))

	recent, err := s.ReadRecentProcessed(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "100", recent[0].BillID)
	assert.Equal(t, "99", recent[1].BillID)
	assert.Equal(t, "Cash", recent[0].PaymentType)
	assert.True(t, recent[0].PaymentAmount.Decimal.Equal(decimal.NewFromInt(232)))
	assert.True(t, recent[1].OccurredAt.Equal(time.Date(2025, 3, 13, 12, 0, 0, 0, time.UTC)))
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{
		"":           SQLServer.Name,
		"mssql":      SQLServer.Name,
		"PostgreSQL": Postgres.Name,
		"sqlite3":    SQLite.Name,
	} {
		d, err := DialectByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, d.Name, name)
	}

	_, err := DialectByName("oracle")
	require.Error(t, err)
}

func TestSQLServerQueriesUseTopAndHints(t *testing.T) {
	a := &args{dialect: SQLServer}
	assert.Equal(t, "@p1", a.add(1))
	assert.Equal(t, "@p2,@p3", a.addList([]any{2, 3}))
	assert.Equal(t, "dbo.BillType bt WITH (NOLOCK)", SQLServer.table("BillType", "bt"))
	assert.Equal(t, "dbo.BillType", SQLServer.target("BillType"))
	assert.Equal(t, "BillType bt", Postgres.table("BillType", "bt"))
}
